package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/meshvale/storesync/internal/sync/domain"
)

// Bulk operation statuses reported by the platform.
const (
	BulkStatusCreated   = "CREATED"
	BulkStatusRunning   = "RUNNING"
	BulkStatusCompleted = "COMPLETED"
	BulkStatusFailed    = "FAILED"
	BulkStatusCanceled  = "CANCELED"
	BulkStatusExpired   = "EXPIRED"
)

// Bulk result lines can hold full product documents.
const maxBulkLineBytes = 10 * 1024 * 1024

const bulkRunMutation = `mutation bulkOperationRunQuery($query: String!) {
  bulkOperationRunQuery(query: $query) {
    bulkOperation { id status }
    userErrors { field message }
  }
}`

const bulkPollQuery = `query { currentBulkOperation { id status errorCode objectCount url } }`

// BulkOperation is the platform-side state of a bulk export.
type BulkOperation struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	ErrorCode   string `json:"errorCode"`
	ObjectCount string `json:"objectCount"`
	URL         string `json:"url"`
}

// RunBulkQuery starts a bulk export for query and returns the operation id.
// The platform runs one bulk operation at a time, so a rejection because
// another is in flight comes back as a validation user error; callers see it
// terminal and the reconciler simply tries again next sweep.
func (c *Client) RunBulkQuery(ctx context.Context, query string) (string, error) {
	resp, err := c.Execute(ctx, bulkRunMutation, map[string]any{"query": query})
	if err != nil {
		return "", err
	}
	if err := MutationUserErrors(resp.Data, "bulkOperationRunQuery"); err != nil {
		return "", err
	}

	var result struct {
		BulkOperationRunQuery struct {
			BulkOperation BulkOperation `json:"bulkOperation"`
		} `json:"bulkOperationRunQuery"`
	}
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return "", domain.WrapSyncError(domain.KindTransient, opBulkRun, fmt.Errorf("failed to decode bulk run result: %w", err))
	}

	op := result.BulkOperationRunQuery.BulkOperation
	if op.ID == "" {
		return "", domain.NewSyncError(domain.KindTransient, opBulkRun, "bulk operation id missing from response")
	}
	c.logger.Info("Started bulk operation",
		slog.String("bulk_id", op.ID),
		slog.String("status", op.Status),
	)
	return op.ID, nil
}

// PollBulkOperation fetches the platform's current bulk operation and checks
// it is still ours.
func (c *Client) PollBulkOperation(ctx context.Context, bulkID string) (*BulkOperation, error) {
	resp, err := c.Execute(ctx, bulkPollQuery, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		CurrentBulkOperation *BulkOperation `json:"currentBulkOperation"`
	}
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, domain.WrapSyncError(domain.KindTransient, opBulkPoll, fmt.Errorf("failed to decode bulk poll result: %w", err))
	}

	op := result.CurrentBulkOperation
	if op == nil || op.ID != bulkID {
		return nil, domain.NewSyncError(domain.KindTransient, opBulkPoll, "bulk operation no longer current")
	}
	return op, nil
}

// WaitForBulkOperation polls until the operation completes. The interval
// starts at PollMinInterval and doubles up to PollMaxInterval, since most
// runs finish in seconds while a full catalog can take minutes. Exceeding
// BulkTimeout is a bulk-timeout failure: the job retries from scratch with a
// fresh operation rather than waiting on this one forever.
func (c *Client) WaitForBulkOperation(ctx context.Context, bulkID string) (*BulkOperation, error) {
	deadline := time.Now().Add(c.config.BulkTimeout)
	interval := c.config.PollMinInterval

	for {
		op, err := c.PollBulkOperation(ctx, bulkID)
		if err != nil {
			return nil, err
		}

		switch op.Status {
		case BulkStatusCompleted:
			return op, nil
		case BulkStatusFailed, BulkStatusCanceled, BulkStatusExpired:
			return nil, domain.NewSyncError(domain.KindTransient, opBulkPoll,
				fmt.Sprintf("bulk operation ended with status %s (%s)", op.Status, op.ErrorCode))
		}

		if time.Now().Add(interval).After(deadline) {
			return nil, domain.NewSyncError(domain.KindBulkTimeout, opBulkPoll,
				fmt.Sprintf("bulk operation still %s after %s", op.Status, c.config.BulkTimeout))
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		interval *= 2
		if interval > c.config.PollMaxInterval {
			interval = c.config.PollMaxInterval
		}
	}
}

// FetchBulkResults downloads the JSONL result file and invokes fn once per
// line. Each line is an independent JSON object; fn returning an error stops
// the scan.
func (c *Client) FetchBulkResults(ctx context.Context, url string, fn func(line json.RawMessage) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build result request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.WrapSyncError(domain.KindTransient, opBulkFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.NewSyncError(domain.KindTransient, opBulkFetch, fmt.Sprintf("result download failed with status %d", resp.StatusCode))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxBulkLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer between lines.
		copied := make(json.RawMessage, len(line))
		copy(copied, line)
		if err := fn(copied); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return domain.WrapSyncError(domain.KindTransient, opBulkFetch, fmt.Errorf("result scan failed: %w", err))
	}
	return nil
}
