package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/meshvale/storesync/internal/sync/domain"
	"github.com/meshvale/storesync/internal/sync/ratelimit"
)

// Operation names carried inside classified errors.
const (
	opExecute   = "remote.execute"
	opBulkRun   = "remote.bulk_run"
	opBulkPoll  = "remote.bulk_poll"
	opBulkFetch = "remote.bulk_fetch"
)

// Config holds the remote platform connection settings.
type Config struct {
	Endpoint      string
	AccessToken   string
	Timeout       time.Duration
	EstimatedCost float64

	// Bulk operation polling. The interval starts at PollMinInterval and
	// doubles up to PollMaxInterval; BulkTimeout bounds the whole wait.
	PollMinInterval time.Duration
	PollMaxInterval time.Duration
	BulkTimeout     time.Duration
}

// Client executes GraphQL calls against the remote commerce platform. Every
// call reserves rate limit budget first and feeds the server-reported cost
// back into the shared limiter afterwards. After an authentication failure
// the client refuses further calls until the process restarts with fixed
// credentials.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	halted     atomic.Bool
}

// NewClient validates config and creates a client.
func NewClient(config Config, limiter *ratelimit.Limiter, logger *slog.Logger) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("remote endpoint is required")
	}
	if config.AccessToken == "" {
		return nil, fmt.Errorf("remote access token is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.EstimatedCost <= 0 {
		config.EstimatedCost = 10
	}
	if config.PollMinInterval <= 0 {
		config.PollMinInterval = 2 * time.Second
	}
	if config.PollMaxInterval <= 0 {
		config.PollMaxInterval = 30 * time.Second
	}
	if config.BulkTimeout <= 0 {
		config.BulkTimeout = 30 * time.Minute
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    limiter,
		logger:     logger,
	}, nil
}

// Halted reports whether the client stopped issuing calls after an
// authentication failure.
func (c *Client) Halted() bool {
	return c.halted.Load()
}

// Execute posts one GraphQL document and returns the decoded envelope.
// Failures come back classified: the caller decides retry behavior from the
// failure kind alone.
func (c *Client) Execute(ctx context.Context, query string, variables map[string]any) (*Response, error) {
	if c.halted.Load() {
		return nil, domain.WrapSyncError(domain.KindAuth, opExecute, domain.ErrSyncHalted)
	}

	if err := c.limiter.Wait(ctx, c.config.EstimatedCost); err != nil {
		return nil, fmt.Errorf("rate limit wait aborted: %w", err)
	}

	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Access-Token", c.config.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.WrapSyncError(domain.KindTransient, opExecute, err)
	}
	defer resp.Body.Close()

	if err := c.classifyStatus(resp); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.WrapSyncError(domain.KindTransient, opExecute, err)
	}

	var parsed Response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, domain.WrapSyncError(domain.KindTransient, opExecute, fmt.Errorf("failed to decode response: %w", err))
	}

	c.observeCost(&parsed)

	if err := c.classifyErrors(&parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

// classifyStatus maps non-200 responses onto the failure taxonomy.
func (c *Client) classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.halt()
		return domain.NewSyncError(domain.KindAuth, opExecute, fmt.Sprintf("authentication rejected with status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return &domain.SyncError{
			Kind:       domain.KindThrottle,
			Op:         opExecute,
			Message:    "request throttled",
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return domain.NewSyncError(domain.KindTransient, opExecute, fmt.Sprintf("server error with status %d", resp.StatusCode))
	default:
		return domain.NewSyncError(domain.KindValidation, opExecute, fmt.Sprintf("request rejected with status %d", resp.StatusCode))
	}
}

// classifyErrors maps top-level GraphQL errors onto the failure taxonomy.
// Throttle and access errors carry platform codes; everything else is a
// query the platform refused, which retrying cannot fix.
func (c *Client) classifyErrors(resp *Response) error {
	if len(resp.Errors) == 0 {
		return nil
	}

	for _, respErr := range resp.Errors {
		switch respErr.Extensions.Code {
		case "THROTTLED":
			return domain.NewSyncError(domain.KindThrottle, opExecute, respErr.Message)
		case "ACCESS_DENIED", "UNAUTHORIZED":
			c.halt()
			return domain.NewSyncError(domain.KindAuth, opExecute, respErr.Message)
		}
	}
	return domain.NewSyncError(domain.KindValidation, opExecute, formatErrors(resp.Errors))
}

func (c *Client) halt() {
	if c.halted.CompareAndSwap(false, true) {
		c.logger.Error("Authentication failed, halting remote calls until restart")
	}
}

func (c *Client) observeCost(resp *Response) {
	if resp.Extensions == nil {
		return
	}
	ts := resp.Extensions.Cost.ThrottleStatus
	if ts.MaximumAvailable > 0 {
		c.limiter.Observe(ts.CurrentlyAvailable, ts.MaximumAvailable, ts.RestoreRate)
	}
}
