package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meshvale/storesync/internal/sync/domain"
	"github.com/meshvale/storesync/internal/sync/localstore"
	"github.com/meshvale/storesync/internal/sync/queue"
)

// sweepOverlap is subtracted from the last sweep time when building the
// modified-since window, so clock skew between us and the platform cannot
// hide a change. Re-covered changes are no-ops on the content hash.
const sweepOverlap = 5 * time.Minute

// startupSweepDelay gives the consumers a moment to settle before the first
// sweep of a fresh process.
const startupSweepDelay = 10 * time.Second

// summaryRoots maps entity types to the connection field their modified-since
// summary pages through. Inventory levels are absent: the platform offers no
// updated-at filter for them, so they re-import in full each sweep.
var summaryRoots = map[string]string{
	domain.EntityProduct:  "products",
	domain.EntityVariant:  "productVariants",
	domain.EntityOrder:    "orders",
	domain.EntityCustomer: "customers",
}

func summaryQuery(root string) string {
	return fmt.Sprintf(`query summaries($first: Int!, $after: String, $query: String) {
  %s(first: $first, after: $after, query: $query) {
    edges {
      node {
        id
        updated_at: updatedAt
      }
    }
    pageInfo {
      hasNextPage
      endCursor
    }
  }
}`, root)
}

// startReconcileSchedule sweeps every entity type on the configured
// interval. The first sweep runs shortly after startup so a fresh deployment
// imports the catalog without waiting out a full interval.
func (w *Worker) startReconcileSchedule(ctx context.Context) {
	w.logger.Info("Reconcile schedule started",
		slog.Duration("interval", w.reconcileInterval),
	)

	startup := time.NewTimer(startupSweepDelay)
	defer startup.Stop()

	ticker := time.NewTicker(w.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Reconcile schedule stopped")
			return
		case <-startup.C:
			w.runSweep(ctx, reconcileAll)
		case <-ticker.C:
			w.runSweep(ctx, reconcileAll)
		}
	}
}

// runSweep reconciles one entity type, or every type when asked for "all".
// Sweeps record their outcome in reconcile_state instead of returning errors;
// a failed sweep keeps its old watermark and the next run re-covers the
// window.
func (w *Worker) runSweep(ctx context.Context, entityType string) {
	if entityType == reconcileAll {
		g, gctx := errgroup.WithContext(ctx)
		for _, et := range domain.EntityTypes {
			et := et
			g.Go(func() error {
				w.sweepEntity(gctx, et)
				return nil
			})
		}
		_ = g.Wait()
		return
	}

	w.sweepEntity(ctx, entityType)
}

func (w *Worker) sweepEntity(ctx context.Context, entityType string) {
	logger := w.logger.With(slog.String("entity_type", entityType))

	if w.remote.Halted() {
		logger.Warn("Skipping reconcile sweep while remote calls are halted")
		return
	}

	st, err := w.jobs.GetReconcileState(ctx, entityType)
	if err != nil {
		logger.Error("Failed to load reconcile state",
			slog.String("error", err.Error()),
		)
		return
	}

	started := time.Now()
	enqueued, cursor, sweepErr := w.sweepOnce(ctx, entityType, st)

	st.LastEnqueued = enqueued
	st.LastCursor = cursor
	if sweepErr != nil {
		st.LastError = sweepErr.Error()
		logger.Error("Reconcile sweep failed",
			slog.String("error", sweepErr.Error()),
			slog.Int("enqueued", enqueued),
		)
	} else {
		st.LastError = ""
		// The watermark is the sweep start, so changes that land while the
		// sweep runs fall inside the next window.
		st.LastSweepAt = started
		logger.Info("Reconcile sweep finished",
			slog.Int("enqueued", enqueued),
			slog.Duration("took", time.Since(started)),
		)
	}

	if err := w.jobs.SaveReconcileState(ctx, st); err != nil {
		logger.Error("Failed to save reconcile state",
			slog.String("error", err.Error()),
		)
	}
}

// sweepOnce picks the sweep strategy. The first sweep of an entity type, and
// every inventory sweep, enqueue a full catalog import; later sweeps diff a
// modified-since summary against local state.
func (w *Worker) sweepOnce(ctx context.Context, entityType string, st *domain.ReconcileState) (int, string, error) {
	if entityType == domain.EntityInventoryLevel || st.LastSweepAt.IsZero() {
		err := w.enqueueSweepJob(ctx, &domain.SyncJob{
			EntityType: entityType,
			Operation:  domain.OperationImport,
			Direction:  domain.DirectionInbound,
			Origin:     domain.OriginReconcile,
			Priority:   domain.PriorityLow,
		})
		if err != nil {
			return 0, "", err
		}
		return 1, "", nil
	}

	since := st.LastSweepAt.Add(-sweepOverlap)
	return w.sweepModified(ctx, entityType, since)
}

// sweepModified diffs remote changes since the watermark against mappings and
// local records, and enqueues one job per detected drift. Both sides of a
// mutual drift get a job; the content hash settles whichever applies second.
func (w *Worker) sweepModified(ctx context.Context, entityType string, since time.Time) (int, string, error) {
	summaries, cursor, err := w.fetchRemoteSummaries(ctx, entityType, since)
	if err != nil {
		return 0, "", err
	}

	mappings, err := w.identity.ListActive(ctx, entityType)
	if err != nil {
		return 0, cursor, err
	}

	records, err := w.local.ListActive(ctx, entityType)
	if err != nil {
		return 0, cursor, err
	}

	byLocal := make(map[string]*domain.IdentityMapping, len(mappings))
	byRemote := make(map[string]*domain.IdentityMapping, len(mappings))
	for i := range mappings {
		m := &mappings[i]
		byLocal[m.LocalRef] = m
		byRemote[m.RemoteRef] = m
	}

	recordByRef := make(map[string]*localstore.Record, len(records))
	for i := range records {
		recordByRef[records[i].LocalRef] = &records[i]
	}

	var jobs []*domain.SyncJob

	// Remote objects we have never mapped, and mapped objects that changed
	// after their last sync: both mean a webhook never arrived. Imports of
	// objects whose pair was archived are dropped at apply time.
	for remoteRef, updatedAt := range summaries {
		m := byRemote[remoteRef]
		if m == nil {
			jobs = append(jobs, &domain.SyncJob{
				EntityType: entityType,
				Operation:  domain.OperationImport,
				Direction:  domain.DirectionInbound,
				RemoteRef:  remoteRef,
				Origin:     domain.OriginReconcile,
				Priority:   domain.PriorityLow,
			})
			continue
		}
		if updatedAt.After(m.LastSyncedAt) {
			jobs = append(jobs, &domain.SyncJob{
				EntityType: entityType,
				Operation:  domain.OperationUpdate,
				Direction:  domain.DirectionInbound,
				LocalRef:   m.LocalRef,
				RemoteRef:  remoteRef,
				Origin:     domain.OriginReconcile,
				Priority:   domain.PriorityLow,
			})
		}
	}

	syncer := w.syncers[entityType]
	exportable := syncer != nil && syncer.Exportable()

	// Local records the platform has never seen, and local edits whose
	// outbound push was lost.
	for localRef, rec := range recordByRef {
		m := byLocal[localRef]
		if m == nil {
			if exportable {
				jobs = append(jobs, &domain.SyncJob{
					EntityType: entityType,
					Operation:  domain.OperationCreate,
					Direction:  domain.DirectionOutbound,
					LocalRef:   localRef,
					Origin:     domain.OriginReconcile,
					Priority:   domain.PriorityLow,
				})
			}
			continue
		}
		if rec.ContentHash != m.ContentHash {
			jobs = append(jobs, &domain.SyncJob{
				EntityType: entityType,
				Operation:  domain.OperationUpdate,
				Direction:  domain.DirectionOutbound,
				LocalRef:   localRef,
				RemoteRef:  m.RemoteRef,
				Origin:     domain.OriginReconcile,
				Priority:   domain.PriorityLow,
			})
		}
	}

	// Mappings whose local record is gone: the local delete never reached
	// the platform.
	for localRef, m := range byLocal {
		if recordByRef[localRef] == nil {
			jobs = append(jobs, &domain.SyncJob{
				EntityType: entityType,
				Operation:  domain.OperationDelete,
				Direction:  domain.DirectionOutbound,
				LocalRef:   localRef,
				RemoteRef:  m.RemoteRef,
				Origin:     domain.OriginReconcile,
				Priority:   domain.PriorityLow,
			})
		}
	}

	enqueued := 0
	for _, job := range jobs {
		if err := w.enqueueSweepJob(ctx, job); err != nil {
			return enqueued, cursor, err
		}
		enqueued++
	}
	return enqueued, cursor, nil
}

// fetchRemoteSummaries pages the modified-since summary connection and
// returns remote ref to updated-at, plus the final page cursor.
func (w *Worker) fetchRemoteSummaries(ctx context.Context, entityType string, since time.Time) (map[string]time.Time, string, error) {
	root, ok := summaryRoots[entityType]
	if !ok {
		return nil, "", fmt.Errorf("no summary query for entity type %s", entityType)
	}

	doc := summaryQuery(root)
	filter := fmt.Sprintf("updated_at:>'%s'", since.UTC().Format(time.RFC3339))

	summaries := make(map[string]time.Time)
	cursor := ""

	for {
		vars := map[string]any{
			"first": w.reconcilePageSize,
			"query": filter,
		}
		if cursor != "" {
			vars["after"] = cursor
		}

		resp, err := w.remote.Execute(ctx, doc, vars)
		if err != nil {
			return nil, cursor, err
		}

		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(resp.Data, &envelope); err != nil {
			return nil, cursor, fmt.Errorf("failed to decode summary envelope: %w", err)
		}

		var page struct {
			Edges []struct {
				Node struct {
					ID        string    `json:"id"`
					UpdatedAt time.Time `json:"updated_at"`
				} `json:"node"`
			} `json:"edges"`
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
		}
		if err := json.Unmarshal(envelope[root], &page); err != nil {
			return nil, cursor, fmt.Errorf("summary root %q missing: %w", root, err)
		}

		for _, edge := range page.Edges {
			if edge.Node.ID == "" {
				continue
			}
			summaries[edge.Node.ID] = edge.Node.UpdatedAt
		}

		if page.PageInfo.EndCursor != "" {
			cursor = page.PageInfo.EndCursor
		}
		if !page.PageInfo.HasNextPage || page.PageInfo.EndCursor == "" {
			return summaries, cursor, nil
		}
	}
}

// enqueueSweepJob enqueues one reconcile job and publishes its wakeup. A
// failed publish is tolerated: the job row is durable and the due-requeue
// sweep re-publishes hints.
func (w *Worker) enqueueSweepJob(ctx context.Context, job *domain.SyncJob) error {
	jobID, coalesced, err := w.jobs.Enqueue(ctx, job)
	if err != nil {
		return err
	}
	if coalesced {
		w.logger.Debug("Reconcile job coalesced with pending work",
			slog.String("entity_type", job.EntityType),
			slog.String("operation", job.Operation),
			slog.String("job_id", jobID),
		)
	}

	body, err := json.Marshal(queue.WakeMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal wakeup: %w", err)
	}
	if err := w.publisher.PublishWithRetry(ctx, queue.RoutingKeyJobWake, body, "application/json"); err != nil {
		w.logger.Warn("Failed to publish wakeup for reconcile job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
