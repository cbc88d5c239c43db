package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/meshvale/storesync/internal/sync/queue"
)

// retentionSweepInterval spaces out the webhook event purge. Retention is
// measured in days, so sweeping more often than hourly buys nothing.
const retentionSweepInterval = time.Hour

// startMaintenance runs the periodic queue upkeep until the context ends:
// due retries back to pending, claims abandoned by dead workers, expired
// create reservations, and webhook event retention.
func (w *Worker) startMaintenance(ctx context.Context) {
	sweepTicker := time.NewTicker(w.sweepInterval)
	defer sweepTicker.Stop()

	retentionTicker := time.NewTicker(retentionSweepInterval)
	defer retentionTicker.Stop()

	w.logger.Info("Maintenance sweeps started",
		slog.Duration("sweep_interval", w.sweepInterval),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Maintenance sweeps stopped")
			return
		case <-sweepTicker.C:
			w.sweepQueue(ctx)
		case <-retentionTicker.C:
			w.sweepRetention(ctx)
		}
	}
}

// sweepQueue performs one round of queue upkeep. Each step is independent;
// one failing does not stop the others.
func (w *Worker) sweepQueue(ctx context.Context) {
	requeued, canceled, err := w.jobs.RequeueDue(ctx)
	if err != nil {
		w.logger.Error("Failed to requeue due retries",
			slog.String("error", err.Error()),
		)
	} else {
		if canceled > 0 {
			w.logger.Info("Canceled superseded retries",
				slog.Int64("count", canceled),
			)
		}
		w.publishWakes(ctx, requeued)
	}

	reclaimed, err := w.jobs.ReleaseStaleClaims(ctx, w.claimTimeout)
	if err != nil {
		w.logger.Error("Failed to release stale claims",
			slog.String("error", err.Error()),
		)
	} else {
		w.publishWakes(ctx, reclaimed)
	}

	stale, err := w.jobs.DueWakeups(ctx, w.sweepInterval)
	if err != nil {
		w.logger.Error("Failed to find jobs with lost wakeups",
			slog.String("error", err.Error()),
		)
	} else {
		w.publishWakes(ctx, stale)
	}

	released, err := w.identity.ReleaseStaleReservations(ctx, w.reservationTTL)
	if err != nil {
		w.logger.Error("Failed to release stale reservations",
			slog.String("error", err.Error()),
		)
	} else if released > 0 {
		w.logger.Warn("Released stale create reservations",
			slog.Int64("count", released),
		)
	}
}

// sweepRetention drops webhook events past the retention window.
func (w *Worker) sweepRetention(ctx context.Context) {
	purged, err := w.events.PurgeOlderThan(ctx, w.webhookRetention)
	if err != nil {
		w.logger.Error("Failed to purge old webhook events",
			slog.String("error", err.Error()),
		)
		return
	}
	if purged > 0 {
		w.logger.Info("Purged old webhook events",
			slog.Int64("count", purged),
		)
	}
}

// publishWakes publishes one wakeup hint per job id. Lost hints are fine;
// the worker poll ticker claims whatever the broker never mentions.
func (w *Worker) publishWakes(ctx context.Context, jobIDs []string) {
	for _, jobID := range jobIDs {
		body, err := json.Marshal(queue.WakeMessage{JobID: jobID})
		if err != nil {
			continue
		}
		if err := w.publisher.PublishWithRetry(ctx, queue.RoutingKeyJobWake, body, "application/json"); err != nil {
			w.logger.Warn("Failed to publish wakeup",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}
}
