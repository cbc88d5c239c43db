package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meshvale/storesync/internal/sync/domain"
)

// processNextJob claims and executes at most one eligible job. The returned
// flag reports whether a job was claimed; an error means the claim itself
// failed, not the job.
func (w *Worker) processNextJob(ctx context.Context) (bool, error) {
	// Step 1: Claim the next eligible job (PENDING → PROCESSING)
	job, err := w.jobs.ClaimNext(ctx, w.workerID)
	if errors.Is(err, domain.ErrNoEligibleJobs) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}

	w.processJob(ctx, job)
	return true, nil
}

// processJob runs one claimed job through its entity syncer and records the
// outcome. The job-level outcome always lands in the database; the caller
// only deals with broker acknowledgment.
func (w *Worker) processJob(ctx context.Context, job *domain.SyncJob) {
	logger := w.logger.With(
		slog.String("job_id", job.JobID),
		slog.String("entity_type", job.EntityType),
		slog.String("operation", job.Operation),
		slog.String("direction", job.Direction),
		slog.String("worker_id", w.workerID),
	)
	logger.Info("Processing job",
		slog.String("origin", job.Origin),
		slog.Int("retry_count", job.RetryCount),
	)

	// Step 2: Resolve the entity syncer once for the claimed job
	syncer, ok := w.syncers[job.EntityType]
	if !ok {
		w.failTerminal(ctx, logger, job, fmt.Sprintf("unknown entity type %q", job.EntityType))
		return
	}

	// Step 3: Create timeout context from the job's own budget
	jobTimeout := w.jobTimeout
	if job.TimeoutSeconds > 0 {
		jobTimeout = time.Duration(job.TimeoutSeconds) * time.Second
	}
	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	// Step 4: Start heartbeat goroutine so the stale-claim sweep leaves
	// this job alone while it runs
	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, job.JobID, heartbeatDone)
	defer close(heartbeatDone)

	// Step 5: Execute
	err := syncer.Apply(jobCtx, job)

	// Step 6: Record the outcome
	if err == nil {
		if markErr := w.jobs.MarkDone(ctx, job.JobID, w.workerID); markErr != nil {
			logger.Error("Failed to mark job done",
				slog.String("error", markErr.Error()),
			)
			return
		}
		logger.Info("Job completed successfully")
		return
	}

	kind := domain.KindOf(err)
	retryable := domain.Retryable(err)
	if errors.Is(err, domain.ErrSyncHalted) {
		// The credential latch tripped between claim and execute. This job
		// was not the cause; park it instead of burying it.
		retryable = true
	}

	if !retryable {
		if kind == domain.KindConflict {
			logger.Error("Identity conflict requires manual resolution",
				slog.String("error", err.Error()),
			)
		}
		w.failTerminal(ctx, logger, job, err.Error())
		return
	}

	// Step 7: Schedule the retry. The server-suggested wait wins over the
	// computed backoff when it is longer. The store flips the job to a
	// terminal failure itself once the retry budget is spent.
	delay := w.backoff.Delay(job.RetryCount)
	if ra := domain.RetryAfterOf(err); ra > delay {
		delay = ra
	}
	runAfter := time.Now().Add(delay)

	if markErr := w.jobs.MarkFailedRetryable(ctx, job.JobID, w.workerID, err.Error(), runAfter); markErr != nil {
		logger.Error("Failed to mark job for retry",
			slog.String("error", markErr.Error()),
		)
		return
	}

	logger.Warn("Job failed, retry scheduled",
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
		slog.Duration("delay", delay),
		slog.Int("retry_count", job.RetryCount),
		slog.Int("max_retries", job.MaxRetries),
	)
}

func (w *Worker) failTerminal(ctx context.Context, logger *slog.Logger, job *domain.SyncJob, msg string) {
	if err := w.jobs.MarkFailedTerminal(ctx, job.JobID, w.workerID, msg); err != nil {
		logger.Error("Failed to mark job terminally failed",
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Error("Job failed terminally",
		slog.String("last_error", msg),
	)
}

// sendJobHeartbeat periodically refreshes the job's heartbeat timestamp
// until the job finishes or the context ends.
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.jobs.Heartbeat(ctx, jobID, w.workerID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
