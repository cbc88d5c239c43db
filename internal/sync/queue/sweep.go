package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/meshvale/storesync/internal/sync/domain"
)

// RequeueDue moves failed jobs whose retry window has arrived back to
// pending, returning their ids so wakeups can be published. A scheduled
// retry that has been superseded by a newer pending job with the same
// signature is canceled instead of requeued: running it would clobber the
// fresher snapshot. Both steps run in one transaction so no pending twin
// can appear between the cancel and the requeue it protects.
func (s *Store) RequeueDue(ctx context.Context) (requeued []string, canceled int64, err error) {
	cancelQuery := `
		UPDATE sync_jobs j
		SET status = $1, completed_at = NOW(), updated_at = NOW()
		WHERE j.status = $2
		  AND j.run_after IS NOT NULL AND j.run_after <= NOW()
		  AND j.retry_count < j.max_retries
		  AND EXISTS (
			SELECT 1 FROM sync_jobs newer
			WHERE newer.status = $3
			  AND newer.entity_type = j.entity_type
			  AND newer.local_ref = j.local_ref
			  AND newer.remote_ref = j.remote_ref
			  AND newer.operation = j.operation
			  AND newer.created_at > j.created_at
		  )
	`

	// The requeue skips any row that still has a pending twin: flipping it
	// would collide with the one-pending-per-signature index. A twin older
	// than the retry does not cancel it; the retry waits out the twin and
	// requeues on a later sweep.
	requeueQuery := `
		UPDATE sync_jobs j
		SET status = $1, worker_id = '', started_at = NULL, last_heartbeat_at = NULL, updated_at = NOW()
		WHERE j.status = $2
		  AND j.run_after IS NOT NULL AND j.run_after <= NOW()
		  AND j.retry_count < j.max_retries
		  AND NOT EXISTS (
			SELECT 1 FROM sync_jobs twin
			WHERE twin.status = $1
			  AND twin.entity_type = j.entity_type
			  AND twin.local_ref = j.local_ref
			  AND twin.remote_ref = j.remote_ref
			  AND twin.operation = j.operation
		  )
		RETURNING job_id
	`

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, cancelQuery,
			domain.JobStatusCanceled, domain.JobStatusFailed, domain.JobStatusPending)
		if err != nil {
			return fmt.Errorf("failed to cancel superseded retries: %w", err)
		}
		canceled, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to count canceled retries: %w", err)
		}

		rows, err := tx.QueryContext(ctx, requeueQuery, domain.JobStatusPending, domain.JobStatusFailed)
		if err != nil {
			return fmt.Errorf("failed to requeue due jobs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var jobID string
			if err := rows.Scan(&jobID); err != nil {
				return fmt.Errorf("failed to scan requeued job id: %w", err)
			}
			requeued = append(requeued, jobID)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to iterate requeued jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	if len(requeued) > 0 || canceled > 0 {
		s.logger.Info("Requeued due retries",
			slog.Int("requeued", len(requeued)),
			slog.Int64("canceled_superseded", canceled),
		)
	}
	return requeued, canceled, nil
}

// DueWakeups returns pending jobs that have been claimable longer than
// grace. Their wakeup hints were likely lost in transit, so the caller
// republishes them. The queue table stays authoritative: an extra hint for
// a job that got claimed in the meantime is harmless.
func (s *Store) DueWakeups(ctx context.Context, grace time.Duration) ([]string, error) {
	query := `
		SELECT job_id FROM sync_jobs
		WHERE status = $1
		  AND (run_after IS NULL OR run_after <= NOW())
		  AND updated_at < NOW() - $2::interval
		ORDER BY priority ASC, created_at ASC
		LIMIT 100
	`

	rows, err := s.db.QueryContext(ctx, query,
		domain.JobStatusPending, fmt.Sprintf("%f seconds", grace.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to find due jobs: %w", err)
	}
	defer rows.Close()

	var jobIDs []string
	for rows.Next() {
		var jobID string
		if err := rows.Scan(&jobID); err != nil {
			return nil, fmt.Errorf("failed to scan due job id: %w", err)
		}
		jobIDs = append(jobIDs, jobID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate due jobs: %w", err)
	}
	return jobIDs, nil
}

// ReleaseStaleClaims reclaims jobs whose worker stopped heartbeating. The
// lost attempt counts against the retry budget; a job with no budget left
// goes terminal rather than looping through dead workers forever. A stale
// claim superseded by a newer pending job with the same signature is
// canceled outright, and one whose signature still has any pending twin is
// left for a later sweep: re-pending it would collide with the
// one-pending-per-signature index. Returns the ids of jobs put back to
// pending.
func (s *Store) ReleaseStaleClaims(ctx context.Context, claimTimeout time.Duration) ([]string, error) {
	cancelQuery := `
		UPDATE sync_jobs j
		SET status = $1,
		    last_error = 'worker lost, superseded by a newer job',
		    worker_id = '',
		    started_at = NULL,
		    last_heartbeat_at = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE j.status = $2
		  AND j.last_heartbeat_at IS NOT NULL
		  AND j.last_heartbeat_at < NOW() - $3::interval
		  AND EXISTS (
			SELECT 1 FROM sync_jobs newer
			WHERE newer.status = $4
			  AND newer.entity_type = j.entity_type
			  AND newer.local_ref = j.local_ref
			  AND newer.remote_ref = j.remote_ref
			  AND newer.operation = j.operation
			  AND newer.created_at > j.created_at
		  )
	`

	releaseQuery := `
		UPDATE sync_jobs j
		SET status = CASE WHEN retry_count + 1 >= max_retries THEN $1 ELSE $2 END,
		    retry_count = retry_count + 1,
		    last_error = 'worker lost before completion',
		    run_after = NULL,
		    completed_at = CASE WHEN retry_count + 1 >= max_retries THEN NOW() ELSE NULL END,
		    worker_id = '',
		    started_at = NULL,
		    last_heartbeat_at = NULL,
		    updated_at = NOW()
		WHERE j.status = $3
		  AND j.last_heartbeat_at IS NOT NULL
		  AND j.last_heartbeat_at < NOW() - $4::interval
		  AND NOT EXISTS (
			SELECT 1 FROM sync_jobs twin
			WHERE twin.status = $2
			  AND twin.entity_type = j.entity_type
			  AND twin.local_ref = j.local_ref
			  AND twin.remote_ref = j.remote_ref
			  AND twin.operation = j.operation
		  )
		RETURNING job_id, status
	`

	var requeued []string
	var buried int
	var canceled int64

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, cancelQuery,
			domain.JobStatusCanceled, domain.JobStatusProcessing,
			fmt.Sprintf("%f seconds", claimTimeout.Seconds()), domain.JobStatusPending)
		if err != nil {
			return fmt.Errorf("failed to cancel superseded stale claims: %w", err)
		}
		canceled, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to count canceled stale claims: %w", err)
		}

		rows, err := tx.QueryContext(ctx, releaseQuery,
			domain.JobStatusFailed, domain.JobStatusPending, domain.JobStatusProcessing,
			fmt.Sprintf("%f seconds", claimTimeout.Seconds()))
		if err != nil {
			return fmt.Errorf("failed to release stale claims: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var jobID, status string
			if err := rows.Scan(&jobID, &status); err != nil {
				return fmt.Errorf("failed to scan reclaimed job: %w", err)
			}
			if status == domain.JobStatusPending {
				requeued = append(requeued, jobID)
			} else {
				buried++
			}
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to iterate reclaimed jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(requeued) > 0 || buried > 0 || canceled > 0 {
		s.logger.Warn("Reclaimed jobs from stale workers",
			slog.Int("requeued", len(requeued)),
			slog.Int("terminal", buried),
			slog.Int64("canceled_superseded", canceled),
		)
	}
	return requeued, nil
}
