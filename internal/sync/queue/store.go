package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/meshvale/storesync/internal/sync/domain"
	"github.com/meshvale/storesync/shared/postgresql"
)

// Routing keys for queue wakeup messages.
const (
	RoutingKeyJobWake   = "sync.job.wake"
	RoutingKeyReconcile = "sync.reconcile"
)

// Defaults applied when the caller leaves fields zero.
const (
	defaultMaxRetries     = 5
	defaultTimeoutSeconds = 300
)

// WakeMessage is the broker payload that nudges a worker to claim. The
// database stays the source of truth: the job id is a hint for logging, and
// the worker claims whatever is actually due.
type WakeMessage struct {
	JobID string `json:"job_id"`
}

// ReconcileMessage asks the worker to run a reconciliation sweep. EntityType
// may be "all" to sweep every entity type.
type ReconcileMessage struct {
	EntityType string `json:"entity_type"`
}

// Store persists sync jobs. Eligibility, ordering and retry bookkeeping all
// live in SQL so that any number of workers can share one queue safely.
type Store struct {
	db         *sqlx.DB
	logger     *slog.Logger
	maxRetries int
}

// NewStore creates a new queue Store. maxRetries is the retry budget stamped
// on enqueued jobs that do not carry their own; zero or negative falls back
// to the built-in default.
func NewStore(pg *postgresql.Client, logger *slog.Logger, maxRetries int) *Store {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Store{
		db:         pg.GetDB(),
		logger:     logger,
		maxRetries: maxRetries,
	}
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("Failed to rollback transaction",
				slog.Any("error", rbErr),
			)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const jobColumns = `job_id, entity_type, operation, direction, local_ref, remote_ref, payload, origin,
		priority, status, retry_count, max_retries, last_error, worker_id, timeout_seconds,
		run_after, last_heartbeat_at, created_at, updated_at`

// Enqueue inserts a pending job, coalescing with an existing pending job
// that carries the same (entity_type, local_ref, remote_ref, operation)
// signature. For UPDATE operations the existing job absorbs the newer
// payload, because the latest snapshot supersedes the older one. For other
// operations the existing job simply wins. The returned flag reports whether
// the job was coalesced into an existing one.
func (s *Store) Enqueue(ctx context.Context, job *domain.SyncJob) (string, bool, error) {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Priority == 0 {
		job.Priority = domain.PriorityDefault
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = s.maxRetries
	}
	if job.TimeoutSeconds == 0 {
		job.TimeoutSeconds = defaultTimeoutSeconds
	}
	job.Status = domain.JobStatusPending

	if job.Operation == domain.OperationUpdate {
		return s.enqueueCoalescing(ctx, job)
	}
	return s.enqueueOnce(ctx, job)
}

func (s *Store) enqueueCoalescing(ctx context.Context, job *domain.SyncJob) (string, bool, error) {
	query := `
		INSERT INTO sync_jobs (
			job_id, entity_type, operation, direction, local_ref, remote_ref,
			payload, origin, priority, status, retry_count, max_retries,
			last_error, worker_id, timeout_seconds, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, 0, $11,
			'', '', $12, NOW(), NOW()
		)
		ON CONFLICT (entity_type, local_ref, remote_ref, operation) WHERE status = 'PENDING'
		DO UPDATE SET
			payload = EXCLUDED.payload,
			priority = LEAST(sync_jobs.priority, EXCLUDED.priority),
			origin = EXCLUDED.origin,
			updated_at = NOW()
		RETURNING job_id
	`

	var returnedID string
	err := s.db.QueryRowContext(ctx, query,
		job.JobID, job.EntityType, job.Operation, job.Direction, job.LocalRef, job.RemoteRef,
		job.Payload, job.Origin, job.Priority, job.Status, job.MaxRetries, job.TimeoutSeconds,
	).Scan(&returnedID)
	if err != nil {
		return "", false, fmt.Errorf("failed to enqueue job: %w", err)
	}

	coalesced := returnedID != job.JobID
	if coalesced {
		s.logger.Debug("Coalesced update into existing pending job",
			slog.String("job_id", returnedID),
			slog.String("entity_type", job.EntityType),
		)
	}
	return returnedID, coalesced, nil
}

func (s *Store) enqueueOnce(ctx context.Context, job *domain.SyncJob) (string, bool, error) {
	insert := `
		INSERT INTO sync_jobs (
			job_id, entity_type, operation, direction, local_ref, remote_ref,
			payload, origin, priority, status, retry_count, max_retries,
			last_error, worker_id, timeout_seconds, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, 0, $11,
			'', '', $12, NOW(), NOW()
		)
		ON CONFLICT (entity_type, local_ref, remote_ref, operation) WHERE status = 'PENDING'
		DO NOTHING
		RETURNING job_id
	`
	lookup := `
		SELECT job_id FROM sync_jobs
		WHERE entity_type = $1 AND local_ref = $2 AND remote_ref = $3
		  AND operation = $4 AND status = 'PENDING'
	`

	// The duplicate can finish between our insert and lookup, so one more
	// round settles the race.
	for attempt := 0; attempt < 2; attempt++ {
		var returnedID string
		err := s.db.QueryRowContext(ctx, insert,
			job.JobID, job.EntityType, job.Operation, job.Direction, job.LocalRef, job.RemoteRef,
			job.Payload, job.Origin, job.Priority, job.Status, job.MaxRetries, job.TimeoutSeconds,
		).Scan(&returnedID)
		if err == nil {
			return returnedID, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, fmt.Errorf("failed to enqueue job: %w", err)
		}

		err = s.db.QueryRowContext(ctx, lookup,
			job.EntityType, job.LocalRef, job.RemoteRef, job.Operation,
		).Scan(&returnedID)
		if err == nil {
			return returnedID, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, fmt.Errorf("failed to look up coalesced job: %w", err)
		}
	}
	return "", false, fmt.Errorf("failed to enqueue job: lost enqueue race twice")
}

// ClaimNext atomically claims the best eligible pending job for workerID.
// Eligibility: pending, due, and for DELETE jobs no unfinished older
// CREATE or UPDATE on the same entity, so a delete can never overtake the
// work that makes it meaningful. Ordering is priority first, then age.
// SKIP LOCKED keeps concurrent claimers from serializing on the same row.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*domain.SyncJob, error) {
	query := `
		UPDATE sync_jobs
		SET status = $2, worker_id = $1, started_at = NOW(), last_heartbeat_at = NOW(), updated_at = NOW()
		WHERE job_id = (
			SELECT j.job_id
			FROM sync_jobs j
			WHERE j.status = $3
			  AND (j.run_after IS NULL OR j.run_after <= NOW())
			  AND NOT EXISTS (
				SELECT 1 FROM sync_jobs older
				WHERE j.operation = 'DELETE'
				  AND older.entity_type = j.entity_type
				  AND older.operation IN ('CREATE', 'UPDATE')
				  AND older.created_at < j.created_at
				  AND (
					(j.local_ref <> '' AND older.local_ref = j.local_ref)
					OR (j.local_ref = '' AND j.remote_ref <> '' AND older.remote_ref = j.remote_ref)
				  )
				  AND (
					older.status IN ('PENDING', 'PROCESSING')
					OR (older.status = 'FAILED' AND older.run_after IS NOT NULL AND older.retry_count < older.max_retries)
				  )
			  )
			ORDER BY j.priority ASC, j.created_at ASC, j.job_id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	row := s.db.QueryRowContext(ctx, query, workerID, domain.JobStatusProcessing, domain.JobStatusPending)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNoEligibleJobs
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Debug("Claimed job",
		slog.String("job_id", job.JobID),
		slog.String("entity_type", job.EntityType),
		slog.String("operation", job.Operation),
		slog.String("worker_id", workerID),
	)
	return job, nil
}

// GetJob retrieves a job by its ID
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.SyncJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM sync_jobs
		WHERE job_id = $1
	`

	row := s.db.QueryRowContext(ctx, query, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// MarkDone completes a job. The worker guard means a job reclaimed by the
// stale sweep cannot be completed twice by its original owner.
func (s *Store) MarkDone(ctx context.Context, jobID, workerID string) error {
	query := `
		UPDATE sync_jobs
		SET status = $3, last_error = '', completed_at = NOW(), updated_at = NOW()
		WHERE job_id = $1 AND worker_id = $2 AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query, jobID, workerID, domain.JobStatusDone, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark job done: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check job completion: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("job %s no longer owned by %s: %w", jobID, workerID, domain.ErrJobNotFound)
	}
	return nil
}

// MarkFailedRetryable records a retryable failure and schedules the next
// attempt at runAfter. When this attempt exhausts the retry budget the job
// goes terminal instead: run_after is cleared and completed_at set.
func (s *Store) MarkFailedRetryable(ctx context.Context, jobID, workerID, errMsg string, runAfter time.Time) error {
	query := `
		UPDATE sync_jobs
		SET status = $3,
		    retry_count = retry_count + 1,
		    last_error = $5,
		    run_after = CASE WHEN retry_count + 1 >= max_retries THEN NULL ELSE $6 END,
		    completed_at = CASE WHEN retry_count + 1 >= max_retries THEN NOW() ELSE NULL END,
		    updated_at = NOW()
		WHERE job_id = $1 AND worker_id = $2 AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query,
		jobID, workerID, domain.JobStatusFailed, domain.JobStatusProcessing, errMsg, runAfter)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check job failure update: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("job %s no longer owned by %s: %w", jobID, workerID, domain.ErrJobNotFound)
	}
	return nil
}

// MarkFailedTerminal buries a job whose failure retrying cannot fix.
func (s *Store) MarkFailedTerminal(ctx context.Context, jobID, workerID, errMsg string) error {
	query := `
		UPDATE sync_jobs
		SET status = $3,
		    retry_count = retry_count + 1,
		    last_error = $5,
		    run_after = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1 AND worker_id = $2 AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query,
		jobID, workerID, domain.JobStatusFailed, domain.JobStatusProcessing, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark job terminally failed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check job failure update: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("job %s no longer owned by %s: %w", jobID, workerID, domain.ErrJobNotFound)
	}
	return nil
}

// Heartbeat refreshes the claim on a processing job so the stale sweep
// leaves it alone.
func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string) error {
	query := `
		UPDATE sync_jobs
		SET last_heartbeat_at = NOW()
		WHERE job_id = $1 AND worker_id = $2 AND status = $3
	`

	result, err := s.db.ExecContext(ctx, query, jobID, workerID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for heartbeat: %w", err)
	}
	if rowsAffected == 0 {
		s.logger.Warn("Heartbeat update affected no rows, job may have been reclaimed",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
		)
	}
	return nil
}

// RetryJob resets a terminally failed job for another full round of
// attempts. Only an operator calls this, after fixing whatever made the
// job fail.
func (s *Store) RetryJob(ctx context.Context, jobID string) error {
	query := `
		UPDATE sync_jobs
		SET status = $2,
		    retry_count = 0,
		    last_error = '',
		    worker_id = '',
		    run_after = NULL,
		    started_at = NULL,
		    last_heartbeat_at = NULL,
		    completed_at = NULL,
		    updated_at = NOW()
		WHERE job_id = $1 AND status = $3
		  AND (run_after IS NULL OR retry_count >= max_retries)
	`

	result, err := s.db.ExecContext(ctx, query, jobID, domain.JobStatusPending, domain.JobStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to retry job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check job retry: %w", err)
	}
	if rows > 0 {
		return nil
	}

	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return domain.ErrJobNotRetryable
}

// scanJob reads one job row. Nullable columns map onto zero values.
func scanJob(row *sql.Row) (*domain.SyncJob, error) {
	var (
		job         domain.SyncJob
		runAfter    sql.NullTime
		heartbeatAt sql.NullTime
	)

	err := row.Scan(
		&job.JobID,
		&job.EntityType,
		&job.Operation,
		&job.Direction,
		&job.LocalRef,
		&job.RemoteRef,
		&job.Payload,
		&job.Origin,
		&job.Priority,
		&job.Status,
		&job.RetryCount,
		&job.MaxRetries,
		&job.LastError,
		&job.WorkerID,
		&job.TimeoutSeconds,
		&runAfter,
		&heartbeatAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.RunAfter = runAfter.Time
	job.HeartbeatAt = heartbeatAt.Time
	return &job, nil
}
