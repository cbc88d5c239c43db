package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/meshvale/storesync/internal/sync/domain"
)

// ListFilter narrows the operator job listing. Zero values mean no filter.
// TerminalOnly restricts to failed jobs that are out of retries, the set an
// operator has to look at.
type ListFilter struct {
	Status       string
	EntityType   string
	Operation    string
	Origin       string
	TerminalOnly bool
	CursorTime   time.Time
	CursorID     string
	Limit        int
}

// ListJobs returns jobs newest first, keyset-paginated on
// (created_at, job_id).
func (s *Store) ListJobs(ctx context.Context, filter ListFilter) ([]domain.SyncJob, error) {
	var conditions []string
	var args []interface{}
	argIdx := 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.EntityType != "" {
		conditions = append(conditions, fmt.Sprintf("entity_type = $%d", argIdx))
		args = append(args, filter.EntityType)
		argIdx++
	}
	if filter.Operation != "" {
		conditions = append(conditions, fmt.Sprintf("operation = $%d", argIdx))
		args = append(args, filter.Operation)
		argIdx++
	}
	if filter.Origin != "" {
		conditions = append(conditions, fmt.Sprintf("origin = $%d", argIdx))
		args = append(args, filter.Origin)
		argIdx++
	}
	if filter.TerminalOnly {
		conditions = append(conditions, fmt.Sprintf("status = $%d AND (run_after IS NULL OR retry_count >= max_retries)", argIdx))
		args = append(args, domain.JobStatusFailed)
		argIdx++
	}
	if !filter.CursorTime.IsZero() && filter.CursorID != "" {
		conditions = append(conditions, fmt.Sprintf(
			"(created_at < $%d OR (created_at = $%d AND job_id < $%d))", argIdx, argIdx, argIdx+1))
		args = append(args, filter.CursorTime, filter.CursorID)
		argIdx += 2
	}

	query := `SELECT ` + jobColumns + ` FROM sync_jobs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, job_id DESC LIMIT $%d", argIdx)
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.SyncJob
	for rows.Next() {
		var (
			job         domain.SyncJob
			runAfter    sql.NullTime
			heartbeatAt sql.NullTime
		)
		if err := rows.Scan(
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
		); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job.RunAfter = runAfter.Time
		job.HeartbeatAt = heartbeatAt.Time
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

// CountByStatus returns job counts per status for the stats endpoint.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM sync_jobs GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job counts: %w", err)
	}
	return counts, nil
}
