package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/meshvale/storesync/internal/sync/domain"
)

// GetReconcileState returns the sweep bookkeeping for one entity type. A
// never-swept entity type comes back with a zero LastSweepAt rather than an
// error, so the caller can treat first sweeps uniformly.
func (s *Store) GetReconcileState(ctx context.Context, entityType string) (*domain.ReconcileState, error) {
	query := `
		SELECT entity_type, last_sweep_at, last_cursor, last_enqueued, last_error, updated_at
		FROM reconcile_state
		WHERE entity_type = $1
	`

	var (
		st          domain.ReconcileState
		lastSweepAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, entityType).Scan(
		&st.EntityType,
		&lastSweepAt,
		&st.LastCursor,
		&st.LastEnqueued,
		&st.LastError,
		&st.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.ReconcileState{EntityType: entityType}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reconcile state: %w", err)
	}
	if lastSweepAt.Valid {
		st.LastSweepAt = lastSweepAt.Time
	}

	return &st, nil
}

// SaveReconcileState records the outcome of a sweep.
func (s *Store) SaveReconcileState(ctx context.Context, st *domain.ReconcileState) error {
	query := `
		INSERT INTO reconcile_state (entity_type, last_sweep_at, last_cursor, last_enqueued, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (entity_type) DO UPDATE SET
			last_sweep_at = EXCLUDED.last_sweep_at,
			last_cursor = EXCLUDED.last_cursor,
			last_enqueued = EXCLUDED.last_enqueued,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()
	`

	var lastSweepAt sql.NullTime
	if !st.LastSweepAt.IsZero() {
		lastSweepAt = sql.NullTime{Time: st.LastSweepAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		st.EntityType,
		lastSweepAt,
		st.LastCursor,
		st.LastEnqueued,
		st.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to save reconcile state: %w", err)
	}

	return nil
}
