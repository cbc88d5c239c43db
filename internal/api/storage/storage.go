package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/meshvale/storesync/internal/api/model"
	"github.com/meshvale/storesync/shared/postgresql"
)

// Storage is the operator read layer. It only ever reads; every mutation of
// these tables belongs to the sync stores.
type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

type MappingFilter struct {
	EntityType      string
	IncludeArchived bool
	PageSize        int
	Cursor          *MappingCursor
}

// MappingCursor is a keyset position on (created_at, local_ref). Mappings
// within one entity type never share a local_ref, so the pair is a total
// order for pagination.
type MappingCursor struct {
	CreatedAt time.Time
	LocalRef  string
}

func (s *Storage) ListMappings(ctx context.Context, filter MappingFilter) ([]model.Mapping, error) {
	query := `
        SELECT
            entity_type, local_ref, remote_ref, content_hash,
            last_synced_at, archived_at, created_at, updated_at
        FROM identity_mappings
        WHERE 1=1
    `
	args := []interface{}{}
	argIdx := 1

	if filter.EntityType != "" {
		query += fmt.Sprintf(" AND entity_type = $%d", argIdx)
		args = append(args, filter.EntityType)
		argIdx++
	}

	if !filter.IncludeArchived {
		query += " AND archived_at IS NULL"
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, local_ref) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.LocalRef)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, local_ref DESC"

	// Fetch one extra row so the handler can tell whether more pages exist.
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var mappings []model.Mapping
	err := s.db.SelectContext(ctx, &mappings, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}

	return mappings, nil
}

func (s *Storage) ListReconcileStates(ctx context.Context) ([]model.ReconcileState, error) {
	query := `
        SELECT
            entity_type, last_sweep_at, last_cursor,
            last_enqueued, last_error, updated_at
        FROM reconcile_state
        ORDER BY entity_type
    `

	var states []model.ReconcileState
	err := s.db.SelectContext(ctx, &states, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconcile states: %w", err)
	}

	return states, nil
}
