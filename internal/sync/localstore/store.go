package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/meshvale/storesync/internal/sync/domain"
	"github.com/meshvale/storesync/shared/postgresql"
)

// Record is one local commerce record. Payload is the canonical JSON
// document the rest of the system syncs against.
type Record struct {
	EntityType  string
	LocalRef    string
	Payload     string
	ContentHash string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Change describes a committed local mutation, delivered to the change hook.
type Change struct {
	EntityType string
	LocalRef   string
	Operation  string
	Payload    string
}

// ChangeHook receives local mutations that did not originate from the sync
// engine itself. Hook failures are the hook's problem: the local write has
// already committed.
type ChangeHook func(ctx context.Context, change Change)

// Store persists local commerce records. Every mutation carries a write
// origin; the change hook fires only for non-sync origins, which is what
// keeps an inbound sync write from echoing back out as an outbound job.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	hook   ChangeHook
}

// NewStore creates a new local record Store
func NewStore(pg *postgresql.Client, logger *slog.Logger) *Store {
	return &Store{
		db:     pg.GetDB(),
		logger: logger,
	}
}

// SetChangeHook installs the change hook. Install before serving writes;
// the hook is not guarded for concurrent replacement.
func (s *Store) SetChangeHook(hook ChangeHook) {
	s.hook = hook
}

// Get returns a live local record.
func (s *Store) Get(ctx context.Context, entityType, localRef string) (*Record, error) {
	query := `
		SELECT entity_type, local_ref, payload, content_hash, created_at, updated_at
		FROM local_records
		WHERE entity_type = $1 AND local_ref = $2 AND deleted_at IS NULL
	`

	var r Record
	err := s.db.QueryRowContext(ctx, query, entityType, localRef).Scan(
		&r.EntityType,
		&r.LocalRef,
		&r.Payload,
		&r.ContentHash,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get local record: %w", err)
	}
	return &r, nil
}

// Apply writes a local record, inserting or replacing the payload. A write
// to a deleted record revives it. The change hook fires after the write for
// non-sync origins.
func (s *Store) Apply(ctx context.Context, origin domain.WriteOrigin, entityType, localRef string, payload []byte) error {
	if !domain.ValidEntityType(entityType) {
		return domain.ErrUnknownEntityType
	}

	hash, err := domain.ContentHash(payload)
	if err != nil {
		return fmt.Errorf("failed to hash local record payload: %w", err)
	}

	query := `
		INSERT INTO local_records (entity_type, local_ref, payload, content_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (entity_type, local_ref) DO UPDATE
		SET payload = EXCLUDED.payload,
		    content_hash = EXCLUDED.content_hash,
		    deleted_at = NULL,
		    updated_at = NOW()
		RETURNING (created_at = updated_at)
	`

	var inserted bool
	if err := s.db.QueryRowContext(ctx, query, entityType, localRef, string(payload), hash).Scan(&inserted); err != nil {
		return fmt.Errorf("failed to apply local record: %w", err)
	}

	operation := domain.OperationUpdate
	if inserted {
		operation = domain.OperationCreate
	}
	s.fireHook(ctx, origin, Change{
		EntityType: entityType,
		LocalRef:   localRef,
		Operation:  operation,
		Payload:    string(payload),
	})
	return nil
}

// Delete soft-deletes a local record. Deleting a missing or already deleted
// record reports ErrRecordNotFound.
func (s *Store) Delete(ctx context.Context, origin domain.WriteOrigin, entityType, localRef string) error {
	query := `
		UPDATE local_records
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE entity_type = $1 AND local_ref = $2 AND deleted_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, entityType, localRef)
	if err != nil {
		return fmt.Errorf("failed to delete local record: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check local record delete: %w", err)
	}
	if rows == 0 {
		return domain.ErrRecordNotFound
	}

	s.fireHook(ctx, origin, Change{
		EntityType: entityType,
		LocalRef:   localRef,
		Operation:  domain.OperationDelete,
	})
	return nil
}

// ListActive returns every live record of an entity type for the reconcile
// diff.
func (s *Store) ListActive(ctx context.Context, entityType string) ([]Record, error) {
	query := `
		SELECT entity_type, local_ref, payload, content_hash, created_at, updated_at
		FROM local_records
		WHERE entity_type = $1 AND deleted_at IS NULL
		ORDER BY local_ref
	`

	rows, err := s.db.QueryContext(ctx, query, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list local records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.EntityType,
			&r.LocalRef,
			&r.Payload,
			&r.ContentHash,
			&r.CreatedAt,
			&r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan local record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate local records: %w", err)
	}
	return records, nil
}

func (s *Store) fireHook(ctx context.Context, origin domain.WriteOrigin, change Change) {
	if origin == domain.WriteOriginSync || s.hook == nil {
		return
	}

	s.logger.Debug("Local change hook firing",
		slog.String("entity_type", change.EntityType),
		slog.String("local_ref", change.LocalRef),
		slog.String("operation", change.Operation),
		slog.String("origin", string(origin)),
	)
	s.hook(ctx, change)
}
