package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/meshvale/storesync/internal/sync/domain"
	"github.com/meshvale/storesync/shared/postgresql"
)

// Store persists identity mappings between local records and their remote
// counterparts. Uniqueness is enforced both ways: one row per (entity_type,
// local_ref) and one per (entity_type, remote_ref).
type Store struct {
	pg     *postgresql.Client
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new identity Store
func NewStore(pg *postgresql.Client, logger *slog.Logger) *Store {
	return &Store{
		pg:     pg,
		db:     pg.GetDB(),
		logger: logger,
	}
}

const mappingColumns = `entity_type, local_ref, remote_ref, content_hash, last_synced_at, archived_at, created_at, updated_at`

// ResolveLocal returns the mapping for a local ref.
func (s *Store) ResolveLocal(ctx context.Context, entityType, localRef string) (*domain.IdentityMapping, error) {
	query := `
		SELECT ` + mappingColumns + `
		FROM identity_mappings
		WHERE entity_type = $1 AND local_ref = $2
	`
	return s.queryOne(ctx, query, entityType, localRef)
}

// ResolveRemote returns the mapping for a remote ref.
func (s *Store) ResolveRemote(ctx context.Context, entityType, remoteRef string) (*domain.IdentityMapping, error) {
	query := `
		SELECT ` + mappingColumns + `
		FROM identity_mappings
		WHERE entity_type = $1 AND remote_ref = $2
	`
	return s.queryOne(ctx, query, entityType, remoteRef)
}

func (s *Store) queryOne(ctx context.Context, query string, args ...any) (*domain.IdentityMapping, error) {
	var (
		m            domain.IdentityMapping
		lastSyncedAt sql.NullTime
		archivedAt   sql.NullTime
	)

	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&m.EntityType,
		&m.LocalRef,
		&m.RemoteRef,
		&m.ContentHash,
		&lastSyncedAt,
		&archivedAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMappingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load identity mapping: %w", err)
	}

	m.LastSyncedAt = lastSyncedAt.Time
	m.ArchivedAt = archivedAt.Time
	return &m, nil
}

// Upsert writes a finalized mapping. An existing row for the local ref is
// updated in place, which also clears a previous archive when the entity
// comes back through a catalog import. A remote ref already linked to a
// different local record is a conflict that needs a manual decision.
func (s *Store) Upsert(ctx context.Context, entityType, localRef, remoteRef, contentHash string) error {
	query := `
		INSERT INTO identity_mappings (entity_type, local_ref, remote_ref, content_hash, last_synced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW(), NOW())
		ON CONFLICT (entity_type, local_ref) DO UPDATE
		SET remote_ref = EXCLUDED.remote_ref,
		    content_hash = EXCLUDED.content_hash,
		    last_synced_at = NOW(),
		    archived_at = NULL,
		    updated_at = NOW()
	`

	_, err := s.db.ExecContext(ctx, query, entityType, localRef, remoteRef, contentHash)
	if isUniqueViolation(err) {
		return domain.NewSyncError(domain.KindConflict, "identity.upsert",
			fmt.Sprintf("remote ref %s is already mapped to another local record", remoteRef))
	}
	if err != nil {
		return fmt.Errorf("failed to upsert identity mapping: %w", err)
	}
	return nil
}

// UpdateHash records the content fingerprint after a successful sync without
// touching the ref pair.
func (s *Store) UpdateHash(ctx context.Context, entityType, localRef, contentHash string) error {
	query := `
		UPDATE identity_mappings
		SET content_hash = $3, last_synced_at = NOW(), updated_at = NOW()
		WHERE entity_type = $1 AND local_ref = $2
	`

	result, err := s.db.ExecContext(ctx, query, entityType, localRef, contentHash)
	if err != nil {
		return fmt.Errorf("failed to update content hash: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check content hash update: %w", err)
	}
	if rows == 0 {
		return domain.ErrMappingNotFound
	}
	return nil
}

// Archive soft-deletes a mapping when its local record is removed. The ref
// pair is kept so late webhooks for the entity are recognized and dropped
// instead of resurrecting the record. Archiving twice keeps the original
// timestamp.
func (s *Store) Archive(ctx context.Context, entityType, localRef string) error {
	query := `
		UPDATE identity_mappings
		SET archived_at = COALESCE(archived_at, NOW()), updated_at = NOW()
		WHERE entity_type = $1 AND local_ref = $2
	`

	result, err := s.db.ExecContext(ctx, query, entityType, localRef)
	if err != nil {
		return fmt.Errorf("failed to archive identity mapping: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check identity mapping archive: %w", err)
	}
	if rows == 0 {
		return domain.ErrMappingNotFound
	}
	return nil
}

// ListActive returns every live mapping for an entity type, for the
// reconcile diff. Reservations and archived rows are not live.
func (s *Store) ListActive(ctx context.Context, entityType string) ([]domain.IdentityMapping, error) {
	query := `
		SELECT ` + mappingColumns + `
		FROM identity_mappings
		WHERE entity_type = $1
		  AND archived_at IS NULL
		  AND remote_ref NOT LIKE $2
		ORDER BY local_ref
	`

	rows, err := s.db.QueryContext(ctx, query, entityType, domain.ReservedRemoteRefPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list identity mappings: %w", err)
	}
	defer rows.Close()

	var mappings []domain.IdentityMapping
	for rows.Next() {
		var (
			m            domain.IdentityMapping
			lastSyncedAt sql.NullTime
			archivedAt   sql.NullTime
		)
		if err := rows.Scan(
			&m.EntityType,
			&m.LocalRef,
			&m.RemoteRef,
			&m.ContentHash,
			&lastSyncedAt,
			&archivedAt,
			&m.CreatedAt,
			&m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan identity mapping: %w", err)
		}
		m.LastSyncedAt = lastSyncedAt.Time
		m.ArchivedAt = archivedAt.Time
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate identity mappings: %w", err)
	}
	return mappings, nil
}

// Reserve claims the (entity_type, local_ref) slot before an outbound
// create. The advisory lock spans only the existence check and the
// reservation insert; it is never held across a network call. The returned
// token is needed to finalize or release the reservation.
func (s *Store) Reserve(ctx context.Context, entityType, localRef string) (string, error) {
	token := uuid.New().String()
	placeholder := domain.ReservedRemoteRefPrefix + token

	err := s.pg.WithTx(ctx, func(tx *sqlx.Tx) error {
		key1, key2 := lockKey(entityType, localRef)
		if err := postgresql.AdvisoryXactLock(ctx, tx, key1, key2); err != nil {
			return err
		}

		var remoteRef string
		err := tx.QueryRowContext(ctx,
			`SELECT remote_ref FROM identity_mappings WHERE entity_type = $1 AND local_ref = $2`,
			entityType, localRef,
		).Scan(&remoteRef)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			// Slot is free.
		case err != nil:
			return fmt.Errorf("failed to check identity mapping: %w", err)
		case strings.HasPrefix(remoteRef, domain.ReservedRemoteRefPrefix):
			return domain.ErrReservationHeld
		default:
			return domain.ErrAlreadyMapped
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO identity_mappings (entity_type, local_ref, remote_ref, created_at, updated_at)
			 VALUES ($1, $2, $3, NOW(), NOW())`,
			entityType, localRef, placeholder,
		)
		if err != nil {
			return fmt.Errorf("failed to insert reservation: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Finalize replaces a reservation with the real remote ref once the remote
// object exists.
func (s *Store) Finalize(ctx context.Context, entityType, localRef, token, remoteRef, contentHash string) error {
	placeholder := domain.ReservedRemoteRefPrefix + token
	query := `
		UPDATE identity_mappings
		SET remote_ref = $4, content_hash = $5, last_synced_at = NOW(), updated_at = NOW()
		WHERE entity_type = $1 AND local_ref = $2 AND remote_ref = $3
	`

	result, err := s.db.ExecContext(ctx, query, entityType, localRef, placeholder, remoteRef, contentHash)
	if isUniqueViolation(err) {
		return domain.NewSyncError(domain.KindConflict, "identity.finalize",
			fmt.Sprintf("remote ref %s is already mapped to another local record", remoteRef))
	}
	if err != nil {
		return fmt.Errorf("failed to finalize reservation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check reservation finalize: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("reservation %s no longer held: %w", token, domain.ErrMappingNotFound)
	}
	return nil
}

// Release drops a reservation after a failed create so the slot frees up
// immediately instead of waiting for the stale reaper.
func (s *Store) Release(ctx context.Context, entityType, localRef, token string) error {
	placeholder := domain.ReservedRemoteRefPrefix + token
	query := `
		DELETE FROM identity_mappings
		WHERE entity_type = $1 AND local_ref = $2 AND remote_ref = $3
	`

	if _, err := s.db.ExecContext(ctx, query, entityType, localRef, placeholder); err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

// ReleaseStaleReservations drops reservations whose holder died before
// finalizing or releasing. A reconcile sweep later matches any remote
// object the dead worker managed to create.
func (s *Store) ReleaseStaleReservations(ctx context.Context, age time.Duration) (int64, error) {
	query := `
		DELETE FROM identity_mappings
		WHERE remote_ref LIKE $1 AND updated_at < NOW() - $2::interval
	`

	result, err := s.db.ExecContext(ctx, query, domain.ReservedRemoteRefPrefix+"%", fmt.Sprintf("%f seconds", age.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to release stale reservations: %w", err)
	}
	return result.RowsAffected()
}

// lockKey folds a ref pair into the two int32 keys Postgres advisory locks
// take.
func lockKey(entityType, localRef string) (int32, int32) {
	h := fnv.New64a()
	h.Write([]byte(entityType))
	h.Write([]byte{0})
	h.Write([]byte(localRef))
	sum := h.Sum64()
	return int32(uint32(sum >> 32)), int32(uint32(sum))
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
