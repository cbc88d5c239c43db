package model

import (
	"database/sql"
	"time"
)

// Mapping mirrors one identity_mappings row for operator reads. Nullable
// timestamps stay sql.Null* here; handlers translate to the wire shape.
type Mapping struct {
	EntityType   string       `db:"entity_type"`
	LocalRef     string       `db:"local_ref"`
	RemoteRef    string       `db:"remote_ref"`
	ContentHash  string       `db:"content_hash"`
	LastSyncedAt sql.NullTime `db:"last_synced_at"`
	ArchivedAt   sql.NullTime `db:"archived_at"`
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
}

// ReconcileState mirrors one reconcile_state row.
type ReconcileState struct {
	EntityType   string       `db:"entity_type"`
	LastSweepAt  sql.NullTime `db:"last_sweep_at"`
	LastCursor   string       `db:"last_cursor"`
	LastEnqueued int          `db:"last_enqueued"`
	LastError    string       `db:"last_error"`
	UpdatedAt    time.Time    `db:"updated_at"`
}
