package schema

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meshvale/storesync/shared/postgresql"
)

// statements run in order at startup. Everything is IF NOT EXISTS so both
// services can ensure the schema without coordinating.
var statements = []string{
	`CREATE TABLE IF NOT EXISTS sync_jobs (
		job_id UUID PRIMARY KEY,
		entity_type TEXT NOT NULL,
		operation TEXT NOT NULL,
		direction TEXT NOT NULL,
		local_ref TEXT NOT NULL DEFAULT '',
		remote_ref TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL,
		priority INT NOT NULL DEFAULT 5,
		status TEXT NOT NULL DEFAULT 'PENDING',
		retry_count INT NOT NULL DEFAULT 0,
		max_retries INT NOT NULL DEFAULT 5,
		last_error TEXT NOT NULL DEFAULT '',
		worker_id TEXT NOT NULL DEFAULT '',
		timeout_seconds INT NOT NULL DEFAULT 300,
		run_after TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		last_heartbeat_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	// One pending job per work signature; this is what enqueue coalesces on.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_jobs_pending_signature
		ON sync_jobs (entity_type, local_ref, remote_ref, operation)
		WHERE status = 'PENDING'`,

	`CREATE INDEX IF NOT EXISTS idx_sync_jobs_claim
		ON sync_jobs (priority, created_at)
		WHERE status = 'PENDING'`,

	`CREATE INDEX IF NOT EXISTS idx_sync_jobs_retry_due
		ON sync_jobs (run_after)
		WHERE status = 'FAILED'`,

	`CREATE INDEX IF NOT EXISTS idx_sync_jobs_heartbeat
		ON sync_jobs (last_heartbeat_at)
		WHERE status = 'PROCESSING'`,

	`CREATE TABLE IF NOT EXISTS identity_mappings (
		entity_type TEXT NOT NULL,
		local_ref TEXT NOT NULL,
		remote_ref TEXT NOT NULL,
		content_hash TEXT NOT NULL DEFAULT '',
		last_synced_at TIMESTAMPTZ,
		archived_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (entity_type, local_ref)
	)`,

	// The reverse direction is just as unique as the forward one.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_identity_mappings_remote
		ON identity_mappings (entity_type, remote_ref)`,

	`CREATE TABLE IF NOT EXISTS webhook_events (
		topic TEXT NOT NULL,
		event_id TEXT NOT NULL,
		remote_ref TEXT NOT NULL DEFAULT '',
		received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		signature_valid BOOLEAN NOT NULL DEFAULT TRUE,
		processed BOOLEAN NOT NULL DEFAULT FALSE,
		job_id UUID,
		PRIMARY KEY (topic, event_id)
	)`,

	`CREATE TABLE IF NOT EXISTS local_records (
		entity_type TEXT NOT NULL,
		local_ref TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		deleted_at TIMESTAMPTZ,
		PRIMARY KEY (entity_type, local_ref)
	)`,

	`CREATE TABLE IF NOT EXISTS reconcile_state (
		entity_type TEXT PRIMARY KEY,
		last_sweep_at TIMESTAMPTZ,
		last_cursor TEXT NOT NULL DEFAULT '',
		last_enqueued INT NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Ensure creates the sync tables and indexes if they are missing.
func Ensure(ctx context.Context, pg *postgresql.Client, logger *slog.Logger) error {
	db := pg.GetDB()

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	logger.Info("Database schema ensured",
		slog.Int("statements", len(statements)),
	)
	return nil
}
