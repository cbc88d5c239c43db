package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/meshvale/storesync/shared/postgresql"
)

// EventStore persists verified webhook deliveries for deduplication. Only
// deliveries that passed signature verification are ever recorded, so a
// forged event id can never block the genuine delivery that follows it.
type EventStore struct {
	db *sqlx.DB
}

func NewEventStore(pg *postgresql.Client) *EventStore {
	return &EventStore{
		db: pg.GetDB(),
	}
}

// Record stores a delivery. The returned flag reports whether the event was
// already recorded and processed: such deliveries are platform retransmits
// and must be acknowledged without enqueueing anything. A recorded but
// unprocessed event means a previous attempt crashed before its job was
// enqueued, so the caller should enqueue again.
func (s *EventStore) Record(ctx context.Context, topic, eventID, remoteRef string) (alreadyProcessed bool, err error) {
	insert := `
		INSERT INTO webhook_events (topic, event_id, remote_ref, received_at, signature_valid, processed)
		VALUES ($1, $2, $3, NOW(), TRUE, FALSE)
		ON CONFLICT (topic, event_id) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, insert, topic, eventID, remoteRef)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check webhook event insert: %w", err)
	}
	if rows > 0 {
		return false, nil
	}

	var processed bool
	query := `SELECT processed FROM webhook_events WHERE topic = $1 AND event_id = $2`
	if err := s.db.QueryRowContext(ctx, query, topic, eventID).Scan(&processed); err != nil {
		return false, fmt.Errorf("failed to load duplicate webhook event: %w", err)
	}
	return processed, nil
}

// MarkProcessed links the delivery to the sync job it enqueued.
func (s *EventStore) MarkProcessed(ctx context.Context, topic, eventID, jobID string) error {
	query := `
		UPDATE webhook_events
		SET processed = TRUE, job_id = $3
		WHERE topic = $1 AND event_id = $2
	`

	_, err := s.db.ExecContext(ctx, query, topic, eventID, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	return nil
}

// PurgeOlderThan drops processed events past the retention window. The
// dedup guarantee only needs to outlive the platform's redelivery horizon.
func (s *EventStore) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	query := `
		DELETE FROM webhook_events
		WHERE processed = TRUE AND received_at < NOW() - $1::interval
	`

	result, err := s.db.ExecContext(ctx, query, fmt.Sprintf("%f seconds", age.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to purge webhook events: %w", err)
	}
	return result.RowsAffected()
}
