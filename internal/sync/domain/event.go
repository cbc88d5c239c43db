package domain

import "time"

// WebhookEvent records one verified inbound delivery. Deliveries are
// deduplicated on (topic, event_id); unverified deliveries are never
// recorded so a forged event id cannot block the real one, which is why
// SignatureValid is always true on stored rows.
type WebhookEvent struct {
	EventID        string
	Topic          string
	RemoteRef      string
	ReceivedAt     time.Time
	SignatureValid bool
	Processed      bool
	JobID          string
}

// ReconcileState tracks the last completed sweep per entity type. A zero
// LastSweepAt means the entity type has never been swept and the next sweep
// starts with a full catalog import.
type ReconcileState struct {
	EntityType   string
	LastSweepAt  time.Time
	LastCursor   string
	LastEnqueued int
	LastError    string
	UpdatedAt    time.Time
}
