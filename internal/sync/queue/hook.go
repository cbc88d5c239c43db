package queue

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/meshvale/storesync/internal/sync/domain"
	"github.com/meshvale/storesync/internal/sync/localstore"
)

// WakePublisher publishes queue wakeup hints to the broker.
type WakePublisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// NewChangeHook returns a local-change hook that enqueues an outbound job for
// every application write and nudges the worker pool. The local store only
// fires the hook for non-sync write origins, so a worker applying an inbound
// change never loops back through here. Hook failures are logged and
// swallowed: the local write already committed, and the reconcile sweep picks
// up any change whose job was lost.
func NewChangeHook(store *Store, publisher WakePublisher, logger *slog.Logger) localstore.ChangeHook {
	return func(ctx context.Context, change localstore.Change) {
		job := &domain.SyncJob{
			EntityType: change.EntityType,
			Operation:  change.Operation,
			Direction:  domain.DirectionOutbound,
			LocalRef:   change.LocalRef,
			Payload:    change.Payload,
			Origin:     domain.OriginLocalChange,
		}

		jobID, coalesced, err := store.Enqueue(ctx, job)
		if err != nil {
			logger.Error("Failed to enqueue outbound job for local change",
				slog.String("entity_type", change.EntityType),
				slog.String("local_ref", change.LocalRef),
				slog.String("operation", change.Operation),
				slog.String("error", err.Error()),
			)
			return
		}

		logger.Debug("Local change enqueued for outbound sync",
			slog.String("job_id", jobID),
			slog.String("entity_type", change.EntityType),
			slog.String("local_ref", change.LocalRef),
			slog.String("operation", change.Operation),
			slog.Bool("coalesced", coalesced),
		)

		body, err := json.Marshal(WakeMessage{JobID: jobID})
		if err != nil {
			logger.Error("Failed to encode wakeup message",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
			return
		}

		if err := publisher.PublishWithRetry(ctx, RoutingKeyJobWake, body, "application/json"); err != nil {
			logger.Error("Failed to publish job wakeup",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}
}
