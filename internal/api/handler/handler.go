package handler

import (
	"context"
	"log/slog"

	"github.com/meshvale/storesync/internal/api/model"
	"github.com/meshvale/storesync/internal/api/storage"
	"github.com/meshvale/storesync/internal/sync/domain"
	"github.com/meshvale/storesync/internal/sync/localstore"
	"github.com/meshvale/storesync/internal/sync/queue"
	"github.com/meshvale/storesync/shared/postgresql"
	"github.com/meshvale/storesync/shared/rabbitmq"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger        *slog.Logger
	DBClient      *postgresql.Client
	RabbitClient  *rabbitmq.Client
	WebhookSecret string
	MaxRetries    int
}

// Handlers depend on the narrow interfaces below rather than on the concrete
// stores, so tests inject fakes and never need a database or a broker.

// JobQueue is the slice of the sync job queue the API uses.
type JobQueue interface {
	Enqueue(ctx context.Context, job *domain.SyncJob) (string, bool, error)
	GetJob(ctx context.Context, jobID string) (*domain.SyncJob, error)
	RetryJob(ctx context.Context, jobID string) error
	ListJobs(ctx context.Context, filter queue.ListFilter) ([]domain.SyncJob, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// EventRecorder deduplicates inbound webhook deliveries.
type EventRecorder interface {
	Record(ctx context.Context, topic, eventID, remoteRef string) (bool, error)
	MarkProcessed(ctx context.Context, topic, eventID, jobID string) error
}

// RemoteResolver looks up the local side of a remote ref when a mapping
// already exists.
type RemoteResolver interface {
	ResolveRemote(ctx context.Context, entityType, remoteRef string) (*domain.IdentityMapping, error)
}

// WakePublisher nudges the worker after an enqueue. A failed wakeup is
// logged and swallowed: the queue row is already durable and the worker's
// poll ticker picks it up.
type WakePublisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// LocalRecords is the slice of the local store the host-integration
// endpoints use.
type LocalRecords interface {
	Get(ctx context.Context, entityType, localRef string) (*localstore.Record, error)
	Apply(ctx context.Context, origin domain.WriteOrigin, entityType, localRef string, payload []byte) error
	Delete(ctx context.Context, origin domain.WriteOrigin, entityType, localRef string) error
}

// MappingReader and ReconcileReader are the operator read layer.
type MappingReader interface {
	ListMappings(ctx context.Context, filter storage.MappingFilter) ([]model.Mapping, error)
}

type ReconcileReader interface {
	ListReconcileStates(ctx context.Context) ([]model.ReconcileState, error)
}
