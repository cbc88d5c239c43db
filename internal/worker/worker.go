package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshvale/storesync/internal/sync/identity"
	"github.com/meshvale/storesync/internal/sync/localstore"
	"github.com/meshvale/storesync/internal/sync/payload"
	"github.com/meshvale/storesync/internal/sync/queue"
	"github.com/meshvale/storesync/internal/sync/ratelimit"
	"github.com/meshvale/storesync/internal/sync/remote"
	"github.com/meshvale/storesync/internal/sync/webhook"
	"github.com/meshvale/storesync/shared/postgresql"
	"github.com/meshvale/storesync/shared/rabbitmq"
)

// defaultPollInterval drives the fallback claim loop when the config leaves
// it unset.
const defaultPollInterval = 15 * time.Second

// Config holds worker configuration
type Config struct {
	Logger       *slog.Logger
	DBClient     *postgresql.Client
	RabbitClient *rabbitmq.Client
	Remote       *remote.Client
	Backoff      ratelimit.Backoff

	Concurrency        int
	MaxJobs            int
	PrefetchCount      int
	JobQueueName       string
	ReconcileQueueName string
	JobTimeout         time.Duration
	HeartbeatInterval  time.Duration
	PollInterval       time.Duration

	MaxRetries       int
	ClaimTimeout     time.Duration
	SweepInterval    time.Duration
	ReservationTTL   time.Duration
	WebhookRetention time.Duration

	ReconcileInterval time.Duration
	ReconcilePageSize int
}

// Worker claims and executes sync jobs, runs the reconcile sweeps, and keeps
// the queue healthy. One process runs one Worker; its goroutines share the
// queue with every other worker process through the claim query, so scaling
// out is just starting more processes.
type Worker struct {
	logger       *slog.Logger
	rabbitClient *rabbitmq.Client

	jobs      JobStore
	identity  IdentityStore
	local     LocalStore
	remote    RemoteGateway
	events    EventStore
	publisher WakePublisher
	syncers   map[string]EntitySyncer

	workerID           string
	concurrency        int
	prefetchCount      int
	jobQueueName       string
	reconcileQueueName string
	jobTimeout         time.Duration
	heartbeatInterval  time.Duration
	pollInterval       time.Duration
	backoff            ratelimit.Backoff

	claimTimeout     time.Duration
	sweepInterval    time.Duration
	reservationTTL   time.Duration
	webhookRetention time.Duration

	reconcileInterval time.Duration
	reconcilePageSize int

	wakeChan chan wakeSignal
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewWorker wires the stores and the entity syncer registry. The worker id
// is fresh per process so stale claims from a dead predecessor are never
// mistaken for this worker's.
func NewWorker(cfg *Config) (*Worker, error) {
	validator, err := payload.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to build payload validator: %w", err)
	}

	jobs := queue.NewStore(cfg.DBClient, cfg.Logger, cfg.MaxRetries)
	identities := identity.NewStore(cfg.DBClient, cfg.Logger)
	local := localstore.NewStore(cfg.DBClient, cfg.Logger)
	events := webhook.NewEventStore(cfg.DBClient)

	// Same hook wiring as the API service. Every write this worker makes
	// carries the sync origin, and the hook only fires for non-sync origins.
	local.SetChangeHook(queue.NewChangeHook(jobs, cfg.RabbitClient, cfg.Logger))

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	maxJobs := cfg.MaxJobs
	if maxJobs <= 0 {
		maxJobs = cfg.Concurrency
	}

	w := &Worker{
		logger:       cfg.Logger,
		rabbitClient: cfg.RabbitClient,

		jobs:      jobs,
		identity:  identities,
		local:     local,
		remote:    cfg.Remote,
		events:    events,
		publisher: cfg.RabbitClient,

		workerID:           "worker-" + uuid.New().String()[:8],
		concurrency:        cfg.Concurrency,
		prefetchCount:      cfg.PrefetchCount,
		jobQueueName:       cfg.JobQueueName,
		reconcileQueueName: cfg.ReconcileQueueName,
		jobTimeout:         cfg.JobTimeout,
		heartbeatInterval:  cfg.HeartbeatInterval,
		pollInterval:       pollInterval,
		backoff:            cfg.Backoff,

		claimTimeout:     cfg.ClaimTimeout,
		sweepInterval:    cfg.SweepInterval,
		reservationTTL:   cfg.ReservationTTL,
		webhookRetention: cfg.WebhookRetention,

		reconcileInterval: cfg.ReconcileInterval,
		reconcilePageSize: cfg.ReconcilePageSize,

		wakeChan: make(chan wakeSignal, maxJobs),
		stopChan: make(chan struct{}),
	}

	w.syncers = newSyncers(syncerDeps{
		identity:  identities,
		local:     local,
		remote:    cfg.Remote,
		validator: validator,
		logger:    cfg.Logger,
	})

	return w, nil
}

// Start begins processing jobs and blocks until the context is canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Duration("reconcile_interval", w.reconcileInterval),
	)

	wakes, reconciles, err := w.setupConsumers()
	if err != nil {
		return fmt.Errorf("failed to set up consumers: %w", err)
	}

	w.spawnWorkerPool(ctx)

	go w.startWakeDispatcher(ctx, wakes)
	go w.startReconcileDispatcher(ctx, reconciles)
	go w.startMaintenance(ctx)
	go w.startReconcileSchedule(ctx)

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop gracefully stops the worker pool. In-flight jobs finish their current
// attempt; a job cut off mid-attempt is reclaimed by the stale claim sweep.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
