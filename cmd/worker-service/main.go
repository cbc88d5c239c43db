package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/meshvale/storesync/internal/config"
	"github.com/meshvale/storesync/internal/sync/queue"
	"github.com/meshvale/storesync/internal/sync/ratelimit"
	"github.com/meshvale/storesync/internal/sync/remote"
	"github.com/meshvale/storesync/internal/sync/schema"
	"github.com/meshvale/storesync/internal/worker"
	"github.com/meshvale/storesync/shared/logger"
	"github.com/meshvale/storesync/shared/postgresql"
	"github.com/meshvale/storesync/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting sync worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Ensure the sync schema exists before claiming against it.
	if err := schema.Ensure(context.Background(), dbClient, appLogger.Logger); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// The rate limit state is shared by every call the remote client makes;
	// the limiter blocks callers until the cost bucket can afford them.
	rateState := ratelimit.NewState(cfg.RateLimit.MaxCapacity, cfg.RateLimit.RestoreRate)
	limiter := ratelimit.NewLimiter(rateState, cfg.RateLimit.SafetyBuffer, cfg.RateLimit.MaxWait)

	remoteClient, err := remote.NewClient(remote.Config{
		Endpoint:        cfg.Remote.Endpoint,
		AccessToken:     cfg.Remote.AccessToken,
		Timeout:         cfg.Remote.Timeout,
		EstimatedCost:   cfg.Remote.EstimatedCost,
		PollMinInterval: cfg.Remote.Bulk.PollMinInterval,
		PollMaxInterval: cfg.Remote.Bulk.PollMaxInterval,
		BulkTimeout:     cfg.Remote.Bulk.Timeout,
	}, limiter, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize remote client: %w", err)
	}

	appLogger.Info("Remote platform client initialized",
		slog.String("endpoint", cfg.Remote.Endpoint),
	)

	// Create worker instance
	workerInstance, err := worker.NewWorker(&worker.Config{
		Logger:       appLogger.Logger,
		DBClient:     dbClient,
		RabbitClient: rabbitClient,
		Remote:       remoteClient,
		Backoff:      ratelimit.NewBackoff(cfg.RateLimit.Backoff.Base, cfg.RateLimit.Backoff.Max),

		Concurrency:        cfg.Worker.Concurrency,
		MaxJobs:            cfg.Worker.MaxJobs,
		PrefetchCount:      cfg.RabbitMQ.Consumer.PrefetchCount,
		JobQueueName:       cfg.RabbitMQ.JobQueue.Name,
		ReconcileQueueName: cfg.RabbitMQ.ReconcileQueue.Name,
		JobTimeout:         cfg.Worker.JobTimeout,
		HeartbeatInterval:  cfg.Worker.HeartbeatInterval,

		MaxRetries:       cfg.Sync.MaxRetries,
		ClaimTimeout:     cfg.Sync.ClaimTimeout,
		SweepInterval:    cfg.Sync.SweepInterval,
		ReservationTTL:   cfg.Sync.ReservationTTL,
		WebhookRetention: cfg.Sync.WebhookRetention,

		ReconcileInterval: cfg.Reconcile.Interval,
		ReconcilePageSize: cfg.Reconcile.PageSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize worker: %w", err)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Sync worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Cancel context to stop worker
	cancel()

	// Give worker time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	// Stop worker
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	// Cleanup function to close all resources
	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Sync worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client with both queue bindings; the
// worker consumes wakeups and reconcile triggers from separate queues.
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		Bindings: []rabbitmq.Binding{
			{Queue: cfg.JobQueue.Name, RoutingKey: queue.RoutingKeyJobWake},
			{Queue: cfg.ReconcileQueue.Name, RoutingKey: queue.RoutingKeyReconcile},
		},
		QueueDurable:       cfg.JobQueue.Durable,
		QueueAutoDelete:    cfg.JobQueue.AutoDelete,
		QueueExclusive:     cfg.JobQueue.Exclusive,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
