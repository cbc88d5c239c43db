package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "storesync_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host: "localhost",
			Port: 5672,
			Exchange: ExchangeConfig{
				Name: "sync_exchange",
			},
			JobQueue: QueueConfig{
				Name: "sync_jobs_queue",
			},
			ReconcileQueue: QueueConfig{
				Name: "sync_reconcile_queue",
			},
		},
		Worker: WorkerConfig{
			Concurrency:       4,
			MaxJobs:           100,
			JobTimeout:        5 * time.Minute,
			HeartbeatInterval: 30 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Remote: RemoteConfig{
			Endpoint:    "https://shop.example.com/admin/api/graphql.json",
			AccessToken: "test-token",
		},
		RateLimit: RateLimitConfig{
			MaxCapacity: 1000,
			RestoreRate: 50,
			Backoff: BackoffConfig{
				Base: time.Second,
				Max:  5 * time.Minute,
			},
		},
		Sync: SyncConfig{
			WebhookSecret: "test-secret",
			MaxRetries:    5,
			ClaimTimeout:  5 * time.Minute,
			SweepInterval: time.Minute,
		},
		Reconcile: ReconcileConfig{
			Interval: time.Hour,
			PageSize: 250,
		},
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "storesync_db", cfg.Database.Database)
				assert.Equal(t, "sync_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "sync_jobs_queue", cfg.RabbitMQ.JobQueue.Name)
				assert.Equal(t, "sync_reconcile_queue", cfg.RabbitMQ.ReconcileQueue.Name)
				assert.Equal(t, "storesync-api-service", cfg.App.Name)
				assert.Equal(t, 5*time.Minute, cfg.Sync.ClaimTimeout)
				assert.Equal(t, float64(1000), cfg.RateLimit.MaxCapacity)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "invalid database port",
			mutate:    func(c *Config) { c.Database.Port = 0 },
			wantErr:   true,
			errString: "invalid database port",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "invalid rabbitmq port",
			mutate:    func(c *Config) { c.RabbitMQ.Port = 70000 },
			wantErr:   true,
			errString: "invalid rabbitmq port",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "empty job queue name",
			mutate:    func(c *Config) { c.RabbitMQ.JobQueue.Name = "" },
			wantErr:   true,
			errString: "rabbitmq job queue name is required",
		},
		{
			name:      "empty reconcile queue name",
			mutate:    func(c *Config) { c.RabbitMQ.ReconcileQueue.Name = "" },
			wantErr:   true,
			errString: "rabbitmq reconcile queue name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateAPI(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty webhook secret",
			mutate:    func(c *Config) { c.Sync.WebhookSecret = "" },
			wantErr:   true,
			errString: "webhook_secret is required",
		},
		{
			name:      "common validation still applies",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPI()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorker(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			wantErr:   true,
			errString: "worker concurrency must be greater than 0",
		},
		{
			name:      "zero max jobs",
			mutate:    func(c *Config) { c.Worker.MaxJobs = 0 },
			wantErr:   true,
			errString: "worker max_jobs must be greater than 0",
		},
		{
			name:      "zero job timeout",
			mutate:    func(c *Config) { c.Worker.JobTimeout = 0 },
			wantErr:   true,
			errString: "worker job_timeout must be greater than 0",
		},
		{
			name:      "empty remote endpoint",
			mutate:    func(c *Config) { c.Remote.Endpoint = "" },
			wantErr:   true,
			errString: "remote endpoint is required",
		},
		{
			name:      "empty access token",
			mutate:    func(c *Config) { c.Remote.AccessToken = "" },
			wantErr:   true,
			errString: "remote access_token is required",
		},
		{
			name:      "zero bucket capacity",
			mutate:    func(c *Config) { c.RateLimit.MaxCapacity = 0 },
			wantErr:   true,
			errString: "rate_limit max_capacity must be greater than 0",
		},
		{
			name:      "zero restore rate",
			mutate:    func(c *Config) { c.RateLimit.RestoreRate = 0 },
			wantErr:   true,
			errString: "rate_limit restore_rate must be greater than 0",
		},
		{
			name:      "zero backoff base",
			mutate:    func(c *Config) { c.RateLimit.Backoff.Base = 0 },
			wantErr:   true,
			errString: "rate_limit backoff base must be greater than 0",
		},
		{
			name:      "zero backoff max",
			mutate:    func(c *Config) { c.RateLimit.Backoff.Max = 0 },
			wantErr:   true,
			errString: "rate_limit backoff max must be greater than 0",
		},
		{
			name:      "zero retry budget",
			mutate:    func(c *Config) { c.Sync.MaxRetries = 0 },
			wantErr:   true,
			errString: "sync max_retries must be greater than 0",
		},
		{
			name:      "zero claim timeout",
			mutate:    func(c *Config) { c.Sync.ClaimTimeout = 0 },
			wantErr:   true,
			errString: "sync claim_timeout must be greater than 0",
		},
		{
			name:      "zero reconcile interval",
			mutate:    func(c *Config) { c.Reconcile.Interval = 0 },
			wantErr:   true,
			errString: "reconcile interval must be greater than 0",
		},
		{
			name:      "zero reconcile page size",
			mutate:    func(c *Config) { c.Reconcile.PageSize = 0 },
			wantErr:   true,
			errString: "reconcile page_size must be greater than 0",
		},
		{
			name:      "common validation still applies",
			mutate:    func(c *Config) { c.RabbitMQ.JobQueue.Name = "" },
			wantErr:   true,
			errString: "rabbitmq job queue name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorker()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		require.NoError(t, cfg.Validate())
		require.NoError(t, cfg.ValidateAPI())
		require.NoError(t, cfg.ValidateWorker())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPI()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}

func TestPortConstants(t *testing.T) {
	t.Run("port constants are correct", func(t *testing.T) {
		assert.Equal(t, 1, MinPort)
		assert.Equal(t, 65535, MaxPort)
	})

	t.Run("valid port range", func(t *testing.T) {
		validPorts := []int{1, 80, 443, 8080, 65535}
		for _, port := range validPorts {
			assert.GreaterOrEqual(t, port, MinPort)
			assert.LessOrEqual(t, port, MaxPort)
		}
	})

	t.Run("invalid port range", func(t *testing.T) {
		invalidPorts := []int{0, -1, 65536, 70000}
		for _, port := range invalidPorts {
			valid := port >= MinPort && port <= MaxPort
			assert.False(t, valid, "port %d should be invalid", port)
		}
	})
}
