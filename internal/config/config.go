package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Remote    RemoteConfig    `yaml:"remote"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Sync      SyncConfig      `yaml:"sync"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host           string           `yaml:"host"`
	Port           int              `yaml:"port"`
	User           string           `yaml:"user"`
	Password       string           `yaml:"password"`
	VHost          string           `yaml:"vhost"`
	Exchange       ExchangeConfig   `yaml:"exchange"`
	JobQueue       QueueConfig      `yaml:"job_queue"`
	ReconcileQueue QueueConfig      `yaml:"reconcile_queue"`
	Connection     ConnectionConfig `yaml:"connection"`
	Publish        PublishConfig    `yaml:"publish"`
	Consumer       ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	MaxJobs           int           `yaml:"max_jobs"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// RemoteConfig holds the remote commerce platform connection settings
type RemoteConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	AccessToken   string        `yaml:"access_token"`
	Timeout       time.Duration `yaml:"timeout"`
	EstimatedCost float64       `yaml:"estimated_cost"`
	Bulk          BulkConfig    `yaml:"bulk"`
}

// BulkConfig holds bulk operation polling settings
type BulkConfig struct {
	PollMinInterval time.Duration `yaml:"poll_min_interval"`
	PollMaxInterval time.Duration `yaml:"poll_max_interval"`
	Timeout         time.Duration `yaml:"timeout"`
}

// RateLimitConfig holds the remote cost bucket settings
type RateLimitConfig struct {
	MaxCapacity  float64       `yaml:"max_capacity"`
	RestoreRate  float64       `yaml:"restore_rate"`
	SafetyBuffer time.Duration `yaml:"safety_buffer"`
	MaxWait      time.Duration `yaml:"max_wait"`
	Backoff      BackoffConfig `yaml:"backoff"`
}

// BackoffConfig holds retry backoff settings
type BackoffConfig struct {
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

// SyncConfig holds sync engine settings shared by both services
type SyncConfig struct {
	WebhookSecret    string        `yaml:"webhook_secret"`
	MaxRetries       int           `yaml:"max_retries"`
	ClaimTimeout     time.Duration `yaml:"claim_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	ReservationTTL   time.Duration `yaml:"reservation_ttl"`
	WebhookRetention time.Duration `yaml:"webhook_retention"`
}

// ReconcileConfig holds reconciliation sweep settings
type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"`
	PageSize int           `yaml:"page_size"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// Validate checks the settings both services depend on
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.JobQueue.Name == "" {
		return fmt.Errorf("rabbitmq job queue name is required")
	}

	if c.RabbitMQ.ReconcileQueue.Name == "" {
		return fmt.Errorf("rabbitmq reconcile queue name is required")
	}

	return nil
}

// ValidateAPI checks the settings the API service needs on top of the
// common ones
func (c *Config) ValidateAPI() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Sync.WebhookSecret == "" {
		return fmt.Errorf("sync webhook_secret is required")
	}

	return nil
}

// ValidateWorker checks the settings the worker service needs on top of the
// common ones
func (c *Config) ValidateWorker() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.MaxJobs <= 0 {
		return fmt.Errorf("worker max_jobs must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Remote.Endpoint == "" {
		return fmt.Errorf("remote endpoint is required")
	}

	if c.Remote.AccessToken == "" {
		return fmt.Errorf("remote access_token is required")
	}

	if c.RateLimit.MaxCapacity <= 0 {
		return fmt.Errorf("rate_limit max_capacity must be greater than 0")
	}

	if c.RateLimit.RestoreRate <= 0 {
		return fmt.Errorf("rate_limit restore_rate must be greater than 0")
	}

	if c.RateLimit.Backoff.Base <= 0 {
		return fmt.Errorf("rate_limit backoff base must be greater than 0")
	}

	if c.RateLimit.Backoff.Max <= 0 {
		return fmt.Errorf("rate_limit backoff max must be greater than 0")
	}

	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("sync max_retries must be greater than 0")
	}

	if c.Sync.ClaimTimeout <= 0 {
		return fmt.Errorf("sync claim_timeout must be greater than 0")
	}

	if c.Sync.SweepInterval <= 0 {
		return fmt.Errorf("sync sweep_interval must be greater than 0")
	}

	if c.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile interval must be greater than 0")
	}

	if c.Reconcile.PageSize <= 0 {
		return fmt.Errorf("reconcile page_size must be greater than 0")
	}

	return nil
}
