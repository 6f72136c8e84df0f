// Package config defines the global configuration structure for mailtrail.
// Configuration is loaded once at process initialization and is immutable
// thereafter; sub-components receive only the specific subsets they require.
// Components that support runtime reconfiguration (the rate limiter) expose
// an explicit Reload operation instead of reading ambient globals.
//
// Values are resolved from the OS environment, with an optional dotenv file
// for local development. Any missing required value or invalid format causes
// the process to exit immediately on startup (fail fast).
package config

import "time"

// Config is the top-level configuration struct for mailtrail.
// It is populated once during process initialization and never modified.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"mailtrail"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Poller        PollerConfig
	Limits        LimitsConfig
	Provider      ProviderConfig
	Archive       ArchiveConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration for the operator API.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`

	// AdminKeyHash is the bcrypt hash of the operator API key. Requests must
	// present the plaintext key in the Authorization header.
	AdminKeyHash string `envconfig:"ADMIN_API_KEY_HASH" validate:"required"`

	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL string `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Queue URLs for the provider's delivery-event notifications.
	NotificationQueue string `envconfig:"SQS_NOTIFICATIONS" validate:"required,url"`
	DlqURL            string `envconfig:"SQS_DLQ" validate:"required,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// PollerConfig holds tuning for the queue pollers. Both the primary and DLQ
// pollers share these values; they differ only in queue URL.
type PollerConfig struct {
	// BatchSize is the maximum number of messages fetched per receive call.
	// SQS caps this at 10.
	BatchSize int `envconfig:"POLL_BATCH_SIZE" default:"10" validate:"min=1,max=10"`

	// WaitTime is the SQS long-poll duration for an empty queue.
	WaitTime time.Duration `envconfig:"POLL_WAIT_TIME" default:"20s"`

	// VisibilityTimeout must exceed worst-case processing latency for a
	// full batch, or the provider redelivers messages mid-processing.
	VisibilityTimeout time.Duration `envconfig:"POLL_VISIBILITY_TIMEOUT" default:"2m"`

	// IdleBackoff is the pause after an empty receive or a receive error.
	IdleBackoff time.Duration `envconfig:"POLL_IDLE_BACKOFF" default:"5s"`

	// StorageBackoff is the pause after a storage failure before the cycle
	// resumes. Sustained outages repeat this pause; the poller never exits.
	StorageBackoff time.Duration `envconfig:"POLL_STORAGE_BACKOFF" default:"10s"`
}

// LimitsConfig holds send-time admission caps and reactive auto-block tuning.
type LimitsConfig struct {
	GlobalHourlyCap    int `envconfig:"LIMIT_GLOBAL_HOURLY" default:"10000" validate:"min=1"`
	SenderHourlyCap    int `envconfig:"LIMIT_SENDER_HOURLY" default:"2000" validate:"min=1"`
	RecipientHourlyCap int `envconfig:"LIMIT_RECIPIENT_HOURLY" default:"50" validate:"min=1"`

	// AutoBlockThreshold is the number of hard bounces or complaints inside
	// AutoBlockWindow that triggers an automatic blocklist entry.
	AutoBlockThreshold int           `envconfig:"AUTOBLOCK_THRESHOLD" default:"3" validate:"min=1"`
	AutoBlockWindow    time.Duration `envconfig:"AUTOBLOCK_WINDOW" default:"72h"`

	// AutoBlockTTL is the lifetime of an automatic blocklist entry.
	// Zero means permanent.
	AutoBlockTTL time.Duration `envconfig:"AUTOBLOCK_TTL" default:"0"`
}

// ProviderConfig holds the provider event-history API used for manual syncs.
type ProviderConfig struct {
	HistoryBaseURL string        `envconfig:"PROVIDER_HISTORY_URL" validate:"required,url"`
	APIKey         string        `envconfig:"PROVIDER_API_KEY"`
	Timeout        time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"10s"`
	UserAgent      string        `envconfig:"PROVIDER_USER_AGENT" default:"Mailtrail/1.0"`
}

// ArchiveConfig holds retention settings for the event-record archive tool.
type ArchiveConfig struct {
	// Retention is how long event records are kept before archival.
	Retention time.Duration `envconfig:"EVENT_RETENTION" default:"2160h"` // 90 days
	Directory string        `envconfig:"ARCHIVE_DIR" default:"/var/lib/mailtrail/archive"`
	BatchSize int           `envconfig:"ARCHIVE_BATCH_SIZE" default:"500" validate:"min=1"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Mailtrail"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}
