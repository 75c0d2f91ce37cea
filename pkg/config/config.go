package config

import "time"

// Config holds runtime configuration for the capture service.
type Config struct {
	AppEnv string `mapstructure:"app_env"`

	Logger    LoggerConfig    `mapstructure:"logger"`
	Sentry    SentryConfig    `mapstructure:"sentry"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Usage     UsageConfig     `mapstructure:"usage"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`

	Plans   map[string]PlanConfig `mapstructure:"plans" validate:"dive"`
	APIKeys []APIKeyConfig        `mapstructure:"api_keys" validate:"dive"`
}

// LoggerConfig controls the root slog logger.
type LoggerConfig struct {
	Level  string        `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string        `mapstructure:"format" validate:"oneof=json text"`
	File   LogFileConfig `mapstructure:"file"`
}

// LogFileConfig enables rotating file output when Path is set.
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

// SentryConfig controls error reporting.
type SentryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	DSN         string  `mapstructure:"dsn" validate:"required_if=Enabled true"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
}

// HTTPConfig controls the public HTTP listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	TrustProxy      bool          `mapstructure:"trust_proxy"`
}

// RedisConfig defines connection parameters for the coordination store.
type RedisConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db" validate:"gte=0"`
	PoolSize        int           `mapstructure:"pool_size" validate:"gte=0"`
	MinIdleConns    int           `mapstructure:"min_idle_conns" validate:"gte=0"`
	PoolTimeout     time.Duration `mapstructure:"pool_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
}

// PostgresConfig is optional; an empty DSN disables relational persistence.
type PostgresConfig struct {
	DSN           string `mapstructure:"dsn"`
	// MigrationsDir overrides the embedded migrations when set.
	MigrationsDir string `mapstructure:"migrations_dir"`
	MaxOpenConns  int    `mapstructure:"max_open_conns" validate:"gte=0"`
}

// BrowserConfig controls the browser pool.
type BrowserConfig struct {
	PoolSize             int           `mapstructure:"pool_size" validate:"gte=1"`
	AcquireTimeout       time.Duration `mapstructure:"acquire_timeout" validate:"gt=0"`
	MaxLeasesPerInstance int           `mapstructure:"max_leases_per_instance" validate:"gte=1"`
	MaxIdleAge           time.Duration `mapstructure:"max_idle_age" validate:"gt=0"`
	ReapInterval         time.Duration `mapstructure:"reap_interval" validate:"gt=0"`
	MaxMemoryMB          int           `mapstructure:"max_memory_mb" validate:"gte=0"`
	LaunchRetries        int           `mapstructure:"launch_retries" validate:"gte=0,lte=10"`
	LaunchRate           float64       `mapstructure:"launch_rate" validate:"gt=0"`
	Bin                  string        `mapstructure:"bin"`
	Headless             bool          `mapstructure:"headless"`
	NoSandbox            bool          `mapstructure:"no_sandbox"`
	BlockedURLPatterns   []string      `mapstructure:"blocked_url_patterns"`
}

// CaptureConfig controls per-capture deadlines and retries.
type CaptureConfig struct {
	Deadline   time.Duration `mapstructure:"deadline" validate:"gt=0"`
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	BaseDelay  time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay   time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	StatusTTL  time.Duration `mapstructure:"status_ttl" validate:"gt=0"`
}

// MaxRenderDelay is the largest delay_ms a request may ask for. The delay runs
// on top of Deadline.
const MaxRenderDelay = 30 * time.Second

// Budget is the longest one capture can run: every attempt waits for a
// browser, renders under Deadline plus the largest delay, and all but the
// last back off before retrying.
func (c CaptureConfig) Budget(acquireTimeout time.Duration) time.Duration {
	attempts := time.Duration(c.MaxRetries + 1)
	return attempts*(acquireTimeout+c.Deadline+MaxRenderDelay) + time.Duration(c.MaxRetries)*c.MaxDelay
}

// RateLimitConfig groups admission-control settings.
type RateLimitConfig struct {
	Backend         string            `mapstructure:"backend" validate:"oneof=redis memory"`
	FailPolicy      string            `mapstructure:"fail_policy" validate:"oneof=open closed fallback"`
	Routes          RouteLimitsConfig `mapstructure:"routes"`
	Concurrency     int               `mapstructure:"concurrency" validate:"gte=1"`
	SlotTTL         time.Duration     `mapstructure:"slot_ttl" validate:"gt=0"`
	Whitelist       []string          `mapstructure:"whitelist"`
	CleanupInterval time.Duration     `mapstructure:"cleanup_interval"`
	Breaker         BreakerConfig     `mapstructure:"breaker"`
}

// RouteLimitsConfig holds one rule per limiter scope.
type RouteLimitsConfig struct {
	Auth       RateLimitRule `mapstructure:"auth"`
	Screenshot RateLimitRule `mapstructure:"screenshot"`
	Default    RateLimitRule `mapstructure:"default"`
}

// RateLimitRule describes a sliding window.
type RateLimitRule struct {
	Window string `mapstructure:"window" validate:"required"`
	Max    int    `mapstructure:"max" validate:"gte=1"`
	KeyBy  string `mapstructure:"key_by" validate:"oneof=ip user api_key"`
}

// BreakerConfig tunes the coordination-store circuit breaker.
type BreakerConfig struct {
	ErrorThreshold float64       `mapstructure:"error_threshold" validate:"gt=0,lte=1"`
	MinRequests    int           `mapstructure:"min_requests" validate:"gte=1"`
	OpenTimeout    time.Duration `mapstructure:"open_timeout" validate:"gt=0"`
	HalfOpenMax    int           `mapstructure:"half_open_max" validate:"gte=1"`
}

// StorageConfig selects and configures the artifact backend.
type StorageConfig struct {
	Driver    string        `mapstructure:"driver" validate:"oneof=s3 local"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Retention time.Duration `mapstructure:"retention"`
	S3        S3Config      `mapstructure:"s3"`
	Local     LocalConfig   `mapstructure:"local"`
}

// S3Config configures the S3-compatible backend.
type S3Config struct {
	Bucket          string        `mapstructure:"bucket"`
	Region          string        `mapstructure:"region"`
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	UsePathStyle    bool          `mapstructure:"use_path_style"`
	URLMode         string        `mapstructure:"url_mode" validate:"omitempty,oneof=presigned public"`
	PresignedTTL    time.Duration `mapstructure:"presigned_ttl"`
}

// LocalConfig configures the local-disk backend.
type LocalConfig struct {
	Dir        string        `mapstructure:"dir"`
	BaseURL    string        `mapstructure:"base_url"`
	SigningKey string        `mapstructure:"signing_key"`
	URLTTL     time.Duration `mapstructure:"url_ttl"`
}

// UsageConfig selects the usage event sink.
type UsageConfig struct {
	Sink       string `mapstructure:"sink" validate:"oneof=nats log"`
	NATSURL    string `mapstructure:"nats_url"`
	Subject    string `mapstructure:"subject"`
	BufferSize int    `mapstructure:"buffer_size" validate:"gte=1"`
}

// JobsConfig controls the asynq worker and scheduler.
type JobsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Concurrency    int           `mapstructure:"concurrency" validate:"gte=1"`
	CleanupCron    string        `mapstructure:"cleanup_cron"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout" validate:"gt=0"`
	WebhookRetries int           `mapstructure:"webhook_retries" validate:"gte=0"`
}

// AlertsConfig configures operator notifications.
type AlertsConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
}

// TelegramConfig configures the Telegram alert channel.
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token" validate:"required_if=Enabled true"`
	ChatID  int64  `mapstructure:"chat_id"`
}

// PlanConfig describes the limits granted by a subscription plan.
type PlanConfig struct {
	MaxWidth        int      `mapstructure:"max_width" validate:"gte=100,lte=7680"`
	MaxHeight       int      `mapstructure:"max_height" validate:"gte=100,lte=4320"`
	RateLimit       int      `mapstructure:"rate_limit" validate:"gte=0"`
	Concurrency     int      `mapstructure:"concurrency" validate:"gte=0"`
	AllowedFormats  []string `mapstructure:"allowed_formats" validate:"min=1,dive,oneof=png jpeg webp pdf"`
	WebhooksEnabled bool     `mapstructure:"webhooks_enabled"`
}

// APIKeyConfig statically maps an API key to a plan.
type APIKeyConfig struct {
	ID        string `mapstructure:"id" validate:"required"`
	Key       string `mapstructure:"key" validate:"required"`
	UserID    string `mapstructure:"user_id"`
	Plan      string `mapstructure:"plan" validate:"required"`
	RateLimit int    `mapstructure:"rate_limit" validate:"gte=0"`
}
