// Package config provides configuration loading and validation utilities.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	validator "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load reads configuration from ./configs/<APP_ENV>.yaml (or CONFIG_FILE) and
// environment variables, validates it, and returns the resulting Config.
// A missing config file is not an error: registered defaults apply.
func Load() (*Config, *viper.Viper, error) {
	// .env files are optional.
	_ = godotenv.Load(".env.local", ".env")

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = fmt.Sprintf("./configs/%s.yaml", env)
	}

	cfg, v, err := LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	cfg.AppEnv = env

	return cfg, v, nil
}

// LoadFile reads configuration from the given YAML file plus environment overrides.
func LoadFile(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}

	return cfg, v, nil
}

// Watch reloads the config file on change and hands the validated result to onChange.
// Invalid reloads are logged and ignored.
func Watch(v *viper.Viper, log *slog.Logger, onChange func(*Config)) {
	if v == nil || onChange == nil || v.ConfigFileUsed() == "" {
		return
	}
	if log == nil {
		log = slog.Default()
	}

	v.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}

		cfg, err := decode(v)
		if err != nil {
			log.Warn("config reload rejected", slog.String("file", event.Name), slog.Any("error", err))
			return
		}

		log.Info("config reloaded", slog.String("file", event.Name))
		onChange(cfg)
	})
	v.WatchConfig()
}

// Validate checks struct-level constraints and cross-field rules.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	for _, rule := range []RateLimitRule{cfg.RateLimit.Routes.Auth, cfg.RateLimit.Routes.Screenshot, cfg.RateLimit.Routes.Default} {
		window, err := time.ParseDuration(rule.Window)
		if err != nil {
			return fmt.Errorf("validate config: rate limit window %q: %w", rule.Window, err)
		}
		if window <= 0 {
			return fmt.Errorf("validate config: rate limit window %q must be positive", rule.Window)
		}
	}

	for _, key := range cfg.APIKeys {
		if _, ok := cfg.Plans[key.Plan]; !ok {
			return fmt.Errorf("validate config: api key %s references unknown plan %q", key.ID, key.Plan)
		}
	}

	switch cfg.Storage.Driver {
	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			return errors.New("validate config: storage.s3.bucket is required")
		}
	case "local":
		if cfg.Storage.Local.Dir == "" || cfg.Storage.Local.SigningKey == "" {
			return errors.New("validate config: storage.local.dir and storage.local.signing_key are required")
		}
	}

	if budget := cfg.Capture.Budget(cfg.Browser.AcquireTimeout); cfg.HTTP.WriteTimeout < budget {
		return fmt.Errorf("validate config: http.write_timeout %s is shorter than the capture budget %s", cfg.HTTP.WriteTimeout, budget)
	}

	if cfg.Usage.Sink == "nats" && cfg.Usage.NATSURL == "" {
		return errors.New("validate config: usage.nats_url is required for the nats sink")
	}

	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", "development")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.file.path", "")
	v.SetDefault("logger.file.max_size_mb", 100)
	v.SetDefault("logger.file.max_backups", 5)
	v.SetDefault("logger.file.max_age_days", 14)
	v.SetDefault("logger.file.compress", true)

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "")
	v.SetDefault("sentry.sample_rate", 1.0)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 240*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)
	v.SetDefault("http.trust_proxy", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.pool_timeout", 2*time.Second)
	v.SetDefault("redis.idle_timeout", 5*time.Minute)
	v.SetDefault("redis.dial_timeout", time.Second)
	v.SetDefault("redis.max_retries", 1)
	v.SetDefault("redis.min_retry_backoff", 8*time.Millisecond)
	v.SetDefault("redis.max_retry_backoff", 128*time.Millisecond)

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.migrations_dir", "")
	v.SetDefault("postgres.max_open_conns", 10)

	v.SetDefault("browser.pool_size", 4)
	v.SetDefault("browser.acquire_timeout", 10*time.Second)
	v.SetDefault("browser.max_leases_per_instance", 100)
	v.SetDefault("browser.max_idle_age", 5*time.Minute)
	v.SetDefault("browser.reap_interval", 30*time.Second)
	v.SetDefault("browser.max_memory_mb", 0)
	v.SetDefault("browser.launch_retries", 2)
	v.SetDefault("browser.launch_rate", 2.0)
	v.SetDefault("browser.bin", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.blocked_url_patterns", []string{
		"*doubleclick.net*",
		"*googlesyndication.com*",
		"*google-analytics.com*",
		"*googletagmanager.com*",
		"*adservice.google.*",
		"*facebook.net*",
		"*hotjar.com*",
	})

	v.SetDefault("capture.deadline", 30*time.Second)
	v.SetDefault("capture.max_retries", 2)
	v.SetDefault("capture.base_delay", 500*time.Millisecond)
	v.SetDefault("capture.max_delay", 5*time.Second)
	v.SetDefault("capture.status_ttl", time.Hour)

	v.SetDefault("rate_limit.backend", "redis")
	v.SetDefault("rate_limit.fail_policy", "open")
	v.SetDefault("rate_limit.routes.auth.window", "15m")
	v.SetDefault("rate_limit.routes.auth.max", 5)
	v.SetDefault("rate_limit.routes.auth.key_by", "ip")
	v.SetDefault("rate_limit.routes.screenshot.window", "1m")
	v.SetDefault("rate_limit.routes.screenshot.max", 10)
	v.SetDefault("rate_limit.routes.screenshot.key_by", "user")
	v.SetDefault("rate_limit.routes.default.window", "15m")
	v.SetDefault("rate_limit.routes.default.max", 100)
	v.SetDefault("rate_limit.routes.default.key_by", "user")
	v.SetDefault("rate_limit.concurrency", 2)
	v.SetDefault("rate_limit.slot_ttl", 10*time.Minute)
	v.SetDefault("rate_limit.whitelist", []string{})
	v.SetDefault("rate_limit.cleanup_interval", 5*time.Minute)
	v.SetDefault("rate_limit.breaker.error_threshold", 0.5)
	v.SetDefault("rate_limit.breaker.min_requests", 10)
	v.SetDefault("rate_limit.breaker.open_timeout", 30*time.Second)
	v.SetDefault("rate_limit.breaker.half_open_max", 3)

	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.key_prefix", "captures")
	v.SetDefault("storage.retention", 7*24*time.Hour)
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.use_path_style", false)
	v.SetDefault("storage.s3.url_mode", "presigned")
	v.SetDefault("storage.s3.presigned_ttl", 15*time.Minute)
	v.SetDefault("storage.local.dir", "./data/artifacts")
	v.SetDefault("storage.local.base_url", "http://localhost:8080/v1/files")
	v.SetDefault("storage.local.signing_key", "development-signing-key")
	v.SetDefault("storage.local.url_ttl", 15*time.Minute)

	v.SetDefault("usage.sink", "log")
	v.SetDefault("usage.nats_url", "")
	v.SetDefault("usage.subject", "usage.capture")
	v.SetDefault("usage.buffer_size", 1024)

	v.SetDefault("jobs.enabled", false)
	v.SetDefault("jobs.concurrency", 10)
	v.SetDefault("jobs.cleanup_cron", "*/30 * * * *")
	v.SetDefault("jobs.webhook_timeout", 10*time.Second)
	v.SetDefault("jobs.webhook_retries", 5)

	v.SetDefault("alerts.cooldown", time.Minute)
	v.SetDefault("alerts.telegram.enabled", false)
	v.SetDefault("alerts.telegram.token", "")
	v.SetDefault("alerts.telegram.chat_id", 0)

	v.SetDefault("plans", map[string]any{
		"free": map[string]any{
			"max_width":        1920,
			"max_height":       1080,
			"rate_limit":       10,
			"concurrency":      1,
			"allowed_formats":  []string{"png", "jpeg"},
			"webhooks_enabled": false,
		},
		"pro": map[string]any{
			"max_width":        3840,
			"max_height":       2160,
			"rate_limit":       60,
			"concurrency":      5,
			"allowed_formats":  []string{"png", "jpeg", "webp", "pdf"},
			"webhooks_enabled": true,
		},
	})
	v.SetDefault("api_keys", []map[string]any{})
}
