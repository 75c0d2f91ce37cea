package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Proton-105/pagecapture/internal/admission"
	"github.com/Proton-105/pagecapture/internal/alert"
	"github.com/Proton-105/pagecapture/internal/browser"
	"github.com/Proton-105/pagecapture/internal/capture"
	"github.com/Proton-105/pagecapture/internal/database"
	apperrors "github.com/Proton-105/pagecapture/internal/errors"
	"github.com/Proton-105/pagecapture/internal/health"
	"github.com/Proton-105/pagecapture/internal/httpapi"
	"github.com/Proton-105/pagecapture/internal/idempotency"
	"github.com/Proton-105/pagecapture/internal/jobs"
	"github.com/Proton-105/pagecapture/internal/jobs/handlers"
	"github.com/Proton-105/pagecapture/internal/lifecycle"
	"github.com/Proton-105/pagecapture/internal/plan"
	"github.com/Proton-105/pagecapture/internal/ratelimit"
	"github.com/Proton-105/pagecapture/internal/repository"
	"github.com/Proton-105/pagecapture/internal/state"
	"github.com/Proton-105/pagecapture/internal/storage"
	"github.com/Proton-105/pagecapture/internal/usage"
	"github.com/Proton-105/pagecapture/migrations"
	"github.com/Proton-105/pagecapture/pkg/config"
	"github.com/Proton-105/pagecapture/pkg/graceful"
	"github.com/Proton-105/pagecapture/pkg/logger"
	"github.com/Proton-105/pagecapture/pkg/metrics"
	pkgredis "github.com/Proton-105/pagecapture/pkg/redis"
)

const serviceName = "pagecapture"

func main() {
	if err := run(); err != nil {
		slog.Error("pagecapture exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, v, err := config.Load()
	if err != nil {
		return err
	}

	if cfg.Sentry.Enabled {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: firstNonEmpty(cfg.Sentry.Environment, cfg.AppEnv),
			SampleRate:  cfg.Sentry.SampleRate,
		}); err != nil {
			return fmt.Errorf("init sentry: %w", err)
		}
	}

	log := logger.New(*cfg)
	slog.SetDefault(log)
	log.Info("starting pagecapture",
		slog.String("addr", cfg.HTTP.Addr),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("rate_limit_backend", cfg.RateLimit.Backend),
		slog.String("fail_policy", cfg.RateLimit.FailPolicy),
	)

	config.Watch(v, log, func(next *config.Config) {
		logger.SetLevel(next.Logger.Level)
	})

	shutdown := lifecycle.NewShutdown(log)

	// Admission must come up while the store is down, so a failed ping is
	// only logged.
	rdb, err := pkgredis.New(ctx, cfg.Redis)
	if err != nil {
		log.Warn("redis unreachable at startup, admission follows fail policy", slog.Any("error", err))
		rdb = pkgredis.NewUnchecked(cfg.Redis)
	}
	shutdown.Register(lifecycle.PhaseConnections, "redis", func(context.Context) error {
		return rdb.Close()
	})

	db, err := openDatabase(ctx, cfg.Postgres, log)
	if err != nil {
		return err
	}
	if db != nil {
		shutdown.Register(lifecycle.PhaseConnections, "postgres", func(context.Context) error {
			return db.Close()
		})
	}

	notifier, err := newNotifier(cfg.Alerts, log)
	if err != nil {
		return err
	}

	pool := browser.NewPool(browser.NewRodEngine(browser.RodOptions{
		Bin:                cfg.Browser.Bin,
		Headless:           cfg.Browser.Headless,
		NoSandbox:          cfg.Browser.NoSandbox,
		BlockedURLPatterns: cfg.Browser.BlockedURLPatterns,
		Logger:             log,
	}), browser.Options{
		Size:                 cfg.Browser.PoolSize,
		AcquireTimeout:       cfg.Browser.AcquireTimeout,
		MaxLeasesPerInstance: cfg.Browser.MaxLeasesPerInstance,
		MaxIdleAge:           cfg.Browser.MaxIdleAge,
		ReapInterval:         cfg.Browser.ReapInterval,
		MaxMemoryBytes:       uint64(cfg.Browser.MaxMemoryMB) << 20,
		LaunchRetries:        cfg.Browser.LaunchRetries,
		LaunchRate:           cfg.Browser.LaunchRate,
		Probe:                browser.ProcessProbe{},
		Logger:               log,
		OnExhausted:          notifier.PoolExhaustedHook(),
	})
	shutdown.Register(lifecycle.PhaseWork, "browser_pool", pool.Close)

	backend, files, err := newBackend(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	sink, err := newUsageSink(cfg.Usage, log)
	if err != nil {
		return err
	}
	recorder := usage.NewAsyncRecorder(sink, cfg.Usage.BufferSize, log)
	shutdown.Register(lifecycle.PhaseFlush, "usage", recorder.Close)

	deps := capture.Deps{
		Machine: state.NewMachine(state.NewRedisStorage(rdb, cfg.Capture.StatusTTL, log), log, func(from, to state.State) {
			metrics.RecordStateTransition(string(from), string(to))
		}),
		Guard:  capture.NewGuard(nil, false),
		Usage:  recorder,
		Logger: log,
	}

	var artifacts repository.ArtifactRepository
	if db != nil {
		artifacts = repository.NewArtifactRepository(db, log)
		deps.Artifacts = artifacts
	}

	redisOpt := asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	if cfg.Jobs.Enabled {
		manager := jobs.NewManager(redisOpt, log)
		shutdown.Register(lifecycle.PhaseConnections, "jobs_client", func(context.Context) error {
			return manager.Close()
		})
		deps.Webhooks = jobs.NewWebhookNotifier(manager, cfg.Jobs.WebhookRetries, log)
	}

	orchestrator := capture.NewOrchestrator(pool, backend, capture.Config{
		Deadline:       cfg.Capture.Deadline,
		AcquireTimeout: cfg.Browser.AcquireTimeout,
		Retry: apperrors.Policy{
			MaxRetries: cfg.Capture.MaxRetries,
			BaseDelay:  cfg.Capture.BaseDelay,
			MaxDelay:   cfg.Capture.MaxDelay,
		},
		KeyPrefix: cfg.Storage.KeyPrefix,
		Retention: cfg.Storage.Retention,
	}, deps)

	rules, err := ratelimit.NewRules(cfg.RateLimit)
	if err != nil {
		return err
	}
	limiter, slots, memory, err := newLimiters(cfg.RateLimit, rdb, notifier, log)
	if err != nil {
		return err
	}
	controller := admission.NewController(limiter, slots, rules, orchestrator, admission.Options{
		Concurrency: cfg.RateLimit.Concurrency,
		Logger:      log,
	})

	directory, err := newDirectory(cfg, db, rdb, log)
	if err != nil {
		return err
	}

	checker := health.NewChecker(log, 2*time.Second)
	checker.AddCheck("browser_pool", health.CheckFunc(pool.Ping))
	if db != nil {
		checker.AddCheck("postgres", health.NewDBChecker(db))
	}
	// Under fail-closed every capture is rejected while Redis is down.
	if cfg.RateLimit.Backend == "redis" && cfg.RateLimit.FailPolicy == string(ratelimit.FailClosed) {
		checker.AddCheck("redis", health.NewRedisChecker(rdb))
	}
	probes := lifecycle.NewProbes(checker, log)

	server := graceful.NewServer(cfg.HTTP, httpapi.NewHandler(httpapi.Deps{
		Admission:      controller,
		Statuses:       orchestrator,
		Backend:        backend,
		Files:          files,
		Artifacts:      artifacts,
		Directory:      directory,
		Idempotency:    idempotency.NewManager(idempotency.NewRedisStore(rdb, log), lockTTL(cfg), log),
		IdempotencyTTL: idempotency.DefaultTTL,
		Probes:         probes,
		Errors:         apperrors.NewHandler(log, cfg.Sentry.Enabled),
		Logger:         log,
		TrustProxy:     cfg.HTTP.TrustProxy,
	}), log)
	if err := server.Listen(); err != nil {
		return err
	}
	shutdown.Register(lifecycle.PhaseIngress, "http", func(ctx context.Context) error {
		probes.Drain()
		return server.Shutdown(ctx)
	})

	if cfg.Sentry.Enabled {
		shutdown.Register(lifecycle.PhaseFlush, "sentry", func(context.Context) error {
			sentry.Flush(2 * time.Second)
			return nil
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(server.Serve)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error {
		metrics.NewPoolCollector(pool, 5*time.Second).Run(gctx)
		return nil
	})

	var cleanerClient goredis.Cmdable
	if cfg.RateLimit.Backend == "redis" {
		cleanerClient = rdb
	}
	g.Go(func() error {
		ratelimit.NewCleaner(cleanerClient, memory, log, cfg.RateLimit.CleanupInterval, rules.MaxWindow()).Run(gctx)
		return nil
	})
	g.Go(func() error {
		idempotency.NewCleaner(rdb, log, time.Hour, idempotency.DefaultTTL+time.Hour).Run(gctx)
		return nil
	})

	if cfg.Jobs.Enabled {
		if err := startJobs(cfg, redisOpt, backend, artifacts, shutdown, log); err != nil {
			return err
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout+10*time.Second)
		defer cancel()
		return shutdown.Execute(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("pagecapture stopped")
	return nil
}

func openDatabase(ctx context.Context, cfg config.PostgresConfig, log *slog.Logger) (*sql.DB, error) {
	if cfg.DSN == "" {
		log.Info("postgres not configured; artifact metadata and key lookups are disabled")
		return nil, nil
	}

	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	migrator := database.NewMigrator(db, log)
	if cfg.MigrationsDir != "" {
		err = migrator.ApplyDir(ctx, cfg.MigrationsDir)
	} else {
		err = migrator.Apply(ctx, migrations.FS, ".")
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return db, nil
}

func newNotifier(cfg config.AlertsConfig, log *slog.Logger) (*alert.Notifier, error) {
	var sender alert.Sender
	if cfg.Telegram.Enabled {
		tg, err := alert.NewTelegramSender(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			return nil, fmt.Errorf("init telegram alerts: %w", err)
		}
		sender = tg
	}
	return alert.NewNotifier(sender, serviceName, cfg.Cooldown, log), nil
}

func newBackend(ctx context.Context, cfg config.StorageConfig) (storage.Backend, httpapi.FileStore, error) {
	switch cfg.Driver {
	case "s3":
		s3, err := storage.NewS3Backend(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			URLMode:         storage.URLMode(cfg.S3.URLMode),
			PresignedTTL:    cfg.S3.PresignedTTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return s3, nil, nil
	default:
		local, err := storage.NewLocalBackend(storage.LocalConfig{
			Dir:        cfg.Local.Dir,
			BaseURL:    cfg.Local.BaseURL,
			SigningKey: cfg.Local.SigningKey,
			URLTTL:     cfg.Local.URLTTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return local, local, nil
	}
}

func newUsageSink(cfg config.UsageConfig, log *slog.Logger) (usage.Sink, error) {
	if cfg.Sink == "nats" {
		sink, err := usage.NewNATSSink(cfg.NATSURL, cfg.Subject, log)
		if err != nil {
			return nil, fmt.Errorf("connect usage sink: %w", err)
		}
		return sink, nil
	}
	return usage.NewLogSink(log), nil
}

func newLimiters(cfg config.RateLimitConfig, rdb *pkgredis.Client, notifier *alert.Notifier, log *slog.Logger) (ratelimit.Limiter, *ratelimit.ConcurrencyLimiter, *ratelimit.MemoryLimiter, error) {
	if cfg.Backend == "memory" {
		memory := ratelimit.NewMemoryLimiter()
		slots := ratelimit.NewConcurrencyLimiter(ratelimit.NewMemorySlots(), ratelimit.ConcurrencyOptions{Logger: log})
		return memory, slots, memory, nil
	}

	policy, err := ratelimit.ParseFailPolicy(cfg.FailPolicy)
	if err != nil {
		return nil, nil, nil, err
	}

	breaker := func(store string) *apperrors.CircuitBreaker {
		return apperrors.NewCircuitBreakerWithSettings(apperrors.BreakerSettings{
			ErrorThreshold: cfg.Breaker.ErrorThreshold,
			MinRequests:    cfg.Breaker.MinRequests,
			OpenTimeout:    cfg.Breaker.OpenTimeout,
			HalfOpenMax:    cfg.Breaker.HalfOpenMax,
			OnStateChange:  notifier.BreakerHook(store, string(policy)),
		})
	}
	degraded := func(mechanism, _ string, decided ratelimit.FailPolicy, _ error) {
		metrics.RecordAdmission(mechanism, "degraded_"+string(decided))
	}

	scripts := pkgredis.NewMetricsClient(rdb)
	fallback := ratelimit.NewMemoryLimiter()
	limiter := ratelimit.NewFailoverLimiter(ratelimit.NewRedisLimiter(scripts, log), ratelimit.FailoverOptions{
		Policy:     policy,
		Fallback:   fallback,
		Breaker:    breaker("rate limiter"),
		OnDegraded: degraded,
		Logger:     log,
	})
	slots := ratelimit.NewConcurrencyLimiter(ratelimit.NewRedisSlots(scripts, cfg.SlotTTL), ratelimit.ConcurrencyOptions{
		Policy:     policy,
		Breaker:    breaker("concurrency slots"),
		OnDegraded: degraded,
		Logger:     log,
	})
	return limiter, slots, fallback, nil
}

func newDirectory(cfg *config.Config, db *sql.DB, rdb *pkgredis.Client, log *slog.Logger) (*plan.Directory, error) {
	plans := plan.FromConfig(cfg.Plans)
	free, ok := plans[plan.FreePlan]
	if !ok {
		free = plan.Plan{Name: plan.FreePlan}
	}

	var resolver plan.Resolver
	if db != nil {
		resolver = plan.NewCachedResolver(plan.NewPostgresResolver(repository.NewAPIKeyRepository(db, log)), rdb, 5*time.Minute, log)
	} else {
		static, err := plan.NewStaticResolver(plans, cfg.APIKeys)
		if err != nil {
			return nil, err
		}
		resolver = static
	}
	return plan.NewDirectory(resolver, free), nil
}

func startJobs(cfg *config.Config, redisOpt asynq.RedisClientOpt, backend storage.Backend, artifacts repository.ArtifactRepository, shutdown *lifecycle.Shutdown, log *slog.Logger) error {
	worker := jobs.NewWorker(redisOpt, cfg.Jobs.Concurrency, log)
	worker.RegisterHandler(jobs.TaskTypeWebhookDeliver, handlers.NewWebhookHandler(cfg.Jobs.WebhookTimeout, log))

	cron := ""
	if artifacts != nil && cfg.Storage.Retention > 0 {
		worker.RegisterHandler(jobs.TaskTypeArtifactsCleanup, handlers.NewCleanupHandler(artifacts, backend, log))
		cron = cfg.Jobs.CleanupCron
	}

	if err := worker.Start(); err != nil {
		return fmt.Errorf("start jobs worker: %w", err)
	}
	shutdown.Register(lifecycle.PhaseWork, "jobs_worker", func(context.Context) error {
		worker.Shutdown()
		return nil
	})

	scheduler := jobs.NewScheduler(redisOpt, cron, jobs.DefaultCleanupBatch, log)
	if err := scheduler.RegisterTasks(); err != nil {
		return fmt.Errorf("register scheduled tasks: %w", err)
	}
	scheduler.Run()
	shutdown.Register(lifecycle.PhaseWork, "scheduler", func(context.Context) error {
		scheduler.Shutdown()
		return nil
	})
	return nil
}

// lockTTL covers every attempt of one capture plus the wait for a browser.
func lockTTL(cfg *config.Config) time.Duration {
	return cfg.Capture.Budget(cfg.Browser.AcquireTimeout)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
