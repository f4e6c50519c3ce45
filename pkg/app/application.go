package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/osvaldoandrade/markerq/internal/converter"
	"github.com/osvaldoandrade/markerq/internal/metrics"
	"github.com/osvaldoandrade/markerq/internal/middleware"
	"github.com/osvaldoandrade/markerq/internal/providers"
	"github.com/osvaldoandrade/markerq/internal/ratelimit"
	"github.com/osvaldoandrade/markerq/internal/services"
	"github.com/osvaldoandrade/markerq/internal/tracing"
	"github.com/osvaldoandrade/markerq/pkg/config"
	"github.com/osvaldoandrade/markerq/pkg/domain"
	"github.com/osvaldoandrade/markerq/pkg/persistence"
	_ "github.com/osvaldoandrade/markerq/pkg/persistence/memory" // register "memory"
	redisplugin "github.com/osvaldoandrade/markerq/pkg/persistence/redis"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

type Application struct {
	Config *config.Config
	Engine *gin.Engine
	Logger *slog.Logger
	TZ     *time.Location

	// Store and the queue services are nil in simple mode.
	Store       persistence.PluginPersistence
	RedisClient *redis.Client
	RateLimiter ratelimit.Limiter

	Loader    *converter.Loader
	Converter converter.Converter
	Convert   services.ConvertService

	Dispatch  services.DispatchService
	Status    services.StatusService
	SyncWait  services.SyncWaitService
	Admin     services.QueueAdminService
	Retention services.RetentionService
	Callback  services.ResultCallbackService

	TracingShutdown func(context.Context) error

	workers   []services.WorkerService
	workersWG sync.WaitGroup
}

// ApplicationOption configures the Application
type ApplicationOption func(*Application) error

// WithPersistence injects the broker instead of building one from config.
func WithPersistence(store persistence.PluginPersistence) ApplicationOption {
	return func(app *Application) error {
		app.Store = store
		return nil
	}
}

// WithConverter replaces the PDF converter.
func WithConverter(conv converter.Converter) ApplicationOption {
	return func(app *Application) error {
		app.Converter = conv
		return nil
	}
}

// WithRateLimiter sets the limiter used by the upload, poll and webhook buckets.
func WithRateLimiter(lim ratelimit.Limiter) ApplicationOption {
	return func(app *Application) error {
		app.RateLimiter = lim
		return nil
	}
}

// NewLogger builds the process logger from config and makes it the slog default.
func NewLogger(cfg *config.Config, component string) *slog.Logger {
	level := new(slog.LevelVar)
	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler).With("service", "markerq", "component", component, "env", cfg.Env, "mode", cfg.Mode)
	slog.SetDefault(logger)
	return logger
}

// NewStore connects the configured broker. The Redis client is returned so
// callers can share it with the rate limiter and the queue collector.
func NewStore(cfg *config.Config, loc *time.Location) (persistence.PluginPersistence, *redis.Client, error) {
	opts := persistence.Options{
		Timezone:    loc,
		Retry:       cfg.RetryPolicy(),
		RequeueScan: cfg.RequeueInspectLimit,
		MaxAttempts: cfg.MaxAttemptsDefault,
	}
	if cfg.Broker != persistence.BackendRedis {
		store, err := persistence.Open(cfg.Broker, opts)
		return store, nil, err
	}
	rdb, err := providers.NewRedisProvider(cfg.RedisURL, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		return nil, nil, err
	}
	return redisplugin.NewPluginWithClient(rdb, opts), rdb, nil
}

func NewApplication(cfg *config.Config, opts ...ApplicationOption) (*Application, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.FixedZone("UTC", 0)
	}
	logger := NewLogger(cfg, "server")

	shutdown, err := SetupTracing(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	app := &Application{
		Config:          cfg,
		Logger:          logger,
		TZ:              loc,
		TracingShutdown: shutdown,
	}
	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	if app.Converter == nil {
		app.Loader = converter.NewDefaultLoader(logger, !cfg.DisableImages)
		app.Converter = converter.NewConverter(app.Loader, logger)
	}

	if cfg.Mode == config.ModeSimple {
		var outputs providers.OutputStore
		if cfg.OutputDir != "" {
			outputs = providers.NewDirStore(cfg.OutputDir)
		}
		app.Convert = services.NewConvertService(app.Converter, outputs, logger, cfg.MaxBatchSize)
		if app.RateLimiter == nil {
			app.RateLimiter = ratelimit.NewLocalLimiter()
		}
	} else if err := app.wireQueue(); err != nil {
		return nil, err
	}

	engine := gin.New()
	engine.MaxMultipartMemory = 32 << 20
	engine.Use(
		gin.Recovery(),
		middleware.RequestIDMiddleware(),
		middleware.LoggerMiddleware(logger),
		middleware.Tracing(),
		middleware.CORS(cfg.CORSAllowOrigins),
	)
	app.Engine = engine
	return app, nil
}

func (app *Application) wireQueue() error {
	cfg, logger := app.Config, app.Logger
	if app.Store == nil {
		store, rdb, err := NewStore(cfg, app.TZ)
		if err != nil {
			return fmt.Errorf("broker: %w", err)
		}
		app.Store, app.RedisClient = store, rdb
	}
	if app.RateLimiter == nil {
		if app.RedisClient != nil {
			app.RateLimiter = ratelimit.NewRedisLimiter(app.RedisClient)
		} else {
			app.RateLimiter = ratelimit.NewLocalLimiter()
		}
	}
	if app.RedisClient != nil {
		metrics.RegisterRedisCollector(app.RedisClient, logger, time.Duration(cfg.WorkerLivenessSeconds)*time.Second)
	}

	tasks := app.Store.TaskStorage()
	app.Dispatch = services.NewDispatchService(tasks, logger, cfg.MaxBatchSize)
	app.Status = services.NewStatusService(tasks, app.Store.ResultStorage(), logger)
	app.SyncWait = services.NewSyncWaitService(
		app.Dispatch,
		app.Status,
		time.Duration(cfg.SyncWaitTimeoutSeconds)*time.Second,
		time.Duration(cfg.SyncPollIntervalMillis)*time.Millisecond,
		logger,
	)
	app.Admin = services.NewQueueAdminService(tasks, app.Store.WorkerRegistry(), time.Duration(cfg.WorkerLivenessSeconds)*time.Second)
	app.Retention = services.NewRetentionService(tasks, logger, cfg.RetentionCleanupIntervalSeconds, nil)
	app.Callback = NewCallback(cfg, logger, app.RateLimiter)

	for i := 0; i < cfg.EmbeddedWorkers; i++ {
		app.workers = append(app.workers, NewWorker(cfg, app.Store, app.Converter, app.Callback, logger, ""))
	}
	return nil
}

// SetupTracing installs the OTLP exporter when tracing is enabled.
func SetupTracing(cfg *config.Config, logger *slog.Logger) (func(context.Context) error, error) {
	return tracing.Setup(context.Background(), tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
}

// NewCallback builds the result webhook sender. lim may be nil.
func NewCallback(cfg *config.Config, logger *slog.Logger, lim ratelimit.Limiter) services.ResultCallbackService {
	return services.NewResultCallbackService(
		logger,
		cfg.WebhookHmacSecret,
		cfg.ResultWebhookMaxAttempts,
		cfg.ResultWebhookBaseBackoffSeconds,
		cfg.ResultWebhookMaxBackoffSeconds,
		lim,
		ratelimit.Bucket(cfg.RateLimit.Webhook),
	)
}

// NewWorker builds a worker service from config. An empty id picks one from the hostname.
func NewWorker(cfg *config.Config, store persistence.PluginPersistence, conv converter.Converter, callback services.ResultCallbackService, logger *slog.Logger, id string) services.WorkerService {
	return services.NewWorkerService(store, conv, callback, logger, services.WorkerConfig{
		WorkerID:          id,
		Concurrency:       cfg.WorkerConcurrency,
		LeaseSeconds:      cfg.DefaultLeaseSeconds,
		ClaimPoll:         time.Duration(cfg.ClaimPollMillis) * time.Millisecond,
		RegistryHeartbeat: time.Duration(cfg.WorkerHeartbeatSeconds) * time.Second,
		Retry:             cfg.RetryPolicy(),
	})
}

// Start launches the background loops: retention cleanup and embedded workers.
// They stop when ctx is cancelled; Close waits for them.
func (app *Application) Start(ctx context.Context) {
	if app.Retention != nil {
		go app.Retention.Start(ctx)
	}
	for _, w := range app.workers {
		app.workersWG.Add(1)
		go func(w services.WorkerService) {
			defer app.workersWG.Done()
			if err := w.Run(ctx); err != nil {
				app.Logger.Error("embedded worker stopped", "worker_id", w.ID(), "err", err)
			}
		}(w)
	}
	if len(app.workers) > 0 {
		app.Logger.Info("embedded workers started", "count", len(app.workers))
	}
}

// ServerType reports the mode as exposed by /health.
func (app *Application) ServerType() domain.ServerType {
	if app.Config.Mode == config.ModeSimple {
		return domain.ServerSimple
	}
	return domain.ServerDistributed
}

// Close waits for embedded workers and pending webhooks, then releases the broker.
func (app *Application) Close(ctx context.Context) error {
	app.workersWG.Wait()
	if app.Callback != nil {
		app.Callback.Wait()
	}
	var errs []error
	if app.Store != nil {
		errs = append(errs, app.Store.Close())
	}
	if app.TracingShutdown != nil {
		errs = append(errs, app.TracingShutdown(ctx))
	}
	return errors.Join(errs...)
}
