// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-fleet/internal/api"
	"github.com/JakeFAU/scrape-fleet/internal/async"
	"github.com/JakeFAU/scrape-fleet/internal/clock/system"
	"github.com/JakeFAU/scrape-fleet/internal/config"
	"github.com/JakeFAU/scrape-fleet/internal/dispatcher"
	"github.com/JakeFAU/scrape-fleet/internal/fleet"
	"github.com/JakeFAU/scrape-fleet/internal/gateway"
	"github.com/JakeFAU/scrape-fleet/internal/hash/sha256"
	"github.com/JakeFAU/scrape-fleet/internal/health"
	"github.com/JakeFAU/scrape-fleet/internal/id/uuid"
	"github.com/JakeFAU/scrape-fleet/internal/logging"
	"github.com/JakeFAU/scrape-fleet/internal/policy/ratelimit"
	"github.com/JakeFAU/scrape-fleet/internal/progress"
	progresssinks "github.com/JakeFAU/scrape-fleet/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/scrape-fleet/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/scrape-fleet/internal/queue/memory"
	"github.com/JakeFAU/scrape-fleet/internal/registry"
	gcsstorage "github.com/JakeFAU/scrape-fleet/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scrape-fleet/internal/storage/local"
	memorystorage "github.com/JakeFAU/scrape-fleet/internal/storage/memory"
	pgstore "github.com/JakeFAU/scrape-fleet/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/scrape-fleet/internal/storage/sqlite"
	"github.com/JakeFAU/scrape-fleet/internal/store"
	"github.com/JakeFAU/scrape-fleet/internal/telemetry"
	"github.com/JakeFAU/scrape-fleet/internal/workerclient"
)

const limiterSweepInterval = time.Minute

// App contains the gateway's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  fleet.Clock

	registry    *registry.Registry
	monitor     *health.Monitor
	gateway     *gateway.Gateway
	apiServer   *api.Server
	progressHub *progress.Hub
	limiter     *ratelimit.Limiter

	queue   *queuememory.Queue
	pool    *async.Pool
	janitor *async.Janitor

	publisher  *gcppublisher.Publisher
	storage    *storage.Client
	eventRepo  store.EventRepository
	pgEvents   *pgstore.EventStore
	sqlEvents  *sqlitestore.EventStore
	tracerProv *sdktrace.TracerProvider
	meterProv  *metric.MeterProvider
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	// Log only the non-sensitive shape of the config.
	type sanitizedConfig struct {
		ServerPort int    `json:"server_port"`
		Workers    int    `json:"workers"`
		Database   string `json:"database"`
		Storage    string `json:"storage"`
		Async      bool   `json:"async"`
		PubSub     bool   `json:"pubsub"`
	}
	logger.Info("creating application", zap.Any("config", sanitizedConfig{
		ServerPort: cfg.Server.Port,
		Workers:    len(cfg.Workers.Endpoints),
		Database:   cfg.Database.Driver,
		Storage:    cfg.Storage.Backend,
		Async:      cfg.Async.Enabled,
		PubSub:     cfg.PubSub.Enabled,
	}))
	return &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
	}, nil
}

// Handler exposes the gateway router.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the background loops and the HTTP server, and blocks until the
// context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loopCtx, cancelLoops := context.WithCancel(ctx)
	var loops sync.WaitGroup
	a.startLoops(loopCtx, &loops)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownTimeout := a.cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	cancelLoops()
	loops.Wait()

	return a.Close(shutdownCtx)
}

func (a *App) startLoops(ctx context.Context, wg *sync.WaitGroup) {
	spawn := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("loop started", zap.String("loop", name))
			fn(ctx)
			a.logger.Info("loop stopped", zap.String("loop", name))
		}()
	}
	spawn("health_monitor", a.monitor.Run)
	if a.pool != nil {
		spawn("async_pool", a.pool.Run)
	}
	if a.janitor != nil {
		spawn("job_janitor", a.janitor.Run)
	}
	if a.limiter != nil {
		spawn("limiter_sweep", a.sweepLimiter)
	}
}

func (a *App) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.limiter.Sweep(a.clock.Now()); n > 0 {
				a.logger.Debug("dropped idle rate limit buckets", zap.Int("count", n))
			}
		}
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	// The hub flushes into the stores and publisher, so it goes first.
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgEvents != nil {
		a.pgEvents.Close()
	}
	if a.sqlEvents != nil {
		if err := a.sqlEvents.Close(); err != nil {
			a.logger.Warn("sqlite event store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := telemetry.Shutdown(ctx, a.tracerProv, a.meterProv); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	// Sync reports ENOTTY when stderr is a terminal.
	_ = a.logger.Sync()
}

// Build creates the gateway's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	app.tracerProv, app.meterProv, err = telemetry.InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}

	app.logger.Info("building application dependencies")
	if err = setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	if err = setupPublisher(ctx, app); err != nil {
		return nil, err
	}
	emitter, err := setupProgress(ctx, app, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}
	submitter, err := setupFleet(app, emitter)
	if err != nil {
		return nil, err
	}
	jobStore := memorystorage.NewJobStore()
	if err = setupAsync(ctx, app, jobStore, submitter); err != nil {
		return nil, err
	}
	if cfg.RateLimit.Enabled {
		app.limiter = ratelimit.New(ratelimit.Config{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst})
		app.logger.Info("rate limiting enabled",
			zap.Float64("rps", cfg.RateLimit.RPS),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
	}

	var queueDepth func() int
	if app.queue != nil {
		queueDepth = app.queue.Len
	}
	collector := telemetry.NewFleetCollector(func() []fleet.WorkerNode { return app.registry.List(nil) }, queueDepth)
	if err := prometheus.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, fmt.Errorf("register fleet collector: %w", err)
		}
	}

	deps := api.Deps{
		Gateway: app.gateway,
		Jobs:    jobStore,
		Events:  app.eventRepo,
		Limiter: app.limiter,
		Clock:   app.clock,
	}
	if app.pool != nil {
		deps.Async = app.pool
	}
	app.apiServer = api.NewServer(deps, *cfg, logger.Named("api"))
	return app, nil
}

// setupFleet builds the registry, health monitor, dispatcher, and gateway,
// and registers the configured worker endpoints.
func setupFleet(app *App, emitter progress.Emitter) (async.Submitter, error) {
	cfg := app.cfg
	app.registry = registry.New(app.clock)
	for _, endpoint := range cfg.Workers.Endpoints {
		node, err := app.registry.Register(endpoint)
		if err != nil {
			return nil, fmt.Errorf("register worker %q: %w", endpoint, err)
		}
		app.logger.Info("worker registered", zap.String("worker_id", node.ID))
	}

	client := workerclient.New(nil, workerclient.Config{
		ProbePath:      cfg.Workers.ProbePath,
		JobPath:        cfg.Workers.JobPath,
		RecyclePath:    cfg.Workers.RecyclePath,
		MaxResultBytes: cfg.Workers.MaxResultBytes,
		UserAgent:      cfg.Workers.UserAgent,
	})

	app.monitor = health.New(app.registry, client, client, app.clock, emitter, health.Config{
		ProbeInterval:    cfg.Health.ProbeInterval,
		ProbeTimeout:     cfg.Health.ProbeTimeout,
		FailureThreshold: cfg.Health.FailureThreshold,
		CircuitCooldown:  cfg.Health.CircuitCooldown,
		RecycleBudget:    cfg.Health.RecycleBudget,
	}, app.logger.Named("health"))

	tieBreak, err := dispatcher.ParseTieBreak(cfg.Dispatch.TieBreak)
	if err != nil {
		return nil, err
	}
	dispatchCfg := dispatcher.Config{
		AttemptTimeout: cfg.Dispatch.AttemptTimeout,
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		Backoff: dispatcher.Backoff{
			Initial: cfg.Dispatch.BackoffInitial,
			Max:     cfg.Dispatch.BackoffMax,
		},
		NoEligibleRetries: cfg.Dispatch.NoEligibleRetries,
		TieBreak:          tieBreak,
		RetryOnTimeout:    cfg.Dispatch.RetryOnTimeout,
		DeadlineSlack:     cfg.Dispatch.DeadlineSlack,
	}
	dispatch := dispatcher.New(app.registry, client, app.monitor, app.clock, emitter, dispatchCfg, app.logger.Named("dispatcher"))
	app.logger.Info("dispatcher config",
		zap.Duration("attempt_timeout", dispatchCfg.AttemptTimeout),
		zap.Int("max_attempts", dispatchCfg.MaxAttempts),
		zap.String("tie_break", string(dispatchCfg.TieBreak)),
		zap.Bool("retry_on_timeout", dispatchCfg.RetryOnTimeout),
	)

	app.gateway = gateway.New(app.registry, dispatch, uuid.New(), app.clock, gateway.Config{
		DefaultDeadline: cfg.Dispatch.DefaultDeadline,
		MaxDeadline:     cfg.Dispatch.MaxDeadline,
		MaxAttempts:     cfg.Dispatch.MaxAttempts,
	}, app.logger.Named("gateway"))
	return dispatch, nil
}

func setupAsync(ctx context.Context, app *App, jobStore fleet.JobStore, submitter async.Submitter) error {
	if !app.cfg.Async.Enabled {
		app.logger.Info("async submissions disabled")
		return nil
	}
	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return err
	}
	var hasher fleet.Hasher
	if blobStore != nil {
		hasher = sha256.New()
	}
	app.queue = queuememory.NewQueue(app.cfg.Async.QueueDepth)
	app.pool = async.NewPool(app.queue, jobStore, blobStore, hasher, submitter, app.clock, async.Config{
		Concurrency: app.cfg.Async.Concurrency,
		ContentType: app.cfg.Storage.ContentType,
		BlobPrefix:  app.cfg.Storage.Prefix,
	}, app.logger.Named("async"))
	app.janitor = async.NewJanitor(jobStore, app.clock, app.cfg.Async.Retention, app.cfg.Async.CleanupInterval, app.logger.Named("janitor"))
	app.logger.Info("async pool configured",
		zap.Int("concurrency", app.cfg.Async.Concurrency),
		zap.Int("queue_depth", app.cfg.Async.QueueDepth),
	)
	return nil
}

// setupStorage returns nil when results are not archived.
func setupStorage(ctx context.Context, app *App) (fleet.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case "local":
		app.logger.Info("using local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	case "memory":
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	default:
		app.logger.Info("result archiving disabled")
		return nil, nil
	}
}

func setupDatabase(ctx context.Context, app *App) error {
	db := app.cfg.Database
	switch db.Driver {
	case "postgres":
		events, err := pgstore.NewEventStore(ctx, pgstore.Config{
			DSN:             db.DSN,
			MaxConns:        db.MaxConns,
			MaxConnLifetime: db.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("event store init failed: %w", err)
		}
		if db.Migrate {
			if err := events.Migrate(ctx); err != nil {
				events.Close()
				return fmt.Errorf("event store migration failed: %w", err)
			}
		}
		app.pgEvents = events
		app.eventRepo = events
		app.logger.Info("postgres event store initialized")
	case "sqlite":
		events, err := sqlitestore.Open(ctx, db.Path)
		if err != nil {
			return fmt.Errorf("event store init failed: %w", err)
		}
		app.sqlEvents = events
		app.eventRepo = events
		app.logger.Info("sqlite event store initialized", zap.String("path", db.Path))
	default:
		app.logger.Warn("no database configured, worker events are not persisted")
	}
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	if !app.cfg.PubSub.Enabled {
		app.logger.Info("pubsub notifications disabled")
		return nil
	}
	publisher, err := gcppublisher.Dial(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub init failed: %w", err)
	}
	app.publisher = publisher
	app.logger.Info("pubsub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("outcome_topic", app.cfg.PubSub.OutcomeTopic),
		zap.String("health_topic", app.cfg.PubSub.HealthTopic),
	)
	return nil
}

func setupProgress(ctx context.Context, app *App, reg prometheus.Registerer) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if app.eventRepo != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(app.eventRepo, app.logger.Named("progress_store")))
		app.logger.Debug("added progress store sink")
	}
	if app.publisher != nil {
		sinkList = append(sinkList, progresssinks.NewPublisherSink(app.publisher, progresssinks.PublisherConfig{
			OutcomeTopic: app.cfg.PubSub.OutcomeTopic,
			HealthTopic:  app.cfg.PubSub.HealthTopic,
		}, app.logger.Named("progress_publisher")))
		app.logger.Debug("added progress publisher sink")
	}
	if app.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("added progress log sink")
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   app.cfg.Progress.MaxBatchWait,
		SinkTimeout:    app.cfg.Progress.SinkTimeout,
		BaseContext:    ctx,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return app.progressHub, nil
}
