// Package app assembles the harvester's dependency graph from configuration
// and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/scholar-harvester/internal/adapters"
	"github.com/JakeFAU/scholar-harvester/internal/api"
	"github.com/JakeFAU/scholar-harvester/internal/clock/system"
	"github.com/JakeFAU/scholar-harvester/internal/compliance"
	"github.com/JakeFAU/scholar-harvester/internal/config"
	collyfetcher "github.com/JakeFAU/scholar-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/scholar-harvester/internal/harvest"
	"github.com/JakeFAU/scholar-harvester/internal/hash/sha256"
	"github.com/JakeFAU/scholar-harvester/internal/id/uuid"
	"github.com/JakeFAU/scholar-harvester/internal/logging"
	"github.com/JakeFAU/scholar-harvester/internal/metrics"
	"github.com/JakeFAU/scholar-harvester/internal/persist"
	"github.com/JakeFAU/scholar-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/scholar-harvester/internal/provenance"
	gcppublisher "github.com/JakeFAU/scholar-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/scholar-harvester/internal/runner"
	gcsstorage "github.com/JakeFAU/scholar-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scholar-harvester/internal/storage/local"
	memorystorage "github.com/JakeFAU/scholar-harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/scholar-harvester/internal/storage/postgres"
	"github.com/JakeFAU/scholar-harvester/internal/telemetry"
	"github.com/JakeFAU/scholar-harvester/internal/throttle"
)

const serviceName = "scholar-harvester"

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	transport http.RoundTripper

	store         harvest.Store
	pg            *pgstore.Store
	gate          *compliance.Gate
	registry      *adapters.Registry
	runner        *runner.Runner
	apiServer     *api.Server
	storageClient *storage.Client
	pubsubClient  *pubsub.Client
	publisher     *gcppublisher.Publisher

	tracerShutdown telemetry.Shutdown
}

// Option customizes Build.
type Option func(*App)

// WithLogger replaces the logger built from cfg.Logging.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithTransport routes robots and adapter traffic through rt.
func WithTransport(rt http.RoundTripper) Option {
	return func(a *App) { a.transport = rt }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	app := &App{cfg: cfg}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		app.logger = logger
	}

	metrics.Init()
	shutdown, err := telemetry.InitTracerProvider(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = shutdown

	app.logger.Info("building application dependencies",
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Int("sources", len(cfg.Sources)),
	)

	decisions, err := setupDatabase(ctx, app)
	if err != nil {
		app.closeAll(ctx)
		return nil, err
	}
	blobs, err := setupStorage(ctx, app)
	if err != nil {
		app.closeAll(ctx)
		return nil, err
	}
	if err := setupPublisher(ctx, app); err != nil {
		app.closeAll(ctx)
		return nil, err
	}
	if err := setupRunner(app, decisions, blobs); err != nil {
		app.closeAll(ctx)
		return nil, err
	}

	app.apiServer = api.NewServer(api.Deps{
		Harvester: app.runner,
		Catalog:   app.registry,
		Runs:      app.store,
		Robots:    app.gate,
		Admission: ratelimit.New(ratelimit.Config{
			PerMinute:    float64(cfg.Server.HarvestsPerMinute),
			DefaultBurst: cfg.Server.HarvestBurst,
		}),
		Ready: app.ready,
	}, cfg, app.logger)

	return app, nil
}

func setupDatabase(ctx context.Context, app *App) (harvest.DecisionStore, error) {
	if app.cfg.DB.Driver != "postgres" {
		app.logger.Warn("using in-memory store; runs and metrics are lost on exit")
		app.store = memorystorage.NewStore()
		return compliance.NewMemoryStore(), nil
	}
	pg, err := pgstore.New(ctx, pgstore.Config{
		DSN:             app.cfg.DB.DSN,
		MaxConns:        app.cfg.DB.MaxConns,
		MinConns:        app.cfg.DB.MinConns,
		MaxConnLifetime: app.cfg.DB.MaxConnLifetime,
	}, app.logger.Named("postgres"))
	if err != nil {
		return nil, fmt.Errorf("postgres store init failed: %w", err)
	}
	app.pg = pg
	app.store = pg
	if app.cfg.DB.AutoMigrate {
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("schema migration failed: %w", err)
		}
		app.logger.Info("schema ensured")
	}
	app.logger.Info("postgres store initialized",
		zap.Int32("max_conns", app.cfg.DB.MaxConns),
		zap.Duration("max_conn_lifetime", app.cfg.DB.MaxConnLifetime),
	)
	return pg, nil
}

func setupStorage(ctx context.Context, app *App) (harvest.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storageClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: app.cfg.Storage.GCSBucket,
			Prefix: app.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using GCS snapshot archive", zap.String("bucket", app.cfg.Storage.GCSBucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local snapshot archive", zap.String("path", app.cfg.Storage.BaseDir))
		return blobs, nil
	case "memory":
		app.logger.Info("using in-memory snapshot archive")
		return memorystorage.NewBlobStore(), nil
	case "", "none":
		app.logger.Info("snapshot archive disabled")
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", app.cfg.Storage.Backend)
	}
}

func setupPublisher(ctx context.Context, app *App) error {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Info("no Pub/Sub topic configured, completion notifications disabled")
		return nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.publisher = gcppublisher.New(client)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return nil
}

func setupRunner(app *App, decisions harvest.DecisionStore, blobs harvest.BlobStore) error {
	clock := system.New()
	h := app.cfg.Harvester

	gateOpts := []compliance.Option{
		compliance.WithClock(clock),
		compliance.WithLogger(app.logger.Named("compliance")),
	}
	var fetchOpts []collyfetcher.Option
	if app.transport != nil {
		gateOpts = append(gateOpts, compliance.WithHTTPClient(&http.Client{Transport: app.transport}))
		fetchOpts = append(fetchOpts, collyfetcher.WithTransport(app.transport))
	}
	app.gate = compliance.NewGate(compliance.Config{
		UserAgent: h.UserAgent,
		Blocklist: h.Blocklist,
		Timeout:   h.RobotsTimeout,
	}, decisions, gateOpts...)

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: h.UserAgent,
		Timeout:   h.FetchTimeout,
		Blocked:   compliance.NewBlocklist(h.Blocklist).IsBlocked,
	}, fetchOpts...)

	app.registry = adapters.NewRegistry()
	if err := adapters.RegisterBuiltins(app.registry, app.cfg.Sources, fetcher, clock.Now); err != nil {
		return fmt.Errorf("adapter registration failed: %w", err)
	}
	app.logger.Info("adapters registered", zap.Strings("keys", app.registry.Keys()))

	opts := []runner.Option{
		runner.WithClock(clock),
		runner.WithLogger(app.logger.Named("runner")),
	}
	if blobs != nil {
		opts = append(opts, runner.WithSnapshots(blobs, sha256.New()))
	}
	ledger, err := provenance.New(app.cfg.Provenance.Path)
	if err != nil {
		return fmt.Errorf("provenance ledger init failed: %w", err)
	}
	opts = append(opts, runner.WithLedger(ledger))
	if app.publisher != nil {
		opts = append(opts, runner.WithPublisher(app.publisher, uuid.New()))
	}

	app.runner = runner.New(
		app.registry,
		app.gate,
		throttle.New(app.logger.Named("throttle")),
		app.store,
		persist.NewEngine(app.store, clock, app.logger.Named("persist")),
		runner.Config{
			FetchTimeout:    h.FetchTimeout,
			DefaultThrottle: h.DefaultThrottle,
			SnapshotPrefix:  h.SnapshotPrefix,
			Topic:           app.cfg.PubSub.TopicName,
		},
		opts...,
	)
	return nil
}

func (a *App) ready(ctx context.Context) error {
	if a.pg == nil {
		return nil
	}
	return a.pg.Ping(ctx)
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Runner returns the harvest runner.
func (a *App) Runner() *runner.Runner { return a.runner }

// Registry returns the adapter registry.
func (a *App) Registry() *adapters.Registry { return a.registry }

// Gate returns the compliance gate.
func (a *App) Gate() *compliance.Gate { return a.gate }

// Store returns the run and metric store.
func (a *App) Store() harvest.Store { return a.store }

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Serve runs the HTTP API until ctx is canceled or a termination signal arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases infrastructure clients and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	a.closeAll(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeAll(ctx context.Context) {
	a.closeInfrastructure()
	a.closeObservability(ctx)
}

func (a *App) closeInfrastructure() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storageClient = nil
	}
	if a.pg != nil {
		a.pg.Close()
		a.pg = nil
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
	// Sync on stderr returns EINVAL on some platforms.
	_ = a.logger.Sync()
}
