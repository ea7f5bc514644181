// Package server builds the crawler service from configuration and owns its lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedcrawler/internal/api"
	"github.com/JakeFAU/feedcrawler/internal/clock"
	"github.com/JakeFAU/feedcrawler/internal/config"
	"github.com/JakeFAU/feedcrawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/feedcrawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/feedcrawler/internal/fetcher/headless"
	"github.com/JakeFAU/feedcrawler/internal/headless/detector"
	"github.com/JakeFAU/feedcrawler/internal/id/uuid"
	"github.com/JakeFAU/feedcrawler/internal/ingest"
	"github.com/JakeFAU/feedcrawler/internal/logging"
	"github.com/JakeFAU/feedcrawler/internal/metrics"
	"github.com/JakeFAU/feedcrawler/internal/notify"
	"github.com/JakeFAU/feedcrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/feedcrawler/internal/proxy"
	memorypublisher "github.com/JakeFAU/feedcrawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/feedcrawler/internal/publisher/pubsub"
	"github.com/JakeFAU/feedcrawler/internal/rss"
	"github.com/JakeFAU/feedcrawler/internal/scheduler"
	"github.com/JakeFAU/feedcrawler/internal/scraper"
	gcsstorage "github.com/JakeFAU/feedcrawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/feedcrawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/feedcrawler/internal/storage/memory"
	mongostore "github.com/JakeFAU/feedcrawler/internal/storage/mongo"
	pgstore "github.com/JakeFAU/feedcrawler/internal/storage/postgres"
	"github.com/JakeFAU/feedcrawler/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock

	Sources   crawler.SourceRepository
	Triggers  crawler.TriggerStore
	Proxies   *proxy.Manager
	RSS       *rss.Crawler
	Scraper   *scraper.Scraper
	Scheduler *scheduler.Scheduler

	apiServer *api.Server
	checks    []api.ReadinessCheck
	closers   []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Build creates the application's dependencies. Everything Build opened is
// released by Close, including on a failed Build.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger)
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (app *App, err error) {
	app = &App{cfg: cfg, logger: logger, clock: clock.New()}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
			app = nil
		}
	}()
	metrics.Init()
	app.logger.Info("building application dependencies", zap.Int("server_port", cfg.Server.Port))

	if cfg.Tracing.Enabled {
		tp, tErr := telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio)
		if tErr != nil {
			return nil, fmt.Errorf("tracer init failed: %w", tErr)
		}
		app.onClose("tracer", tp.Shutdown)
	}

	if err = app.setupSources(ctx); err != nil {
		return nil, err
	}
	docs, err := app.setupDocuments(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := app.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	client, err := app.setupClient()
	if err != nil {
		return nil, err
	}

	sink := ingest.NewSink(docs, publisher, logger)
	notifier := notify.New(publisher, app.clock, logger)
	app.Scraper = scraper.New(scraper.Deps{
		Client:   client,
		Robots:   crawler.NewRobotsEnforcer(true, cfg.Crawler.UserAgent, logger, crawler.WithRobotsTTL(cfg.RobotsTTL())),
		Sources:  app.Sources,
		Sink:     sink,
		Notifier: notifier,
		Blobs:    blobs,
		Clock:    app.clock,
	}, scraper.Config{
		AllowPrivateHosts:  cfg.Crawler.AllowPrivateHosts,
		ArchiveRaw:         cfg.Crawler.ArchiveRaw && blobs != nil,
		ArchivePrefix:      cfg.Storage.Prefix,
		ArchiveContentType: cfg.Storage.ContentType,
	}, logger)
	app.RSS = rss.New(rss.Deps{
		Client:    client,
		Sources:   app.Sources,
		Sink:      sink,
		Notifier:  notifier,
		Extractor: app.Scraper,
		Web:       app.Scraper,
		Clock:     app.clock,
	}, rss.Config{
		AllowPrivateHosts:  cfg.Crawler.AllowPrivateHosts,
		SourceDelaySeconds: cfg.Crawler.SourceDelaySeconds,
	}, logger)

	app.Scheduler = scheduler.New(scheduler.Deps{
		Sources:  app.Sources,
		Triggers: app.Triggers,
		RSS:      app.RSS,
		Web:      app.Scraper,
		Proxies:  app.Proxies,
		Notifier: notifier,
		IDs:      uuid.New(),
		Clock:    app.clock,
	}, scheduler.Config{
		MaxWorkers:          cfg.Scheduler.MaxWorkers,
		QueueSize:           cfg.Scheduler.QueueDepth,
		MaxInstances:        cfg.Scheduler.MaxInstances,
		MisfireGrace:        cfg.MisfireGrace(),
		HealthCheckInterval: cfg.HealthCheckInterval(),
	}, logger)

	app.apiServer = api.NewServer(app.Scheduler, app.Proxies, cfg, logger, app.checks...)
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the configuration the application was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Handler exposes the operational HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the scheduler and the HTTP server and blocks until ctx is
// canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.Scheduler.AutoStart {
		if err := a.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	} else {
		a.logger.Info("scheduler auto start disabled")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.Scheduler.Stop(shutdownCtx); err != nil {
		a.logger.Error("scheduler stop error", zap.Error(err))
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases every client opened by Build, most recent first.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) setupSources(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		seed := a.cfg.SeedSources()
		a.logger.Info("using in-memory source repository", zap.Int("sources", len(seed)))
		a.Sources = memorystorage.NewSourceRepository(seed, a.clock)
		a.Triggers = memorystorage.NewTriggerStore()
		return nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.PoolConfig{DSN: a.cfg.DB.DSN, MaxConns: a.cfg.DB.MaxConns})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	a.onClose("postgres", func(context.Context) error { pool.Close(); return nil })
	a.checks = append(a.checks, api.ReadinessCheck{Name: "postgres", Check: pool.Ping})

	if err := pgstore.Migrate(ctx, pool, a.cfg.DB.SourceTable, a.cfg.DB.TriggerTable); err != nil {
		return fmt.Errorf("postgres migrate failed: %w", err)
	}
	sources, err := pgstore.NewSourceRepository(pool, a.cfg.DB.SourceTable, a.clock)
	if err != nil {
		return fmt.Errorf("source repository init failed: %w", err)
	}
	triggers, err := pgstore.NewTriggerStore(pool, a.cfg.DB.TriggerTable)
	if err != nil {
		return fmt.Errorf("trigger store init failed: %w", err)
	}
	a.Sources, a.Triggers = sources, triggers
	a.logger.Info("using postgres source repository",
		zap.String("source_table", a.cfg.DB.SourceTable),
		zap.String("trigger_table", a.cfg.DB.TriggerTable),
	)
	return nil
}

func (a *App) setupDocuments(ctx context.Context) (ingest.DocumentStore, error) {
	if a.cfg.Ingest.Backend != "mongo" {
		a.logger.Info("using in-memory document store")
		return memorystorage.NewDocumentStore(), nil
	}
	client, err := mongostore.Connect(ctx, a.cfg.Mongo.URI)
	if err != nil {
		return nil, fmt.Errorf("mongo init failed: %w", err)
	}
	a.onClose("mongo", client.Disconnect)
	a.checks = append(a.checks, api.ReadinessCheck{Name: "mongo", Check: func(ctx context.Context) error {
		return client.Ping(ctx, nil)
	}})

	store := mongostore.NewDocumentStore(client.Database(a.cfg.Mongo.Database).Collection(a.cfg.Mongo.Collection))
	if err := store.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("mongo indexes failed: %w", err)
	}
	a.logger.Info("using mongo document store",
		zap.String("database", a.cfg.Mongo.Database),
		zap.String("collection", a.cfg.Mongo.Collection),
	)
	return store, nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.onClose("gcs", func(context.Context) error { return client.Close() })
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.onClose("local archive", func(context.Context) error { return store.Close() })
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		return store, nil
	case "none":
		a.logger.Info("raw page archive disabled")
		return nil, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.onClose("pubsub client", func(context.Context) error { return client.Close() })
	publisher := client.Publisher(a.cfg.PubSub.TopicName)
	a.onClose("pubsub publisher", func(context.Context) error { publisher.Stop(); return nil })
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(publisher), nil
}

func (a *App) setupClient() (*crawler.HTTPClient, error) {
	plain := collyfetcher.New(collyfetcher.Config{
		UserAgent: a.cfg.Crawler.UserAgent,
		Timeout:   a.cfg.HTTPTimeout(),
	})
	a.onClose("colly fetcher", func(context.Context) error { plain.Close(); return nil })

	var fetcher crawler.Fetcher = plain
	if a.cfg.Headless.Enabled {
		headless, err := headlessfetcher.New(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Crawler.UserAgent,
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
			WaitSelector:      a.cfg.Headless.WaitSelector,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.onClose("headless fetcher", func(context.Context) error { headless.Close(); return nil })
		fetcher = detector.NewPromoter(plain, headless, detector.NewHeuristic(a.cfg.Headless.PromotionThresh), a.logger)
		a.logger.Info("headless promotion enabled", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	}

	a.Proxies = proxy.NewManager(proxy.Config{
		Strategy:       proxy.Strategy(a.cfg.Proxy.Strategy),
		MaxFailures:    a.cfg.Proxy.MaxFailures,
		FailureTimeout: time.Duration(a.cfg.Proxy.FailureTimeoutSeconds) * time.Second,
		ProbeDelay:     time.Duration(a.cfg.Proxy.ProbeDelayMs) * time.Millisecond,
	}, a.cfg.Proxy.Proxies, a.logger,
		proxy.WithClock(a.clock),
		proxy.WithProber(proxy.NewHTTPProber(a.cfg.Proxy.TestURL, time.Duration(a.cfg.Proxy.TestTimeoutSeconds)*time.Second)),
	)
	limiter := ratelimit.New(ratelimit.Config{
		PerHostRPS:   a.cfg.Crawler.PerHostRPS,
		PerHostBurst: a.cfg.Crawler.PerHostBurst,
	})
	return crawler.NewHTTPClient(fetcher, a.Proxies, limiter, crawler.HTTPClientConfig{
		UserAgent:     a.cfg.Crawler.UserAgent,
		Timeout:       a.cfg.HTTPTimeout(),
		MaxAttempts:   a.cfg.HTTP.MaxRetries,
		ProxyRequired: a.cfg.Proxy.Required,
	}, a.logger), nil
}
