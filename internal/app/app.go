// Package app builds the long-lived services of a command from configuration
// and acts as the dependency injection container handed to every subcommand.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/delta-crawler/internal/api"
	"github.com/JakeFAU/delta-crawler/internal/clock/system"
	"github.com/JakeFAU/delta-crawler/internal/config"
	"github.com/JakeFAU/delta-crawler/internal/crawler"
	"github.com/JakeFAU/delta-crawler/internal/database"
	"github.com/JakeFAU/delta-crawler/internal/delta"
	"github.com/JakeFAU/delta-crawler/internal/discovery"
	"github.com/JakeFAU/delta-crawler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/delta-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/delta-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/delta-crawler/internal/fetcher/page"
	"github.com/JakeFAU/delta-crawler/internal/fetcher/pdf"
	"github.com/JakeFAU/delta-crawler/internal/frontier"
	"github.com/JakeFAU/delta-crawler/internal/hash/sha256"
	"github.com/JakeFAU/delta-crawler/internal/headless/detector"
	"github.com/JakeFAU/delta-crawler/internal/id/uuid"
	"github.com/JakeFAU/delta-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/delta-crawler/internal/progress"
	"github.com/JakeFAU/delta-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/delta-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/delta-crawler/internal/publisher/pubsub"
	memoryqueue "github.com/JakeFAU/delta-crawler/internal/queue/memory"
	"github.com/JakeFAU/delta-crawler/internal/queue/redisstream"
	sqlitequeue "github.com/JakeFAU/delta-crawler/internal/queue/sqlite"
	chromedprender "github.com/JakeFAU/delta-crawler/internal/render/chromedp"
	staticrender "github.com/JakeFAU/delta-crawler/internal/render/static"
	gcsstorage "github.com/JakeFAU/delta-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/delta-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/delta-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/delta-crawler/internal/storage/postgres"
	redisstorage "github.com/JakeFAU/delta-crawler/internal/storage/redis"
	s3storage "github.com/JakeFAU/delta-crawler/internal/storage/s3"
	sqlitestore "github.com/JakeFAU/delta-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/delta-crawler/internal/worker"
)

// App holds the shared services of one process.
type App struct {
	Config config.Config
	Logger *zap.Logger

	Frontier  crawler.FrontierStore
	Registry  crawler.QueueRegistry
	Snapshots crawler.SnapshotStore
	Queue     crawler.Queue
	Recorder  crawler.ChangeRecorder
	Keys      crawler.ResourceKeyer
	Fetchers  map[crawler.FetchKind]crawler.TextFetcher
	Renderer  crawler.Renderer
	Publisher crawler.Publisher
	Clock     crawler.Clock
	IDs       crawler.QueueNamer
	Progress  *progress.Hub

	db        *sql.DB
	redis     *goredis.Client
	allocator context.Context
	checks    []api.Option
	closers   []func() error
}

// Build opens every configured backend. On failure the services opened so
// far are closed before returning.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		Config: cfg,
		Logger: logger,
		Keys:   sha256.New(),
		Clock:  system.New(),
		IDs:    uuid.New(),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close())
		}
	}()

	logger.Info("building application",
		zap.String("frontier", cfg.Frontier.Backend),
		zap.String("snapshots", cfg.Snapshots.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("render", cfg.Render.Backend),
		zap.Bool("headless", cfg.Fetch.Headless.Enabled),
	)

	steps := []func(context.Context) error{
		a.setupProgress,
		a.setupFrontier,
		a.setupSnapshots,
		a.setupQueue,
		a.setupFetchers,
		a.setupPublisher,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return nil, err
		}
	}
	a.Recorder, err = delta.New(a.Snapshots, logger.Named("delta"))
	if err != nil {
		return nil, fmt.Errorf("delta analyzer init failed: %w", err)
	}
	a.addCheck("frontier", func(ctx context.Context) error {
		_, err := a.Registry.ListBindings(ctx)
		return err
	})
	return a, nil
}

const progressCloseTimeout = 10 * time.Second

// setupProgress starts the hub that fans drain events out to logs and
// Prometheus. It is opened first so it is closed after every backend.
func (a *App) setupProgress(context.Context) error {
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	a.Progress = progress.NewHub(progress.Config{
		Now:    a.Clock.Now,
		Logger: a.Logger.Named("progress"),
	}, sinks.NewLogSink(a.Logger), promSink)
	a.onClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), progressCloseTimeout)
		defer cancel()
		return a.Progress.Close(ctx)
	})
	return nil
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *App) addCheck(name string, check api.CheckFunc) {
	a.checks = append(a.checks, api.WithCheck(name, check))
}

func (a *App) sqliteDB(ctx context.Context) (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := database.OpenSQLite(ctx, database.Config{
		Path:        a.Config.SQLite.Path,
		BusyTimeout: a.Config.SQLite.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite init failed: %w", err)
	}
	a.db = db
	a.onClose(db.Close)
	a.addCheck("sqlite", db.PingContext)
	a.Logger.Info("sqlite opened", zap.String("path", a.Config.SQLite.Path))
	return db, nil
}

func (a *App) redisClient(ctx context.Context) (*goredis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client, err := redisstorage.NewClient(ctx, redisstorage.Config{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("redis init failed: %w", err)
	}
	a.redis = client
	a.onClose(client.Close)
	a.addCheck("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() })
	a.Logger.Info("redis connected", zap.String("addr", a.Config.Redis.Addr))
	return client, nil
}

// migratePostgres applies the Postgres frontier schema. Tests replace it.
var migratePostgres = pgstore.Migrate

func (a *App) setupFrontier(ctx context.Context) error {
	cfg := a.Config.Frontier
	logger := a.Logger.Named("frontier")
	switch cfg.Backend {
	case config.BackendPostgres:
		if err := migratePostgres(cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("postgres frontier migration failed: %w", err)
		}
		logger.Info("postgres frontier schema up to date")
		store, err := pgstore.NewFrontierStore(ctx, pgstore.Config{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		}, a.Clock)
		if err != nil {
			return fmt.Errorf("postgres frontier init failed: %w", err)
		}
		a.onClose(func() error { store.Close(); return nil })
		a.Frontier, a.Registry = store, store
	case config.BackendSQLite:
		db, err := a.sqliteDB(ctx)
		if err != nil {
			return err
		}
		store, err := sqlitestore.NewFrontierStore(ctx, db, a.Clock)
		if err != nil {
			return fmt.Errorf("sqlite frontier init failed: %w", err)
		}
		a.Frontier, a.Registry = store, store
	case config.BackendFile:
		persister, err := frontier.NewFilePersister(frontier.FileConfig{BaseDir: cfg.FileDir})
		if err != nil {
			return fmt.Errorf("file frontier init failed: %w", err)
		}
		a.onClose(persister.Close)
		store, err := frontier.New(ctx,
			frontier.WithPersister(persister),
			frontier.WithClock(a.Clock),
			frontier.WithLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("file frontier load failed: %w", err)
		}
		a.Frontier, a.Registry = store, store
	default:
		store, err := frontier.New(ctx, frontier.WithClock(a.Clock), frontier.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("memory frontier init failed: %w", err)
		}
		a.Frontier, a.Registry = store, store
	}
	return nil
}

func (a *App) setupSnapshots(ctx context.Context) error {
	cfg := a.Config.Snapshots
	switch cfg.Backend {
	case config.BackendLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return fmt.Errorf("local snapshot store init failed: %w", err)
		}
		a.Snapshots = store
	case config.BackendRedis:
		client, err := a.redisClient(ctx)
		if err != nil {
			return err
		}
		store, err := redisstorage.New(client, a.Config.Redis.Prefix)
		if err != nil {
			return fmt.Errorf("redis snapshot store init failed: %w", err)
		}
		a.Snapshots = store
	case config.BackendGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.onClose(client.Close)
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
		if err != nil {
			return fmt.Errorf("gcs snapshot store init failed: %w", err)
		}
		a.Snapshots = store
	case config.BackendS3:
		s3cfg := s3storage.Config{
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		}
		client, err := s3storage.NewClient(ctx, s3cfg)
		if err != nil {
			return fmt.Errorf("s3 client init failed: %w", err)
		}
		store, err := s3storage.New(client, s3cfg)
		if err != nil {
			return fmt.Errorf("s3 snapshot store init failed: %w", err)
		}
		a.Snapshots = store
	default:
		a.Snapshots = memorystorage.NewSnapshotStore()
	}
	return nil
}

func (a *App) setupQueue(ctx context.Context) error {
	cfg := a.Config.Queue
	switch cfg.Backend {
	case config.BackendSQLite:
		db, err := a.sqliteDB(ctx)
		if err != nil {
			return err
		}
		q, err := sqlitequeue.New(ctx, db, sqlitequeue.Config{PollInterval: cfg.PollInterval})
		if err != nil {
			return fmt.Errorf("sqlite queue init failed: %w", err)
		}
		a.Queue = q
	case config.BackendRedis:
		client, err := a.redisClient(ctx)
		if err != nil {
			return err
		}
		q, err := redisstream.New(client, redisstream.Config{
			Prefix:     a.Config.Redis.Prefix,
			ConsumerID: cfg.ConsumerID,
		})
		if err != nil {
			return fmt.Errorf("redis queue init failed: %w", err)
		}
		a.Queue = q
	default:
		a.Queue = memoryqueue.NewQueue()
	}
	return nil
}

func (a *App) setupFetchers(_ context.Context) error {
	cfg := a.Config.Fetch
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RPS,
		DefaultBurst: cfg.Burst,
		DomainRPS:    cfg.DomainRPS(),
	})
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.UserAgent,
		RespectRobots: !cfg.IgnoreRobots,
		Timeout:       a.Config.FetchTimeout(),
		// One byte over the PDF cap so oversized documents are detected, not truncated.
		MaxBodySize:   int(cfg.PDFMaxBytes) + 1,
	})
	a.Logger.Info("using colly probe fetcher",
		zap.String("user_agent", cfg.UserAgent),
		zap.Bool("respect_robots", !cfg.IgnoreRobots),
	)

	pageOpts := []page.Option{
		page.WithRateLimiter(limiter),
		page.WithLogger(a.Logger.Named("page")),
	}
	if cfg.Headless.Enabled {
		allocator, cancel := headless.NewAllocator(headless.AllocatorConfig{
			ExecPath:  cfg.Headless.ExecPath,
			NoSandbox: cfg.Headless.NoSandbox,
		})
		a.allocator = allocator
		a.onClose(func() error { cancel(); return nil })
		browser, err := headless.NewChromedp(allocator, headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("headless fetcher init failed: %w", err)
		}
		pageOpts = append(pageOpts, page.WithHeadless(browser, detector.NewHeuristic(cfg.Headless.PromotionThreshold)))
		a.Logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	}

	pages, err := page.New(probe, pageOpts...)
	if err != nil {
		return fmt.Errorf("page fetcher init failed: %w", err)
	}
	pdfs, err := pdf.New(probe, limiter, pdf.Config{MaxBytes: int(cfg.PDFMaxBytes)}, a.Logger.Named("pdf"))
	if err != nil {
		return fmt.Errorf("pdf fetcher init failed: %w", err)
	}
	a.Fetchers = map[crawler.FetchKind]crawler.TextFetcher{
		crawler.FetchKindPage: pages,
		crawler.FetchKindPDF:  pdfs,
	}

	render := a.Config.Render
	switch render.Backend {
	case config.BackendChromedp:
		a.Renderer, err = chromedprender.New(a.allocator, chromedprender.Config{
			NavigationTimeout: render.NavigationTimeout,
			NextSelector:      render.NextSelector,
		}, a.Logger.Named("render"))
	default:
		a.Renderer, err = staticrender.New(probe, staticrender.Config{NextSelector: render.NextSelector})
	}
	if err != nil {
		return fmt.Errorf("renderer init failed: %w", err)
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	cfg := a.Config.Notify
	if cfg.ProjectID == "" || cfg.Topic == "" {
		a.Logger.Warn("no Pub/Sub topic configured, change events stay in memory")
		a.Publisher = memorypublisher.New(memorypublisher.WithLogger(a.Logger.Named("publisher")))
		return nil
	}
	publisher, err := gcppublisher.New(ctx, gcppublisher.Config{ProjectID: cfg.ProjectID, Topic: cfg.Topic})
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.onClose(publisher.Close)
	a.Publisher = publisher
	a.Logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.Topic),
	)
	return nil
}

// Discovery returns a discovery engine on the configured frontier.
func (a *App) Discovery() (*discovery.Engine, error) {
	return discovery.New(a.Frontier, a.Logger.Named("discovery"))
}

// Source builds the discovery source of a site preset for one partition
// value. Presets with explicit URLs ignore the renderer.
func (a *App) Source(site config.SiteConfig, partitionValue string) (discovery.Source, crawler.Partition) {
	var partition crawler.Partition
	if site.PartitionKey != "" {
		partition = crawler.Partition{Key: site.PartitionKey, Value: partitionValue}
	}
	if len(site.URLs) > 0 {
		return discovery.ListSource(site.URLs), partition
	}
	maxPages := site.MaxPages
	if maxPages <= 0 {
		maxPages = a.Config.Render.MaxPages
	}
	return discovery.RenderSource{
		Renderer:   a.Renderer,
		StartURL:   site.ListingURL(partitionValue),
		HrefFilter: site.HrefFilter,
		Paginate:   site.Paginate,
		MaxPages:   maxPages,
	}, partition
}

// Enqueuer returns an enqueuer on the configured frontier and queue.
func (a *App) Enqueuer() *dispatcher.Enqueuer {
	return dispatcher.NewEnqueuer(a.Frontier, a.Registry, a.Queue, a.Logger.Named("enqueue"))
}

// Dispatcher builds worker.concurrency workers sharing the app's services.
func (a *App) Dispatcher() (*dispatcher.Dispatcher, error) {
	runners := make([]dispatcher.Runner, 0, a.Config.Worker.Concurrency)
	for i := range a.Config.Worker.Concurrency {
		w, err := worker.New(worker.Deps{
			Queue:     a.Queue,
			Frontier:  a.Frontier,
			Registry:  a.Registry,
			Fetchers:  a.Fetchers,
			Recorder:  a.Recorder,
			Keys:      a.Keys,
			Publisher: a.Publisher,
			Progress:  a.Progress,
			Clock:     a.Clock,
		}, worker.Config{
			Visibility:      a.Config.Queue.Visibility,
			WaitTimeout:     a.Config.Queue.Wait,
			NotifyTopic:     a.Config.Notify.Topic,
			NotifyThreshold: a.Config.Notify.Threshold,
		}, a.Logger.Named("worker").With(zap.Int("index", i)))
		if err != nil {
			return nil, fmt.Errorf("worker init failed: %w", err)
		}
		runners = append(runners, w)
	}
	return dispatcher.New(runners, a.Logger.Named("dispatcher"),
		dispatcher.WithProgress(a.Progress),
		dispatcher.WithClock(a.Clock),
	), nil
}

// OpsServer returns the health and metrics server with a readiness check per backend.
func (a *App) OpsServer() *api.Server {
	return api.NewServer(a.Logger.Named("api"), a.checks...)
}

// Close releases every backend in reverse order of opening.
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}
