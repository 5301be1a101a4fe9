// Package server builds the application's dependency graph and runs the
// HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/api"
	"github.com/JakeFAU/sitecrawler/internal/clock/system"
	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/dispatcher"
	"github.com/JakeFAU/sitecrawler/internal/engine"
	"github.com/JakeFAU/sitecrawler/internal/extract"
	"github.com/JakeFAU/sitecrawler/internal/extract/article"
	"github.com/JakeFAU/sitecrawler/internal/extract/docservice"
	collyfetcher "github.com/JakeFAU/sitecrawler/internal/fetcher/colly"
	"github.com/JakeFAU/sitecrawler/internal/hash/sha256"
	"github.com/JakeFAU/sitecrawler/internal/id/uuid"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
	"github.com/JakeFAU/sitecrawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/sitecrawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/sitecrawler/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/sitecrawler/internal/queue/memory"
	"github.com/JakeFAU/sitecrawler/internal/service"
	gcsstorage "github.com/JakeFAU/sitecrawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/sitecrawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/sitecrawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/sitecrawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/sitecrawler/internal/storage/sqlite"
	"github.com/JakeFAU/sitecrawler/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store     crawler.Store
	jobStore  crawler.JobStore
	blobs     crawler.BlobStore
	service   *service.Service
	queue     *queueMemory.Queue
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server

	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.String("store", cfg.Store.Backend),
		zap.String("blob", cfg.Blob.Backend),
		zap.Int("workers", cfg.Crawler.Workers),
	)

	if err := app.setupStore(ctx); err != nil {
		return nil, err
	}
	if err := app.setupBlobs(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	if err := app.setupService(); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	app.setupDispatcher(publisher)

	app.apiServer = api.NewServer(app.dispatch, app.service, api.Options{
		Auth:           cfg.Auth,
		RequestTimeout: cfg.RequestTimeout(),
		Defaults:       JobDefaults(cfg),
		Ready:          app.Ready,
	}, logger)
	return app, nil
}

// Service returns the crawl entry points.
func (a *App) Service() *service.Service {
	return a.service
}

// Dispatcher returns the job dispatcher.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatch
}

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Ready reports whether the store is reachable.
func (a *App) Ready(ctx context.Context) error {
	if p, ok := a.store.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Run starts the workers and the HTTP server and blocks until ctx is
// canceled or the server fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
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
	<-dispatchDone

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases every external resource.
func (a *App) Close() {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case config.StoreSQLite:
		store, err := sqlitestore.Open(ctx, sqlitestore.Options{
			Path:      a.cfg.Store.SQLite.Path,
			EnableWAL: a.cfg.Store.SQLite.WAL,
		})
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.store = store
		a.jobStore = memoryStorage.NewJobStore()
		a.logger.Info("using sqlite store", zap.String("path", a.cfg.Store.SQLite.Path))
	case config.StorePostgres:
		pg := a.cfg.Store.Postgres
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             pg.DSN,
			TablePrefix:     pg.TablePrefix,
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: time.Duration(pg.MaxConnLifetimeMinutes) * time.Minute,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return fmt.Errorf("postgres schema: %w", err)
		}
		a.store = store
		a.jobStore = store
		a.logger.Info("using postgres store")
	default:
		a.store = memoryStorage.NewStore()
		a.jobStore = memoryStorage.NewJobStore()
		a.logger.Info("using in-memory store")
	}
	return nil
}

func (a *App) setupBlobs(ctx context.Context) error {
	switch a.cfg.Blob.Backend {
	case config.BlobGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Blob.GCS.Bucket,
			Prefix: a.cfg.Blob.GCS.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using GCS blob backend", zap.String("bucket", a.cfg.Blob.GCS.Bucket))
	case config.BlobLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Blob.Local.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using local blob backend", zap.String("path", a.cfg.Blob.Local.BaseDir))
	case config.BlobMemory:
		a.blobs = memoryStorage.NewBlobStore()
		a.logger.Info("using in-memory blob backend")
	default:
		a.logger.Info("blob offload disabled, binary bodies are stored inline")
	}
	return nil
}

func (a *App) setupService() error {
	clock := system.New()
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    a.cfg.Crawler.UserAgent,
		Timeout:      a.cfg.FetchTimeout(),
		MaxRedirects: a.cfg.Crawler.MaxRedirects,
		MaxBodySize:  a.cfg.Crawler.MaxBodyBytes,
	})

	var limiter crawler.Limiter
	if a.cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			RequestsPerSecond: a.cfg.RateLimit.DefaultRPS,
			Burst:             a.cfg.RateLimit.DefaultBurst,
		})
		a.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", a.cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", a.cfg.RateLimit.DefaultBurst),
		)
	}

	fetch, err := engine.New(engine.Options{
		Store:        a.store,
		Fetcher:      fetcher,
		Hasher:       sha256.New(),
		Clock:        clock,
		Blobs:        a.blobs,
		Limiter:      limiter,
		FetchTimeout: a.cfg.FetchTimeout(),
		Logger:       a.logger,
	})
	if err != nil {
		return fmt.Errorf("fetch engine init failed: %w", err)
	}

	var documents crawler.DocumentExtractor
	if a.cfg.Extractor.URL != "" {
		client, err := docservice.New(docservice.Config{
			URL:      a.cfg.Extractor.URL,
			Timeout:  time.Duration(a.cfg.Extractor.TimeoutSeconds) * time.Second,
			Strategy: a.cfg.Extractor.Strategy,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("document extractor init failed: %w", err)
		}
		documents = client
		a.logger.Info("document extractor enabled", zap.String("url", a.cfg.Extractor.URL))
	}

	var articles crawler.ArticleParser
	if a.cfg.Article.Enabled {
		client, err := article.New(article.Config{
			URL:     a.cfg.Article.URL,
			APIKey:  a.cfg.Article.APIKey,
			Timeout: time.Duration(a.cfg.Article.TimeoutSeconds) * time.Second,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("article parser init failed: %w", err)
		}
		articles = client
		a.logger.Info("article parsing enabled", zap.String("url", a.cfg.Article.URL))
	}

	ext, err := extract.New(extract.Options{
		Store:       a.store,
		Blobs:       a.blobs,
		Documents:   documents,
		Articles:    articles,
		Clock:       clock,
		Concurrency: a.cfg.Crawler.ExtractConcurrency,
		Logger:      a.logger,
	})
	if err != nil {
		return fmt.Errorf("extraction engine init failed: %w", err)
	}

	a.service, err = service.New(service.Options{
		Store:   a.store,
		Fetch:   fetch,
		Extract: ext,
		Clock:   clock,
		Logger:  a.logger,
	})
	if err != nil {
		return fmt.Errorf("service init failed: %w", err)
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if !a.cfg.PubSub.Enabled() {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	topic := gcppublisher.TopicName(a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	a.pubsubPublisher = gcppublisher.New(client.Publisher(topic))
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.pubsubPublisher, nil
}

func (a *App) setupDispatcher(publisher crawler.Publisher) {
	clock := system.New()
	registry := worker.NewRegistry()
	a.queue = queueMemory.NewQueue(a.cfg.Crawler.QueueDepth)

	topic := a.cfg.Crawler.PhaseTopic
	if a.cfg.PubSub.Enabled() {
		topic = a.cfg.PubSub.TopicName
	}
	workerCfg := worker.Config{Topic: topic}

	workers := make([]*worker.Worker, 0, a.cfg.Crawler.Workers)
	for i := range a.cfg.Crawler.Workers {
		workers = append(workers, worker.New(
			a.queue,
			a.jobStore,
			a.service,
			publisher,
			clock,
			registry,
			workerCfg,
			a.logger.With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, a.jobStore, uuid.New(), clock, registry, workers, a.logger)
}

// JobDefaults returns the CrawlConfig every submitted job starts from.
func JobDefaults(cfg config.Config) crawler.CrawlConfig {
	defaults := crawler.DefaultCrawlConfig()
	if cfg.Crawler.MaxDepth > 0 {
		defaults.MaxDepth = cfg.Crawler.MaxDepth
	}
	if cfg.Crawler.Concurrency > 0 {
		defaults.Concurrency = cfg.Crawler.Concurrency
	}
	if cfg.Crawler.UserAgent != "" {
		defaults.UserAgent = cfg.Crawler.UserAgent
	}
	if cfg.Crawler.CacheTTLHours != 0 {
		defaults.CacheTTLHours = float64(cfg.Crawler.CacheTTLHours)
	}
	return defaults
}
