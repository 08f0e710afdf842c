// Package server wires configuration into the crawler's long-lived services
// and runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/novel-crawler/internal/api"
	"github.com/JakeFAU/novel-crawler/internal/backup"
	"github.com/JakeFAU/novel-crawler/internal/clock/system"
	"github.com/JakeFAU/novel-crawler/internal/config"
	"github.com/JakeFAU/novel-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/novel-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/novel-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/novel-crawler/internal/hash/sha256"
	"github.com/JakeFAU/novel-crawler/internal/id/uuid"
	"github.com/JakeFAU/novel-crawler/internal/metrics"
	"github.com/JakeFAU/novel-crawler/internal/orchestrator"
	"github.com/JakeFAU/novel-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/novel-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/novel-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/novel-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/novel-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/novel-crawler/internal/scheduler"
	"github.com/JakeFAU/novel-crawler/internal/site"
	gcsstorage "github.com/JakeFAU/novel-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/novel-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/novel-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/novel-crawler/internal/storage/postgres"
	"github.com/JakeFAU/novel-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/novel-crawler/internal/storage/sqlstore"
	"github.com/JakeFAU/novel-crawler/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	orch        *orchestrator.Orchestrator
	exporter    *backup.Exporter
	schedule    *scheduler.Scheduler
	apiServer   *api.Server
	progressHub *progress.Hub
	store       crawler.RecordStore
	runs        progress.RunRepository
	gcsStore    *gcsstorage.BlobStore
	pubsub      *gcppublisher.Publisher
	headless    *headlessfetcher.Fetcher
	closed      bool
}

// Build creates the application's dependencies from cfg.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.Int("sites", len(cfg.Sites)),
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	if err := app.build(ctx); err != nil {
		app.closeInfrastructure(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	blobStore, err := setupStorage(ctx, a)
	if err != nil {
		return err
	}
	if err = setupDatabase(ctx, a); err != nil {
		return err
	}
	publisher, err := setupPublisher(ctx, a)
	if err != nil {
		return err
	}
	emitter := setupProgress(a)

	sites, err := setupSites(a)
	if err != nil {
		return err
	}

	clock, err := system.Load(a.cfg.Crawler.TimeZone)
	if err != nil {
		return err
	}
	hasher := sha256.New()
	completion := crawler.NewCompletionPolicy(a.cfg.Completion.Keywords, a.cfg.Completion.MaxAgeYears, clock)
	retry := a.cfg.RetryPolicy()
	workerCfg := worker.Config{
		ContentType: a.cfg.Storage.ContentType,
		Topic:       a.cfg.PubSub.TopicName,
	}
	w := worker.New(a.store, blobStore, publisher, hasher, clock, retry, completion, workerCfg, a.logger.Named("worker"))

	a.orch, err = orchestrator.New(sites, a.store, w, emitter, uuid.New(), clock, a.logger.Named("orchestrator"))
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}

	a.exporter, err = backup.New(a.store, blobStore, hasher, clock, a.logger.Named("backup"))
	if err != nil {
		return fmt.Errorf("backup init failed: %w", err)
	}

	if a.cfg.Schedule.Regular != "" {
		a.schedule, err = scheduler.New(a.orch, scheduler.Config{
			Spec:       a.cfg.Schedule.Regular,
			RunTimeout: time.Duration(a.cfg.Schedule.RunTimeoutMinutes) * time.Minute,
		}, a.logger.Named("scheduler"))
		if err != nil {
			return fmt.Errorf("scheduler init failed: %w", err)
		}
	}

	a.apiServer = api.NewServer(a.orch, a.runs, api.Config{
		AuthEnabled:    a.cfg.Auth.Enabled,
		APIKey:         a.cfg.Auth.APIKey,
		RequestTimeout: time.Duration(a.cfg.Server.RequestTimeoutSeconds) * time.Second,
		InfoCacheSize:  a.cfg.Server.InfoCacheSize,
		InfoCacheTTL:   time.Duration(a.cfg.Server.InfoCacheTTLSeconds) * time.Second,
	}, a.logger.Named("api"))
	return nil
}

// Orchestrator exposes the sweep engine for one-shot commands.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orch
}

// Exporter exposes the backup exporter.
func (a *App) Exporter() *backup.Exporter {
	return a.exporter
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP handler served by Run.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves the API (and the regular-run schedule, when configured) until
// ctx is canceled or the process receives SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.schedule != nil {
		a.schedule.Start()
		a.logger.Info("regular runs scheduled",
			zap.String("spec", a.cfg.Schedule.Regular),
			zap.Time("next", a.schedule.Next()),
		)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.schedule != nil {
		a.schedule.Stop()
	}

	return a.Close(shutdownCtx)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(a.cfg.Server.ShutdownTimeoutSeconds) * time.Second
}

// Close cancels launched sweeps, waits for them within ctx, then shuts down
// the infrastructure they write to. It is safe to call twice.
func (a *App) Close(ctx context.Context) error {
	if a.closed {
		return nil
	}
	a.closed = true
	if a.orch != nil {
		if err := a.orch.Shutdown(ctx); err != nil {
			a.logger.Warn("launched sweeps still running at shutdown", zap.Error(err))
		}
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsStore != nil {
		if err := a.gcsStore.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("record store close failed", zap.Error(err))
		}
	}
}

func setupStorage(ctx context.Context, app *App) (crawler.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case config.BackendGCS:
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket: app.cfg.Storage.GCSBucket,
			Prefix: app.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.gcsStore = store
		return store, nil
	case config.BackendLocal:
		app.logger.Info("using local storage backend", zap.String("path", app.cfg.Storage.BaseDir))
		store, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return store, nil
	default:
		app.logger.Warn("using in-memory storage backend; downloads are lost on exit")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupDatabase(ctx context.Context, app *App) error {
	tables := sqlstore.Tables{
		Books:  app.cfg.DB.BooksTable,
		Errors: app.cfg.DB.ErrorsTable,
		Runs:   app.cfg.DB.RunsTable,
	}.WithDefaults()
	switch app.cfg.DB.Driver {
	case config.DriverPostgres:
		store, err := pgstore.NewRecordStore(ctx, pgstore.Config{
			DSN:             app.cfg.DB.DSN,
			Tables:          tables,
			MaxConns:        app.cfg.DB.MaxConns,
			MinConns:        app.cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(app.cfg.DB.MaxConnLifetimeMinutes) * time.Minute,
		})
		if err != nil {
			return fmt.Errorf("postgres record store init failed: %w", err)
		}
		app.store = store
		app.runs = store.RunStore()
		app.logger.Info("postgres record store initialized", zap.String("books_table", tables.Books))
	case config.DriverSQLite:
		store, err := sqlite.New(ctx, sqlite.Config{Path: app.cfg.DB.Path, Tables: tables})
		if err != nil {
			return fmt.Errorf("sqlite record store init failed: %w", err)
		}
		app.store = store
		app.runs = store.RunStore()
		app.logger.Info("sqlite record store initialized", zap.String("path", app.cfg.DB.Path))
	default:
		app.logger.Warn("using in-memory record store; records are lost on exit")
		app.store = memorystorage.NewRecordStore()
		app.runs = memorystorage.NewRunStore()
	}
	return nil
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Info("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.NewFromProject(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsub = pub
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return pub, nil
}

func setupProgress(app *App) progress.Emitter {
	pc := app.cfg.Progress
	if !pc.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil
	}
	var sinkList []progress.Sink
	if pc.StoreRuns && app.runs != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(app.runs, app.logger.Named("progress_store")))
	}
	if pc.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	if pc.Prometheus {
		sink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			app.logger.Warn("prometheus progress sink disabled", zap.Error(err))
		} else {
			sinkList = append(sinkList, sink)
		}
	}
	if len(sinkList) == 0 {
		app.logger.Warn("progress tracking enabled but no sinks configured")
		return nil
	}
	hubCfg := progress.Config{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.MaxEvents,
		MaxBatchWait:   time.Duration(pc.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(pc.SinkTimeoutMs) * time.Millisecond,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return app.progressHub
}

func setupSites(app *App) ([]*crawler.Site, error) {
	limiter := ratelimit.New(rateLimitConfig(app.cfg.HTTP.RateLimit))
	plain := collyfetcher.New(collyfetcher.Config{
		UserAgent: app.cfg.Crawler.UserAgent,
		Timeout:   app.cfg.FetchTimeout(),
		Headers:   app.cfg.HTTP.Headers,
	}, collyfetcher.WithLimiter(limiter))

	registry := site.NewRegistry()
	sites := make([]*crawler.Site, 0, len(app.cfg.Sites))
	for _, sc := range app.cfg.Sites {
		adapterName := sc.Adapter
		if adapterName == "" {
			adapterName = sc.Name
		}
		adapter, err := registry.Build(adapterName, selectors(sc.Selectors))
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", sc.Name, err)
		}

		var fetcher crawler.Fetcher = plain
		if sc.Headless {
			hf, err := headlessFetcher(app, limiter)
			if err != nil {
				return nil, fmt.Errorf("site %s: %w", sc.Name, err)
			}
			fetcher = hf
		}

		sites = append(sites, &crawler.Site{
			Name:                sc.Name,
			Adapter:             adapter,
			Fetcher:             fetcher,
			BookURLTemplate:     sc.BookURL,
			ChapterListTemplate: sc.ChapterListURL,
			Encoding:            sc.Encoding,
			Concurrency:         orDefault(sc.Concurrency, app.cfg.Crawler.Concurrency),
			DownloadConcurrency: orDefault(sc.DownloadConcurrency, app.cfg.Crawler.DownloadConcurrency),
			ChapterConcurrency:  orDefault(sc.ChapterConcurrency, app.cfg.Crawler.ChapterConcurrency),
			MaxExploreErrors:    orDefault(sc.MaxExploreErrors, app.cfg.Crawler.MaxExploreErrors),
		})
		app.logger.Info("site configured",
			zap.String("site", sc.Name),
			zap.String("adapter", adapterName),
			zap.Bool("headless", sc.Headless),
		)
	}
	return sites, nil
}

// headlessFetcher lazily starts the one browser shared by headless sites.
func headlessFetcher(app *App, limiter *ratelimit.Limiter) (*headlessfetcher.Fetcher, error) {
	if app.headless != nil {
		return app.headless, nil
	}
	hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       app.cfg.Headless.MaxParallel,
		UserAgent:         app.cfg.Crawler.UserAgent,
		NavigationTimeout: time.Duration(app.cfg.Headless.NavTimeoutSec) * time.Second,
		Headers:           app.cfg.HTTP.Headers,
		Settle:            time.Duration(app.cfg.Headless.SettleMs) * time.Millisecond,
	}, limiter)
	if err != nil {
		return nil, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	app.headless = hf
	app.logger.Info("using headless fetcher", zap.Int("max_parallel", app.cfg.Headless.MaxParallel))
	return hf, nil
}

func rateLimitConfig(rc config.RateLimitConfig) ratelimit.Config {
	hosts := make(map[string]ratelimit.HostLimit, len(rc.Hosts))
	for _, l := range rc.Hosts {
		hosts[strings.ToLower(l.Host)] = ratelimit.HostLimit{RPS: l.RPS, Burst: l.Burst}
	}
	return ratelimit.Config{
		DefaultRPS:   rc.DefaultRPS,
		DefaultBurst: rc.DefaultBurst,
		Hosts:        hosts,
	}
}

func selectors(sc config.SelectorsConfig) site.Selectors {
	conv := func(s config.SelectorConfig) site.Selector {
		return site.Selector{CSS: s.CSS, Attr: s.Attr}
	}
	return site.Selectors{
		Title:          conv(sc.Title),
		Writer:         conv(sc.Writer),
		BookType:       conv(sc.Type),
		LastUpdate:     conv(sc.LastUpdate),
		LastChapter:    conv(sc.LastChapter),
		ChapterLink:    conv(sc.ChapterLink),
		ChapterContent: conv(sc.ChapterContent),
		Remove:         sc.Remove,
	}
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
