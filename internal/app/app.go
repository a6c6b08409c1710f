// Package app builds the harvester's components from configuration and owns
// their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/api"
	"github.com/JakeFAU/media-harvester/internal/clock/system"
	"github.com/JakeFAU/media-harvester/internal/config"
	"github.com/JakeFAU/media-harvester/internal/dispatcher"
	"github.com/JakeFAU/media-harvester/internal/download"
	"github.com/JakeFAU/media-harvester/internal/filter"
	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/id/uuid"
	"github.com/JakeFAU/media-harvester/internal/ledger"
	fileledger "github.com/JakeFAU/media-harvester/internal/ledger/file"
	pgledger "github.com/JakeFAU/media-harvester/internal/ledger/postgres"
	sqliteledger "github.com/JakeFAU/media-harvester/internal/ledger/sqlite"
	"github.com/JakeFAU/media-harvester/internal/logging"
	"github.com/JakeFAU/media-harvester/internal/metadata"
	"github.com/JakeFAU/media-harvester/internal/metrics"
	"github.com/JakeFAU/media-harvester/internal/normalize"
	"github.com/JakeFAU/media-harvester/internal/pipeline"
	"github.com/JakeFAU/media-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/media-harvester/internal/progress"
	progresssinks "github.com/JakeFAU/media-harvester/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/media-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/media-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/media-harvester/internal/resolver"
	gcsstorage "github.com/JakeFAU/media-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/media-harvester/internal/storage/local"
	memorystorage "github.com/JakeFAU/media-harvester/internal/storage/memory"
	"github.com/JakeFAU/media-harvester/internal/telemetry"
	"github.com/JakeFAU/media-harvester/internal/ytdlp"
)

const serviceName = "media-harvester"

// Version is stamped at build time with -ldflags.
var Version = "dev"

// ErrNoLocators is returned by Harvest when neither the caller nor the
// configuration names a locator.
var ErrNoLocators = errors.New("no locators given and sources.locators is empty")

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	runner     ytdlp.Runner
	limiter    *ratelimit.Limiter
	ledger     *ledger.Ledger
	rules      filter.Rules
	namer      *normalize.Namer
	normalizer *normalize.Normalizer
	markers    *download.Markers

	mirror         harvest.BlobStore
	mirrorPrefix   string
	storage        *storage.Client
	publisher      harvest.Publisher
	pubsub         *gcppublisher.Publisher
	progressHub    *progress.Hub
	orchestrator   *pipeline.Orchestrator
	runs           *memorystorage.RunStore
	dispatch       *dispatcher.Dispatcher
	apiServer      *api.Server
	harvested      atomic.Bool
	tracerShutdown func(context.Context) error
}

// Option customizes Build.
type Option func(*options)

type options struct {
	runner ytdlp.Runner
	logger *zap.Logger
}

// WithRunner replaces the yt-dlp process runner.
func WithRunner(r ytdlp.Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithLogger uses logger instead of building one from cfg.Logging.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Build creates the application's dependencies. Everything built before a
// failure is closed again.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger, err = logging.New(logging.Config{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
			OutputPaths: cfg.Logging.OutputPaths,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: serviceName,
		Version:     Version,
		Exporter:    cfg.Tracing.Exporter,
		ProjectID:   cfg.Tracing.ProjectID,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if app.metrics, err = metrics.New(app.registry); err != nil {
		return nil, err
	}

	app.logger.Info("building application dependencies",
		zap.String("output_dir", cfg.Paths.OutputDir),
		zap.String("ledger_backend", cfg.Ledger.Backend),
		zap.String("mirror_backend", cfg.Mirror.Backend),
		zap.String("notify_backend", cfg.Notify.Backend),
	)

	app.runner = o.runner
	if app.runner == nil {
		app.runner = ytdlp.NewCommandRunner(ytdlp.Config{
			Binary:  cfg.YTDLP.Binary,
			Timeout: cfg.YTDLP.Timeout,
			Logger:  logger.Named("ytdlp"),
		})
	}
	app.limiter = ratelimit.New(ratelimit.Config{
		RPS:      cfg.RateLimit.RPS,
		Burst:    cfg.RateLimit.Burst,
		Observer: app.metrics.ObserveRateLimitDelay,
	})

	if err = setupLedger(ctx, app); err != nil {
		return nil, err
	}
	if err = setupNormalizer(app); err != nil {
		return nil, err
	}
	if err = setupStorage(ctx, app); err != nil {
		return nil, err
	}
	if err = setupPublisher(ctx, app); err != nil {
		return nil, err
	}
	if err = setupProgress(ctx, app); err != nil {
		return nil, err
	}
	if err = setupPipeline(app); err != nil {
		return nil, err
	}
	setupAPI(app)
	return app, nil
}

func setupLedger(ctx context.Context, app *App) error {
	var (
		store ledger.Store
		err   error
	)
	switch app.cfg.Ledger.Backend {
	case config.LedgerSQLite:
		store, err = sqliteledger.Open(app.cfg.Ledger.Path)
	case config.LedgerPostgres:
		store, err = pgledger.New(ctx, pgledger.Config{
			DSN:      app.cfg.Ledger.DSN,
			Table:    app.cfg.Ledger.Table,
			MaxConns: app.cfg.Ledger.MaxConns,
		})
	default:
		store, err = fileledger.New(app.cfg.Ledger.Path, fileledger.WithLogger(app.logger.Named("ledger")))
	}
	if err != nil {
		return fmt.Errorf("ledger store init failed: %w", err)
	}
	app.ledger, err = ledger.Open(ctx, store, ledger.Options{
		Flush:  ledger.FlushMode(app.cfg.Ledger.Flush),
		Clock:  system.New(),
		Logger: app.logger.Named("ledger"),
	})
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("ledger open failed: %w", err)
	}
	app.logger.Info("ledger opened",
		zap.String("backend", app.cfg.Ledger.Backend),
		zap.Int("entries", app.ledger.Len()),
	)
	return nil
}

func setupNormalizer(app *App) error {
	nc := app.cfg.Normalize
	app.rules = filter.NewRules(app.cfg.Filter.SkipKeywords)

	var err error
	app.namer, err = normalize.NewNamer(normalize.NamerConfig{
		RemovePhrases: nc.RemovePhrases,
		ASCIIOnly:     nc.ASCIIOnly,
		KeepChars:     nc.KeepChars,
		StripScripts:  nc.StripScripts,
	})
	if err != nil {
		return fmt.Errorf("namer init failed: %w", err)
	}
	app.normalizer, err = app.newNormalizer(0)
	if err != nil {
		return err
	}
	app.markers, err = download.NewMarkers(app.cfg.Paths.StateDir)
	if err != nil {
		return fmt.Errorf("completion markers init failed: %w", err)
	}
	return nil
}

func (a *App) newNormalizer(minAge time.Duration) (*normalize.Normalizer, error) {
	n, err := normalize.New(a.namer, a.rules, normalize.Config{
		Extension: a.cfg.Normalize.Extension,
		MaxSuffix: a.cfg.Normalize.MaxSuffix,
		MinAge:    minAge,
		Logger:    a.logger.Named("normalize"),
	})
	if err != nil {
		return nil, fmt.Errorf("normalizer init failed: %w", err)
	}
	return n, nil
}

func setupStorage(ctx context.Context, app *App) error {
	var err error
	switch app.cfg.Mirror.Backend {
	case config.MirrorGCS:
		app.logger.Info("using GCS mirror backend")
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		app.mirror, err = gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Mirror.Bucket,
			Prefix: app.cfg.Mirror.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS mirror backend", zap.String("bucket", app.cfg.Mirror.Bucket))
	case config.MirrorLocal:
		app.logger.Info("using local mirror backend")
		app.mirror, err = localstorage.New(localstorage.Config{BaseDir: app.cfg.Mirror.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		app.mirrorPrefix = app.cfg.Mirror.Prefix
		app.logger.Debug("local mirror backend", zap.String("path", app.cfg.Mirror.BaseDir))
	default:
		app.logger.Debug("artifact mirroring disabled")
	}
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	switch app.cfg.Notify.Backend {
	case config.NotifyPubSub:
		pub, err := gcppublisher.New(ctx, app.cfg.Notify.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		app.pubsub = pub
		app.publisher = pub
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", app.cfg.Notify.ProjectID),
			zap.String("topic", app.cfg.Notify.Topic),
		)
	case config.NotifyMemory:
		app.publisher = memorypublisher.New()
		app.logger.Info("using in-memory publisher")
	default:
		app.logger.Debug("notifications disabled")
	}
	return nil
}

func setupProgress(ctx context.Context, app *App) error {
	var sinkList []progress.Sink
	if app.cfg.Metrics.Enabled {
		sink, err := progresssinks.NewPrometheusSink(app.registry)
		if err != nil {
			return fmt.Errorf("progress metrics sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
	}
	if app.cfg.Logging.Progress {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	if app.publisher != nil {
		sink, err := progresssinks.NewPublisherSink(app.publisher, app.cfg.Notify.Topic, app.logger.Named("progress_publisher"))
		if err != nil {
			return fmt.Errorf("progress publisher sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
	}
	if len(sinkList) == 0 {
		app.logger.Info("progress tracking disabled")
		return nil
	}
	app.progressHub = progress.NewHub(progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      app.logger.Named("progress_hub"),
	}, sinkList...)
	app.logger.Info("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return nil
}

func setupPipeline(app *App) error {
	cfg := app.cfg
	runnerLog := app.logger.Named("resolver")

	ytdlpResolver := resolver.NewYTDLP(app.runner, resolver.YTDLPConfig{
		MaxDepth:    cfg.Resolver.MaxDepth,
		CookiesFile: cfg.YTDLP.CookiesFile,
		Limiter:     app.limiter,
		Logger:      runnerLog,
	})
	var routes []resolver.Route
	if len(cfg.Resolver.PagePatterns) > 0 {
		page, err := resolver.NewPage(ytdlpResolver, resolver.PageConfig{
			HostPatterns: cfg.Resolver.PagePatterns,
			LinkPattern:  cfg.Resolver.PageLinkPattern,
			UserAgent:    cfg.Resolver.UserAgent,
			Timeout:      cfg.Resolver.PageTimeout,
			Limiter:      app.limiter,
			Logger:       runnerLog.Named("page"),
		})
		if err != nil {
			return fmt.Errorf("page resolver init failed: %w", err)
		}
		routes = append(routes, page)
	}

	var namer *normalize.Namer
	if cfg.Normalize.Enabled {
		namer = app.namer
	}
	executor, err := download.New(app.runner, download.Config{
		OutputDir:    cfg.Paths.OutputDir,
		Format:       cfg.YTDLP.Format,
		AudioFormat:  cfg.YTDLP.AudioFormat,
		AudioQuality: cfg.YTDLP.AudioQuality,
		CookiesFile:  cfg.YTDLP.CookiesFile,
		ExtraArgs:    cfg.YTDLP.ExtraArgs,
		Markers:      app.markers,
		Namer:        namer,
		Logger:       app.logger.Named("download"),
	})
	if err != nil {
		return fmt.Errorf("download executor init failed: %w", err)
	}

	ids := uuid.New()
	deps := pipeline.Deps{
		Resolver: resolver.NewChain(ytdlpResolver, routes...),
		Fetcher: metadata.New(app.runner, metadata.Config{
			CookiesFile: cfg.YTDLP.CookiesFile,
			Limiter:     app.limiter,
			Logger:      app.logger.Named("metadata"),
		}),
		Acquirer: executor,
		Ledger:   app.ledger,
		Filter:   filter.New(app.ledger, app.rules),
		Markers:  app.markers,
		Clock:    system.New(),
		IDs:      ids,
	}
	if cfg.Normalize.Enabled {
		deps.Normalizer = app.normalizer
	}
	if app.mirror != nil {
		deps.Mirror = app.mirror
	}
	if app.progressHub != nil {
		deps.Events = app.progressHub
	}
	app.orchestrator, err = pipeline.New(deps, pipeline.Config{
		MetadataWorkers: cfg.Concurrency.Metadata,
		DownloadWorkers: cfg.Concurrency.Download,
		OutputDir:       cfg.Paths.OutputDir,
		MirrorPrefix:    app.mirrorPrefix,
		Logger:          app.logger.Named("pipeline"),
	})
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}

	app.runs = memorystorage.NewRunStore()
	app.dispatch = dispatcher.New(app.orchestrator, app.runs, ids, dispatcher.Config{
		DefaultLocators: cfg.Sources.Locators,
		Logger:          app.logger.Named("dispatcher"),
	})
	return nil
}

func setupAPI(app *App) {
	app.apiServer = api.NewServer(app.dispatch, app.runs, api.Config{
		APIKey:         app.cfg.Server.APIKey,
		RequestTimeout: app.cfg.Server.RequestTimeout,
		Gatherer:       app.registry,
		Metrics:        app.metrics,
		Ready:          app.ledger.Ping,
	}, app.logger.Named("api"))
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Registry returns the process metrics registry.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Ledger returns the opened ledger.
func (a *App) Ledger() *ledger.Ledger { return a.ledger }

// LedgerStats counts ledger entries by state.
func (a *App) LedgerStats() map[harvest.State]int { return a.ledger.Stats() }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Harvest runs the pipeline once. Empty locators fall back to sources.locators.
func (a *App) Harvest(ctx context.Context, locators []string) (harvest.Report, error) {
	if len(locators) == 0 {
		locators = a.cfg.Sources.Locators
	}
	if len(locators) == 0 {
		return harvest.Report{}, ErrNoLocators
	}
	a.harvested.Store(true)
	report, err := a.orchestrator.Run(ctx, "", locators)
	if err != nil {
		return report, fmt.Errorf("harvest run: %w", err)
	}
	return report, nil
}

// PushMetrics sends the registry to the configured Pushgateway. It is a no-op
// when none is configured. Close calls it after Harvest once progress events
// have drained.
func (a *App) PushMetrics(ctx context.Context) error {
	if !a.cfg.Metrics.Enabled || a.cfg.Metrics.PushgatewayURL == "" {
		return nil
	}
	if err := metrics.Push(ctx, a.cfg.Metrics.PushgatewayURL, a.cfg.Metrics.Job, a.registry); err != nil {
		return err
	}
	a.logger.Debug("metrics pushed", zap.String("url", a.cfg.Metrics.PushgatewayURL))
	return nil
}

// Normalize runs one pass over dir (the output directory when empty) and moves
// completion markers along with renamed files.
func (a *App) Normalize(ctx context.Context, dir string) (normalize.Result, error) {
	if dir == "" {
		dir = a.cfg.Paths.OutputDir
	}
	res, err := a.normalizer.Normalize(ctx, dir)
	a.relocate(res)
	if err != nil {
		return res, fmt.Errorf("normalize %s: %w", dir, err)
	}
	return res, nil
}

// Watch normalizes dir whenever files settle, until ctx is done.
func (a *App) Watch(ctx context.Context, dir string, onPass normalize.PassFunc) error {
	if dir == "" {
		dir = a.cfg.Paths.OutputDir
	}
	n, err := a.newNormalizer(a.cfg.Normalize.WatchMinAge)
	if err != nil {
		return err
	}
	return n.Watch(ctx, dir, a.cfg.Normalize.WatchDebounce, func(res normalize.Result) {
		a.relocate(res)
		if onPass != nil {
			onPass(res)
		}
	})
}

func (a *App) relocate(res normalize.Result) {
	if len(res.Renames) == 0 {
		return
	}
	if _, err := a.markers.Relocate(res.Renames); err != nil {
		a.logger.Warn("relocate completion markers", zap.Error(err))
	}
}

// Serve runs the HTTP API and the run dispatcher until ctx is cancelled or
// the process receives SIGINT/SIGTERM.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.dispatch.Close()
	<-dispatchDone

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close gracefully shuts down the application. The returned error reports a
// ledger that could not be flushed; other shutdown failures are only logged.
func (a *App) Close(ctx context.Context) error {
	if a.dispatch != nil {
		a.dispatch.Close()
	}
	err := a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) error {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.harvested.Load() {
		if err := a.PushMetrics(ctx); err != nil {
			a.logger.Warn("metrics push failed", zap.Error(err))
		}
	}
	var ledgerErr error
	if a.ledger != nil {
		if ledgerErr = a.ledger.Close(ctx); ledgerErr != nil {
			a.logger.Error("ledger close failed", zap.Error(ledgerErr))
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	return ledgerErr
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on stderr/stdout for some platforms; nothing to do about it.
	_ = a.logger.Sync()
}
