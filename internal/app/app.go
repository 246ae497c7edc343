package app

import (
	"context"
	"fmt"
	"log/slog"

	"civicsignal/internal/config"
	"civicsignal/internal/infrastructure/api"
	"civicsignal/internal/infrastructure/connector"
	"civicsignal/internal/infrastructure/geocode"
	"civicsignal/internal/infrastructure/llm"
	"civicsignal/internal/infrastructure/scheduler"
	"civicsignal/internal/infrastructure/storage"
	"civicsignal/internal/infrastructure/telegram"
	"civicsignal/internal/logging"
	"civicsignal/internal/ports"
	"civicsignal/internal/ratelimit"
	"civicsignal/internal/usecase"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *storage.Store
	pipeline  *usecase.Pipeline
	discovery *usecase.Discovery
	server    *api.Server
	notifier  ports.Notifier
}

// New builds all adapters and both pipelines. Configuration is validated
// before anything touches the network.
func New(cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}

	store, err := storage.Open(cfg.Database, cfg.Dedup, cfg.Sweep, baseLogger.With("component", "storage"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	classifier := llm.NewCascadeClient(cfg.LLM, baseLogger.With("component", "llm"))
	geoLimiter := ratelimit.NewIntervalLimiter(cfg.Geocode.MinInterval.Std())
	resolver := geocode.NewResolver(cfg.Geocode, store, geoLimiter, baseLogger.With("component", "geocode"))
	fetchLimiter := ratelimit.NewIntervalLimiter(cfg.Fetch.MinInterval.Std())
	fetcher := connector.NewFetcher(cfg.Fetch, cfg.Geocode.UserAgent, fetchLimiter, baseLogger.With("component", "fetcher"))

	pipeline := usecase.NewPipeline(usecase.PipelineDeps{
		News:       connector.NewNewsClient(cfg.News, baseLogger.With("component", "news")),
		Search:     connector.NewSearchClient(cfg.Search, baseLogger.With("component", "search")),
		Fetcher:    fetcher,
		Classifier: classifier,
		Geocoder:   resolver,
		Challenges: store,
		Sweeper:    store,
	}, cfg.News, cfg.Search, baseLogger.With("component", "ingestion"))

	var directory ports.DirectorySource
	if cfg.Directory.BaseURL != "" {
		directory = connector.NewDirectoryScraper(cfg.Directory, cfg.Geocode.UserAgent, nil, baseLogger.With("component", "directory"))
	}

	discovery := usecase.NewDiscovery(usecase.DiscoveryDeps{
		Search:     connector.NewSearchClient(cfg.Search, baseLogger.With("component", "search")),
		Directory:  directory,
		Fetcher:    fetcher,
		Classifier: classifier,
		Geocoder:   resolver,
		Events:     store,
		Sweeper:    store,
		Filter:     usecase.NewBatchFilter(classifier, cfg.Batch.Size, cfg.Batch.MinScore),
	}, cfg.Search, cfg.Directory, baseLogger.With("component", "discovery"))

	var notifier ports.Notifier
	if cfg.Notify.Enabled() {
		notifier = telegram.NewNotifier(cfg.Notify)
	}

	return &Application{
		cfg:       cfg,
		logger:    baseLogger,
		store:     store,
		pipeline:  pipeline,
		discovery: discovery,
		server:    api.NewServer(cfg.API, store, baseLogger.With("component", "api")),
		notifier:  notifier,
	}, nil
}

// RunOnce executes one ingestion cycle followed by one discovery cycle, then
// pushes a summary to the notifier when one is configured.
func (a *Application) RunOnce(ctx context.Context, opts usecase.RunOptions) error {
	ingestion, err := a.pipeline.Run(ctx, opts)
	if err != nil {
		return fmt.Errorf("ingestion: %w", err)
	}
	a.logger.Info("ingestion finished",
		"processed", ingestion.Processed, "accepted", ingestion.Accepted,
		"rejected", ingestion.Rejected, "errors", ingestion.Errors, "expired", ingestion.Expired)

	events, err := a.discovery.Run(ctx, opts)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	a.logger.Info("discovery finished",
		"processed", events.Processed, "accepted", events.Accepted,
		"rejected", events.Rejected, "errors", events.Errors, "expired", events.Expired)

	if a.notifier != nil {
		summary := fmt.Sprintf(
			"*Run complete*\nChallenges: %d accepted / %d processed\nEvents: %d accepted / %d processed\nErrors: %d, expired: %d",
			ingestion.Accepted, ingestion.Processed,
			events.Accepted, events.Processed,
			ingestion.Errors+events.Errors, ingestion.Expired+events.Expired)
		if err := a.notifier.NotifyRunSummary(ctx, summary); err != nil {
			a.logger.Warn("run summary notification failed", "error", err)
		}
	}
	return nil
}

// Serve starts the HTTP API and the recurring scheduler, blocking until the
// context is cancelled.
func (a *Application) Serve(ctx context.Context, opts usecase.RunOptions) error {
	driver := scheduler.NewIntervalScheduler(a.cfg.Scheduler, a.logger.With("component", "scheduler"))
	runner := usecase.NewRunScheduler(driver, func(runCtx context.Context) error {
		return a.RunOnce(runCtx, opts)
	}, a.logger.With("component", "runner"))

	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer runner.Stop(context.WithoutCancel(ctx))

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Start() }()

	select {
	case <-ctx.Done():
		return a.server.Shutdown(context.WithoutCancel(ctx))
	case err := <-errCh:
		return err
	}
}
