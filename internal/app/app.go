// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/creeklabs/loreforge/internal/api"
	"github.com/creeklabs/loreforge/internal/character"
	"github.com/creeklabs/loreforge/internal/config"
	"github.com/creeklabs/loreforge/internal/crawl"
	"github.com/creeklabs/loreforge/internal/entries"
	"github.com/creeklabs/loreforge/internal/events"
	"github.com/creeklabs/loreforge/internal/fetch"
	"github.com/creeklabs/loreforge/internal/jobs"
	"github.com/creeklabs/loreforge/internal/logging"
	"github.com/creeklabs/loreforge/internal/lore"
	"github.com/creeklabs/loreforge/internal/metrics"
	"github.com/creeklabs/loreforge/internal/provider"
	"github.com/creeklabs/loreforge/internal/ratelimit"
	"github.com/creeklabs/loreforge/internal/storage/memory"
	"github.com/creeklabs/loreforge/internal/storage/postgres"
)

// Store is the full persistence surface the application needs from one
// backend.
type Store interface {
	lore.JobStore
	lore.SourceStore
	lore.LinkStore
	lore.EntryStore
	lore.CardStore
	lore.ProjectStore
	lore.RequestLogStore
}

// App holds the shared, long-lived services of the application.
type App struct {
	Logger      *zap.Logger
	Config      config.Config
	Store       Store
	Broadcaster *events.Broadcaster
	Manager     *jobs.Manager
	Runner      *jobs.Runner
	Server      *api.Server

	closeStore func()
	renderer   *fetch.ChromedpRenderer
}

// New builds the whole service from configuration, failing fast when any
// dependency cannot be initialized.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, err
	}
	metrics.Init()

	a := &App{Logger: logger, Config: cfg}

	switch cfg.DB.Driver {
	case "postgres":
		logger.Info("connecting to postgres")
		pg, err := postgres.NewStore(ctx, postgres.Config{DSN: cfg.DB.DSN})
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		a.Store = pg
		a.closeStore = pg.Close
	case "memory":
		logger.Info("using in-memory store, state is lost on restart")
		a.Store = memory.NewStore()
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.DB.Driver)
	}

	a.Broadcaster = events.NewBroadcaster(cfg.Events.BufferSize, logger)
	a.Manager = jobs.NewManager(a.Store, a.Broadcaster, nil, logger)

	fetcher, err := a.buildFetcher(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	ai := provider.New(provider.Config{
		BaseURL:     cfg.Provider.BaseURL,
		APIKey:      cfg.Provider.APIKey,
		Model:       cfg.Provider.Model,
		Temperature: cfg.Provider.Temperature,
		MaxTokens:   cfg.Provider.MaxTokens,
		Timeout:     cfg.ProviderTimeout(),
	}, logger)

	limiter := ratelimit.New()

	engine := crawl.NewEngine(a.Store, a.Store, fetcher, a.Manager, a.Broadcaster, nil, crawl.Defaults{
		MaxPagesToCrawl: cfg.Crawler.MaxPagesDefault,
		MaxCrawlDepth:   cfg.Crawler.MaxDepthDefault,
	}, logger)
	processor := entries.NewProcessor(
		a.Store, a.Store, a.Store, a.Store,
		ai, fetcher, limiter, a.Manager, a.Broadcaster, nil, logger)
	pipeline := character.NewPipeline(
		a.Store, a.Store, a.Store, a.Store, a.Store,
		ai, fetcher, limiter, a.Manager, a.Broadcaster, nil, logger)

	runner := jobs.NewRunner(a.Manager, cfg.Worker.Concurrency, cfg.Worker.QueueDepth, logger)
	runner.Register(lore.TaskDiscoverAndCrawl, jobs.HandlerFunc(engine.DiscoverAndCrawl))
	runner.Register(lore.TaskRescanLinks, jobs.HandlerFunc(engine.RescanLinks))
	runner.Register(lore.TaskConfirmLinks, jobs.HandlerFunc(engine.ConfirmLinks))
	runner.Register(lore.TaskProcessProjectEntries, jobs.HandlerFunc(processor.Run))
	runner.Register(lore.TaskFetchContent, jobs.HandlerFunc(pipeline.FetchContent))
	runner.Register(lore.TaskGenerateCharacter, jobs.HandlerFunc(pipeline.Generate))
	runner.Register(lore.TaskRegenerateField, jobs.HandlerFunc(pipeline.RegenerateField))
	runner.Register(lore.TaskGenerateLorebookEntries, jobs.HandlerFunc(pipeline.GenerateLorebookEntries))
	pipeline.SetEnqueuer(runner)
	a.Runner = runner

	a.Server = api.NewServer(a.Manager, runner, a.Store, a.Store, a.Store, a.Broadcaster, cfg, logger)

	if err := a.recover(ctx); err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

func (a *App) buildFetcher(cfg config.Config, logger *zap.Logger) (lore.Fetcher, error) {
	static := fetch.NewStaticFetcher(fetch.StaticConfig{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	})

	var renderer fetch.Renderer
	if cfg.Headless.Enabled {
		r, err := fetch.NewChromedpRenderer(fetch.RendererConfig{
			UserAgent:   cfg.Crawler.UserAgent,
			MaxParallel: cfg.Headless.MaxParallel,
			NavTimeout:  time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("start headless renderer: %w", err)
		}
		a.renderer = r
		renderer = r
	}

	detector := fetch.NewHeuristic(cfg.Headless.PromotionThresh)
	return fetch.NewClient(static, detector, renderer, logger), nil
}

// recover resets work stranded by an unclean shutdown so it can be retried.
func (a *App) recover(ctx context.Context) error {
	jobsReset, err := a.Manager.Recover(ctx)
	if err != nil {
		return fmt.Errorf("reset stale jobs: %w", err)
	}
	linksReset, err := a.Store.ResetProcessingLinks(ctx)
	if err != nil {
		return fmt.Errorf("reset processing links: %w", err)
	}
	if jobsReset > 0 || linksReset > 0 {
		a.Logger.Info("recovered stranded work",
			zap.Int("jobs_reset", jobsReset),
			zap.Int("links_reset", linksReset))
	}
	return nil
}

// Close gracefully shuts down all services in the App container.
func (a *App) Close() {
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.Broadcaster != nil {
		a.Broadcaster.Close()
	}
	if a.closeStore != nil {
		a.closeStore()
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
}
