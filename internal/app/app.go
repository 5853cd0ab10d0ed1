// -----------------------------------------------------------------------
// Application - Composition root wiring storage, engines, queue and batches
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promptrelay/internal/batch"
	"github.com/ternarybob/promptrelay/internal/common"
	"github.com/ternarybob/promptrelay/internal/engine"
	"github.com/ternarybob/promptrelay/internal/engine/chromedp"
	"github.com/ternarybob/promptrelay/internal/engine/playwright"
	"github.com/ternarybob/promptrelay/internal/executors"
	"github.com/ternarybob/promptrelay/internal/handlers"
	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
	"github.com/ternarybob/promptrelay/internal/platform"
	"github.com/ternarybob/promptrelay/internal/queue"
	"github.com/ternarybob/promptrelay/internal/recovery"
	"github.com/ternarybob/promptrelay/internal/services/events"
	"github.com/ternarybob/promptrelay/internal/storage/badger"
)

// healthCheckPriority places stale-platform probes ahead of ad-hoc jobs
const healthCheckPriority = 100

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage layer
	StorageManager interfaces.StorageManager

	// Event bus
	EventService interfaces.EventService

	// Browser engines
	EngineManager    *engine.Manager
	playwrightDriver *playwright.Driver

	// Recovery (retry, breakers, fallback)
	Recovery *recovery.Service

	// Platforms
	PlatformManager *platform.Manager

	// Job queue and the processor for unbatched jobs
	Queue     *queue.Queue
	Processor *queue.Processor

	// Batch orchestration
	Orchestrator *batch.Orchestrator

	// HTTP handlers
	APIHandler      *handlers.APIHandler
	WSHandler       *handlers.WebSocketHandler
	BatchHandler    *handlers.BatchHandler
	JobHandler      *handlers.JobHandler
	PlatformHandler *handlers.PlatformHandler
	StatusHandler   *handlers.StatusHandler
}

// New initializes the application with all dependencies. On error every
// component started so far is closed again.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.init(); err != nil {
		app.Close()
		return nil, err
	}

	logger.Info().
		Str("default_engine", cfg.Engines.Default).
		Int("platforms", len(app.PlatformManager.Platforms())).
		Int("queue_concurrency", cfg.Queue.Concurrency).
		Msg("Application initialization complete")

	return app, nil
}

func (a *App) init() error {
	if err := a.initDatabase(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	a.EventService = events.NewService(a.Logger)
	if err := events.SubscribeLoggerToAllEvents(a.EventService, a.Logger); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to subscribe event logger")
	}

	if err := a.initEngines(); err != nil {
		return fmt.Errorf("failed to initialize engines: %w", err)
	}

	a.Recovery = recovery.NewService(a.Logger, recovery.Options{
		BreakerThreshold: a.Config.Recovery.BreakerThreshold,
		BreakerReset:     common.ParseDuration(a.Config.Recovery.BreakerReset, 5*time.Minute),
	})

	if err := a.initPlatforms(); err != nil {
		return fmt.Errorf("failed to initialize platforms: %w", err)
	}

	if err := a.initQueue(); err != nil {
		return fmt.Errorf("failed to initialize job queue: %w", err)
	}

	if err := a.initOrchestrator(); err != nil {
		return fmt.Errorf("failed to initialize batch orchestrator: %w", err)
	}

	a.initHandlers()

	// Background schedules start last so nothing fires into a half-built app
	a.EngineManager.Start()
	a.PlatformManager.Start()
	a.Processor.Start()

	return nil
}

// initDatabase initializes the storage layer (Badger)
func (a *App) initDatabase() error {
	storageManager, err := badger.NewManager(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return err
	}
	a.StorageManager = storageManager

	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")
	return nil
}

// initEngines creates both engine drivers and the session manager
func (a *App) initEngines() error {
	cfg := a.Config.Engines
	humanizer := engine.NewRandomHumanizer()

	a.playwrightDriver = playwright.NewDriver(a.Logger, humanizer, cfg.InstallBrowser)
	drivers := []interfaces.EngineDriver{
		chromedp.NewDriver(a.Logger, humanizer),
		a.playwrightDriver,
	}

	manager, err := engine.NewManager(a.Logger, drivers, engine.ManagerOptions{
		DefaultEngine: models.EngineKind(cfg.Default),
		SessionTTL:    common.ParseDuration(cfg.SessionTTL, time.Hour),
		ReapSchedule:  cfg.ReapSchedule,
		Events:        a.EventService,
	})
	if err != nil {
		return err
	}
	a.EngineManager = manager

	a.Logger.Debug().Str("default_engine", cfg.Default).Msg("Engine manager initialized")
	return nil
}

// initPlatforms loads platform definitions and creates the adapter pool
func (a *App) initPlatforms() error {
	definitions, err := platform.LoadDefinitions(a.Config.Platforms.DefinitionsDir, a.Config.Platforms.Enabled, a.Logger)
	if err != nil {
		return err
	}

	cfg := a.Config.Platforms
	manager, err := platform.NewManager(a.Logger, definitions, a.EngineManager, platform.ManagerOptions{
		IdleTimeout:    common.ParseDuration(cfg.IdleTimeout, 10*time.Minute),
		HealthSchedule: cfg.HealthSchedule,
		SubmitRate:     cfg.SubmitRate,
		SubmitBurst:    cfg.SubmitBurst,
		Headless:       cfg.Headless,
		Adapter: platform.AdapterOptions{
			Browser:              a.browserDefaults(),
			Humanizer:            engine.NewRandomHumanizer(),
			DisableAntiDetection: !a.Config.Engines.AntiDetection,
			// The queue owns the retry budget
			WorkflowRetries: false,
		},
		Events:  a.EventService,
		OnStale: a.enqueueHealthCheck,
	})
	if err != nil {
		return err
	}
	a.PlatformManager = manager
	return nil
}

// browserDefaults converts the engines section into adapter browser defaults
func (a *App) browserDefaults() models.BrowserConfig {
	cfg := a.Config.Engines
	browser := models.BrowserConfig{
		Headless:      cfg.Headless,
		UserAgent:     cfg.UserAgent,
		TimeoutMs:     int(common.ParseDuration(cfg.Timeout, 30*time.Second) / time.Millisecond),
		RetryAttempts: cfg.RetryAttempts,
		AntiDetection: cfg.AntiDetection,
		NoSandbox:     cfg.NoSandbox,
		BlockPatterns: cfg.BlockPatterns,
	}
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		browser.Viewport = &models.Viewport{Width: cfg.ViewportWidth, Height: cfg.ViewportHeight}
	}
	return browser
}

// enqueueHealthCheck queues a probe for a platform with stale telemetry,
// unless one is already pending or running
func (a *App) enqueueHealthCheck(name string) {
	if a.Queue == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	existing, err := a.Queue.FindActive(ctx, models.JobTypeHealthCheck, name)
	if err != nil {
		a.Logger.Warn().Err(err).Str("platform", name).Msg("Failed to look up pending health checks")
		return
	}
	if existing != nil {
		a.Logger.Debug().Str("platform", name).Str("job_id", existing.ID).Msg("Health check already queued")
		return
	}

	job, err := a.Queue.Enqueue(ctx, queue.EnqueueRequest{
		Type:       models.JobTypeHealthCheck,
		Payload:    models.NewHealthCheckPayload(models.HealthCheckPayload{Platform: name}),
		Priority:   healthCheckPriority,
		MaxRetries: queue.Retries(0),
	})
	if err != nil {
		a.Logger.Warn().Err(err).Str("platform", name).Msg("Failed to enqueue health check")
		return
	}
	a.Logger.Debug().Str("platform", name).Str("job_id", job.ID).Msg("Health check enqueued for stale platform")
}

// initQueue creates the job queue, requeues jobs a crashed process left
// running and registers the executors.
func (a *App) initQueue() error {
	a.Queue = queue.NewQueue(a.StorageManager.JobStorage(), a.EventService, a.Logger, queue.ConfigFrom(a.Config.Queue))

	requeued, err := a.Queue.RecoverRunning(context.Background())
	if err != nil {
		return err
	}
	if requeued > 0 {
		a.Logger.Info().Int("requeued", requeued).Msg("Requeued jobs interrupted by the previous run")
	}

	retry := recovery.RetryConfigFromConfig(a.Config.Recovery)
	completionTimeout := common.ParseDuration(a.Config.Batch.CompletionTimeout, 3*time.Minute)

	a.Processor = queue.NewProcessor(a.Queue, a.Logger)
	a.Processor.RegisterExecutor(
		executors.NewPromptSubmissionExecutor(a.PlatformManager, a.StorageManager.MetricsStorage(), completionTimeout, a.Logger).
			WithRecovery(a.Recovery, retry))
	a.Processor.RegisterExecutor(
		executors.NewForkProjectExecutor(a.PlatformManager, a.Logger).
			WithRecovery(a.Recovery, retry))
	a.Processor.RegisterExecutor(
		executors.NewHealthCheckExecutor(a.PlatformManager, a.Logger).
			WithRecovery(a.Recovery, retry))
	return nil
}

// initOrchestrator creates the batch orchestrator and resumes persisted work
func (a *App) initOrchestrator() error {
	a.Orchestrator = batch.NewOrchestrator(
		a.StorageManager,
		a.Queue,
		a.Processor,
		a.PlatformManager,
		a.EventService,
		a.Logger,
		batch.ConfigFrom(a.Config.Batch, a.Config.Queue.DefaultMaxRetries),
	)
	return a.Orchestrator.Start(context.Background())
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.Orchestrator, a.EventService, a.Logger, &a.Config.WebSocket)
	a.BatchHandler = handlers.NewBatchHandler(a.Orchestrator, a.StorageManager.MetricsStorage(), a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.Queue, a.Logger)
	a.PlatformHandler = handlers.NewPlatformHandler(a.PlatformManager, a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.EngineManager, a.Recovery, a.Logger)

	a.Logger.Debug().Msg("HTTP handlers initialized")
}

// Close stops every component in reverse start order
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.WSHandler != nil {
		a.WSHandler.Close()
	}

	// Batch workers first so no new jobs are leased
	if a.Orchestrator != nil {
		if err := a.Orchestrator.Stop(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop batch orchestrator")
		}
	}

	if a.Processor != nil {
		a.Processor.Stop()
		a.Logger.Info().Msg("Job processor stopped")
	}

	if a.PlatformManager != nil {
		a.PlatformManager.Stop(ctx)
	}

	if a.EngineManager != nil {
		a.EngineManager.Stop(ctx)
	}

	if a.playwrightDriver != nil {
		if err := a.playwrightDriver.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop playwright")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
