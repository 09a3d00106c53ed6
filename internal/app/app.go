package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tabula/internal/common"
	"github.com/ternarybob/tabula/internal/handlers"
	"github.com/ternarybob/tabula/internal/interfaces"
	"github.com/ternarybob/tabula/internal/models"
	"github.com/ternarybob/tabula/internal/queue"
	"github.com/ternarybob/tabula/internal/services/events"
	"github.com/ternarybob/tabula/internal/services/extract"
	"github.com/ternarybob/tabula/internal/services/llm"
	"github.com/ternarybob/tabula/internal/services/presets"
	"github.com/ternarybob/tabula/internal/services/rasterize"
	"github.com/ternarybob/tabula/internal/services/status"
	"github.com/ternarybob/tabula/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Event-driven services
	EventService  interfaces.EventService
	StatusService *status.Service

	// Extraction pipeline and its collaborators
	RequestPool   interfaces.RequestPool
	LLMClient     interfaces.LLMClient
	Pipeline      *extract.Pipeline
	PresetService interfaces.PresetService
	Rasterizer    interfaces.Rasterizer

	// Job queue
	QueueManager interfaces.QueueManager
	Worker       interfaces.Worker

	// HTTP handlers
	APIHandler     *handlers.APIHandler
	QueueHandler   *handlers.QueueHandler
	BatchHandler   *handlers.BatchHandler
	ProjectHandler *handlers.ProjectHandler
	PresetHandler  *handlers.PresetHandler
	MetricsHandler *handlers.MetricsHandler
	StatusHandler  *handlers.StatusHandler

	maintenance *cron.Cron
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Initialize database
	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Initialize handlers
	if err := app.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	// Start the worker AFTER all handlers are initialized. Startup
	// reconciliation runs inside Start, before the first lease.
	if err := app.Worker.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	app.startMaintenance()

	logger.Info().
		Str("storage", cfg.Storage.Badger.Path).
		Int("parallel_requests", cfg.Queue.ParallelRequests).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger)
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	// Load schema presets from files
	if err := a.StorageManager.LoadPresetsFromFiles(context.Background(), a.Config.Presets.Dir); err != nil {
		// Log warning but don't fail startup: presets are optional seeds
		a.Logger.Warn().Err(err).Msg("Failed to load presets from files")
	}

	return nil
}

// initServices initializes all business services in dependency order
func (a *App) initServices() error {
	a.EventService = events.NewEventService(a.Logger)

	a.StatusService = status.NewService(a.EventService, a.Logger)
	a.StatusService.SubscribeToQueueEvents()
	a.Logger.Debug().Msg("Status service initialized")

	// Per-project admission control for outbound LLM calls
	a.RequestPool = queue.NewPool(a.Logger)
	a.LLMClient = llm.NewClient(a.Logger)

	a.Pipeline = extract.NewPipeline(a.StorageManager, a.RequestPool, a.LLMClient, a.Config, a.Logger)
	a.Logger.Debug().Msg("Extraction pipeline initialized")

	a.PresetService = presets.NewService(a.StorageManager.PresetStorage(), a.Logger)
	a.Rasterizer = rasterize.NewService(a.Logger)

	a.QueueManager = queue.NewManager(a.StorageManager, a.EventService, &a.Config.Queue, a.Logger)
	a.Logger.Debug().Msg("Queue manager initialized")

	worker, err := queue.NewWorker(a.StorageManager, a.EventService, &a.Config.Queue, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	worker.RegisterHandler(models.JobTypeProcessBatch, a.Pipeline.ProcessBatch)
	worker.RegisterHandler(models.JobTypeReprocessBatch, a.Pipeline.ProcessBatch)
	worker.RegisterHandler(models.JobTypeProcessRedo, a.Pipeline.ProcessRedo)
	a.Worker = worker
	a.Logger.Debug().Msg("Queue worker initialized")

	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() error {
	a.APIHandler = handlers.NewAPIHandler()
	a.QueueHandler = handlers.NewQueueHandler(a.QueueManager, a.StorageManager.ProjectStorage(), a.Logger)
	a.BatchHandler = handlers.NewBatchHandler(a.QueueManager, a.StorageManager, a.Rasterizer, a.Logger)
	a.ProjectHandler = handlers.NewProjectHandler(a.StorageManager.ProjectStorage(), a.PresetService, a.Logger)
	a.PresetHandler = handlers.NewPresetHandler(a.PresetService, a.Logger)
	a.MetricsHandler = handlers.NewMetricsHandler(a.StorageManager.MetricStorage(), a.StorageManager.ProjectStorage(), a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.StatusService, a.StorageManager.QueueStorage(), a.Logger)

	a.Logger.Debug().Msg("HTTP handlers initialized")
	return nil
}

// startMaintenance schedules the background sweeps: stale batch
// reconciliation and metric pruning.
func (a *App) startMaintenance() {
	c := cron.New()

	if _, err := c.AddFunc(a.Config.Maintenance.StaleSweepSchedule, a.sweepStaleBatches); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to schedule stale batch sweep")
	}
	if _, err := c.AddFunc(a.Config.Maintenance.MetricPruneSchedule, a.pruneMetrics); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to schedule metric pruning")
	}

	c.Start()
	a.maintenance = c

	a.Logger.Debug().
		Str("stale_sweep", a.Config.Maintenance.StaleSweepSchedule).
		Str("metric_prune", a.Config.Maintenance.MetricPruneSchedule).
		Int("metric_retention_days", a.Config.Maintenance.MetricRetentionDays).
		Msg("Maintenance schedules started")
}

// sweepStaleBatches returns processing batches without an active job to
// pending. A batch gets stranded like that when a final persist fails or
// the process dies between job completion and batch update.
func (a *App) sweepStaleBatches() {
	ctx := context.Background()

	reset, err := a.StorageManager.QueueStorage().ResetStaleBatches(ctx, time.Now().UTC())
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Stale batch sweep failed")
		return
	}
	if reset > 0 {
		a.Logger.Info().Int("count", reset).Msg("Stale processing batches reset to pending")
		a.EventService.Publish(ctx, interfaces.Event{
			Type:    interfaces.EventBatchesReset,
			Payload: map[string]interface{}{"count": reset},
		})
	}
}

// pruneMetrics deletes processing metrics older than the retention window.
func (a *App) pruneMetrics() {
	retention := a.Config.Maintenance.MetricRetentionDays
	if retention <= 0 {
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retention)
	pruned, err := a.StorageManager.MetricStorage().PruneMetrics(context.Background(), cutoff)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Metric pruning failed")
		return
	}
	if pruned > 0 {
		a.Logger.Info().
			Int("count", pruned).
			Str("cutoff", cutoff.Format(time.RFC3339)).
			Msg("Old metrics pruned")
	}
}

// Close closes all application resources
func (a *App) Close() error {
	// Stop maintenance schedules and wait for running sweeps
	if a.maintenance != nil {
		<-a.maintenance.Stop().Done()
	}

	// Drain the worker: in-flight pipelines get the drain timeout
	if a.Worker != nil {
		if err := a.Worker.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop worker")
		}
	}

	// Close event service
	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	// Close storage
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
