// -----------------------------------------------------------------------
// Queue Worker - Leases jobs and runs their pipelines to a terminal state
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tabula/internal/common"
	"github.com/ternarybob/tabula/internal/interfaces"
	"github.com/ternarybob/tabula/internal/models"
	"github.com/ternarybob/tabula/internal/services/metrics"
)

// JobResult reports what a handler accomplished, for metrics.
type JobResult struct {
	ImageCount      int
	ExtractionCount int
	Model           string
	TokensUsed      int
}

// JobHandler executes one leased job. A nil error completes the job;
// a canceled error discards it; anything else fails the attempt.
type JobHandler func(ctx context.Context, job *models.QueueJob) (*JobResult, error)

const (
	workerStopped int32 = iota
	workerStarting
	workerRunning
	workerDraining
)

func stateName(s int32) interfaces.WorkerState {
	switch s {
	case workerStarting:
		return interfaces.WorkerStarting
	case workerRunning:
		return interfaces.WorkerRunning
	case workerDraining:
		return interfaces.WorkerDraining
	default:
		return interfaces.WorkerStopped
	}
}

type activePipeline struct {
	projectID string
	batchID   string
	cancel    context.CancelFunc
}

// Worker polls the queue storage and runs leased jobs through their
// registered handlers. One worker instance runs per process; the store
// itself carries all queue state, so a restart resumes cleanly after
// startup reconciliation.
type Worker struct {
	store    interfaces.QueueStorage
	recorder *metrics.Recorder
	events   interfaces.EventService
	handlers map[models.JobType]JobHandler

	pollInterval time.Duration
	drainTimeout time.Duration

	state      int32
	loopCancel context.CancelFunc
	pipeCtx    context.Context
	pipeCancel context.CancelFunc
	wg         *sync.WaitGroup

	mu        sync.Mutex
	pipelines map[string]activePipeline

	logger arbor.ILogger
}

// NewWorker creates a stopped worker. Handlers must be registered
// before Start.
func NewWorker(storage interfaces.StorageManager, events interfaces.EventService, config *common.QueueConfig, logger arbor.ILogger) (*Worker, error) {
	pollInterval := 1 * time.Second
	drainTimeout := 30 * time.Second
	if config != nil {
		pollInterval = config.PollIntervalDuration()
		drainTimeout = config.DrainTimeoutDuration()
	}

	w := &Worker{
		store:        storage.QueueStorage(),
		recorder:     metrics.NewRecorder(storage.MetricStorage(), logger),
		events:       events,
		handlers:     make(map[models.JobType]JobHandler),
		pollInterval: pollInterval,
		drainTimeout: drainTimeout,
		pipelines:    make(map[string]activePipeline),
		logger:       logger,
	}

	if events != nil {
		if err := events.Subscribe(interfaces.EventJobCanceled, w.onJobCanceled); err != nil {
			return nil, fmt.Errorf("subscribe to job cancellations: %w", err)
		}
	}
	return w, nil
}

// RegisterHandler binds a handler to a job type. Not safe to call after
// Start.
func (w *Worker) RegisterHandler(jobType models.JobType, handler JobHandler) {
	w.handlers[jobType] = handler
}

// Start reconciles state left over from a previous run, then begins the
// poll loop. Reconciliation finishes before the first lease so a
// crashed run's processing jobs can never be mistaken for live ones.
func (w *Worker) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&w.state, workerStopped, workerStarting) {
		return fmt.Errorf("%w: worker is not stopped", models.ErrInvalidState)
	}
	w.publishState(ctx, interfaces.WorkerStarting)

	now := time.Now().UTC()
	reclaimed, err := w.store.ReclaimOrphanJobs(ctx, now)
	if err != nil {
		atomic.StoreInt32(&w.state, workerStopped)
		return fmt.Errorf("reclaim orphan jobs: %w", err)
	}
	if reclaimed > 0 {
		w.logger.Warn().Int("count", reclaimed).Msg("Orphaned processing jobs canceled on startup")
	}

	reset, err := w.store.ResetStaleBatches(ctx, now)
	if err != nil {
		atomic.StoreInt32(&w.state, workerStopped)
		return fmt.Errorf("reset stale batches: %w", err)
	}
	if reset > 0 {
		w.logger.Info().Int("count", reset).Msg("Stale processing batches reset to pending")
		w.publish(ctx, interfaces.EventBatchesReset, map[string]interface{}{"count": reset})
	}

	loopCtx, loopCancel := context.WithCancel(ctx)
	w.loopCancel = loopCancel
	// Pipelines outlive the loop context so they can finish during drain.
	w.pipeCtx, w.pipeCancel = context.WithCancel(context.Background())
	w.wg = &sync.WaitGroup{}

	atomic.StoreInt32(&w.state, workerRunning)
	w.publishState(ctx, interfaces.WorkerRunning)
	w.logger.Info().Str("poll_interval", w.pollInterval.String()).Msg("Queue worker started")

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		// The loop goroutine dying would leave the process serving
		// requests while no job ever runs again. Treat it as fatal.
		defer func() {
			if r := recover(); r != nil {
				stackTrace := common.GetStackTrace()
				w.logger.Error().
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", stackTrace).
					Msg("FATAL: Worker loop panicked - writing crash file")
				common.WriteCrashFile(r, stackTrace)
				os.Exit(1)
			}
		}()

		w.run(loopCtx)
	}()
	return nil
}

// Stop drains the worker: leasing stops immediately, in-flight jobs get
// the drain timeout to finish, then their contexts are canceled. Jobs
// still processing after a forced stop are reclaimed on next startup.
func (w *Worker) Stop() error {
	if !atomic.CompareAndSwapInt32(&w.state, workerRunning, workerDraining) {
		if atomic.LoadInt32(&w.state) == workerStopped {
			return nil
		}
		return fmt.Errorf("%w: worker is not running", models.ErrInvalidState)
	}

	ctx := context.Background()
	w.publishState(ctx, interfaces.WorkerDraining)
	w.loopCancel()

	done := make(chan struct{})
	common.SafeGo(w.logger, "drainWait", func() {
		w.wg.Wait()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(w.drainTimeout):
		w.logger.Warn().Str("timeout", w.drainTimeout.String()).Msg("Drain timed out, canceling in-flight jobs")
	}
	w.pipeCancel()

	atomic.StoreInt32(&w.state, workerStopped)
	w.publishState(ctx, interfaces.WorkerStopped)
	w.logger.Info().Msg("Queue worker stopped")
	return nil
}

// State returns the worker's lifecycle state.
func (w *Worker) State() interfaces.WorkerState {
	return stateName(atomic.LoadInt32(&w.state))
}

func (w *Worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	now := time.Now().UTC()

	if n, err := w.store.RequeueRetrying(ctx, now); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to requeue retrying jobs")
	} else if n > 0 {
		w.logger.Debug().Int("count", n).Msg("Retrying jobs returned to queue")
	}

	job, err := w.store.LeaseNext(ctx, now)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to lease next job")
		return
	}
	if job == nil {
		return
	}
	w.dispatch(ctx, job)
}

func (w *Worker) dispatch(ctx context.Context, job *models.QueueJob) {
	w.logger.Info().
		Str("job_id", job.ID).
		Str("type", string(job.Type)).
		Str("batch_id", job.Payload.BatchID).
		Int("attempt", job.Attempts+1).
		Int("max_attempts", job.MaxAttempts).
		Msg("Job leased")

	w.publish(ctx, interfaces.EventJobStarted, map[string]interface{}{
		"job_id":     job.ID,
		"job_type":   string(job.Type),
		"batch_id":   job.Payload.BatchID,
		"project_id": job.ProjectID,
	})

	// Batch jobs own their batch while running. Redos never touch
	// batch status.
	if job.Type != models.JobTypeProcessRedo {
		if err := w.store.UpdateBatchStatus(ctx, job.Payload.BatchID, models.BatchStatusProcessing, "", time.Now().UTC()); err != nil {
			w.logger.Warn().Err(err).Str("batch_id", job.Payload.BatchID).Msg("Failed to mark batch processing")
		} else {
			w.publish(ctx, interfaces.EventBatchStatus, map[string]interface{}{
				"batch_id": job.Payload.BatchID,
				"status":   string(models.BatchStatusProcessing),
			})
		}
	}

	jobCtx, cancel := context.WithCancel(w.pipeCtx)
	w.track(job, cancel)

	w.wg.Add(1)
	common.SafeGo(w.logger, "processJob", func() {
		defer w.wg.Done()
		defer cancel()
		defer w.untrack(job.ID)
		w.runJob(jobCtx, job)
	})
}

func (w *Worker) runJob(ctx context.Context, job *models.QueueJob) {
	start := time.Now()

	var result *JobResult
	var runErr error
	func() {
		// A panicking pipeline still fails its job; nothing is dropped
		// silently.
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error().
					Str("job_id", job.ID).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", common.GetStackTrace()).
					Msg("Job pipeline panicked")
				runErr = fmt.Errorf("pipeline panicked: %v", r)
			}
		}()

		handler, ok := w.handlers[job.Type]
		if !ok {
			runErr = fmt.Errorf("no handler registered for job type %q", job.Type)
			return
		}
		result, runErr = handler(ctx, job)
	}()

	w.finalize(job, start, result, runErr)
}

// finalize persists the job's terminal state. It uses a background
// context: a canceled pipeline must not be able to abort its own
// bookkeeping.
func (w *Worker) finalize(job *models.QueueJob, start time.Time, result *JobResult, runErr error) {
	ctx := context.Background()
	now := time.Now().UTC()

	if runErr == nil {
		if err := w.store.CompleteJob(ctx, job.ID, now); err != nil {
			if errors.Is(err, models.ErrInvalidState) {
				w.logger.Debug().Str("job_id", job.ID).Msg("Discarding completion for job canceled mid-flight")
				return
			}
			w.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job completed")
			return
		}
		w.logger.Info().
			Str("job_id", job.ID).
			Str("type", string(job.Type)).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("Job completed")
		w.publish(ctx, interfaces.EventJobCompleted, map[string]interface{}{
			"job_id":     job.ID,
			"batch_id":   job.Payload.BatchID,
			"project_id": job.ProjectID,
		})
		w.recordMetric(job, models.MetricStatusSuccess, result, start)
		return
	}

	if models.IsCanceled(runErr) {
		w.logger.Info().Str("job_id", job.ID).Msg("Job canceled mid-flight")
		return
	}

	final, err := w.store.FailJob(ctx, job.ID, runErr.Error(), models.IsRetriable(runErr), now)
	if err != nil {
		if errors.Is(err, models.ErrInvalidState) {
			w.logger.Debug().Str("job_id", job.ID).Msg("Discarding failure for job canceled mid-flight")
			return
		}
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job failed")
		return
	}

	if !final {
		w.logger.Warn().
			Err(runErr).
			Str("job_id", job.ID).
			Int("attempt", job.Attempts+1).
			Int("max_attempts", job.MaxAttempts).
			Msg("Job failed, will retry")
		w.publish(ctx, interfaces.EventJobRetrying, map[string]interface{}{
			"job_id":     job.ID,
			"batch_id":   job.Payload.BatchID,
			"project_id": job.ProjectID,
			"error":      runErr.Error(),
		})
		return
	}

	w.logger.Error().
		Err(runErr).
		Str("job_id", job.ID).
		Str("type", string(job.Type)).
		Msg("Job failed permanently")
	w.publish(ctx, interfaces.EventJobFailed, map[string]interface{}{
		"job_id":     job.ID,
		"batch_id":   job.Payload.BatchID,
		"project_id": job.ProjectID,
		"error":      runErr.Error(),
	})
	w.recordMetric(job, models.MetricStatusFailed, result, start)

	// A failed redo leaves the batch and its rows exactly as they were.
	if job.Type != models.JobTypeProcessRedo {
		if err := w.store.UpdateBatchStatus(ctx, job.Payload.BatchID, models.BatchStatusFailed, runErr.Error(), now); err != nil {
			w.logger.Warn().Err(err).Str("batch_id", job.Payload.BatchID).Msg("Failed to mark batch failed")
		} else {
			w.publish(ctx, interfaces.EventBatchStatus, map[string]interface{}{
				"batch_id": job.Payload.BatchID,
				"status":   string(models.BatchStatusFailed),
			})
		}
	}
}

// recordMetric writes one observability record per terminal outcome.
func (w *Worker) recordMetric(job *models.QueueJob, status models.MetricStatus, result *JobResult, start time.Time) {
	metric := models.NewProcessingMetric(job.Type, status, job.Payload.BatchID, job.ProjectID)
	metric.DurationMS = time.Since(start).Milliseconds()
	if result != nil {
		metric.ImageCount = result.ImageCount
		metric.ExtractionCount = result.ExtractionCount
		metric.Model = result.Model
		metric.TokensUsed = result.TokensUsed
	}
	w.recorder.Record(context.Background(), metric)
}

// onJobCanceled cancels in-flight pipelines that match a cancel
// request. Persisting is still guarded by the store's status checks;
// this just stops burning LLM calls on work nobody wants.
func (w *Worker) onJobCanceled(ctx context.Context, event interfaces.Event) error {
	payload, ok := event.Payload.(map[string]interface{})
	if !ok {
		return nil
	}
	projectID, _ := payload["project_id"].(string)
	batchIDs, _ := payload["batch_ids"].([]string)

	restrict := make(map[string]bool, len(batchIDs))
	for _, id := range batchIDs {
		restrict[id] = true
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for jobID, p := range w.pipelines {
		if p.projectID != projectID {
			continue
		}
		if len(restrict) > 0 && !restrict[p.batchID] {
			continue
		}
		w.logger.Debug().Str("job_id", jobID).Msg("Canceling in-flight job")
		p.cancel()
	}
	return nil
}

func (w *Worker) track(job *models.QueueJob, cancel context.CancelFunc) {
	w.mu.Lock()
	w.pipelines[job.ID] = activePipeline{
		projectID: job.ProjectID,
		batchID:   job.Payload.BatchID,
		cancel:    cancel,
	}
	w.mu.Unlock()
}

func (w *Worker) untrack(jobID string) {
	w.mu.Lock()
	delete(w.pipelines, jobID)
	w.mu.Unlock()
}

func (w *Worker) publishState(ctx context.Context, state interfaces.WorkerState) {
	w.publish(ctx, interfaces.EventWorkerState, map[string]interface{}{"state": string(state)})
}

func (w *Worker) publish(ctx context.Context, eventType interfaces.EventType, payload map[string]interface{}) {
	if w.events == nil {
		return
	}
	if err := w.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		w.logger.Warn().Err(err).Str("event", string(eventType)).Msg("Failed to publish event")
	}
}

var _ interfaces.Worker = (*Worker)(nil)
