// -----------------------------------------------------------------------
// Queue Manager - Validated entry point for enqueueing and queue control
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tabula/internal/common"
	"github.com/ternarybob/tabula/internal/interfaces"
	"github.com/ternarybob/tabula/internal/models"
)

// Manager validates requests, creates jobs through the queue storage and
// publishes lifecycle events. It holds no queue state of its own; the
// store is the single source of truth.
type Manager struct {
	store       interfaces.QueueStorage
	batches     interfaces.BatchStorage
	rows        interfaces.RowStorage
	images      interfaces.ImageStorage
	events      interfaces.EventService
	validate    *validator.Validate
	maxAttempts int
	logger      arbor.ILogger
}

// NewManager creates a queue manager backed by the given storage.
func NewManager(storage interfaces.StorageManager, events interfaces.EventService, config *common.QueueConfig, logger arbor.ILogger) *Manager {
	maxAttempts := models.DefaultMaxAttempts
	if config != nil && config.MaxAttempts > 0 {
		maxAttempts = config.MaxAttempts
	}
	return &Manager{
		store:       storage.QueueStorage(),
		batches:     storage.BatchStorage(),
		rows:        storage.RowStorage(),
		images:      storage.ImageStorage(),
		events:      events,
		validate:    validator.New(),
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// EnqueueBatch creates a process_batch job for the batch. Enqueueing is
// additive: a batch already queued or processing gets another job.
func (m *Manager) EnqueueBatch(ctx context.Context, batchID, projectID string, priority int) (string, error) {
	return m.enqueue(ctx, models.JobTypeProcessBatch, batchID, projectID, priority)
}

// EnqueueBatches enqueues several batches in order. On failure it stops
// and returns the jobs already created plus the index of the batch that
// failed; the created jobs are kept. The index is -1 on full success.
func (m *Manager) EnqueueBatches(ctx context.Context, batchIDs []string, projectID string, priority int) ([]string, int, error) {
	jobIDs := make([]string, 0, len(batchIDs))
	for i, batchID := range batchIDs {
		jobID, err := m.enqueue(ctx, models.JobTypeProcessBatch, batchID, projectID, priority)
		if err != nil {
			return jobIDs, i, err
		}
		jobIDs = append(jobIDs, jobID)
	}
	return jobIDs, -1, nil
}

// EnqueueReprocess creates a reprocess_batch job. The pipeline is the
// same as process_batch; the type records that a reviewer sent the
// batch back around.
func (m *Manager) EnqueueReprocess(ctx context.Context, batchID, projectID string, priority int) (string, error) {
	return m.enqueue(ctx, models.JobTypeReprocessBatch, batchID, projectID, priority)
}

func (m *Manager) enqueue(ctx context.Context, jobType models.JobType, batchID, projectID string, priority int) (string, error) {
	batch, err := m.batches.GetBatch(ctx, batchID)
	if err != nil {
		return "", err
	}
	if batch.ProjectID != projectID {
		return "", fmt.Errorf("%w: batch %s does not belong to project %s", models.ErrInvalidBatch, batchID, projectID)
	}

	if priority <= 0 {
		priority = models.PriorityBatch
	}
	job := models.NewQueueJob(jobType, projectID, models.JobPayload{BatchID: batchID}, priority)
	job.MaxAttempts = m.maxAttempts
	if err := job.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidBatch, err)
	}

	if err := m.store.CreateJob(ctx, job); err != nil {
		return "", err
	}

	m.logger.Info().
		Str("job_id", job.ID).
		Str("type", string(jobType)).
		Str("batch_id", batchID).
		Int("priority", priority).
		Msg("Job enqueued")

	m.publish(ctx, interfaces.EventJobQueued, map[string]interface{}{
		"job_id":     job.ID,
		"job_type":   string(jobType),
		"batch_id":   batchID,
		"project_id": projectID,
	})
	return job.ID, nil
}

// EnqueueRedo creates a process_redo job for selected columns of one
// row. Every redo column must have a cropped image, and the row and the
// images must already exist.
func (m *Manager) EnqueueRedo(ctx context.Context, req *models.RedoRequest) (string, error) {
	if req == nil {
		return "", fmt.Errorf("%w: redo request is required", models.ErrInvalidBatch)
	}
	if err := m.validate.Struct(req); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidBatch, err)
	}
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidBatch, err)
	}

	batch, err := m.batches.GetBatch(ctx, req.BatchID)
	if err != nil {
		return "", err
	}
	if batch.ProjectID != req.ProjectID {
		return "", fmt.Errorf("%w: batch %s does not belong to project %s", models.ErrInvalidBatch, req.BatchID, req.ProjectID)
	}
	if _, err := m.rows.GetRow(ctx, req.BatchID, req.RowIndex); err != nil {
		return "", err
	}
	for _, columnID := range req.RedoColumnIDs {
		imageID := req.CroppedImageIDs[columnID]
		if _, err := m.images.GetImage(ctx, imageID); err != nil {
			return "", fmt.Errorf("%w: cropped image %s for column %s: %v", models.ErrInvalidBatch, imageID, columnID, err)
		}
	}

	priority := req.Priority
	if priority <= 0 {
		priority = models.PriorityRedo
	}
	job := models.NewQueueJob(models.JobTypeProcessRedo, req.ProjectID, models.JobPayload{
		BatchID:         req.BatchID,
		RowIndex:        req.RowIndex,
		RedoColumnIDs:   req.RedoColumnIDs,
		CroppedImageIDs: req.CroppedImageIDs,
		SourceImageIDs:  req.SourceImageIDs,
	}, priority)
	job.MaxAttempts = m.maxAttempts

	if err := m.store.CreateJob(ctx, job); err != nil {
		return "", err
	}

	m.logger.Info().
		Str("job_id", job.ID).
		Str("batch_id", req.BatchID).
		Int("row_index", req.RowIndex).
		Int("columns", len(req.RedoColumnIDs)).
		Msg("Redo job enqueued")

	m.publish(ctx, interfaces.EventJobQueued, map[string]interface{}{
		"job_id":     job.ID,
		"job_type":   string(models.JobTypeProcessRedo),
		"batch_id":   req.BatchID,
		"project_id": req.ProjectID,
	})
	return job.ID, nil
}

// Cancel cancels the project's non-terminal jobs, optionally restricted
// to specific batches, and fails the affected batches that were still
// pending or processing. The job_canceled event lets the worker abort
// in-flight pipelines.
func (m *Manager) Cancel(ctx context.Context, projectID string, batchIDs []string) (*models.CancelResult, error) {
	canceled, affected, err := m.store.CancelJobs(ctx, projectID, batchIDs)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	reset := 0
	for _, batchID := range affected {
		batch, err := m.batches.GetBatch(ctx, batchID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if batch.Status != models.BatchStatusPending && batch.Status != models.BatchStatusProcessing {
			continue
		}
		if err := m.store.UpdateBatchStatus(ctx, batchID, models.BatchStatusFailed, "canceled by user", now); err != nil {
			return nil, err
		}
		reset++
		m.publish(ctx, interfaces.EventBatchStatus, map[string]interface{}{
			"batch_id": batchID,
			"status":   string(models.BatchStatusFailed),
		})
	}

	if canceled > 0 {
		m.publish(ctx, interfaces.EventJobCanceled, map[string]interface{}{
			"project_id": projectID,
			"batch_ids":  batchIDs,
			"count":      canceled,
		})
	}

	m.logger.Info().
		Str("project_id", projectID).
		Int("canceled_jobs", canceled).
		Int("reset_batches", reset).
		Msg("Cancel completed")

	return &models.CancelResult{CanceledJobs: canceled, ResetBatches: reset}, nil
}

// RetryJob requeues a failed job with a fresh attempt budget.
func (m *Manager) RetryJob(ctx context.Context, jobID string) error {
	if err := m.store.RetryJob(ctx, jobID); err != nil {
		return err
	}
	m.publish(ctx, interfaces.EventJobQueued, map[string]interface{}{
		"job_id":  jobID,
		"retried": true,
	})
	return nil
}

// RetryAllFailed requeues every failed job of the project.
func (m *Manager) RetryAllFailed(ctx context.Context, projectID string) (int, error) {
	count, err := m.store.RetryFailed(ctx, projectID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		m.logger.Info().Str("project_id", projectID).Int("count", count).Msg("Failed jobs requeued")
	}
	return count, nil
}

// Stats returns job counts by status, optionally scoped to a project.
func (m *Manager) Stats(ctx context.Context, projectID string) (*models.QueueStats, error) {
	return m.store.Stats(ctx, projectID)
}

// Job returns a job by id.
func (m *Manager) Job(ctx context.Context, jobID string) (*models.QueueJob, error) {
	return m.store.GetJob(ctx, jobID)
}

// SetBatchStatus moves batches to a reviewer-selectable status. Only
// pending, review, approved and failed can be requested here; processing
// is owned by the worker.
func (m *Manager) SetBatchStatus(ctx context.Context, batchIDs []string, target models.BatchStatus, now time.Time) (int, error) {
	switch target {
	case models.BatchStatusPending, models.BatchStatusReview, models.BatchStatusApproved, models.BatchStatusFailed:
	default:
		return 0, fmt.Errorf("%w: batches cannot be set to %q", models.ErrInvalidState, target)
	}

	updated := 0
	for _, batchID := range batchIDs {
		if err := m.store.UpdateBatchStatus(ctx, batchID, target, "", now); err != nil {
			return updated, err
		}
		updated++
		m.publish(ctx, interfaces.EventBatchStatus, map[string]interface{}{
			"batch_id": batchID,
			"status":   string(target),
		})
	}
	return updated, nil
}

// DeleteBatches removes batches with their rows and images. Jobs for
// each batch are canceled first so the worker does not lease work for a
// batch that is going away. Missing batches are skipped.
func (m *Manager) DeleteBatches(ctx context.Context, batchIDs []string) (int, error) {
	deleted := 0
	for _, batchID := range batchIDs {
		batch, err := m.batches.GetBatch(ctx, batchID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				m.logger.Debug().Str("batch_id", batchID).Msg("Skipping delete for missing batch")
				continue
			}
			return deleted, err
		}
		if _, _, err := m.store.CancelJobs(ctx, batch.ProjectID, []string{batchID}); err != nil {
			return deleted, err
		}
		if err := m.batches.DeleteBatch(ctx, batchID); err != nil {
			return deleted, err
		}
		deleted++
	}
	if deleted > 0 {
		m.logger.Info().Int("count", deleted).Msg("Batches deleted")
	}
	return deleted, nil
}

func (m *Manager) publish(ctx context.Context, eventType interfaces.EventType, payload map[string]interface{}) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		m.logger.Warn().Err(err).Str("event", string(eventType)).Msg("Failed to publish event")
	}
}

var _ interfaces.QueueManager = (*Manager)(nil)
