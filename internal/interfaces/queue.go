// -----------------------------------------------------------------------
// Queue Interfaces - Durable job queue and its public surface
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/tabula/internal/models"
)

// QueueStorage is the single point of durable mutation for jobs, batches
// and rows. Every operation is one transaction: callers never observe a
// half-applied state.
type QueueStorage interface {
	// CreateJob persists a prepared job in queued status.
	CreateJob(ctx context.Context, job *models.QueueJob) error

	GetJob(ctx context.Context, id string) (*models.QueueJob, error)
	ListJobs(ctx context.Context, projectID string, statuses ...models.JobStatus) ([]*models.QueueJob, error)

	// LeaseNext claims the next queued job ordered by (priority asc,
	// created_at asc, id asc), transitioning it to processing with
	// started_at = now. Returns nil, nil when nothing is eligible.
	LeaseNext(ctx context.Context, now time.Time) (*models.QueueJob, error)

	// RequeueRetrying returns every retrying job whose retry_at has
	// passed to queued.
	RequeueRetrying(ctx context.Context, now time.Time) (int, error)

	// CompleteJob transitions processing -> completed. Idempotent on
	// already-completed jobs; completing a canceled job is an
	// invalid-state error.
	CompleteJob(ctx context.Context, id string, now time.Time) error

	// FailJob either schedules a retry (retriable and attempts remain) or
	// fails the job terminally. Returns true when the failure was final.
	FailJob(ctx context.Context, id, errText string, retriable bool, now time.Time) (bool, error)

	// CancelJobs cancels all queued, processing and retrying jobs of the
	// project, optionally restricted to the given batch ids. Terminal
	// jobs are untouched. Returns the count and the distinct batch ids
	// the canceled jobs referenced.
	CancelJobs(ctx context.Context, projectID string, batchIDs []string) (int, []string, error)

	// RetryJob moves one failed job back to queued with attempts reset.
	RetryJob(ctx context.Context, id string) error
	// RetryFailed moves every failed job of the project back to queued.
	RetryFailed(ctx context.Context, projectID string) (int, error)

	Stats(ctx context.Context, projectID string) (*models.QueueStats, error)
	ActiveJobExistsForBatch(ctx context.Context, batchID string) (bool, error)

	// ResetStaleBatches returns every processing batch with no active job
	// to pending, clearing its error. Must complete before the worker
	// first leases.
	ResetStaleBatches(ctx context.Context, now time.Time) (int, error)

	// ReclaimOrphanJobs cancels every processing job. Only safe while no
	// pipeline is in flight, i.e. during startup reconciliation before
	// the first lease.
	ReclaimOrphanJobs(ctx context.Context, now time.Time) (int, error)

	// UpdateBatchStatus applies the batch/row coupling rules: approved
	// promotes review rows, failed soft-deletes unapproved review rows,
	// pending hard-deletes rows and clears derived batch fields. errText
	// is recorded on failed targets and cleared otherwise.
	UpdateBatchStatus(ctx context.Context, batchID string, target models.BatchStatus, errText string, now time.Time) error

	// PersistRows upserts the full row set of a batch (identity is
	// (batch_id, row_index)), marks rows review, and updates the batch's
	// row_count, processed_data and status in the same transaction.
	PersistRows(ctx context.Context, batchID, projectID string, rows []*models.ExtractionRow) error

	// MergeRowFields overwrites matching fields of one row (column id
	// match, column name fallback), stamping redone on each update and
	// preserving everything else. Never creates new columns.
	MergeRowFields(ctx context.Context, batchID string, rowIndex int, updates []models.ExtractionResult) (*models.ExtractionRow, error)
}

// QueueManager is the public enqueue/cancel/retry surface consumed by
// the HTTP adapter.
type QueueManager interface {
	// EnqueueBatch schedules a full-batch extraction. Enqueue is
	// additive: no dedup against prior jobs for the same batch. Callers
	// wanting replacement semantics cancel first.
	EnqueueBatch(ctx context.Context, batchID, projectID string, priority int) (string, error)

	// EnqueueBatches schedules one job per batch id. On mid-group
	// failure, already-created jobs stay; the failing index is reported
	// alongside the created ids.
	EnqueueBatches(ctx context.Context, batchIDs []string, projectID string, priority int) ([]string, int, error)

	// EnqueueReprocess schedules a reprocess run for a batch returned to
	// pending.
	EnqueueReprocess(ctx context.Context, batchID, projectID string, priority int) (string, error)

	// EnqueueRedo schedules a single-row field redo from cropped images.
	EnqueueRedo(ctx context.Context, req *models.RedoRequest) (string, error)

	// Cancel cancels the project's active jobs (optionally restricted to
	// batches) and flips affected pending/processing batches to failed.
	Cancel(ctx context.Context, projectID string, batchIDs []string) (*models.CancelResult, error)

	// RetryJob moves one failed job back to queued.
	RetryJob(ctx context.Context, jobID string) error
	// RetryAllFailed moves every failed job of a project back to queued.
	RetryAllFailed(ctx context.Context, projectID string) (int, error)

	Stats(ctx context.Context, projectID string) (*models.QueueStats, error)
	Job(ctx context.Context, jobID string) (*models.QueueJob, error)

	// SetBatchStatus applies a caller-requested batch transition with the
	// row-sync rules, per batch; returns the number updated.
	SetBatchStatus(ctx context.Context, batchIDs []string, target models.BatchStatus, now time.Time) (int, error)

	// DeleteBatches removes batches with their rows and images.
	DeleteBatches(ctx context.Context, batchIDs []string) (int, error)
}

// RequestPool gates outbound LLM calls per project: a sliding
// one-minute window of call starts capped at requests_per_minute, plus
// an in-flight concurrency cap. Waiters are admitted in arrival order
// and wait without deadline; only context cancellation releases them.
type RequestPool interface {
	// Configure sets a project's limits. Takes effect from the next
	// admission decision; running calls are unaffected.
	Configure(projectID string, requestsPerMinute, maxConcurrency int)

	// Execute admits fn under the project's limits and runs it. The
	// window records the call start and is never credited back on
	// completion. A waiter canceled while queued leaves no trace.
	Execute(ctx context.Context, projectID string, fn func(ctx context.Context) error) error
}

// WorkerState is the lifecycle state of the worker runtime.
type WorkerState string

const (
	WorkerStopped  WorkerState = "stopped"
	WorkerStarting WorkerState = "starting"
	WorkerRunning  WorkerState = "running"
	WorkerDraining WorkerState = "draining"
)

// Worker is the singleton lease-and-dispatch runtime.
type Worker interface {
	// Start reconciles stale batches, then begins the poll loop.
	Start(ctx context.Context) error
	// Stop drains: no new leases; running pipelines may finish within the
	// drain timeout.
	Stop() error
	State() WorkerState
}
