// -----------------------------------------------------------------------
// Queue Job - Durable unit of scheduled extraction work
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobType classifies what a queue job does.
type JobType string

const (
	// JobTypeProcessBatch is a full-batch extraction.
	JobTypeProcessBatch JobType = "process_batch"
	// JobTypeReprocessBatch re-runs a full extraction over a batch that
	// was returned to pending. Pipeline behavior is identical to
	// process_batch; the type records intent.
	JobTypeReprocessBatch JobType = "reprocess_batch"
	// JobTypeProcessRedo re-extracts selected columns of one row from
	// cropped sub-images.
	JobTypeProcessRedo JobType = "process_redo"
)

// IsValid reports whether the job type is known.
func (t JobType) IsValid() bool {
	switch t {
	case JobTypeProcessBatch, JobTypeReprocessBatch, JobTypeProcessRedo:
		return true
	}
	return false
}

// JobStatus is the queue lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusCanceled   JobStatus = "canceled"
)

// IsTerminal reports whether the status is final.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCanceled
}

// Default priorities. Lower runs earlier; redos are more urgent than
// full batches so a reviewer's fix-ups jump the queue.
const (
	PriorityBatch = 10
	PriorityRedo  = 5
)

// DefaultMaxAttempts caps total attempts per job unless configured
// otherwise.
const DefaultMaxAttempts = 3

// JobPayload carries the type-specific parameters of a job. BatchID is
// set for every type; the remaining fields are redo-only.
type JobPayload struct {
	BatchID string `json:"batch_id"`

	// Redo parameters.
	RowIndex      int      `json:"row_index,omitempty"`
	RedoColumnIDs []string `json:"redo_column_ids,omitempty"`
	// CroppedImageIDs maps column id -> id of the cropped image to read.
	CroppedImageIDs map[string]string `json:"cropped_image_ids,omitempty"`
	// SourceImageIDs optionally maps column id -> original image id, for
	// coordinate remapping context.
	SourceImageIDs map[string]string `json:"source_image_ids,omitempty"`
}

// QueueJob is the persisted unit of scheduled work. Records are
// self-describing: a restart reconstructs the whole queue from the
// store, no in-memory index is authoritative.
type QueueJob struct {
	ID     string    `json:"id"`
	Type   JobType   `json:"type"`
	Status JobStatus `json:"status" badgerhold:"index"`

	// Priority orders leasing: lower leases earlier, ties broken by
	// created_at then id.
	Priority  int    `json:"priority"`
	ProjectID string `json:"project_id" badgerhold:"index"`

	Payload JobPayload `json:"payload"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// RetryAt is set while status is retrying; the job returns to queued
	// once it passes.
	RetryAt *time.Time `json:"retry_at,omitempty"`

	Error string `json:"error,omitempty"`
}

// NewQueueJob creates a queued job with zero attempts.
func NewQueueJob(jobType JobType, projectID string, payload JobPayload, priority int) *QueueJob {
	return &QueueJob{
		ID:          uuid.New().String(),
		Type:        jobType,
		Status:      JobStatusQueued,
		Priority:    priority,
		ProjectID:   projectID,
		Payload:     payload,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   time.Now().UTC(),
	}
}

// Validate checks the job's structural invariants.
func (j *QueueJob) Validate() error {
	if !j.Type.IsValid() {
		return fmt.Errorf("unknown job type %q", j.Type)
	}
	if j.ProjectID == "" {
		return fmt.Errorf("job project_id is required")
	}
	if j.Payload.BatchID == "" {
		return fmt.Errorf("job payload batch_id is required")
	}
	if j.Type == JobTypeProcessRedo {
		if len(j.Payload.RedoColumnIDs) == 0 {
			return fmt.Errorf("redo job requires at least one column id")
		}
		for _, columnID := range j.Payload.RedoColumnIDs {
			if _, ok := j.Payload.CroppedImageIDs[columnID]; !ok {
				return fmt.Errorf("redo job missing cropped image for column %q", columnID)
			}
		}
	}
	return nil
}

// MarkStarted transitions to processing and stamps started_at.
func (j *QueueJob) MarkStarted(now time.Time) {
	j.Status = JobStatusProcessing
	j.StartedAt = &now
}

// MarkCompleted transitions to completed and stamps completed_at.
func (j *QueueJob) MarkCompleted(now time.Time) {
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
}

// MarkRetrying schedules the next attempt after delay. started_at is
// cleared so the job carries no stale lease.
func (j *QueueJob) MarkRetrying(errText string, delay time.Duration, now time.Time) {
	retryAt := now.Add(delay)
	j.Status = JobStatusRetrying
	j.Attempts++
	j.StartedAt = nil
	j.RetryAt = &retryAt
	j.Error = errText
}

// MarkFailed transitions to failed terminally.
func (j *QueueJob) MarkFailed(errText string, now time.Time) {
	j.Status = JobStatusFailed
	j.Attempts++
	j.CompletedAt = &now
	j.Error = errText
}

// MarkCanceled transitions to canceled.
func (j *QueueJob) MarkCanceled(now time.Time) {
	j.Status = JobStatusCanceled
	j.CompletedAt = &now
}

// QueueStats is a point-in-time count of jobs by status.
type QueueStats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Retrying   int `json:"retrying"`
	Canceled   int `json:"canceled"`
	Total      int `json:"total"`
}

// CancelResult reports what a cancel call touched.
type CancelResult struct {
	CanceledJobs int `json:"canceled_jobs"`
	ResetBatches int `json:"reset_batches"`
}
