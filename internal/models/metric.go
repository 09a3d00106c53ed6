package models

import (
	"time"

	"github.com/google/uuid"
)

// MetricStatus is the terminal outcome a metric records.
type MetricStatus string

const (
	MetricStatusSuccess MetricStatus = "success"
	MetricStatusFailed  MetricStatus = "failed"
)

// ProcessingMetric is one observability record per terminal job outcome.
// Written best-effort: a failed metric write never fails the job.
type ProcessingMetric struct {
	ID      string       `json:"id"`
	JobType JobType      `json:"job_type"`
	Status  MetricStatus `json:"status"`

	DurationMS      int64 `json:"duration_ms"`
	ImageCount      int   `json:"image_count"`
	ExtractionCount int   `json:"extraction_count"`

	Model      string `json:"model,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`

	BatchID   string    `json:"batch_id"`
	ProjectID string    `json:"project_id" badgerhold:"index"`
	CreatedAt time.Time `json:"created_at"`
}

// NewProcessingMetric stamps a metric record for a finished job.
func NewProcessingMetric(jobType JobType, status MetricStatus, batchID, projectID string) *ProcessingMetric {
	return &ProcessingMetric{
		ID:        uuid.New().String(),
		JobType:   jobType,
		Status:    status,
		BatchID:   batchID,
		ProjectID: projectID,
		CreatedAt: time.Now().UTC(),
	}
}
