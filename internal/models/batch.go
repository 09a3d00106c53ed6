package models

import (
	"time"

	"github.com/google/uuid"
)

// BatchStatus is the lifecycle state of an image batch.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusReview     BatchStatus = "review"
	BatchStatusApproved   BatchStatus = "approved"
	BatchStatusFailed     BatchStatus = "failed"
)

// IsValid reports whether the status is a known batch state.
func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusPending, BatchStatusProcessing, BatchStatusReview,
		BatchStatusApproved, BatchStatusFailed:
		return true
	}
	return false
}

// ImageBatch groups the images submitted together for one extraction
// call. Created pending by the upload path, moved to processing when a
// job leases it, review on success, then approved or failed by the
// caller. A batch returned to pending is being reprocessed.
type ImageBatch struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"project_id" badgerhold:"index"`
	Name      string      `json:"name,omitempty"`
	Status    BatchStatus `json:"status" badgerhold:"index"`

	// RowCount and ProcessedData are populated after a successful
	// extraction. ProcessedData mirrors each persisted row's results;
	// the extraction rows remain authoritative.
	RowCount      int                  `json:"row_count"`
	ProcessedData [][]ExtractionResult `json:"processed_data,omitempty"`

	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewImageBatch creates a pending batch for a project.
func NewImageBatch(projectID, name string) *ImageBatch {
	now := time.Now().UTC()
	return &ImageBatch{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Name:      name,
		Status:    BatchStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
