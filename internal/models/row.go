package models

import (
	"time"

	"github.com/google/uuid"
)

// RowStatus is the review state of an extraction row.
type RowStatus string

const (
	RowStatusPending  RowStatus = "pending"
	RowStatusReview   RowStatus = "review"
	RowStatusApproved RowStatus = "approved"
	RowStatusDeleted  RowStatus = "deleted"
)

// ExtractionResult is one extracted field: the value the model produced
// for one column, tied back to the source image. Optional parts
// (bounding box, confidence, denormalized row index) are pointers or nil
// slices so presence is explicit.
type ExtractionResult struct {
	ColumnID   string  `json:"column_id"`
	ColumnName string  `json:"column_name,omitempty"`
	Value      *string `json:"value"`
	ImageIndex int     `json:"image_index"`

	// BBox2D holds 4 integers in the project's coordinate format, each
	// clamped to [0, 1000].
	BBox2D     []int    `json:"bbox_2d,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`

	// RowIndex is a denormalized copy of the owning row's index, kept for
	// observability. The row's own field is authoritative.
	RowIndex *int `json:"row_index,omitempty"`

	// Redone is true when this value was produced by a redo job after the
	// row was first created.
	Redone bool `json:"redone,omitempty"`
}

// ExtractionRow is the caller-visible output unit: the grouped
// extractions for one logical item (one transaction, one receipt, one
// line item). Row identity within a batch is (batch_id, row_index) and
// live indices are dense: 0..row_count-1.
type ExtractionRow struct {
	ID        string `json:"id"`
	BatchID   string `json:"batch_id" badgerhold:"index"`
	ProjectID string `json:"project_id" badgerhold:"index"`
	RowIndex  int    `json:"row_index"`

	RowData []ExtractionResult `json:"row_data"`

	Status     RowStatus  `json:"status"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewExtractionRow creates a review-status row at the given index.
func NewExtractionRow(batchID, projectID string, rowIndex int, data []ExtractionResult) *ExtractionRow {
	now := time.Now().UTC()
	return &ExtractionRow{
		ID:        uuid.New().String(),
		BatchID:   batchID,
		ProjectID: projectID,
		RowIndex:  rowIndex,
		RowData:   data,
		Status:    RowStatusReview,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// FieldByColumn returns the index in RowData of the result matching the
// column id, falling back to a case-sensitive column-name match, or -1.
func (r *ExtractionRow) FieldByColumn(columnID, columnName string) int {
	for i := range r.RowData {
		if r.RowData[i].ColumnID == columnID {
			return i
		}
	}
	if columnName == "" {
		return -1
	}
	for i := range r.RowData {
		if r.RowData[i].ColumnName == columnName {
			return i
		}
	}
	return -1
}

// StringValue returns the dereferenced value or "" for null.
func (e *ExtractionResult) StringValue() string {
	if e.Value == nil {
		return ""
	}
	return *e.Value
}
