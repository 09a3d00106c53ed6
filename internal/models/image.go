package models

import (
	"time"

	"github.com/google/uuid"
)

// Image is a single visual input: one page or photo within a batch, or a
// cropped sub-image registered for a redo. The blob is opaque to the
// queue; only the LLM message builder reads it.
type Image struct {
	ID       string `json:"id"`
	BatchID  string `json:"batch_id" badgerhold:"index"`
	Position int    `json:"position"`

	Data     []byte `json:"data,omitempty"`
	MimeType string `json:"mime_type"`

	// Crop lineage. ParentImageID, ColumnID and BBoxUsed are set only on
	// cropped sub-images created for redo runs.
	ParentImageID string `json:"parent_image_id,omitempty"`
	ColumnID      string `json:"column_id,omitempty"`
	BBoxUsed      []int  `json:"bbox_used,omitempty"`
	IsCropped     bool   `json:"is_cropped"`

	// OCRText is the rendered text reference for this image; may be
	// empty. Populated by the upload path or the PDF rasterizer.
	OCRText string `json:"ocr_text,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewImage creates a positioned batch image.
func NewImage(batchID string, position int, data []byte, mimeType, ocrText string) *Image {
	return &Image{
		ID:        uuid.New().String(),
		BatchID:   batchID,
		Position:  position,
		Data:      data,
		MimeType:  mimeType,
		OCRText:   ocrText,
		CreatedAt: time.Now().UTC(),
	}
}

// NewCroppedImage creates a crop of parentID covering bbox for one
// column, to be used by a redo job.
func NewCroppedImage(batchID, parentID, columnID string, bbox []int, data []byte, mimeType string) *Image {
	return &Image{
		ID:            uuid.New().String(),
		BatchID:       batchID,
		ParentImageID: parentID,
		ColumnID:      columnID,
		BBoxUsed:      bbox,
		IsCropped:     true,
		Data:          data,
		MimeType:      mimeType,
		CreatedAt:     time.Now().UTC(),
	}
}
