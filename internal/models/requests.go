package models

// RedoRequest carries the parameters of a single-row field redo.
// CroppedImageIDs must cover every column in RedoColumnIDs.
type RedoRequest struct {
	BatchID         string            `json:"batch_id" validate:"required"`
	ProjectID       string            `json:"project_id" validate:"required"`
	RowIndex        int               `json:"row_index" validate:"gte=0"`
	RedoColumnIDs   []string          `json:"redo_column_ids" validate:"required,min=1,dive,required"`
	CroppedImageIDs map[string]string `json:"cropped_image_ids" validate:"required"`
	SourceImageIDs  map[string]string `json:"source_image_ids,omitempty"`
	Priority        int               `json:"priority,omitempty"`
}

// Validate checks the redo-specific coverage invariant on top of the
// field-level tags.
func (r *RedoRequest) Validate() error {
	probe := QueueJob{
		Type:      JobTypeProcessRedo,
		ProjectID: r.ProjectID,
		Payload: JobPayload{
			BatchID:         r.BatchID,
			RowIndex:        r.RowIndex,
			RedoColumnIDs:   r.RedoColumnIDs,
			CroppedImageIDs: r.CroppedImageIDs,
			SourceImageIDs:  r.SourceImageIDs,
		},
	}
	return probe.Validate()
}
