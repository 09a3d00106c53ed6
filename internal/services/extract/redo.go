// -----------------------------------------------------------------------
// Redo Pipeline - Re-extracts chosen columns of one row from crops
// -----------------------------------------------------------------------

package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/tabula/internal/interfaces"
	"github.com/ternarybob/tabula/internal/models"
	"github.com/ternarybob/tabula/internal/queue"
)

// ProcessRedo re-extracts the requested columns of one row from their
// cropped images and merges the new values back into the row. A redo
// never touches the batch's status or the row's review state.
func (p *Pipeline) ProcessRedo(ctx context.Context, job *models.QueueJob) (*queue.JobResult, error) {
	payload := job.Payload

	project, _, err := p.loadBatchInputs(ctx, job.ProjectID, payload.BatchID)
	if err != nil {
		return nil, err
	}

	columns := make([]models.ColumnDefinition, 0, len(payload.RedoColumnIDs))
	for _, columnID := range payload.RedoColumnIDs {
		col := project.ColumnByID(columnID)
		if col == nil {
			return nil, fmt.Errorf("%w: redo column %q is not in the project schema", models.ErrInvalidBatch, columnID)
		}
		columns = append(columns, *col)
	}

	row, err := p.storage.RowStorage().GetRow(ctx, payload.BatchID, payload.RowIndex)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: row %d of batch %s not found", models.ErrInvalidBatch, payload.RowIndex, payload.BatchID)
		}
		return nil, fmt.Errorf("%w: load row: %v", models.ErrStore, err)
	}

	crops, err := p.loadCrops(ctx, columns, payload.CroppedImageIDs)
	if err != nil {
		return nil, err
	}

	p.configurePool(project)

	prompt := BuildRedoPrompt(project, row, columns, payload.RowIndex)
	messages := buildRedoMessages(crops, prompt)

	chat, err := p.call(ctx, project, messages)
	if err != nil {
		return nil, err
	}

	parsed, err := Parse(project, chat.Content)
	if err != nil {
		return nil, err
	}

	// Only the requested columns merge back; anything else the model
	// volunteered is dropped. A requested column absent from the
	// response stays unchanged and unflagged.
	redoSet := make(map[string]bool, len(payload.RedoColumnIDs))
	for _, id := range payload.RedoColumnIDs {
		redoSet[id] = true
	}
	updates := make([]models.ExtractionResult, 0, len(parsed))
	for _, result := range parsed {
		if !redoSet[result.ColumnID] {
			continue
		}
		updates = append(updates, result)
	}

	if err := p.checkJobLive(ctx, job.ID); err != nil {
		return nil, err
	}

	if len(updates) > 0 {
		if _, err := p.storage.QueueStorage().MergeRowFields(ctx, payload.BatchID, payload.RowIndex, updates); err != nil {
			return nil, err
		}
	}

	p.logger.Info().
		Str("batch_id", payload.BatchID).
		Int("row_index", payload.RowIndex).
		Int("requested", len(columns)).
		Int("updated", len(updates)).
		Msg("Row redo complete")

	return &queue.JobResult{
		ImageCount:      len(crops),
		ExtractionCount: len(updates),
		Model:           p.resolveModel(project),
		TokensUsed:      chat.Usage.TotalTokens,
	}, nil
}

// loadCrops loads one cropped image per redo column, in redo-column
// order. Enqueue validation guarantees the map covers every column;
// the images themselves still have to exist.
func (p *Pipeline) loadCrops(ctx context.Context, columns []models.ColumnDefinition, croppedImageIDs map[string]string) ([]*models.Image, error) {
	crops := make([]*models.Image, 0, len(columns))
	for _, col := range columns {
		imageID := croppedImageIDs[col.ID]
		img, err := p.storage.ImageStorage().GetImage(ctx, imageID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil, fmt.Errorf("%w: cropped image %s for column %q not found", models.ErrInvalidBatch, imageID, col.ID)
			}
			return nil, fmt.Errorf("%w: load cropped image: %v", models.ErrStore, err)
		}
		crops = append(crops, img)
	}
	return crops, nil
}

// buildRedoMessages assembles the single user message for a redo: the
// crop images in redo-column order, then the prompt text. Crops carry
// no OCR reference.
func buildRedoMessages(crops []*models.Image, prompt string) []interfaces.ChatMessage {
	parts := make([]interfaces.ChatContentPart, 0, len(crops)+1)
	for _, img := range crops {
		parts = append(parts, imagePart(img))
	}
	parts = append(parts, interfaces.ChatContentPart{Type: "text", Text: prompt})
	return []interfaces.ChatMessage{{Role: "user", Content: parts}}
}
