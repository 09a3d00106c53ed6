package badger

import (
	"context"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tabula/internal/interfaces"
	"github.com/ternarybob/tabula/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// RowStorage implements the read-only RowStorage interface for Badger.
// Writes go through QueueStorage so row transitions stay coupled to
// their batch.
type RowStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewRowStorage creates a new RowStorage instance
func NewRowStorage(db *BadgerDB, logger arbor.ILogger) interfaces.RowStorage {
	return &RowStorage{
		db:     db,
		logger: logger,
	}
}

func (s *RowStorage) GetRow(ctx context.Context, batchID string, rowIndex int) (*models.ExtractionRow, error) {
	var rows []models.ExtractionRow
	if err := s.db.Store().Find(&rows, badgerhold.Where("BatchID").Eq(batchID)); err != nil {
		return nil, fmt.Errorf("failed to get row: %w", err)
	}
	for i := range rows {
		if rows[i].RowIndex == rowIndex {
			return &rows[i], nil
		}
	}
	return nil, fmt.Errorf("%w: row %d of batch %s", models.ErrNotFound, rowIndex, batchID)
}

func (s *RowStorage) ListRows(ctx context.Context, batchID string, includeDeleted bool) ([]*models.ExtractionRow, error) {
	var rows []models.ExtractionRow
	if err := s.db.Store().Find(&rows, badgerhold.Where("BatchID").Eq(batchID)); err != nil {
		return nil, fmt.Errorf("failed to list rows: %w", err)
	}

	var result []*models.ExtractionRow
	for i := range rows {
		if !includeDeleted && rows[i].Status == models.RowStatusDeleted {
			continue
		}
		result = append(result, &rows[i])
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].RowIndex < result[j].RowIndex
	})
	return result, nil
}
