package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tabula/internal/interfaces"
	"github.com/ternarybob/tabula/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// BatchStorage implements the BatchStorage interface for Badger
type BatchStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewBatchStorage creates a new BatchStorage instance
func NewBatchStorage(db *BadgerDB, logger arbor.ILogger) interfaces.BatchStorage {
	return &BatchStorage{
		db:     db,
		logger: logger,
	}
}

func (s *BatchStorage) SaveBatch(ctx context.Context, batch *models.ImageBatch) error {
	now := time.Now().UTC()
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = now
	}
	batch.UpdatedAt = now

	if err := s.db.Store().Upsert(batch.ID, *batch); err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}

	s.logger.Trace().
		Str("batch_id", batch.ID).
		Str("project_id", batch.ProjectID).
		Str("status", string(batch.Status)).
		Msg("Batch saved")
	return nil
}

func (s *BatchStorage) GetBatch(ctx context.Context, id string) (*models.ImageBatch, error) {
	var batch models.ImageBatch
	if err := s.db.Store().Get(id, &batch); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("%w: batch %s", models.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &batch, nil
}

func (s *BatchStorage) ListBatches(ctx context.Context, projectID string) ([]*models.ImageBatch, error) {
	var batches []models.ImageBatch
	if err := s.db.Store().Find(&batches, badgerhold.Where("ProjectID").Eq(projectID)); err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	// Oldest first so the UI shows upload order
	sort.Slice(batches, func(i, j int) bool {
		if batches[i].CreatedAt.Equal(batches[j].CreatedAt) {
			return batches[i].ID < batches[j].ID
		}
		return batches[i].CreatedAt.Before(batches[j].CreatedAt)
	})

	result := make([]*models.ImageBatch, len(batches))
	for i := range batches {
		result[i] = &batches[i]
	}
	return result, nil
}

// DeleteBatch removes the batch with its rows and images in one
// transaction.
func (s *BatchStorage) DeleteBatch(ctx context.Context, id string) error {
	store := s.db.Store()

	err := store.Badger().Update(func(txn *badgerdb.Txn) error {
		var batch models.ImageBatch
		if err := store.TxGet(txn, id, &batch); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("%w: batch %s", models.ErrNotFound, id)
			}
			return err
		}
		return deleteBatchTx(store, txn, id)
	})
	if err != nil {
		return wrapStore("delete batch", err)
	}

	s.logger.Debug().Str("batch_id", id).Msg("Batch deleted")
	return nil
}

// deleteBatchTx removes a batch's rows, images, and the batch record
// inside an already-open transaction.
func deleteBatchTx(store *badgerhold.Store, txn *badgerdb.Txn, batchID string) error {
	if err := store.TxDeleteMatching(txn, &models.ExtractionRow{}, badgerhold.Where("BatchID").Eq(batchID)); err != nil {
		return err
	}
	if err := store.TxDeleteMatching(txn, &models.Image{}, badgerhold.Where("BatchID").Eq(batchID)); err != nil {
		return err
	}
	if err := store.TxDelete(txn, batchID, &models.ImageBatch{}); err != nil && err != badgerhold.ErrNotFound {
		return err
	}
	return nil
}
