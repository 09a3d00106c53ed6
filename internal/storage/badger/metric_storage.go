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

// MetricStorage implements the MetricStorage interface for Badger
type MetricStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewMetricStorage creates a new MetricStorage instance
func NewMetricStorage(db *BadgerDB, logger arbor.ILogger) interfaces.MetricStorage {
	return &MetricStorage{
		db:     db,
		logger: logger,
	}
}

func (s *MetricStorage) SaveMetric(ctx context.Context, metric *models.ProcessingMetric) error {
	if metric.CreatedAt.IsZero() {
		metric.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Store().Upsert(metric.ID, *metric); err != nil {
		return fmt.Errorf("failed to save metric: %w", err)
	}
	return nil
}

func (s *MetricStorage) ListMetrics(ctx context.Context, projectID string, limit int) ([]*models.ProcessingMetric, error) {
	var metrics []models.ProcessingMetric
	var err error
	if projectID != "" {
		err = s.db.Store().Find(&metrics, badgerhold.Where("ProjectID").Eq(projectID))
	} else {
		err = s.db.Store().Find(&metrics, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}

	sort.Slice(metrics, func(i, j int) bool {
		return metrics[i].CreatedAt.After(metrics[j].CreatedAt)
	})

	if limit > 0 && len(metrics) > limit {
		metrics = metrics[:limit]
	}

	result := make([]*models.ProcessingMetric, len(metrics))
	for i := range metrics {
		result[i] = &metrics[i]
	}
	return result, nil
}

// PruneMetrics deletes metric records created before the cutoff.
func (s *MetricStorage) PruneMetrics(ctx context.Context, cutoff time.Time) (int, error) {
	store := s.db.Store()
	count := 0

	err := store.Badger().Update(func(txn *badgerdb.Txn) error {
		count = 0

		var metrics []models.ProcessingMetric
		if err := store.TxFind(txn, &metrics, badgerhold.Where("CreatedAt").Lt(cutoff)); err != nil {
			return err
		}
		for i := range metrics {
			if err := store.TxDelete(txn, metrics[i].ID, &models.ProcessingMetric{}); err != nil && err != badgerhold.ErrNotFound {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune metrics: %w", err)
	}

	if count > 0 {
		s.logger.Debug().Int("count", count).Msg("Old metrics pruned")
	}
	return count, nil
}
