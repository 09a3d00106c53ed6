package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tabula/internal/interfaces"
	"github.com/ternarybob/tabula/internal/models"
)

type stubMetricStore struct {
	saved    []*models.ProcessingMetric
	saveErr  error
	pruned   int
	pruneErr error
	cutoff   time.Time
}

func (s *stubMetricStore) SaveMetric(ctx context.Context, metric *models.ProcessingMetric) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, metric)
	return nil
}

func (s *stubMetricStore) ListMetrics(ctx context.Context, projectID string, limit int) ([]*models.ProcessingMetric, error) {
	return s.saved, nil
}

func (s *stubMetricStore) PruneMetrics(ctx context.Context, cutoff time.Time) (int, error) {
	s.cutoff = cutoff
	return s.pruned, s.pruneErr
}

var _ interfaces.MetricStorage = (*stubMetricStore)(nil)

func TestRecorderPersistsMetric(t *testing.T) {
	store := &stubMetricStore{}
	recorder := NewRecorder(store, arbor.NewLogger())

	metric := models.NewProcessingMetric(models.JobTypeProcessBatch, models.MetricStatusSuccess, "batch-1", "project-1")
	metric.DurationMS = 1200
	metric.TokensUsed = 150
	recorder.Record(context.Background(), metric)

	if len(store.saved) != 1 {
		t.Fatalf("Expected 1 saved metric, got %d", len(store.saved))
	}
	if store.saved[0].TokensUsed != 150 {
		t.Errorf("Expected 150 tokens on saved metric, got %d", store.saved[0].TokensUsed)
	}
}

func TestRecorderSwallowsWriteFailure(t *testing.T) {
	store := &stubMetricStore{saveErr: errors.New("disk full")}
	recorder := NewRecorder(store, arbor.NewLogger())

	metric := models.NewProcessingMetric(models.JobTypeProcessRedo, models.MetricStatusFailed, "batch-1", "project-1")
	recorder.Record(context.Background(), metric)
	recorder.Record(context.Background(), nil)

	if len(store.saved) != 0 {
		t.Errorf("Expected no saved metrics, got %d", len(store.saved))
	}
}

func TestRecorderPruneUsesRetentionCutoff(t *testing.T) {
	store := &stubMetricStore{pruned: 7}
	recorder := NewRecorder(store, arbor.NewLogger())

	pruned, err := recorder.PruneOlderThan(context.Background(), 30)
	if err != nil {
		t.Fatalf("PruneOlderThan failed: %v", err)
	}
	if pruned != 7 {
		t.Errorf("Expected 7 pruned, got %d", pruned)
	}

	want := time.Now().UTC().AddDate(0, 0, -30)
	if diff := store.cutoff.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Errorf("Expected cutoff near %v, got %v", want, store.cutoff)
	}

	store.pruneErr = errors.New("store offline")
	if _, err := recorder.PruneOlderThan(context.Background(), 30); err == nil {
		t.Error("Expected prune error to propagate, got nil")
	}
}
