// Package metrics records per-job processing metrics and prunes them
// on a retention schedule.
package metrics

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tabula/internal/interfaces"
	"github.com/ternarybob/tabula/internal/models"
)

// Recorder writes one ProcessingMetric per terminal job outcome.
// Writes are best-effort: a failure is logged and never propagated, so
// an observability hiccup cannot fail a job.
type Recorder struct {
	store  interfaces.MetricStorage
	logger arbor.ILogger
}

// NewRecorder creates a metric recorder over the given store.
func NewRecorder(store interfaces.MetricStorage, logger arbor.ILogger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger,
	}
}

// Record persists the metric. Errors are logged, not returned.
func (r *Recorder) Record(ctx context.Context, metric *models.ProcessingMetric) {
	if metric == nil {
		return
	}
	if err := r.store.SaveMetric(ctx, metric); err != nil {
		r.logger.Warn().
			Err(err).
			Str("job_type", string(metric.JobType)).
			Str("batch_id", metric.BatchID).
			Msg("Failed to save processing metric")
		return
	}
	r.logger.Debug().
		Str("job_type", string(metric.JobType)).
		Str("status", string(metric.Status)).
		Int64("duration_ms", metric.DurationMS).
		Msg("Processing metric recorded")
}

// PruneOlderThan deletes metrics older than the retention window and
// returns how many were removed.
func (r *Recorder) PruneOlderThan(ctx context.Context, retentionDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	pruned, err := r.store.PruneMetrics(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		r.logger.Info().
			Int("pruned", pruned).
			Int("retention_days", retentionDays).
			Msg("Pruned processing metrics")
	}
	return pruned, nil
}
