// -----------------------------------------------------------------------
// Queue Storage - Durable job queue, batch/row synchronization
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tabula/internal/interfaces"
	"github.com/ternarybob/tabula/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// readyPrefix namespaces the raw lease index. Entries exist only for
// queued jobs; key order is the lease order.
const readyPrefix = "jobs:ready:"

// QueueStorage implements the QueueStorage interface for Badger.
// Job entities live in badgerhold; a raw composite-key index
// (priority, created_at, id) makes LeaseNext a single ordered scan.
type QueueStorage struct {
	db         *BadgerDB
	retryDelay time.Duration
	logger     arbor.ILogger
}

// NewQueueStorage creates a new QueueStorage instance
func NewQueueStorage(db *BadgerDB, retryDelay time.Duration, logger arbor.ILogger) interfaces.QueueStorage {
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	return &QueueStorage{
		db:         db,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// update runs fn in one Badger transaction, retrying commit conflicts
// with exponential backoff. Non-conflict errors abort immediately.
func (s *QueueStorage) update(ctx context.Context, fn func(txn *badgerdb.Txn) error) error {
	operation := func() error {
		err := s.db.Store().Badger().Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

// wrapStore passes model error kinds through untouched and folds
// everything else into the retriable store error.
func wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrInvalidState) ||
		errors.Is(err, models.ErrInvalidBatch) ||
		errors.Is(err, models.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", models.ErrStore, op, err)
}

func readyKey(priority int, created time.Time, id string) []byte {
	if priority < 0 {
		priority = 0
	}
	if priority > 999 {
		priority = 999
	}
	// Zero padding keeps lexicographic order equal to numeric order
	return []byte(fmt.Sprintf("%s%03d:%020d:%s", readyPrefix, priority, created.UnixNano(), id))
}

func jobIDFromReadyKey(key []byte) (string, error) {
	suffix := string(key[len(readyPrefix):])
	// Suffix is "{3-digit-priority}:{20-digit-ts}:{id}"
	if len(suffix) < 26 {
		return "", fmt.Errorf("invalid ready key %q", key)
	}
	return suffix[25:], nil
}

// CreateJob persists a prepared job in queued status and indexes it for
// leasing.
func (s *QueueStorage) CreateJob(ctx context.Context, job *models.QueueJob) error {
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		if err := s.db.Store().TxInsert(txn, job.ID, *job); err != nil {
			return err
		}
		return txn.Set(readyKey(job.Priority, job.CreatedAt, job.ID), []byte(job.ID))
	})
	if err != nil {
		return wrapStore("create job", err)
	}

	s.logger.Debug().
		Str("job_id", job.ID).
		Str("type", string(job.Type)).
		Str("batch_id", job.Payload.BatchID).
		Int("priority", job.Priority).
		Msg("Job created")
	return nil
}

func (s *QueueStorage) GetJob(ctx context.Context, id string) (*models.QueueJob, error) {
	var job models.QueueJob
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("%w: job %s", models.ErrNotFound, id)
		}
		return nil, wrapStore("get job", err)
	}
	return &job, nil
}

func (s *QueueStorage) ListJobs(ctx context.Context, projectID string, statuses ...models.JobStatus) ([]*models.QueueJob, error) {
	var jobs []models.QueueJob
	var err error
	if projectID != "" {
		err = s.db.Store().Find(&jobs, badgerhold.Where("ProjectID").Eq(projectID))
	} else {
		err = s.db.Store().Find(&jobs, nil)
	}
	if err != nil {
		return nil, wrapStore("list jobs", err)
	}

	wanted := make(map[models.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	var result []*models.QueueJob
	for i := range jobs {
		if len(wanted) > 0 && !wanted[jobs[i].Status] {
			continue
		}
		result = append(result, &jobs[i])
	}

	// Newest first for list surfaces
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// LeaseNext claims the first entry of the ready index: (priority asc,
// created_at asc, id asc). The scan, the status compare-and-set and the
// index removal commit in one transaction, so concurrent workers can
// never lease the same job.
func (s *QueueStorage) LeaseNext(ctx context.Context, now time.Time) (*models.QueueJob, error) {
	var leased *models.QueueJob

	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		leased = nil

		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(readyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			jobID, err := jobIDFromReadyKey(key)
			if err != nil {
				continue
			}

			var job models.QueueJob
			if err := s.db.Store().TxGet(txn, jobID, &job); err != nil {
				if err == badgerhold.ErrNotFound {
					// Index entry without a job, clean up and keep scanning
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			if job.Status != models.JobStatusQueued {
				// Stale index entry (job canceled while queued)
				if err := txn.Delete(key); err != nil {
					return err
				}
				continue
			}

			job.MarkStarted(now)
			if err := s.db.Store().TxUpsert(txn, job.ID, job); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}

			leased = &job
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, wrapStore("lease next", err)
	}

	if leased != nil {
		s.logger.Debug().
			Str("job_id", leased.ID).
			Str("type", string(leased.Type)).
			Int("attempts", leased.Attempts).
			Msg("Job leased")
	}
	return leased, nil
}

// RequeueRetrying returns every retrying job whose retry_at has passed
// to queued, restoring its lease index entry.
func (s *QueueStorage) RequeueRetrying(ctx context.Context, now time.Time) (int, error) {
	count := 0
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		count = 0

		var jobs []models.QueueJob
		if err := s.db.Store().TxFind(txn, &jobs, badgerhold.Where("Status").Eq(models.JobStatusRetrying)); err != nil {
			return err
		}

		for i := range jobs {
			job := jobs[i]
			if job.RetryAt == nil || job.RetryAt.After(now) {
				continue
			}

			job.Status = models.JobStatusQueued
			job.RetryAt = nil
			if err := s.db.Store().TxUpsert(txn, job.ID, job); err != nil {
				return err
			}
			// Original created_at keeps the job's place in line
			if err := txn.Set(readyKey(job.Priority, job.CreatedAt, job.ID), []byte(job.ID)); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, wrapStore("requeue retrying", err)
	}

	if count > 0 {
		s.logger.Debug().Int("count", count).Msg("Retrying jobs returned to queue")
	}
	return count, nil
}

// CompleteJob transitions processing -> completed. Completing an
// already-completed job is a no-op; completing any other state is an
// invalid-state error.
func (s *QueueStorage) CompleteJob(ctx context.Context, id string, now time.Time) error {
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		var job models.QueueJob
		if err := s.db.Store().TxGet(txn, id, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("%w: job %s", models.ErrNotFound, id)
			}
			return err
		}

		switch job.Status {
		case models.JobStatusCompleted:
			return nil
		case models.JobStatusProcessing:
			job.MarkCompleted(now)
			return s.db.Store().TxUpsert(txn, job.ID, job)
		default:
			return fmt.Errorf("%w: cannot complete job %s in status %s", models.ErrInvalidState, id, job.Status)
		}
	})
	return wrapStore("complete job", err)
}

// FailJob schedules a retry when the failure is retriable and attempts
// remain, otherwise fails terminally. Returns true on terminal failure.
func (s *QueueStorage) FailJob(ctx context.Context, id, errText string, retriable bool, now time.Time) (bool, error) {
	final := false
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		final = false

		var job models.QueueJob
		if err := s.db.Store().TxGet(txn, id, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("%w: job %s", models.ErrNotFound, id)
			}
			return err
		}

		if job.Status != models.JobStatusProcessing {
			return fmt.Errorf("%w: cannot fail job %s in status %s", models.ErrInvalidState, id, job.Status)
		}

		if retriable && job.Attempts+1 < job.MaxAttempts {
			job.MarkRetrying(errText, s.retryDelay, now)
		} else {
			job.MarkFailed(errText, now)
			final = true
		}
		return s.db.Store().TxUpsert(txn, job.ID, job)
	})
	if err != nil {
		return false, wrapStore("fail job", err)
	}

	s.logger.Debug().
		Str("job_id", id).
		Bool("final", final).
		Str("error", errText).
		Msg("Job failed")
	return final, nil
}

// CancelJobs cancels every queued, processing or retrying job of the
// project, optionally restricted to batch ids. Terminal jobs are
// untouched; calling twice is safe.
func (s *QueueStorage) CancelJobs(ctx context.Context, projectID string, batchIDs []string) (int, []string, error) {
	restrict := make(map[string]bool, len(batchIDs))
	for _, id := range batchIDs {
		restrict[id] = true
	}
	now := time.Now().UTC()

	count := 0
	var affected []string
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		count = 0
		affected = nil

		var jobs []models.QueueJob
		if err := s.db.Store().TxFind(txn, &jobs, badgerhold.Where("ProjectID").Eq(projectID)); err != nil {
			return err
		}

		seen := make(map[string]bool)
		for i := range jobs {
			job := jobs[i]
			if job.Status.IsTerminal() {
				continue
			}
			if len(restrict) > 0 && !restrict[job.Payload.BatchID] {
				continue
			}

			if job.Status == models.JobStatusQueued {
				if err := txn.Delete(readyKey(job.Priority, job.CreatedAt, job.ID)); err != nil && err != badgerdb.ErrKeyNotFound {
					return err
				}
			}
			job.MarkCanceled(now)
			if err := s.db.Store().TxUpsert(txn, job.ID, job); err != nil {
				return err
			}
			count++
			if !seen[job.Payload.BatchID] {
				seen[job.Payload.BatchID] = true
				affected = append(affected, job.Payload.BatchID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, nil, wrapStore("cancel jobs", err)
	}

	s.logger.Info().
		Str("project_id", projectID).
		Int("canceled", count).
		Msg("Jobs canceled")
	return count, affected, nil
}

// RetryJob moves one failed job back to queued with attempts reset.
func (s *QueueStorage) RetryJob(ctx context.Context, id string) error {
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		var job models.QueueJob
		if err := s.db.Store().TxGet(txn, id, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("%w: job %s", models.ErrNotFound, id)
			}
			return err
		}

		if job.Status != models.JobStatusFailed {
			return fmt.Errorf("%w: cannot retry job %s in status %s", models.ErrInvalidState, id, job.Status)
		}

		resetForRetry(&job)
		if err := s.db.Store().TxUpsert(txn, job.ID, job); err != nil {
			return err
		}
		return txn.Set(readyKey(job.Priority, job.CreatedAt, job.ID), []byte(job.ID))
	})
	return wrapStore("retry job", err)
}

// RetryFailed moves every failed job of the project back to queued.
func (s *QueueStorage) RetryFailed(ctx context.Context, projectID string) (int, error) {
	count := 0
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		count = 0

		var jobs []models.QueueJob
		if err := s.db.Store().TxFind(txn, &jobs, badgerhold.Where("ProjectID").Eq(projectID)); err != nil {
			return err
		}

		for i := range jobs {
			job := jobs[i]
			if job.Status != models.JobStatusFailed {
				continue
			}
			resetForRetry(&job)
			if err := s.db.Store().TxUpsert(txn, job.ID, job); err != nil {
				return err
			}
			if err := txn.Set(readyKey(job.Priority, job.CreatedAt, job.ID), []byte(job.ID)); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, wrapStore("retry failed", err)
	}
	return count, nil
}

func resetForRetry(job *models.QueueJob) {
	job.Status = models.JobStatusQueued
	job.Attempts = 0
	job.Error = ""
	job.StartedAt = nil
	job.CompletedAt = nil
	job.RetryAt = nil
}

func (s *QueueStorage) Stats(ctx context.Context, projectID string) (*models.QueueStats, error) {
	var jobs []models.QueueJob
	var err error
	if projectID != "" {
		err = s.db.Store().Find(&jobs, badgerhold.Where("ProjectID").Eq(projectID))
	} else {
		err = s.db.Store().Find(&jobs, nil)
	}
	if err != nil {
		return nil, wrapStore("stats", err)
	}

	stats := &models.QueueStats{Total: len(jobs)}
	for i := range jobs {
		switch jobs[i].Status {
		case models.JobStatusQueued:
			stats.Queued++
		case models.JobStatusProcessing:
			stats.Processing++
		case models.JobStatusCompleted:
			stats.Completed++
		case models.JobStatusFailed:
			stats.Failed++
		case models.JobStatusRetrying:
			stats.Retrying++
		case models.JobStatusCanceled:
			stats.Canceled++
		}
	}
	return stats, nil
}

func (s *QueueStorage) ActiveJobExistsForBatch(ctx context.Context, batchID string) (bool, error) {
	var jobs []models.QueueJob
	if err := s.db.Store().Find(&jobs, nil); err != nil {
		return false, wrapStore("active job lookup", err)
	}
	for i := range jobs {
		if jobs[i].Payload.BatchID == batchID && !jobs[i].Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

// ReclaimOrphanJobs cancels every processing job. Only the startup
// reconciliation may call this: with no pipelines in flight a
// processing job can only be a leftover from a crashed run.
func (s *QueueStorage) ReclaimOrphanJobs(ctx context.Context, now time.Time) (int, error) {
	count := 0
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		count = 0

		var jobs []models.QueueJob
		if err := s.db.Store().TxFind(txn, &jobs, badgerhold.Where("Status").Eq(models.JobStatusProcessing)); err != nil {
			return err
		}

		for i := range jobs {
			job := jobs[i]
			job.MarkCanceled(now)
			job.Error = "orphaned by restart"
			if err := s.db.Store().TxUpsert(txn, job.ID, job); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, wrapStore("reclaim orphan jobs", err)
	}

	if count > 0 {
		s.logger.Warn().Int("count", count).Msg("Orphaned processing jobs canceled at startup")
	}
	return count, nil
}

// ResetStaleBatches returns every processing batch with no active job
// to pending, clearing its error.
func (s *QueueStorage) ResetStaleBatches(ctx context.Context, now time.Time) (int, error) {
	count := 0
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		count = 0

		var batches []models.ImageBatch
		if err := s.db.Store().TxFind(txn, &batches, badgerhold.Where("Status").Eq(models.BatchStatusProcessing)); err != nil {
			return err
		}
		if len(batches) == 0 {
			return nil
		}

		var jobs []models.QueueJob
		if err := s.db.Store().TxFind(txn, &jobs, nil); err != nil {
			return err
		}
		active := make(map[string]bool)
		for i := range jobs {
			if !jobs[i].Status.IsTerminal() {
				active[jobs[i].Payload.BatchID] = true
			}
		}

		for i := range batches {
			batch := batches[i]
			if active[batch.ID] {
				continue
			}
			batch.Status = models.BatchStatusPending
			batch.Error = ""
			batch.UpdatedAt = now
			if err := s.db.Store().TxUpsert(txn, batch.ID, batch); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, wrapStore("reset stale batches", err)
	}

	if count > 0 {
		s.logger.Warn().Int("count", count).Msg("Stale processing batches returned to pending")
	}
	return count, nil
}

// UpdateBatchStatus applies a batch transition together with its row
// coupling rules in one transaction.
func (s *QueueStorage) UpdateBatchStatus(ctx context.Context, batchID string, target models.BatchStatus, errText string, now time.Time) error {
	if !target.IsValid() {
		return fmt.Errorf("%w: unknown batch status %q", models.ErrInvalidState, target)
	}

	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		var batch models.ImageBatch
		if err := s.db.Store().TxGet(txn, batchID, &batch); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("%w: batch %s", models.ErrNotFound, batchID)
			}
			return err
		}

		switch target {
		case models.BatchStatusApproved:
			var rows []models.ExtractionRow
			if err := s.db.Store().TxFind(txn, &rows, badgerhold.Where("BatchID").Eq(batchID)); err != nil {
				return err
			}
			for i := range rows {
				if rows[i].Status != models.RowStatusReview {
					continue
				}
				rows[i].Status = models.RowStatusApproved
				rows[i].ApprovedAt = &now
				rows[i].UpdatedAt = now
				if err := s.db.Store().TxUpsert(txn, rows[i].ID, rows[i]); err != nil {
					return err
				}
			}
			batch.Error = ""

		case models.BatchStatusFailed:
			var rows []models.ExtractionRow
			if err := s.db.Store().TxFind(txn, &rows, badgerhold.Where("BatchID").Eq(batchID)); err != nil {
				return err
			}
			hasApproved := false
			for i := range rows {
				if rows[i].Status == models.RowStatusApproved {
					hasApproved = true
					break
				}
			}
			if !hasApproved {
				for i := range rows {
					if rows[i].Status != models.RowStatusReview {
						continue
					}
					rows[i].Status = models.RowStatusDeleted
					rows[i].DeletedAt = &now
					rows[i].UpdatedAt = now
					if err := s.db.Store().TxUpsert(txn, rows[i].ID, rows[i]); err != nil {
						return err
					}
				}
			}
			batch.Error = errText

		case models.BatchStatusPending:
			// Reprocess intent: drop derived state entirely
			if err := s.db.Store().TxDeleteMatching(txn, &models.ExtractionRow{}, badgerhold.Where("BatchID").Eq(batchID)); err != nil {
				return err
			}
			batch.RowCount = 0
			batch.ProcessedData = nil
			batch.Error = ""

		case models.BatchStatusProcessing:
			batch.Error = ""

		case models.BatchStatusReview:
			// No row effects
		}

		batch.Status = target
		batch.UpdatedAt = now
		return s.db.Store().TxUpsert(txn, batch.ID, batch)
	})
	return wrapStore("update batch status", err)
}

// PersistRows replaces the batch's row set. Row identity is
// (batch_id, row_index): indices present in both keep their record id,
// stale indices are removed. The batch's row_count, processed_data and
// status update in the same transaction.
func (s *QueueStorage) PersistRows(ctx context.Context, batchID, projectID string, rows []*models.ExtractionRow) error {
	now := time.Now().UTC()

	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		var batch models.ImageBatch
		if err := s.db.Store().TxGet(txn, batchID, &batch); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("%w: batch %s", models.ErrNotFound, batchID)
			}
			return err
		}

		var existing []models.ExtractionRow
		if err := s.db.Store().TxFind(txn, &existing, badgerhold.Where("BatchID").Eq(batchID)); err != nil {
			return err
		}
		byIndex := make(map[int]*models.ExtractionRow, len(existing))
		for i := range existing {
			byIndex[existing[i].RowIndex] = &existing[i]
		}

		incoming := make(map[int]bool, len(rows))
		processed := make([][]models.ExtractionResult, len(rows))
		for _, row := range rows {
			incoming[row.RowIndex] = true

			row.BatchID = batchID
			row.ProjectID = projectID
			row.Status = models.RowStatusReview
			row.ApprovedAt = nil
			row.DeletedAt = nil
			row.UpdatedAt = now
			if prev, ok := byIndex[row.RowIndex]; ok {
				// Overwrite in place, keeping the record's identity
				row.ID = prev.ID
				row.CreatedAt = prev.CreatedAt
			}
			if err := s.db.Store().TxUpsert(txn, row.ID, *row); err != nil {
				return err
			}
			if row.RowIndex >= 0 && row.RowIndex < len(processed) {
				processed[row.RowIndex] = row.RowData
			}
		}

		// Drop rows whose index is no longer live
		for idx, prev := range byIndex {
			if incoming[idx] {
				continue
			}
			if err := s.db.Store().TxDelete(txn, prev.ID, &models.ExtractionRow{}); err != nil && err != badgerhold.ErrNotFound {
				return err
			}
		}

		batch.RowCount = len(rows)
		batch.ProcessedData = processed
		batch.Status = models.BatchStatusReview
		batch.Error = ""
		batch.UpdatedAt = now
		return s.db.Store().TxUpsert(txn, batch.ID, batch)
	})
	if err != nil {
		return wrapStore("persist rows", err)
	}

	s.logger.Debug().
		Str("batch_id", batchID).
		Int("rows", len(rows)).
		Msg("Extraction rows persisted")
	return nil
}

// MergeRowFields overwrites matching fields of one row, stamping redone
// on each updated field. Updates that match no existing column are
// dropped; the merge never widens a row.
func (s *QueueStorage) MergeRowFields(ctx context.Context, batchID string, rowIndex int, updates []models.ExtractionResult) (*models.ExtractionRow, error) {
	now := time.Now().UTC()
	var merged *models.ExtractionRow

	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		merged = nil

		var rows []models.ExtractionRow
		if err := s.db.Store().TxFind(txn, &rows, badgerhold.Where("BatchID").Eq(batchID)); err != nil {
			return err
		}
		var row *models.ExtractionRow
		for i := range rows {
			if rows[i].RowIndex == rowIndex {
				row = &rows[i]
				break
			}
		}
		if row == nil {
			return fmt.Errorf("%w: row %d of batch %s", models.ErrNotFound, rowIndex, batchID)
		}

		changed := false
		for _, update := range updates {
			name := update.ColumnName
			if name == "" {
				name = update.ColumnID
			}
			idx := row.FieldByColumn(update.ColumnID, name)
			if idx < 0 {
				continue
			}
			field := &row.RowData[idx]
			field.Value = update.Value
			field.ImageIndex = update.ImageIndex
			field.BBox2D = update.BBox2D
			field.Confidence = update.Confidence
			field.Redone = true
			changed = true
		}

		if changed {
			row.UpdatedAt = now
			if err := s.db.Store().TxUpsert(txn, row.ID, *row); err != nil {
				return err
			}

			// Keep the batch's denormalized mirror in step
			var batch models.ImageBatch
			if err := s.db.Store().TxGet(txn, batchID, &batch); err == nil {
				if rowIndex >= 0 && rowIndex < len(batch.ProcessedData) {
					batch.ProcessedData[rowIndex] = row.RowData
					batch.UpdatedAt = now
					if err := s.db.Store().TxUpsert(txn, batch.ID, batch); err != nil {
						return err
					}
				}
			}
		}

		merged = row
		return nil
	})
	if err != nil {
		return nil, wrapStore("merge row fields", err)
	}
	return merged, nil
}
