package models

import (
	"testing"
	"time"
)

func TestQueueJob_Lifecycle(t *testing.T) {
	job := NewQueueJob(JobTypeProcessBatch, "proj-1", JobPayload{BatchID: "batch-1"}, PriorityBatch)

	if job.Status != JobStatusQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}
	if job.Attempts != 0 {
		t.Errorf("expected 0 attempts, got %d", job.Attempts)
	}
	if job.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("expected max_attempts %d, got %d", DefaultMaxAttempts, job.MaxAttempts)
	}

	now := time.Now().UTC()
	job.MarkStarted(now)
	if job.Status != JobStatusProcessing || job.StartedAt == nil {
		t.Fatalf("expected processing with started_at, got %s / %v", job.Status, job.StartedAt)
	}

	job.MarkRetrying("transient", 5*time.Second, now)
	if job.Status != JobStatusRetrying {
		t.Fatalf("expected retrying, got %s", job.Status)
	}
	if job.StartedAt != nil {
		t.Error("retrying job should not hold a lease timestamp")
	}
	if job.RetryAt == nil || !job.RetryAt.Equal(now.Add(5*time.Second)) {
		t.Errorf("unexpected retry_at: %v", job.RetryAt)
	}
	if job.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", job.Attempts)
	}

	job.MarkCompleted(now)
	if !job.Status.IsTerminal() {
		t.Error("completed should be terminal")
	}
}

func TestQueueJob_Validate(t *testing.T) {
	tests := []struct {
		name    string
		job     *QueueJob
		wantErr bool
	}{
		{
			name:    "valid batch job",
			job:     NewQueueJob(JobTypeProcessBatch, "p1", JobPayload{BatchID: "b1"}, PriorityBatch),
			wantErr: false,
		},
		{
			name:    "missing batch id",
			job:     NewQueueJob(JobTypeProcessBatch, "p1", JobPayload{}, PriorityBatch),
			wantErr: true,
		},
		{
			name:    "unknown type",
			job:     &QueueJob{Type: "mystery", ProjectID: "p1", Payload: JobPayload{BatchID: "b1"}},
			wantErr: true,
		},
		{
			name: "redo without columns",
			job: NewQueueJob(JobTypeProcessRedo, "p1", JobPayload{
				BatchID: "b1",
			}, PriorityRedo),
			wantErr: true,
		},
		{
			name: "redo with uncovered column",
			job: NewQueueJob(JobTypeProcessRedo, "p1", JobPayload{
				BatchID:         "b1",
				RedoColumnIDs:   []string{"total", "date"},
				CroppedImageIDs: map[string]string{"total": "img-1"},
			}, PriorityRedo),
			wantErr: true,
		},
		{
			name: "redo fully covered",
			job: NewQueueJob(JobTypeProcessRedo, "p1", JobPayload{
				BatchID:         "b1",
				RowIndex:        2,
				RedoColumnIDs:   []string{"total"},
				CroppedImageIDs: map[string]string{"total": "img-1"},
			}, PriorityRedo),
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProject_Validate(t *testing.T) {
	valid := NewProject("user-1", "Statements", []ColumnDefinition{
		{ID: "date", Name: "Date", Type: ColumnTypeDate},
		{ID: "total", Name: "Total", Type: ColumnTypeCurrency},
	})
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid project rejected: %v", err)
	}

	dup := NewProject("user-1", "Dup", []ColumnDefinition{
		{ID: "a", Name: "A", Type: ColumnTypeText},
		{ID: "a", Name: "B", Type: ColumnTypeText},
	})
	if err := dup.Validate(); err == nil {
		t.Error("duplicate column ids should be rejected")
	}

	badType := NewProject("user-1", "Bad", []ColumnDefinition{
		{ID: "a", Name: "A", Type: "decimal"},
	})
	if err := badType.Validate(); err == nil {
		t.Error("unknown column type should be rejected")
	}

	empty := NewProject("user-1", "Empty", nil)
	if err := empty.Validate(); err == nil {
		t.Error("project without columns should be rejected")
	}
}

func TestProject_ColumnLookup(t *testing.T) {
	p := NewProject("user-1", "P", []ColumnDefinition{
		{ID: "amount", Name: "Total", Type: ColumnTypeCurrency},
		{ID: "date", Name: "Date", Type: ColumnTypeDate},
	})

	if col := p.ColumnByID("amount"); col == nil || col.Name != "Total" {
		t.Errorf("ColumnByID failed: %+v", col)
	}
	if col := p.ColumnByName("Total"); col == nil || col.ID != "amount" {
		t.Errorf("ColumnByName failed: %+v", col)
	}
	if col := p.ColumnByName("total"); col != nil {
		t.Error("name match must be case-sensitive")
	}
	if col := p.ColumnByID("missing"); col != nil {
		t.Error("missing id should return nil")
	}
}

func TestProject_MaxConcurrency(t *testing.T) {
	p := NewProject("u", "P", []ColumnDefinition{{ID: "a", Name: "A", Type: ColumnTypeText}})

	if got := p.MaxConcurrency(4); got != 1 {
		t.Errorf("sequential project should cap at 1, got %d", got)
	}
	p.EnableParallelRequests = true
	if got := p.MaxConcurrency(4); got != 4 {
		t.Errorf("parallel project should cap at configured count, got %d", got)
	}
	if got := p.MaxConcurrency(0); got != 1 {
		t.Errorf("parallel with zero configured count should cap at 1, got %d", got)
	}
}

func TestExtractionRow_FieldByColumn(t *testing.T) {
	v1, v2 := "2024-03-15", "42.00"
	row := NewExtractionRow("b1", "p1", 0, []ExtractionResult{
		{ColumnID: "date", ColumnName: "Date", Value: &v1},
		{ColumnID: "amount", ColumnName: "Total", Value: &v2},
	})

	if i := row.FieldByColumn("amount", ""); i != 1 {
		t.Errorf("id match: expected 1, got %d", i)
	}
	if i := row.FieldByColumn("col_1", "Total"); i != 1 {
		t.Errorf("name fallback: expected 1, got %d", i)
	}
	if i := row.FieldByColumn("col_1", "Subtotal"); i != -1 {
		t.Errorf("no match: expected -1, got %d", i)
	}
}

func TestIsRetriable(t *testing.T) {
	if !IsRetriable(ErrStore) {
		t.Error("store errors are retriable")
	}
	if !IsRetriable(ErrLLMNetwork) {
		t.Error("network errors are retriable")
	}
	for _, err := range []error{ErrInvalidState, ErrInvalidBatch, ErrLLMClient, ErrParse, ErrCanceled, ErrNotFound} {
		if IsRetriable(err) {
			t.Errorf("%v should not be retriable", err)
		}
	}
	if IsRetriable(nil) {
		t.Error("nil is not retriable")
	}
}
