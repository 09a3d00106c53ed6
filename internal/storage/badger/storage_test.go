package badger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tabula/internal/models"
)

func testColumns() []models.ColumnDefinition {
	return []models.ColumnDefinition{
		{ID: "date", Name: "Date", Type: models.ColumnTypeDate},
		{ID: "amount", Name: "Amount", Type: models.ColumnTypeCurrency},
	}
}

func TestProjectStorageCRUD(t *testing.T) {
	db := newTestDB(t)
	logger := arbor.NewLogger()
	storage := NewProjectStorage(db, logger)
	ctx := context.Background()

	project := models.NewProject("user-1", "Bank statements", testColumns())
	if err := storage.SaveProject(ctx, project); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := storage.GetProject(ctx, project.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "Bank statements" {
		t.Errorf("Expected name round-trip, got %q", got.Name)
	}
	if len(got.Columns) != 2 {
		t.Errorf("Expected 2 columns, got %d", len(got.Columns))
	}

	// List is scoped to the owner
	other := models.NewProject("user-2", "Receipts", testColumns())
	if err := storage.SaveProject(ctx, other); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	list, err := storage.ListProjects(ctx, "user-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != project.ID {
		t.Errorf("Expected only user-1 projects, got %d", len(list))
	}

	_, err = storage.GetProject(ctx, "missing")
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	db := newTestDB(t)
	logger := arbor.NewLogger()
	projects := NewProjectStorage(db, logger)
	batches := NewBatchStorage(db, logger)
	images := NewImageStorage(db, logger)
	queue := NewQueueStorage(db, time.Second, logger)
	metrics := NewMetricStorage(db, logger)
	ctx := context.Background()

	project := models.NewProject("user-1", "Bank statements", testColumns())
	if err := projects.SaveProject(ctx, project); err != nil {
		t.Fatalf("Save project failed: %v", err)
	}

	batch := models.NewImageBatch(project.ID, "jan")
	if err := batches.SaveBatch(ctx, batch); err != nil {
		t.Fatalf("Save batch failed: %v", err)
	}
	if err := images.SaveImage(ctx, models.NewImage(batch.ID, 0, []byte{1, 2}, "image/png", "")); err != nil {
		t.Fatalf("Save image failed: %v", err)
	}
	rows := []*models.ExtractionRow{
		models.NewExtractionRow(batch.ID, project.ID, 0, []models.ExtractionResult{{ColumnID: "amount", Value: strPtr("1.00")}}),
	}
	if err := queue.PersistRows(ctx, batch.ID, project.ID, rows); err != nil {
		t.Fatalf("Persist rows failed: %v", err)
	}
	job := models.NewQueueJob(models.JobTypeProcessBatch, project.ID, models.JobPayload{BatchID: batch.ID}, models.PriorityBatch)
	if err := queue.CreateJob(ctx, job); err != nil {
		t.Fatalf("Create job failed: %v", err)
	}
	if err := metrics.SaveMetric(ctx, models.NewProcessingMetric(models.JobTypeProcessBatch, models.MetricStatusSuccess, batch.ID, project.ID)); err != nil {
		t.Fatalf("Save metric failed: %v", err)
	}

	if err := projects.DeleteProject(ctx, project.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := projects.GetProject(ctx, project.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Project should be gone, got %v", err)
	}
	if _, err := batches.GetBatch(ctx, batch.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Batch should be gone, got %v", err)
	}
	count, err := images.CountImages(ctx, batch.ID)
	if err != nil || count != 0 {
		t.Errorf("Images should be gone, got (%d, %v)", count, err)
	}
	if _, err := queue.GetJob(ctx, job.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Job should be gone, got %v", err)
	}

	// The job's lease index entry must be gone too
	leased, err := queue.LeaseNext(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if leased != nil {
		t.Errorf("Deleted project's job leased: %s", leased.ID)
	}

	list, err := metrics.ListMetrics(ctx, project.ID, 0)
	if err != nil || len(list) != 0 {
		t.Errorf("Metrics should be gone, got (%d, %v)", len(list), err)
	}
}

func TestBatchStorageListAndCascadeDelete(t *testing.T) {
	db := newTestDB(t)
	logger := arbor.NewLogger()
	batches := NewBatchStorage(db, logger)
	images := NewImageStorage(db, logger)
	queue := NewQueueStorage(db, time.Second, logger)
	rowsStore := NewRowStorage(db, logger)
	ctx := context.Background()

	older := models.NewImageBatch("p1", "first")
	older.CreatedAt = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	newer := models.NewImageBatch("p1", "second")
	newer.CreatedAt = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for _, b := range []*models.ImageBatch{newer, older} {
		if err := batches.SaveBatch(ctx, b); err != nil {
			t.Fatalf("Seed batch failed: %v", err)
		}
	}

	list, err := batches.ListBatches(ctx, "p1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != older.ID {
		t.Errorf("Expected upload order, got %d batches", len(list))
	}

	if err := images.SaveImage(ctx, models.NewImage(older.ID, 0, []byte{1}, "image/png", "")); err != nil {
		t.Fatalf("Save image failed: %v", err)
	}
	rows := []*models.ExtractionRow{
		models.NewExtractionRow(older.ID, "p1", 0, []models.ExtractionResult{{ColumnID: "amount", Value: strPtr("1.00")}}),
	}
	if err := queue.PersistRows(ctx, older.ID, "p1", rows); err != nil {
		t.Fatalf("Persist rows failed: %v", err)
	}

	if err := batches.DeleteBatch(ctx, older.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := batches.GetBatch(ctx, older.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Batch should be gone, got %v", err)
	}
	count, _ := images.CountImages(ctx, older.ID)
	if count != 0 {
		t.Errorf("Images should be gone, got %d", count)
	}
	left, err := rowsStore.ListRows(ctx, older.ID, true)
	if err != nil || len(left) != 0 {
		t.Errorf("Rows should be gone, got (%d, %v)", len(left), err)
	}

	if err := batches.DeleteBatch(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestImageStorageOrdering(t *testing.T) {
	db := newTestDB(t)
	images := NewImageStorage(db, arbor.NewLogger())
	ctx := context.Background()

	// Saved out of order, listed by position
	for _, pos := range []int{2, 0, 1} {
		img := models.NewImage("b1", pos, []byte{byte(pos)}, "image/png", "")
		if err := images.SaveImage(ctx, img); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	crop := models.NewCroppedImage("b1", "parent", "amount", []int{0, 0, 10, 10}, []byte{9}, "image/png")
	if err := images.SaveImage(ctx, crop); err != nil {
		t.Fatalf("Save crop failed: %v", err)
	}

	list, err := images.ListImages(ctx, "b1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("Expected 3 page images (crop excluded), got %d", len(list))
	}
	for i, img := range list {
		if img.Position != i {
			t.Errorf("Position %d out of order: %d", i, img.Position)
		}
	}

	got, err := images.GetImage(ctx, crop.ID)
	if err != nil {
		t.Fatalf("Get crop failed: %v", err)
	}
	if !got.IsCropped || got.ColumnID != "amount" {
		t.Errorf("Crop lineage lost: %+v", got)
	}

	count, err := images.CountImages(ctx, "b1")
	if err != nil || count != 4 {
		t.Errorf("Expected 4 stored images, got (%d, %v)", count, err)
	}
}

func TestRowStorageExcludesDeleted(t *testing.T) {
	db := newTestDB(t)
	logger := arbor.NewLogger()
	queue := NewQueueStorage(db, time.Second, logger)
	rowsStore := NewRowStorage(db, logger)
	ctx := context.Background()

	batch := seedBatch(t, db, "p1", models.BatchStatusReview)
	rows := []*models.ExtractionRow{
		models.NewExtractionRow(batch.ID, "p1", 1, []models.ExtractionResult{{ColumnID: "amount", Value: strPtr("2.00")}}),
		models.NewExtractionRow(batch.ID, "p1", 0, []models.ExtractionResult{{ColumnID: "amount", Value: strPtr("1.00")}}),
	}
	if err := queue.PersistRows(ctx, batch.ID, "p1", rows); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	// Soft-delete both rows through the failed transition
	if err := queue.UpdateBatchStatus(ctx, batch.ID, models.BatchStatusFailed, "rejected", time.Now().UTC()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	visible, err := rowsStore.ListRows(ctx, batch.ID, false)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(visible) != 0 {
		t.Errorf("Expected deleted rows hidden, got %d", len(visible))
	}

	all, err := rowsStore.ListRows(ctx, batch.ID, true)
	if err != nil {
		t.Fatalf("List all failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 rows with deleted included, got %d", len(all))
	}
	if all[0].RowIndex != 0 || all[1].RowIndex != 1 {
		t.Error("Rows not ordered by index")
	}

	row, err := rowsStore.GetRow(ctx, batch.ID, 1)
	if err != nil {
		t.Fatalf("GetRow failed: %v", err)
	}
	if row.RowData[0].StringValue() != "2.00" {
		t.Errorf("Wrong row returned: %s", row.RowData[0].StringValue())
	}

	_, err = rowsStore.GetRow(ctx, batch.ID, 99)
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMetricStoragePruneAndLimit(t *testing.T) {
	db := newTestDB(t)
	metrics := NewMetricStorage(db, arbor.NewLogger())
	ctx := context.Background()

	old := models.NewProcessingMetric(models.JobTypeProcessBatch, models.MetricStatusSuccess, "b1", "p1")
	old.CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := models.NewProcessingMetric(models.JobTypeProcessRedo, models.MetricStatusFailed, "b1", "p1")
	recent.CreatedAt = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, m := range []*models.ProcessingMetric{old, recent} {
		if err := metrics.SaveMetric(ctx, m); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	list, err := metrics.ListMetrics(ctx, "p1", 1)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != recent.ID {
		t.Errorf("Expected newest-first with limit, got %d", len(list))
	}

	pruned, err := metrics.PruneMetrics(ctx, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("Expected 1 pruned, got %d", pruned)
	}

	list, _ = metrics.ListMetrics(ctx, "p1", 0)
	if len(list) != 1 || list[0].ID != recent.ID {
		t.Errorf("Expected only the recent metric to survive, got %d", len(list))
	}
}

func TestLoadPresetsFromFiles(t *testing.T) {
	db := newTestDB(t)
	logger := arbor.NewLogger()
	presets := NewPresetStorage(db, logger)
	ctx := context.Background()

	dir := t.TempDir()
	tomlPreset := `
name = "Bank Statement"
description = "Transactions from a bank statement"

[flags]
multi_row_extraction = true
bounding_boxes = true

[[columns]]
id = "date"
name = "Date"
type = "date"

[[columns]]
id = "amount"
name = "Amount"
type = "currency"
`
	yamlPreset := `
name: Receipt
description: Single receipt totals
flags:
  confidence_scores: true
columns:
  - id: vendor
    name: Vendor
    type: text
  - id: total
    name: Total
    type: currency
`
	// Duplicate column ids fail validation and must be skipped
	badPreset := `
name = "Broken"

[[columns]]
id = "x"
name = "X"
type = "text"

[[columns]]
id = "x"
name = "X again"
type = "text"
`
	writeFile := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("Write %s failed: %v", name, err)
		}
	}
	writeFile("bank_statement.toml", tomlPreset)
	writeFile("receipt.yaml", yamlPreset)
	writeFile("broken.toml", badPreset)
	writeFile("notes.txt", "not a preset")

	if err := LoadPresetsFromFiles(ctx, presets, dir, logger); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	list, err := presets.ListPresets(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 presets, got %d", len(list))
	}

	bank, err := presets.GetPreset(ctx, "bank_statement")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bank.Flags.MultiRowExtraction || !bank.Flags.BoundingBoxes {
		t.Errorf("Flags lost in load: %+v", bank.Flags)
	}
	if len(bank.Columns) != 2 || bank.Columns[1].Type != models.ColumnTypeCurrency {
		t.Errorf("Columns lost in load: %+v", bank.Columns)
	}

	receipt, err := presets.GetPreset(ctx, "receipt")
	if err != nil {
		t.Fatalf("Get yaml preset failed: %v", err)
	}
	if !receipt.Flags.ConfidenceScores {
		t.Errorf("YAML flags lost: %+v", receipt.Flags)
	}

	// Missing directory is not an error
	if err := LoadPresetsFromFiles(ctx, presets, filepath.Join(dir, "missing"), logger); err != nil {
		t.Errorf("Missing dir should be skipped, got %v", err)
	}
}
