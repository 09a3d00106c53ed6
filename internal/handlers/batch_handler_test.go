package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"strings"
	"testing"

	"github.com/go-pdf/fpdf"

	"github.com/ternarybob/tabula/internal/models"
)

func b64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// buildScannedPDF produces an upload fixture shaped like a scanned
// document: one embedded image per page plus a small text layer.
func buildScannedPDF(t *testing.T, pageTexts []string) []byte {
	t.Helper()

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Helvetica", "", 12)
	opts := fpdf.ImageOptions{ImageType: "JPG"}

	for i, text := range pageTexts {
		pdf.AddPage()
		name := fmt.Sprintf("scan-%d", i)
		pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(jpegFixture(t, 40, 30)))
		pdf.ImageOptions(name, 10, 10, 120, 0, false, opts, 0, "")
		if text != "" {
			pdf.Text(10, 200, text)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		t.Fatalf("Failed to build PDF fixture: %v", err)
	}
	return buf.Bytes()
}

func jpegFixture(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 5), G: uint8(y * 7), B: 160, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("Failed to encode fixture image: %v", err)
	}
	return buf.Bytes()
}

func TestCreateBatchFromImages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	project := seedProject(t, env, "user-1")
	handler := env.batchHandler()

	rec := doJSON(t, handler.CreateBatchHandler, "POST", "/api/projects/"+project.ID+"/batches", "user-1", map[string]interface{}{
		"name": "march-statement",
		"images": []map[string]interface{}{
			{"data": b64([]byte("page-one")), "ocr_text": "Opening balance 10.00"},
			{"data": b64([]byte("page-two")), "mime_type": "image/jpeg"},
		},
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if int(body["image_count"].(float64)) != 2 {
		t.Errorf("Expected 2 images, got %v", body["image_count"])
	}
	batchBody := body["batch"].(map[string]interface{})
	if batchBody["status"] != "pending" {
		t.Errorf("Expected pending batch, got %v", batchBody["status"])
	}

	images, err := env.storage.ImageStorage().ListImages(ctx, batchBody["id"].(string))
	if err != nil {
		t.Fatalf("ListImages failed: %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("Expected 2 stored images, got %d", len(images))
	}
	if images[0].Position != 0 || images[1].Position != 1 {
		t.Errorf("Expected positions 0 and 1, got %d and %d", images[0].Position, images[1].Position)
	}
	if images[0].OCRText != "Opening balance 10.00" {
		t.Errorf("Expected OCR text on first image, got %q", images[0].OCRText)
	}
	if images[0].MimeType != "image/png" {
		t.Errorf("Expected default mime image/png, got %s", images[0].MimeType)
	}
	if images[1].MimeType != "image/jpeg" {
		t.Errorf("Expected image/jpeg, got %s", images[1].MimeType)
	}
}

func TestCreateBatchValidation(t *testing.T) {
	env := newTestEnv(t)
	project := seedProject(t, env, "user-1")
	handler := env.batchHandler()
	target := "/api/projects/" + project.ID + "/batches"

	// Neither images nor pdf_data
	rec := doJSON(t, handler.CreateBatchHandler, "POST", target, "user-1", map[string]interface{}{
		"name": "empty",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for empty upload, got %d", rec.Code)
	}

	// Both at once
	rec = doJSON(t, handler.CreateBatchHandler, "POST", target, "user-1", map[string]interface{}{
		"images":   []map[string]interface{}{{"data": b64([]byte("x"))}},
		"pdf_data": b64([]byte("y")),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for images plus pdf_data, got %d", rec.Code)
	}

	// Broken base64
	rec = doJSON(t, handler.CreateBatchHandler, "POST", target, "user-1", map[string]interface{}{
		"images": []map[string]interface{}{{"data": "not-base64!!"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for bad base64, got %d", rec.Code)
	}

	// Foreign project
	rec = doJSON(t, handler.CreateBatchHandler, "POST", target, "user-2", map[string]interface{}{
		"images": []map[string]interface{}{{"data": b64([]byte("x"))}},
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for foreign project, got %d", rec.Code)
	}
}

func TestCreateBatchFromPDF(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	project := seedProject(t, env, "user-1")
	handler := env.batchHandler()

	pdfBytes := buildScannedPDF(t, []string{"Statement March 2024", "Closing balance 42.00"})
	rec := doJSON(t, handler.CreateBatchHandler, "POST", "/api/projects/"+project.ID+"/batches", "user-1", map[string]interface{}{
		"name":     "scan.pdf",
		"pdf_data": b64(pdfBytes),
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if int(body["image_count"].(float64)) != 2 {
		t.Errorf("Expected 2 page images, got %v", body["image_count"])
	}

	batchID := body["batch"].(map[string]interface{})["id"].(string)
	images, err := env.storage.ImageStorage().ListImages(ctx, batchID)
	if err != nil {
		t.Fatalf("ListImages failed: %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("Expected 2 stored images, got %d", len(images))
	}
	if images[0].MimeType != "image/jpeg" {
		t.Errorf("Expected lifted scan to be image/jpeg, got %s", images[0].MimeType)
	}
	if !strings.Contains(images[0].OCRText, "Statement March 2024") {
		t.Errorf("Expected page text as OCR reference, got %q", images[0].OCRText)
	}
}

func TestCreateBatchFromTextOnlyPDF(t *testing.T) {
	env := newTestEnv(t)
	project := seedProject(t, env, "user-1")
	handler := env.batchHandler()

	// No embedded scan on any page, so no page yields an image
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Helvetica", "", 12)
	pdf.AddPage()
	pdf.Text(10, 20, "No scan on this page")
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		t.Fatalf("Failed to build PDF fixture: %v", err)
	}

	rec := doJSON(t, handler.CreateBatchHandler, "POST", "/api/projects/"+project.ID+"/batches", "user-1", map[string]interface{}{
		"pdf_data": b64(buf.Bytes()),
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["error"] != "PDF produced no page images" {
		t.Errorf("Unexpected error message: %v", body["error"])
	}
}

func TestUpdateStatusHandlerApproves(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	project := seedProject(t, env, "user-1")
	batch := seedBatch(t, env, project.ID)
	seedRows(t, env, batch, "10.00", "20.00")
	handler := env.batchHandler()

	rec := doJSON(t, handler.UpdateStatusHandler, "POST", "/api/batches/status", "user-1", map[string]interface{}{
		"batch_ids":  []string{batch.ID},
		"status":     "approved",
		"project_id": project.ID,
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if int(body["updated"].(float64)) != 1 {
		t.Errorf("Expected 1 updated batch, got %v", body["updated"])
	}

	got, err := env.storage.BatchStorage().GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if got.Status != models.BatchStatusApproved {
		t.Errorf("Expected approved batch, got %s", got.Status)
	}
	rows, err := env.storage.RowStorage().ListRows(ctx, batch.ID, false)
	if err != nil {
		t.Fatalf("ListRows failed: %v", err)
	}
	for _, row := range rows {
		if row.Status != models.RowStatusApproved {
			t.Errorf("Expected approved row %d, got %s", row.RowIndex, row.Status)
		}
	}
}

func TestUpdateStatusHandlerRejectsProcessing(t *testing.T) {
	env := newTestEnv(t)
	project := seedProject(t, env, "user-1")
	batch := seedBatch(t, env, project.ID)
	handler := env.batchHandler()

	rec := doJSON(t, handler.UpdateStatusHandler, "POST", "/api/batches/status", "user-1", map[string]interface{}{
		"batch_ids":  []string{batch.ID},
		"status":     "processing",
		"project_id": project.ID,
	})

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for processing target, got %d", rec.Code)
	}
}

func TestUpdateStatusHandlerForeignBatch(t *testing.T) {
	env := newTestEnv(t)
	project := seedProject(t, env, "user-1")
	other := seedProject(t, env, "user-1")
	foreign := seedBatch(t, env, other.ID)
	handler := env.batchHandler()

	// Batch ids must belong to the named project
	rec := doJSON(t, handler.UpdateStatusHandler, "POST", "/api/batches/status", "user-1", map[string]interface{}{
		"batch_ids":  []string{foreign.ID},
		"status":     "review",
		"project_id": project.ID,
	})

	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDeleteBatchesHandler(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	project := seedProject(t, env, "user-1")
	a := seedBatch(t, env, project.ID)
	b := seedBatch(t, env, project.ID)
	seedImage(t, env, a.ID, 0)
	handler := env.batchHandler()

	rec := doJSON(t, handler.DeleteHandler, "POST", "/api/batches/delete", "user-1", map[string]interface{}{
		"batch_ids":  []string{a.ID, b.ID},
		"project_id": project.ID,
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if int(body["deleted"].(float64)) != 2 {
		t.Errorf("Expected 2 deleted, got %v", body["deleted"])
	}

	if _, err := env.storage.BatchStorage().GetBatch(ctx, a.ID); err == nil {
		t.Error("Expected batch to be gone")
	}
	count, err := env.storage.ImageStorage().CountImages(ctx, a.ID)
	if err != nil || count != 0 {
		t.Errorf("Expected images gone, got (%d, %v)", count, err)
	}
}

func TestGetBatchHandler(t *testing.T) {
	env := newTestEnv(t)
	project := seedProject(t, env, "user-1")
	batch := seedBatch(t, env, project.ID)
	handler := env.batchHandler()

	rec := doJSON(t, handler.GetBatchHandler, "GET", "/api/batches/"+batch.ID, "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["id"] != batch.ID {
		t.Errorf("Expected batch %s, got %v", batch.ID, body["id"])
	}

	rec = doJSON(t, handler.GetBatchHandler, "GET", "/api/batches/"+batch.ID, "user-2", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for foreign batch, got %d", rec.Code)
	}

	rec = doJSON(t, handler.GetBatchHandler, "GET", "/api/batches/no-such-batch", "user-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rec.Code)
	}
}

func TestListRowsHandler(t *testing.T) {
	env := newTestEnv(t)
	project := seedProject(t, env, "user-1")
	batch := seedBatch(t, env, project.ID)
	seedRows(t, env, batch, "10.00", "20.00")
	handler := env.batchHandler()

	rec := doJSON(t, handler.ListRowsHandler, "GET", "/api/batches/"+batch.ID+"/rows", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if int(body["count"].(float64)) != 2 {
		t.Errorf("Expected 2 rows, got %v", body["count"])
	}
}

func TestListRowsHandlerIncludeDeleted(t *testing.T) {
	env := newTestEnv(t)
	project := seedProject(t, env, "user-1")
	batch := seedBatch(t, env, project.ID)
	seedRows(t, env, batch, "10.00", "20.00")
	handler := env.batchHandler()

	// Failing the batch soft-deletes its unapproved review rows
	rec := doJSON(t, handler.UpdateStatusHandler, "POST", "/api/batches/status", "user-1", map[string]interface{}{
		"batch_ids":  []string{batch.ID},
		"status":     "failed",
		"project_id": project.ID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Status update failed: %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler.ListRowsHandler, "GET", "/api/batches/"+batch.ID+"/rows", "user-1", nil)
	if count := int(decodeBody(t, rec)["count"].(float64)); count != 0 {
		t.Errorf("Expected deleted rows hidden, got %d", count)
	}

	rec = doJSON(t, handler.ListRowsHandler, "GET", "/api/batches/"+batch.ID+"/rows?include_deleted=true", "user-1", nil)
	if count := int(decodeBody(t, rec)["count"].(float64)); count != 2 {
		t.Errorf("Expected 2 rows with include_deleted, got %d", count)
	}
}

func TestListBatchesHandler(t *testing.T) {
	env := newTestEnv(t)
	project := seedProject(t, env, "user-1")
	seedBatch(t, env, project.ID)
	seedBatch(t, env, project.ID)
	handler := env.batchHandler()

	rec := doJSON(t, handler.ListBatchesHandler, "GET", "/api/projects/"+project.ID+"/batches", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if int(body["count"].(float64)) != 2 {
		t.Errorf("Expected 2 batches, got %v", body["count"])
	}
}

func TestCreateCropsHandler(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	project := seedProject(t, env, "user-1")
	batch := seedBatch(t, env, project.ID)
	parent := seedImage(t, env, batch.ID, 0)
	handler := env.batchHandler()

	rec := doJSON(t, handler.CreateCropsHandler, "POST", "/api/batches/"+batch.ID+"/crops", "user-1", map[string]interface{}{
		"crops": []map[string]interface{}{
			{
				"parent_image_id": parent.ID,
				"column_id":       "amount",
				"bbox":            []int{10, 10, 200, 40},
				"data":            b64([]byte("crop-bytes")),
			},
		},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	croppedIDs := body["cropped_image_ids"].(map[string]interface{})
	cropID, _ := croppedIDs["amount"].(string)
	if cropID == "" {
		t.Fatal("Expected cropped image id for amount column")
	}

	crop, err := env.storage.ImageStorage().GetImage(ctx, cropID)
	if err != nil {
		t.Fatalf("GetImage failed: %v", err)
	}
	if !crop.IsCropped {
		t.Error("Expected cropped image flag")
	}
	if crop.ParentImageID != parent.ID {
		t.Errorf("Expected parent %s, got %s", parent.ID, crop.ParentImageID)
	}
	if crop.MimeType != parent.MimeType {
		t.Errorf("Expected inherited mime %s, got %s", parent.MimeType, crop.MimeType)
	}
}

func TestCreateCropsHandlerValidation(t *testing.T) {
	env := newTestEnv(t)
	project := seedProject(t, env, "user-1")
	batch := seedBatch(t, env, project.ID)
	parent := seedImage(t, env, batch.ID, 0)
	otherBatch := seedBatch(t, env, project.ID)
	foreignParent := seedImage(t, env, otherBatch.ID, 0)
	handler := env.batchHandler()
	target := "/api/batches/" + batch.ID + "/crops"

	// Unknown column
	rec := doJSON(t, handler.CreateCropsHandler, "POST", target, "user-1", map[string]interface{}{
		"crops": []map[string]interface{}{
			{"parent_image_id": parent.ID, "column_id": "nope", "bbox": []int{1, 2, 3, 4}, "data": b64([]byte("x"))},
		},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for unknown column, got %d", rec.Code)
	}

	// Wrong bbox arity
	rec = doJSON(t, handler.CreateCropsHandler, "POST", target, "user-1", map[string]interface{}{
		"crops": []map[string]interface{}{
			{"parent_image_id": parent.ID, "column_id": "amount", "bbox": []int{1, 2}, "data": b64([]byte("x"))},
		},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for short bbox, got %d", rec.Code)
	}

	// Parent image belongs to another batch
	rec = doJSON(t, handler.CreateCropsHandler, "POST", target, "user-1", map[string]interface{}{
		"crops": []map[string]interface{}{
			{"parent_image_id": foreignParent.ID, "column_id": "amount", "bbox": []int{1, 2, 3, 4}, "data": b64([]byte("x"))},
		},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for foreign parent image, got %d", rec.Code)
	}

	// Empty crop list
	rec = doJSON(t, handler.CreateCropsHandler, "POST", target, "user-1", map[string]interface{}{
		"crops": []map[string]interface{}{},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for empty crops, got %d", rec.Code)
	}
}
