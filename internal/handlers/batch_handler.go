package handlers

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tabula/internal/interfaces"
	"github.com/ternarybob/tabula/internal/models"
)

// BatchHandler handles HTTP requests for image batches: upload, status
// transitions, deletion, the review read surface and crop registration.
type BatchHandler struct {
	queue      interfaces.QueueManager
	storage    interfaces.StorageManager
	rasterizer interfaces.Rasterizer
	logger     arbor.ILogger
}

// NewBatchHandler creates a new BatchHandler
func NewBatchHandler(queue interfaces.QueueManager, storage interfaces.StorageManager, rasterizer interfaces.Rasterizer, logger arbor.ILogger) *BatchHandler {
	return &BatchHandler{
		queue:      queue,
		storage:    storage,
		rasterizer: rasterizer,
		logger:     logger,
	}
}

// requireBatch loads a batch and verifies the caller owns its project.
func (h *BatchHandler) requireBatch(w http.ResponseWriter, r *http.Request, batchID string) (*models.ImageBatch, *models.Project, bool) {
	batch, err := h.storage.BatchStorage().GetBatch(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Batch not found")
		} else {
			WriteError(w, http.StatusInternalServerError, "Failed to load batch")
		}
		return nil, nil, false
	}
	project, ok := RequireProject(w, r, h.storage.ProjectStorage(), batch.ProjectID)
	if !ok {
		return nil, nil, false
	}
	return batch, project, true
}

// requireBatchesOwned verifies every batch exists and belongs to the project.
func (h *BatchHandler) requireBatchesOwned(w http.ResponseWriter, r *http.Request, project *models.Project, batchIDs []string) bool {
	for _, id := range batchIDs {
		batch, err := h.storage.BatchStorage().GetBatch(r.Context(), id)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				WriteError(w, http.StatusNotFound, "Batch not found: "+id)
			} else {
				WriteError(w, http.StatusInternalServerError, "Failed to load batch")
			}
			return false
		}
		if batch.ProjectID != project.ID {
			WriteError(w, http.StatusForbidden, "Batch belongs to another project: "+id)
			return false
		}
	}
	return true
}

type batchStatusRequest struct {
	BatchIDs  []string `json:"batch_ids"`
	Status    string   `json:"status"`
	ProjectID string   `json:"project_id"`
}

// UpdateStatusHandler handles POST /api/batches/status
//
// Accepted targets are pending, review, approved and failed; processing
// is reserved for the worker.
func (h *BatchHandler) UpdateStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req batchStatusRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if len(req.BatchIDs) == 0 {
		WriteError(w, http.StatusBadRequest, "batch_ids is required")
		return
	}

	target := models.BatchStatus(req.Status)
	if !target.IsValid() || target == models.BatchStatusProcessing {
		WriteError(w, http.StatusBadRequest, "Invalid target status: "+req.Status)
		return
	}

	project, ok := RequireProject(w, r, h.storage.ProjectStorage(), req.ProjectID)
	if !ok {
		return
	}
	if !h.requireBatchesOwned(w, r, project, req.BatchIDs) {
		return
	}

	updated, err := h.queue.SetBatchStatus(r.Context(), req.BatchIDs, target, time.Now().UTC())
	if err != nil {
		h.logger.Error().Err(err).
			Str("project_id", project.ID).
			Str("target", req.Status).
			Msg("Batch status update failed")
		WriteError(w, StatusFromError(err), err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"updated": updated,
	})
}

type batchDeleteRequest struct {
	BatchIDs  []string `json:"batch_ids"`
	ProjectID string   `json:"project_id"`
}

// DeleteHandler handles POST /api/batches/delete
func (h *BatchHandler) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req batchDeleteRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if len(req.BatchIDs) == 0 {
		WriteError(w, http.StatusBadRequest, "batch_ids is required")
		return
	}

	project, ok := RequireProject(w, r, h.storage.ProjectStorage(), req.ProjectID)
	if !ok {
		return
	}
	if !h.requireBatchesOwned(w, r, project, req.BatchIDs) {
		return
	}

	deleted, err := h.queue.DeleteBatches(r.Context(), req.BatchIDs)
	if err != nil {
		h.logger.Error().Err(err).Str("project_id", project.ID).Msg("Batch delete failed")
		WriteError(w, StatusFromError(err), err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"deleted": deleted,
	})
}

type batchImageUpload struct {
	Data     string `json:"data"`
	MimeType string `json:"mime_type,omitempty"`
	OCRText  string `json:"ocr_text,omitempty"`
}

type createBatchRequest struct {
	Name    string             `json:"name,omitempty"`
	Images  []batchImageUpload `json:"images,omitempty"`
	PDFData string             `json:"pdf_data,omitempty"`
	DPI     int                `json:"dpi,omitempty"`
	Format  string             `json:"format,omitempty"`
}

// CreateBatchHandler handles POST /api/projects/{id}/batches
//
// The body carries either base64 images (with optional per-image OCR
// text) or a base64 PDF that is rasterized server-side, one image per
// page that yields a raster.
func (h *BatchHandler) CreateBatchHandler(w http.ResponseWriter, r *http.Request) {
	// Extract project ID from path: /api/projects/{id}/batches
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 3 || pathParts[2] == "" {
		WriteError(w, http.StatusBadRequest, "Project ID is required")
		return
	}
	projectID := pathParts[2]

	var req createBatchRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if len(req.Images) == 0 && req.PDFData == "" {
		WriteError(w, http.StatusBadRequest, "images or pdf_data is required")
		return
	}
	if len(req.Images) > 0 && req.PDFData != "" {
		WriteError(w, http.StatusBadRequest, "images and pdf_data are mutually exclusive")
		return
	}

	project, ok := RequireProject(w, r, h.storage.ProjectStorage(), projectID)
	if !ok {
		return
	}

	ctx := r.Context()
	batch := models.NewImageBatch(project.ID, req.Name)

	// Stage every image before touching the store so a bad upload leaves
	// nothing behind.
	var images []*models.Image
	if req.PDFData != "" {
		pdf, err := base64.StdEncoding.DecodeString(req.PDFData)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "pdf_data is not valid base64")
			return
		}
		opts := interfaces.RasterizeOptions{DPI: req.DPI, Format: req.Format}
		if opts.DPI <= 0 {
			opts.DPI = 200
		}
		if opts.Format == "" {
			opts.Format = "png"
		}
		pages, err := h.rasterizer.Rasterize(ctx, pdf, opts)
		if err != nil {
			h.logger.Error().Err(err).Str("project_id", project.ID).Msg("PDF rasterization failed")
			WriteError(w, http.StatusBadRequest, "Failed to rasterize PDF: "+err.Error())
			return
		}
		position := 0
		for _, page := range pages {
			if len(page.ImageData) == 0 {
				h.logger.Warn().
					Int("page", page.PageNumber).
					Str("batch_id", batch.ID).
					Msg("PDF page produced no raster, skipping")
				continue
			}
			images = append(images, models.NewImage(batch.ID, position, page.ImageData, page.MimeType, page.Text))
			position++
		}
		if len(images) == 0 {
			WriteError(w, http.StatusBadRequest, "PDF produced no page images")
			return
		}
	} else {
		for i, upload := range req.Images {
			if upload.Data == "" {
				WriteError(w, http.StatusBadRequest, "Image data is required")
				return
			}
			data, err := base64.StdEncoding.DecodeString(upload.Data)
			if err != nil {
				WriteError(w, http.StatusBadRequest, "Image data is not valid base64")
				return
			}
			mimeType := upload.MimeType
			if mimeType == "" {
				mimeType = "image/png"
			}
			images = append(images, models.NewImage(batch.ID, i, data, mimeType, upload.OCRText))
		}
	}

	if err := h.storage.BatchStorage().SaveBatch(ctx, batch); err != nil {
		h.logger.Error().Err(err).Str("project_id", project.ID).Msg("Failed to save batch")
		WriteError(w, http.StatusInternalServerError, "Failed to save batch")
		return
	}
	for _, image := range images {
		if err := h.storage.ImageStorage().SaveImage(ctx, image); err != nil {
			h.logger.Error().Err(err).
				Str("batch_id", batch.ID).
				Int("position", image.Position).
				Msg("Failed to save image, rolling back batch")
			if delErr := h.storage.BatchStorage().DeleteBatch(ctx, batch.ID); delErr != nil {
				h.logger.Warn().Err(delErr).Str("batch_id", batch.ID).Msg("Batch rollback failed")
			}
			WriteError(w, http.StatusInternalServerError, "Failed to save image")
			return
		}
	}

	h.logger.Info().
		Str("batch_id", batch.ID).
		Str("project_id", project.ID).
		Int("images", len(images)).
		Msg("Batch created")

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"status":      "success",
		"batch":       batch,
		"image_count": len(images),
	})
}

// GetBatchHandler handles GET /api/batches/{id}
func (h *BatchHandler) GetBatchHandler(w http.ResponseWriter, r *http.Request) {
	// Extract batch ID from path: /api/batches/{id}
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 3 || pathParts[2] == "" {
		WriteError(w, http.StatusBadRequest, "Batch ID is required")
		return
	}

	batch, _, ok := h.requireBatch(w, r, pathParts[2])
	if !ok {
		return
	}

	WriteJSON(w, http.StatusOK, batch)
}

// ListRowsHandler handles GET /api/batches/{id}/rows?include_deleted=
func (h *BatchHandler) ListRowsHandler(w http.ResponseWriter, r *http.Request) {
	// Extract batch ID from path: /api/batches/{id}/rows
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 3 || pathParts[2] == "" {
		WriteError(w, http.StatusBadRequest, "Batch ID is required")
		return
	}

	batch, _, ok := h.requireBatch(w, r, pathParts[2])
	if !ok {
		return
	}

	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	rows, err := h.storage.RowStorage().ListRows(r.Context(), batch.ID, includeDeleted)
	if err != nil {
		h.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("Failed to list rows")
		WriteError(w, StatusFromError(err), err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"batch_id": batch.ID,
		"rows":     rows,
		"count":    len(rows),
	})
}

// ListBatchesHandler handles GET /api/projects/{id}/batches
func (h *BatchHandler) ListBatchesHandler(w http.ResponseWriter, r *http.Request) {
	// Extract project ID from path: /api/projects/{id}/batches
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 3 || pathParts[2] == "" {
		WriteError(w, http.StatusBadRequest, "Project ID is required")
		return
	}

	project, ok := RequireProject(w, r, h.storage.ProjectStorage(), pathParts[2])
	if !ok {
		return
	}

	batches, err := h.storage.BatchStorage().ListBatches(r.Context(), project.ID)
	if err != nil {
		h.logger.Error().Err(err).Str("project_id", project.ID).Msg("Failed to list batches")
		WriteError(w, StatusFromError(err), err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"project_id": project.ID,
		"batches":    batches,
		"count":      len(batches),
	})
}

type cropUpload struct {
	ParentImageID string `json:"parent_image_id"`
	ColumnID      string `json:"column_id"`
	BBox          []int  `json:"bbox"`
	Data          string `json:"data"`
	MimeType      string `json:"mime_type,omitempty"`
}

type createCropsRequest struct {
	Crops []cropUpload `json:"crops"`
}

// CreateCropsHandler handles POST /api/batches/{id}/crops
//
// Registers cropped sub-images ahead of a redo enqueue. Each crop names
// the column it covers, its parent image and the bbox it was cut from.
func (h *BatchHandler) CreateCropsHandler(w http.ResponseWriter, r *http.Request) {
	// Extract batch ID from path: /api/batches/{id}/crops
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 3 || pathParts[2] == "" {
		WriteError(w, http.StatusBadRequest, "Batch ID is required")
		return
	}

	var req createCropsRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if len(req.Crops) == 0 {
		WriteError(w, http.StatusBadRequest, "crops is required")
		return
	}

	batch, project, ok := h.requireBatch(w, r, pathParts[2])
	if !ok {
		return
	}

	ctx := r.Context()
	croppedIDs := make(map[string]string, len(req.Crops))

	for i, crop := range req.Crops {
		if crop.ColumnID == "" || crop.ParentImageID == "" || crop.Data == "" {
			WriteError(w, http.StatusBadRequest, "Each crop requires column_id, parent_image_id and data")
			return
		}
		if project.ColumnByID(crop.ColumnID) == nil {
			WriteError(w, http.StatusBadRequest, "Unknown column: "+crop.ColumnID)
			return
		}
		if len(crop.BBox) != 4 {
			WriteError(w, http.StatusBadRequest, "bbox must have exactly 4 coordinates")
			return
		}

		parent, err := h.storage.ImageStorage().GetImage(ctx, crop.ParentImageID)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "Unknown parent image: "+crop.ParentImageID)
			return
		}
		if parent.BatchID != batch.ID {
			WriteError(w, http.StatusBadRequest, "Parent image belongs to another batch: "+crop.ParentImageID)
			return
		}

		data, err := base64.StdEncoding.DecodeString(crop.Data)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "Crop data is not valid base64")
			return
		}
		mimeType := crop.MimeType
		if mimeType == "" {
			mimeType = parent.MimeType
		}

		image := models.NewCroppedImage(batch.ID, crop.ParentImageID, crop.ColumnID, crop.BBox, data, mimeType)
		if err := h.storage.ImageStorage().SaveImage(ctx, image); err != nil {
			h.logger.Error().Err(err).
				Str("batch_id", batch.ID).
				Int("crop", i).
				Msg("Failed to save cropped image")
			WriteError(w, http.StatusInternalServerError, "Failed to save cropped image")
			return
		}
		croppedIDs[crop.ColumnID] = image.ID
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "success",
		"cropped_image_ids": croppedIDs,
		"count":             len(croppedIDs),
	})
}
