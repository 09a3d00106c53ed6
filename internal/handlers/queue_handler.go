package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tabula/internal/interfaces"
	"github.com/ternarybob/tabula/internal/models"
)

// QueueHandler handles HTTP requests for the job queue: enqueue, redo,
// cancel, retry, stats and job reads.
type QueueHandler struct {
	queue    interfaces.QueueManager
	projects interfaces.ProjectStorage
	logger   arbor.ILogger
}

// NewQueueHandler creates a new QueueHandler
func NewQueueHandler(queue interfaces.QueueManager, projects interfaces.ProjectStorage, logger arbor.ILogger) *QueueHandler {
	return &QueueHandler{
		queue:    queue,
		projects: projects,
		logger:   logger,
	}
}

type enqueueRequest struct {
	BatchID   string   `json:"batch_id,omitempty"`
	BatchIDs  []string `json:"batch_ids,omitempty"`
	ProjectID string   `json:"project_id"`
	Priority  int      `json:"priority,omitempty"`
	Reprocess bool     `json:"reprocess,omitempty"`
}

// EnqueueHandler handles POST /api/queue/enqueue
func (h *QueueHandler) EnqueueHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req enqueueRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.BatchID == "" && len(req.BatchIDs) == 0 {
		WriteError(w, http.StatusBadRequest, "batch_id or batch_ids is required")
		return
	}

	project, ok := RequireProject(w, r, h.projects, req.ProjectID)
	if !ok {
		return
	}

	ctx := r.Context()

	// Group enqueue: one job per batch, partial success reported as-is.
	if len(req.BatchIDs) > 0 {
		jobIDs, failedIdx, err := h.queue.EnqueueBatches(ctx, req.BatchIDs, project.ID, req.Priority)
		if err != nil {
			h.logger.Error().Err(err).
				Str("project_id", project.ID).
				Int("failed_index", failedIdx).
				Msg("Group enqueue failed")
			WriteJSON(w, StatusFromError(err), map[string]interface{}{
				"status":       "error",
				"error":        err.Error(),
				"job_ids":      jobIDs,
				"failed_index": failedIdx,
			})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "success",
			"job_ids": jobIDs,
			"count":   len(jobIDs),
		})
		return
	}

	var jobID string
	var err error
	if req.Reprocess {
		jobID, err = h.queue.EnqueueReprocess(ctx, req.BatchID, project.ID, req.Priority)
	} else {
		jobID, err = h.queue.EnqueueBatch(ctx, req.BatchID, project.ID, req.Priority)
	}
	if err != nil {
		h.logger.Error().Err(err).
			Str("batch_id", req.BatchID).
			Str("project_id", project.ID).
			Msg("Enqueue failed")
		WriteError(w, StatusFromError(err), err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"job_id": jobID,
	})
}

// RedoHandler handles POST /api/queue/redo
func (h *QueueHandler) RedoHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req models.RedoRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	project, ok := RequireProject(w, r, h.projects, req.ProjectID)
	if !ok {
		return
	}
	req.ProjectID = project.ID

	jobID, err := h.queue.EnqueueRedo(r.Context(), &req)
	if err != nil {
		h.logger.Error().Err(err).
			Str("batch_id", req.BatchID).
			Int("row_index", req.RowIndex).
			Msg("Redo enqueue failed")
		WriteError(w, StatusFromError(err), err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"job_id": jobID,
	})
}

type cancelRequest struct {
	ProjectID string   `json:"project_id"`
	BatchIDs  []string `json:"batch_ids,omitempty"`
}

// CancelHandler handles POST /api/queue/cancel
func (h *QueueHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req cancelRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	project, ok := RequireProject(w, r, h.projects, req.ProjectID)
	if !ok {
		return
	}

	result, err := h.queue.Cancel(r.Context(), project.ID, req.BatchIDs)
	if err != nil {
		h.logger.Error().Err(err).Str("project_id", project.ID).Msg("Cancel failed")
		WriteError(w, StatusFromError(err), err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "success",
		"canceled_jobs": result.CanceledJobs,
		"reset_batches": result.ResetBatches,
	})
}

type retryRequest struct {
	JobID     string `json:"job_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	All       bool   `json:"all,omitempty"`
}

// RetryHandler handles POST /api/queue/retry
func (h *QueueHandler) RetryHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req retryRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()

	// Project-wide retry of every failed job.
	if req.All {
		project, ok := RequireProject(w, r, h.projects, req.ProjectID)
		if !ok {
			return
		}
		count, err := h.queue.RetryAllFailed(ctx, project.ID)
		if err != nil {
			h.logger.Error().Err(err).Str("project_id", project.ID).Msg("Retry all failed")
			WriteError(w, StatusFromError(err), err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "success",
			"retried": count,
		})
		return
	}

	if req.JobID == "" {
		WriteError(w, http.StatusBadRequest, "job_id or project_id with all:true is required")
		return
	}

	// Resolve the job first so ownership can be checked against its project.
	job, err := h.queue.Job(ctx, req.JobID)
	if err != nil {
		WriteError(w, StatusFromError(err), "Job not found")
		return
	}
	if _, ok := RequireProject(w, r, h.projects, job.ProjectID); !ok {
		return
	}

	if err := h.queue.RetryJob(ctx, req.JobID); err != nil {
		h.logger.Error().Err(err).Str("job_id", req.JobID).Msg("Retry failed")
		WriteError(w, StatusFromError(err), err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"job_id": req.JobID,
	})
}

// StatsHandler handles GET /api/queue/stats?project_id={id}
func (h *QueueHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	projectID := r.URL.Query().Get("project_id")
	project, ok := RequireProject(w, r, h.projects, projectID)
	if !ok {
		return
	}

	stats, err := h.queue.Stats(r.Context(), project.ID)
	if err != nil {
		h.logger.Error().Err(err).Str("project_id", project.ID).Msg("Stats query failed")
		WriteError(w, StatusFromError(err), err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, stats)
}

// GetJobHandler handles GET /api/queue/jobs/{id}
func (h *QueueHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	// Extract job ID from path: /api/queue/jobs/{id}
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 4 || pathParts[3] == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}
	jobID := pathParts[3]

	job, err := h.queue.Job(r.Context(), jobID)
	if err != nil {
		WriteError(w, StatusFromError(err), "Job not found")
		return
	}
	if _, ok := RequireProject(w, r, h.projects, job.ProjectID); !ok {
		return
	}

	WriteJSON(w, http.StatusOK, job)
}
