package handlers

import (
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tabula/internal/interfaces"
)

const (
	defaultMetricsLimit = 100
	maxMetricsLimit     = 1000
)

// MetricsHandler handles HTTP requests for processing metrics.
type MetricsHandler struct {
	metrics  interfaces.MetricStorage
	projects interfaces.ProjectStorage
	logger   arbor.ILogger
}

// NewMetricsHandler creates a new MetricsHandler
func NewMetricsHandler(metrics interfaces.MetricStorage, projects interfaces.ProjectStorage, logger arbor.ILogger) *MetricsHandler {
	return &MetricsHandler{
		metrics:  metrics,
		projects: projects,
		logger:   logger,
	}
}

// ListHandler handles GET /api/metrics?project_id={id}&limit={n}
func (h *MetricsHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	projectID := r.URL.Query().Get("project_id")
	project, ok := RequireProject(w, r, h.projects, projectID)
	if !ok {
		return
	}

	limit := defaultMetricsLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxMetricsLimit {
		limit = maxMetricsLimit
	}

	metrics, err := h.metrics.ListMetrics(r.Context(), project.ID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("project_id", project.ID).Msg("Failed to list metrics")
		WriteError(w, StatusFromError(err), err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"project_id": project.ID,
		"metrics":    metrics,
		"count":      len(metrics),
	})
}
