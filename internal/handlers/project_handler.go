package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tabula/internal/interfaces"
	"github.com/ternarybob/tabula/internal/models"
)

// projectIDFromPath extracts the project ID from /api/projects/{id} paths.
func projectIDFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 3 || pathParts[2] == "" {
		WriteError(w, http.StatusBadRequest, "Project ID is required")
		return "", false
	}
	return pathParts[2], true
}

// ProjectHandler handles HTTP requests for extraction projects.
type ProjectHandler struct {
	projects interfaces.ProjectStorage
	presets  interfaces.PresetService
	logger   arbor.ILogger
}

// NewProjectHandler creates a new ProjectHandler
func NewProjectHandler(projects interfaces.ProjectStorage, presets interfaces.PresetService, logger arbor.ILogger) *ProjectHandler {
	return &ProjectHandler{
		projects: projects,
		presets:  presets,
		logger:   logger,
	}
}

type createProjectRequest struct {
	Name                   string                    `json:"name"`
	Columns                []models.ColumnDefinition `json:"columns,omitempty"`
	Flags                  *models.FeatureFlags      `json:"feature_flags,omitempty"`
	Preset                 string                    `json:"preset,omitempty"`
	LLMEndpoint            string                    `json:"llm_endpoint,omitempty"`
	LLMModel               string                    `json:"llm_model,omitempty"`
	LLMAPIKey              string                    `json:"llm_api_key,omitempty"`
	RequestsPerMinute      int                       `json:"requests_per_minute,omitempty"`
	EnableParallelRequests bool                      `json:"enable_parallel_requests,omitempty"`
	RequestTimeoutSeconds  int                       `json:"request_timeout_seconds,omitempty"`
	CoordinateFormat       string                    `json:"coordinate_format,omitempty"`
}

// CreateHandler handles POST /api/projects
//
// Columns come either inline or seeded from a preset slug; inline
// columns win when both are present.
func (h *ProjectHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	userID, ok := RequireUser(w, r)
	if !ok {
		return
	}

	var req createProjectRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		WriteError(w, http.StatusBadRequest, "name is required")
		return
	}

	ctx := r.Context()

	columns := req.Columns
	flags := req.Flags
	if len(columns) == 0 && req.Preset != "" {
		preset, err := h.presets.Get(ctx, req.Preset)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				WriteError(w, http.StatusBadRequest, "Unknown preset: "+req.Preset)
			} else {
				WriteError(w, http.StatusInternalServerError, "Failed to load preset")
			}
			return
		}
		columns = preset.Columns
		if flags == nil {
			flags = &preset.Flags
		}
	}

	project := models.NewProject(userID, req.Name, columns)
	if flags != nil {
		project.Flags = *flags
	}
	project.LLMEndpoint = req.LLMEndpoint
	project.LLMModel = req.LLMModel
	project.LLMAPIKey = req.LLMAPIKey
	if req.RequestsPerMinute > 0 {
		project.RequestsPerMinute = req.RequestsPerMinute
	}
	project.EnableParallelRequests = req.EnableParallelRequests
	if req.RequestTimeoutSeconds > 0 {
		project.RequestTimeoutSeconds = req.RequestTimeoutSeconds
	}
	if req.CoordinateFormat != "" {
		project.CoordinateFormat = models.CoordinateFormat(req.CoordinateFormat)
	}

	if err := project.Validate(); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.projects.SaveProject(ctx, project); err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to save project")
		WriteError(w, http.StatusInternalServerError, "Failed to save project")
		return
	}

	h.logger.Info().
		Str("project_id", project.ID).
		Str("user_id", userID).
		Int("columns", len(project.Columns)).
		Msg("Project created")

	WriteJSON(w, http.StatusCreated, project)
}

// ListHandler handles GET /api/projects
func (h *ProjectHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	userID, ok := RequireUser(w, r)
	if !ok {
		return
	}

	projects, err := h.projects.ListProjects(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to list projects")
		WriteError(w, StatusFromError(err), err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"projects": projects,
		"count":    len(projects),
	})
}

// GetHandler handles GET /api/projects/{id}
func (h *ProjectHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDFromPath(w, r)
	if !ok {
		return
	}
	project, ok := RequireProject(w, r, h.projects, projectID)
	if !ok {
		return
	}

	WriteJSON(w, http.StatusOK, project)
}

type updateProjectRequest struct {
	Name                   *string                   `json:"name,omitempty"`
	Columns                []models.ColumnDefinition `json:"columns,omitempty"`
	Flags                  *models.FeatureFlags      `json:"feature_flags,omitempty"`
	LLMEndpoint            *string                   `json:"llm_endpoint,omitempty"`
	LLMModel               *string                   `json:"llm_model,omitempty"`
	LLMAPIKey              *string                   `json:"llm_api_key,omitempty"`
	RequestsPerMinute      *int                      `json:"requests_per_minute,omitempty"`
	EnableParallelRequests *bool                     `json:"enable_parallel_requests,omitempty"`
	RequestTimeoutSeconds  *int                      `json:"request_timeout_seconds,omitempty"`
	CoordinateFormat       *string                   `json:"coordinate_format,omitempty"`
}

// UpdateHandler handles PUT /api/projects/{id}
//
// Partial update: absent fields keep their current values.
func (h *ProjectHandler) UpdateHandler(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDFromPath(w, r)
	if !ok {
		return
	}
	project, ok := RequireProject(w, r, h.projects, projectID)
	if !ok {
		return
	}

	var req updateProjectRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	if req.Name != nil {
		project.Name = *req.Name
	}
	if len(req.Columns) > 0 {
		project.Columns = req.Columns
	}
	if req.Flags != nil {
		project.Flags = *req.Flags
	}
	if req.LLMEndpoint != nil {
		project.LLMEndpoint = *req.LLMEndpoint
	}
	if req.LLMModel != nil {
		project.LLMModel = *req.LLMModel
	}
	if req.LLMAPIKey != nil {
		project.LLMAPIKey = *req.LLMAPIKey
	}
	if req.RequestsPerMinute != nil {
		project.RequestsPerMinute = *req.RequestsPerMinute
	}
	if req.EnableParallelRequests != nil {
		project.EnableParallelRequests = *req.EnableParallelRequests
	}
	if req.RequestTimeoutSeconds != nil {
		project.RequestTimeoutSeconds = *req.RequestTimeoutSeconds
	}
	if req.CoordinateFormat != nil {
		project.CoordinateFormat = models.CoordinateFormat(*req.CoordinateFormat)
	}
	project.UpdatedAt = time.Now().UTC()

	if err := project.Validate(); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.projects.SaveProject(r.Context(), project); err != nil {
		h.logger.Error().Err(err).Str("project_id", project.ID).Msg("Failed to update project")
		WriteError(w, http.StatusInternalServerError, "Failed to update project")
		return
	}

	WriteJSON(w, http.StatusOK, project)
}

// DeleteHandler handles DELETE /api/projects/{id}
//
// Deletion cascades through the project's batches, rows and images.
func (h *ProjectHandler) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDFromPath(w, r)
	if !ok {
		return
	}
	project, ok := RequireProject(w, r, h.projects, projectID)
	if !ok {
		return
	}

	if err := h.projects.DeleteProject(r.Context(), project.ID); err != nil {
		h.logger.Error().Err(err).Str("project_id", project.ID).Msg("Failed to delete project")
		WriteError(w, StatusFromError(err), err.Error())
		return
	}

	h.logger.Info().Str("project_id", project.ID).Msg("Project deleted")
	WriteSuccess(w, "Project deleted")
}
