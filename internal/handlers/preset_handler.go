package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tabula/internal/interfaces"
)

// PresetHandler handles HTTP requests for schema presets.
type PresetHandler struct {
	presets interfaces.PresetService
	logger  arbor.ILogger
}

// NewPresetHandler creates a new PresetHandler
func NewPresetHandler(presets interfaces.PresetService, logger arbor.ILogger) *PresetHandler {
	return &PresetHandler{
		presets: presets,
		logger:  logger,
	}
}

// ListHandler handles GET /api/presets
func (h *PresetHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	presets, err := h.presets.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list presets")
		WriteError(w, http.StatusInternalServerError, "Failed to list presets")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"presets": presets,
		"count":   len(presets),
	})
}
