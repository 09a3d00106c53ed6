package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tabula/internal/common"
	"github.com/ternarybob/tabula/internal/interfaces"
	"github.com/ternarybob/tabula/internal/services/status"
)

// StatusHandler handles HTTP requests for application status
type StatusHandler struct {
	statusService *status.Service
	queueStorage  interfaces.QueueStorage
	logger        arbor.ILogger
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(statusService *status.Service, queueStorage interfaces.QueueStorage, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		statusService: statusService,
		queueStorage:  queueStorage,
		logger:        logger,
	}
}

// GetStatusHandler handles GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	result := h.statusService.GetStatus()
	result["version"] = common.GetVersion()

	// Point-in-time queue counts across all projects.
	if stats, err := h.queueStorage.Stats(r.Context(), ""); err == nil {
		result["queue"] = stats
	} else {
		h.logger.Warn().Err(err).Msg("Failed to read queue stats for status")
	}

	WriteJSON(w, http.StatusOK, result)
}
