package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ternarybob/tabula/internal/interfaces"
	"github.com/ternarybob/tabula/internal/models"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a standard success JSON response.
func WriteSuccess(w http.ResponseWriter, message string) error {
	return WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": message,
	})
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// DecodeJSON decodes the request body into v.
// Returns true on success, false otherwise (and writes error response).
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// UserID returns the caller identity from the X-User-ID header. The
// fronting authenticator sets it; an empty value means unauthenticated.
func UserID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// RequireUser extracts the caller identity.
// Returns the user id and true, or false otherwise (and writes error response).
func RequireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := UserID(r)
	if userID == "" {
		WriteError(w, http.StatusUnauthorized, "X-User-ID header is required")
		return "", false
	}
	return userID, true
}

// RequireProject loads a project and verifies the caller owns it. Writes
// 404 for a missing project and 403 for an ownership mismatch.
func RequireProject(w http.ResponseWriter, r *http.Request, store interfaces.ProjectStorage, projectID string) (*models.Project, bool) {
	userID, ok := RequireUser(w, r)
	if !ok {
		return nil, false
	}
	if projectID == "" {
		WriteError(w, http.StatusBadRequest, "project_id is required")
		return nil, false
	}

	project, err := store.GetProject(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Project not found")
		} else {
			WriteError(w, http.StatusInternalServerError, "Failed to load project")
		}
		return nil, false
	}
	if project.UserID != userID {
		WriteError(w, http.StatusForbidden, "Project belongs to another user")
		return nil, false
	}
	return project, true
}

// StatusFromError maps queue error kinds to HTTP status codes.
func StatusFromError(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidBatch):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
