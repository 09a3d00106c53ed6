package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes - Queue
	mux.HandleFunc("/api/queue/enqueue", s.app.QueueHandler.EnqueueHandler)
	mux.HandleFunc("/api/queue/redo", s.app.QueueHandler.RedoHandler)
	mux.HandleFunc("/api/queue/cancel", s.app.QueueHandler.CancelHandler)
	mux.HandleFunc("/api/queue/retry", s.app.QueueHandler.RetryHandler)
	mux.HandleFunc("/api/queue/stats", s.app.QueueHandler.StatsHandler)
	mux.HandleFunc("/api/queue/jobs/", s.handleQueueJobRoutes) // GET /{id}

	// API routes - Batches
	mux.HandleFunc("/api/batches/status", s.app.BatchHandler.UpdateStatusHandler)
	mux.HandleFunc("/api/batches/delete", s.app.BatchHandler.DeleteHandler)
	mux.HandleFunc("/api/batches/", s.handleBatchRoutes) // GET /{id}, GET /{id}/rows, POST /{id}/crops

	// API routes - Projects
	mux.HandleFunc("/api/projects", s.handleProjectsRoute)  // GET (list), POST (create)
	mux.HandleFunc("/api/projects/", s.handleProjectRoutes) // GET/PUT/DELETE /{id}, GET/POST /{id}/batches

	// API routes - Presets and metrics
	mux.HandleFunc("/api/presets", s.app.PresetHandler.ListHandler)
	mux.HandleFunc("/api/metrics", s.app.MetricsHandler.ListHandler)

	// API routes - System
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleQueueJobRoutes routes /api/queue/jobs/{id} requests
func (s *Server) handleQueueJobRoutes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		s.app.QueueHandler.GetJobHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleBatchRoutes routes /api/batches/{id} requests and subpaths
func (s *Server) handleBatchRoutes(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 3 || pathParts[2] == "" {
		http.Error(w, "Batch ID is required", http.StatusBadRequest)
		return
	}

	// GET /api/batches/{id}
	if len(pathParts) == 3 {
		if r.Method == "GET" {
			s.app.BatchHandler.GetBatchHandler(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch pathParts[3] {
	case "rows":
		// GET /api/batches/{id}/rows
		if r.Method == "GET" {
			s.app.BatchHandler.ListRowsHandler(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	case "crops":
		// POST /api/batches/{id}/crops
		if r.Method == "POST" {
			s.app.BatchHandler.CreateCropsHandler(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleProjectsRoute routes /api/projects requests (list and create)
func (s *Server) handleProjectsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		s.app.ProjectHandler.ListHandler(w, r)
	case "POST":
		s.app.ProjectHandler.CreateHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleProjectRoutes routes /api/projects/{id} requests and subpaths
func (s *Server) handleProjectRoutes(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 3 || pathParts[2] == "" {
		http.Error(w, "Project ID is required", http.StatusBadRequest)
		return
	}

	// GET/POST /api/projects/{id}/batches
	if len(pathParts) == 4 && pathParts[3] == "batches" {
		switch r.Method {
		case "GET":
			s.app.BatchHandler.ListBatchesHandler(w, r)
		case "POST":
			s.app.BatchHandler.CreateBatchHandler(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if len(pathParts) != 3 {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case "GET":
		s.app.ProjectHandler.GetHandler(w, r)
	case "PUT":
		s.app.ProjectHandler.UpdateHandler(w, r)
	case "DELETE":
		s.app.ProjectHandler.DeleteHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
