package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/phuslu/log"
	"github.com/ternarybob/tabula/internal/app"
	"golang.org/x/time/rate"
)

// Server manages the HTTP server and routes
type Server struct {
	app       *app.App
	router    *http.ServeMux
	server    *http.Server
	limiter   *rate.Limiter
	accessLog log.Logger
}

// New creates a new HTTP server with the given app
func New(application *app.App) *Server {
	s := &Server{
		app: application,
	}

	// API rate limiter, disabled when rate_limit_rps is 0.
	cfg := application.Config.Server
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}

	// Rotating access log, separate from the application log.
	s.accessLog = log.Logger{
		Level:      log.InfoLevel,
		TimeFormat: "15:04:05",
		Writer: &log.FileWriter{
			Filename:     filepath.Join("logs", "access.log"),
			MaxSize:      50 << 20,
			MaxBackups:   7,
			EnsureFolder: true,
			LocalTime:    true,
		},
	}

	// Setup routes
	s.router = s.setupRoutes()

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withMiddleware(s.router),
		ReadTimeout:  parseTimeout(cfg.ReadTimeout, 30*time.Second),
		WriteTimeout: parseTimeout(cfg.WriteTimeout, 120*time.Second),
		IdleTimeout:  parseTimeout(cfg.IdleTimeout, 120*time.Second),
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.app.Config.Server.Host, s.app.Config.Server.Port)

	s.app.Logger.Info().
		Str("address", addr).
		Msg("HTTP server starting")

	s.app.Logger.Info().
		Str("url", fmt.Sprintf("http://%s/api/status", addr)).
		Msg("Queue API available")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.app.Logger.Info().Msg("Shutting down HTTP server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.app.Logger.Info().Msg("HTTP server stopped")
	return nil
}

func parseTimeout(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
