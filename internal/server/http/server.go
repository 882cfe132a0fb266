// Package httpserver provides the HTTP REST API of the orchestrator.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/research-orchestrator/internal/auth"
	"github.com/helixir/research-orchestrator/internal/database"
	"github.com/helixir/research-orchestrator/internal/dispatch"
	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/observability"
	"github.com/helixir/research-orchestrator/internal/repository"
)

// Service is the dispatch and status API served over HTTP.
type Service interface {
	StartStage(ctx context.Context, projectID uuid.UUID, kind domain.StageKind, raw json.RawMessage, opts dispatch.StartOptions) (*domain.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	ListTasks(ctx context.Context, filter repository.TaskFilter) ([]*domain.Task, int64, error)
	CancelTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	GetProject(ctx context.Context, id uuid.UUID) (*domain.ProjectStatus, error)
}

// HealthChecker reports the health of the backing database.
type HealthChecker interface {
	Health(ctx context.Context) database.HealthStatus
}

// Notifier delivers Postgres notifications. *database.DB implements it.
type Notifier interface {
	Listen(ctx context.Context, channel string, fn func(payload string)) error
}

// Config holds HTTP server configuration.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// StreamPollInterval is how often a task stream re-reads the record.
	StreamPollInterval time.Duration
	// StreamMaxDuration closes streams that stay open longer.
	StreamMaxDuration time.Duration
}

// Server is the HTTP REST API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	svc        Service
	authorizer *auth.Authorizer
	health     HealthChecker
	watcher    *taskWatcher
	metrics    *observability.Metrics
	logger     zerolog.Logger
	cfg        Config
}

// NewServer creates the HTTP server. A nil authorizer disables
// authentication; nil health and notifier mean the server runs without a
// database.
func NewServer(
	cfg Config,
	svc Service,
	authorizer *auth.Authorizer,
	health HealthChecker,
	notifier Notifier,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Server {
	if cfg.StreamPollInterval <= 0 {
		cfg.StreamPollInterval = 2 * time.Second
	}
	if cfg.StreamMaxDuration <= 0 {
		cfg.StreamMaxDuration = 4 * time.Hour
	}

	s := &Server{
		svc:        svc,
		authorizer: authorizer,
		health:     health,
		metrics:    metrics,
		logger:     logger.With().Str("component", "http-server").Logger(),
		cfg:        cfg,
	}
	if notifier != nil {
		s.watcher = newTaskWatcher(notifier, s.logger)
	}
	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the server's router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(correlationIDMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(jsonContentTypeMiddleware)

	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readinessHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Use(projectAccessMiddleware)
			r.Get("/", s.getProject)
			r.Post("/stages/{stage}", s.startStage)
		})

		r.Get("/tasks", s.listTasks)
		r.Route("/tasks/{taskID}", func(r chi.Router) {
			r.Use(s.taskAccessMiddleware)
			r.Get("/", s.getTask)
			r.Delete("/", s.cancelTask)
			r.Get("/stream", s.streamTask)
		})
	})

	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.httpServer.Addr).Msg("HTTP server starting")
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on HTTP address: %w", err)
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.watcher != nil {
		s.watcher.close()
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler returns liveness status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "none"})
		return
	}
	health := s.health.Health(r.Context())
	if health.Status == "healthy" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": health.Status})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"status":   "unhealthy",
		"database": health.Status,
		"error":    health.Error,
	})
}

// readinessHandler returns readiness status.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	health := s.health.Health(r.Context())
	if health.Status != "healthy" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "not_ready",
			"database": health.Status,
			"error":    health.Error,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ready",
		"database": "healthy",
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
