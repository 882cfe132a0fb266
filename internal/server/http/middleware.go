package httpserver

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/helixir/research-orchestrator/internal/auth"
	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/observability"
)

type contextKey string

const (
	ctxKeyProjectID contextKey = "project_id"
	ctxKeyTask      contextKey = "task"
)

// correlationIDMiddleware ensures every request has a correlation ID.
func correlationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = middleware.GetReqID(r.Context())
		}
		if correlationID == "" {
			buf := make([]byte, 8)
			if _, err := rand.Read(buf); err != nil {
				correlationID = fmt.Sprintf("%x", time.Now().UnixNano())
			} else {
				correlationID = fmt.Sprintf("%x", buf)
			}
		}

		w.Header().Set("X-Correlation-ID", correlationID)
		ctx := observability.WithRequestID(r.Context(), correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// jsonContentTypeMiddleware sets Content-Type: application/json for all responses.
func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware counts requests by route pattern and logs them.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RecordHTTPRequest(r.Method, route, status)

		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("request_id", observability.RequestIDFromContext(r.Context())).
			Msg("request served")
	})
}

// authenticate resolves the bearer token to a principal. Without an
// authorizer every request runs as the anonymous principal.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := auth.Anonymous()
		if s.authorizer != nil {
			p, err := s.authorizer.Authenticate(auth.BearerToken(r))
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="research-orchestrator"`)
				writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
				return
			}
			principal = p
		}

		ctx := auth.WithPrincipal(r.Context(), principal)
		ctx = observability.WithPrincipal(ctx, principal.Name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// projectAccessMiddleware parses the project ID from the path and checks
// that the caller may act on it.
func projectAccessMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := parseUUID(w, chi.URLParam(r, "projectID"), "project_id")
		if !ok {
			return
		}
		if !canAccess(r.Context(), projectID) {
			writeError(w, http.StatusForbidden, "access denied to project")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyProjectID, projectID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// taskAccessMiddleware loads the task named in the path and checks that the
// caller may act on its project.
func (s *Server) taskAccessMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		taskID, ok := parseUUID(w, chi.URLParam(r, "taskID"), "task_id")
		if !ok {
			return
		}
		task, err := s.svc.GetTask(r.Context(), taskID)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		if !canAccess(r.Context(), task.ProjectID) {
			writeError(w, http.StatusForbidden, "access denied to project")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyTask, task)
		ctx = observability.WithTask(ctx, task.ProjectID.String(), task.ID.String())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func canAccess(ctx context.Context, projectID uuid.UUID) bool {
	p, ok := auth.PrincipalFromContext(ctx)
	return ok && p.CanAccess(projectID)
}

// projectIDFromContext returns the project ID set by projectAccessMiddleware.
func projectIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxKeyProjectID).(uuid.UUID)
	return id
}

// taskFromContext returns the task loaded by taskAccessMiddleware.
func taskFromContext(ctx context.Context) *domain.Task {
	t, _ := ctx.Value(ctxKeyTask).(*domain.Task)
	return t
}
