package httpserver

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/helixir/research-orchestrator/internal/auth"
	"github.com/helixir/research-orchestrator/internal/dispatch"
	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/observability"
	"github.com/helixir/research-orchestrator/internal/repository"
)

// Pagination and validation constants.
const (
	defaultPageSize    = 20
	maxPageSize        = 100
	maxRequestBodySize = 1 << 20 // 1 MB limit for request bodies
)

// startStage handles POST /projects/{projectID}/stages/{stage}. The body
// holds the stage parameters; an empty body uses the defaults.
func (s *Server) startStage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := projectIDFromContext(ctx)

	kind, err := domain.ParseStageKind(chi.URLParam(r, "stage"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	opts := dispatch.StartOptions{}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		opts.RequestedBy = p.Name
	}
	if v := r.URL.Query().Get("deadline_seconds"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			writeError(w, http.StatusBadRequest, "deadline_seconds must be a positive integer")
			return
		}
		opts.Deadline = time.Duration(secs) * time.Second
	}

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxRequestBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	task, err := s.svc.StartStage(ctx, projectID, kind, body, opts)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, startStageResponse{
		TaskID:   task.ID.String(),
		TaskType: string(task.Type),
		Status:   string(task.Status),
	})
}

// getProject handles GET /projects/{projectID}.
func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.GetProject(r.Context(), projectIDFromContext(r.Context()))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domainProjectToResponse(status))
}

// getTask handles GET /tasks/{taskID}. The record is returned as stored.
func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, domainTaskToResponse(taskFromContext(r.Context())))
}

// cancelTask handles DELETE /tasks/{taskID}. Cancellation is advisory: the
// response carries the task's status at the time of the request.
func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.CancelTask(r.Context(), taskFromContext(r.Context()).ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelTaskResponse{
		TaskID:          task.ID.String(),
		Status:          string(task.Status),
		CancelRequested: task.CancelRequested,
	})
}

// listTasks handles GET /tasks. Listing across projects requires access to
// all projects.
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	limit, offset := parsePaginationParams(r)

	filter := repository.TaskFilter{Limit: limit, Offset: offset}

	if v := q.Get("project_id"); v != "" {
		projectID, ok := parseUUID(w, v, "project_id")
		if !ok {
			return
		}
		if !canAccess(ctx, projectID) {
			writeError(w, http.StatusForbidden, "access denied to project")
			return
		}
		filter.ProjectID = &projectID
	} else if p, ok := auth.PrincipalFromContext(ctx); !ok || !p.IsAdmin() {
		writeError(w, http.StatusForbidden, "project_id is required")
		return
	}

	if v := q.Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			filter.Status = append(filter.Status, domain.TaskStatus(strings.TrimSpace(st)))
		}
	}
	if v := q.Get("task_type"); v != "" {
		filter.Type = domain.StageKind(v)
	}

	tasks, total, err := s.svc.ListTasks(ctx, filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	items := make([]taskResponse, len(tasks))
	for i, t := range tasks {
		items[i] = domainTaskToResponse(t)
	}
	writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:         items,
		NextPageToken: encodeHTTPPageToken(offset, limit, int(total)),
		TotalCount:    int(total),
	})
}

// writeDomainError maps domain errors to HTTP status codes and writes a JSON
// error response. Unexpected errors are logged and reported without detail.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	var rl *domain.RateLimitError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Error())
		} else {
			writeError(w, http.StatusBadRequest, "invalid input")
		}
	case errors.Is(err, domain.ErrGateViolation),
		errors.Is(err, domain.ErrAlreadyRunning),
		errors.Is(err, domain.ErrTaskTerminal),
		errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &rl):
		if secs := int(math.Ceil(rl.RetryAfter.Seconds())); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeError(w, http.StatusTooManyRequests, "rate limited")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited")
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, domain.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	case errors.Is(err, domain.ErrDataIntegrity):
		s.logError(r, err)
		writeError(w, http.StatusInternalServerError, "data integrity violation")
	default:
		s.logError(r, err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) logError(r *http.Request, err error) {
	logger := observability.LoggerFromContext(r.Context(), s.logger)
	logger.Error().Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg("request failed")
}

// parseUUID parses a UUID from a string, writing a 400 error response if invalid.
// The parse error details are not included to avoid echoing potentially malicious input.
func parseUUID(w http.ResponseWriter, s, fieldName string) (uuid.UUID, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must be a valid UUID", fieldName))
		return uuid.Nil, false
	}
	return id, true
}

// parsePaginationParams extracts page_size and page_token from query parameters.
// It applies default and maximum bounds to the page size.
func parsePaginationParams(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if pageSizeStr := r.URL.Query().Get("page_size"); pageSizeStr != "" {
		if parsed, err := strconv.Atoi(pageSizeStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	if pageToken := r.URL.Query().Get("page_token"); pageToken != "" {
		decoded, err := base64.StdEncoding.DecodeString(pageToken)
		if err == nil {
			if parsed, parseErr := strconv.Atoi(string(decoded)); parseErr == nil && parsed > 0 {
				offset = parsed
			}
		}
	}

	return limit, offset
}

// encodeHTTPPageToken encodes the next offset as a base64 page token.
// Returns an empty string if there are no more results.
func encodeHTTPPageToken(offset, limit, totalCount int) string {
	nextOffset := offset + limit
	if nextOffset < totalCount {
		return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(nextOffset)))
	}
	return ""
}
