package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/helixir/research-orchestrator/internal/domain"
)

// taskUpdatesChannel is the Postgres channel notified with a task ID on every
// task row update.
const taskUpdatesChannel = "task_updates"

// Stream event types.
const (
	sseEventSnapshot = "snapshot"
	sseEventUpdate   = "update"
	sseEventTerminal = "terminal"
	sseEventTimeout  = "timeout"
)

type sseEvent struct {
	EventType string       `json:"event_type"`
	Task      taskResponse `json:"task"`
	Timestamp time.Time    `json:"timestamp"`
}

// streamTask handles GET /tasks/{taskID}/stream (SSE). The task record is
// re-read every poll interval and, on Postgres, whenever the shared watcher
// reports a notification for it. The stream ends after the terminal record
// was sent.
func (s *Server) streamTask(w http.ResponseWriter, r *http.Request) {
	task := taskFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	if task.IsTerminal() {
		sendSSEEvent(w, flusher, sseEventTerminal, task)
		return
	}
	sendSSEEvent(w, flusher, sseEventSnapshot, task)

	ctx := r.Context()

	var wake <-chan struct{}
	if s.watcher != nil {
		var release func()
		wake, release = s.watcher.subscribe(task.ID)
		defer release()
	}

	deadlineTimer := time.NewTimer(s.cfg.StreamMaxDuration)
	defer deadlineTimer.Stop()
	ticker := time.NewTicker(s.cfg.StreamPollInterval)
	defer ticker.Stop()

	last := task
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadlineTimer.C:
			sendSSEEvent(w, flusher, sseEventTimeout, last)
			return
		case <-wake:
		case <-ticker.C:
		}

		current, err := s.svc.GetTask(ctx, task.ID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Str("task_id", task.ID.String()).Msg("failed to poll task")
			continue
		}

		if current.IsTerminal() {
			sendSSEEvent(w, flusher, sseEventTerminal, current)
			return
		}
		if changed(last, current) {
			sendSSEEvent(w, flusher, sseEventUpdate, current)
			last = current
		}
	}
}

func changed(prev, cur *domain.Task) bool {
	return prev.Status != cur.Status ||
		prev.Progress != cur.Progress ||
		prev.CurrentMessage() != cur.CurrentMessage() ||
		prev.CancelRequested != cur.CancelRequested
}

// sendSSEEvent writes a single SSE event to the response writer.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, task *domain.Task) {
	data, err := json.Marshal(sseEvent{
		EventType: eventType,
		Task:      domainTaskToResponse(task),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	flusher.Flush()
}
