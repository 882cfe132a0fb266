package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

// Task statuses.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// IsTerminal returns true if the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// IsValid reports whether s is a known status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the lifecycle permits moving from s to next.
// The only edges are pending->running and running->completed|failed.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusRunning
	case TaskStatusRunning:
		return next == TaskStatusCompleted || next == TaskStatusFailed
	default:
		return false
	}
}

// ErrorKind classifies why a task failed.
type ErrorKind string

// Error kinds recorded on failed tasks.
const (
	ErrorKindStage     ErrorKind = "stage_error"
	ErrorKindCancelled ErrorKind = "cancelled"
	ErrorKindTimeout   ErrorKind = "timeout"
	ErrorKindPanic     ErrorKind = "panic"
	ErrorKindAbandoned ErrorKind = "abandoned"
)

// ResultMessageKey is the result key holding the human-readable progress message.
const ResultMessageKey = "current_message"

// Task is one asynchronous execution of a stage for a project.
type Task struct {
	ID              uuid.UUID
	ProjectID       uuid.UUID
	Type            StageKind
	Status          TaskStatus
	Progress        int
	Params          []byte
	Result          map[string]any
	ErrorMessage    string
	ErrorKind       ErrorKind
	CancelRequested bool
	Deadline        *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// CurrentMessage returns the progress message stored in the result, if any.
func (t *Task) CurrentMessage() string {
	if t.Result == nil {
		return ""
	}
	msg, _ := t.Result[ResultMessageKey].(string)
	return msg
}

// IsTerminal reports whether the task reached a final status.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// ClampProgress bounds a progress value to 0..100.
func ClampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// FormatFailure renders the error message stored on a failed task.
func FormatFailure(kind ErrorKind, msg string) string {
	if msg == "" {
		return string(kind)
	}
	return string(kind) + ": " + msg
}
