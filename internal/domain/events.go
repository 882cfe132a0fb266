package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants for task lifecycle events.
const (
	EventTypeTaskCreated        = "task.created"
	EventTypeTaskStarted        = "task.started"
	EventTypeTaskProgress       = "task.progress"
	EventTypeTaskCompleted      = "task.completed"
	EventTypeTaskFailed         = "task.failed"
	EventTypeTaskCancelRequest  = "task.cancel_requested"
	EventTypeProjectStepAdvance = "project.step_advanced"
)

// AggregateTypeTask is the aggregate type of task lifecycle events.
const AggregateTypeTask = "task"

// Event is a task lifecycle event published to the event stream.
type Event struct {
	EventID       string            `json:"event_id"`
	EventVersion  int               `json:"event_version"`
	EventType     string            `json:"event_type"`
	AggregateID   string            `json:"aggregate_id"`
	AggregateType string            `json:"aggregate_type"`
	ProjectID     string            `json:"project_id"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// NewTaskEvent creates an event about a task. The payload is JSON-serialized.
func NewTaskEvent(eventType string, taskID, projectID uuid.UUID, payload any) (*Event, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		EventID:       uuid.New().String(),
		EventVersion:  1,
		EventType:     eventType,
		AggregateID:   taskID.String(),
		AggregateType: AggregateTypeTask,
		ProjectID:     projectID.String(),
		Payload:       payloadBytes,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// WithMetadata sets the metadata on the event.
func (e *Event) WithMetadata(metadata map[string]string) *Event {
	e.Metadata = metadata
	return e
}

// TaskCreatedPayload is the payload for task.created events.
type TaskCreatedPayload struct {
	TaskType StageKind       `json:"task_type"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// TaskProgressPayload is the payload for task.started and task.progress events.
type TaskProgressPayload struct {
	TaskType StageKind `json:"task_type"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
}

// TaskCompletedPayload is the payload for task.completed events.
type TaskCompletedPayload struct {
	TaskType StageKind     `json:"task_type"`
	Duration time.Duration `json:"duration_ns"`
}

// TaskFailedPayload is the payload for task.failed events.
type TaskFailedPayload struct {
	TaskType  StageKind `json:"task_type"`
	ErrorKind ErrorKind `json:"error_kind"`
	Error     string    `json:"error"`
}

// StepAdvancedPayload is the payload for project.step_advanced events.
type StepAdvancedPayload struct {
	From Step `json:"from"`
	To   Step `json:"to"`
}
