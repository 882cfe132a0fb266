package events

import (
	"context"
	"fmt"

	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/observability"
)

const defaultServiceName = "research-orchestrator"

// EmitterConfig configures the Emitter with service context.
type EmitterConfig struct {
	// ServiceName identifies the source service in event metadata.
	ServiceName string
}

// EmitParams contains the parameters for building an event.
type EmitParams struct {
	// Task is the task the event is about.
	Task *domain.Task
	// EventType is the type of event (e.g., "task.started").
	EventType string
	// Payload is the event payload that will be JSON-serialized.
	Payload any
	// CorrelationID for request tracing (optional).
	CorrelationID string
}

// Emitter builds task events enriched with service and request context.
type Emitter struct {
	config EmitterConfig
}

// NewEmitter creates a new Emitter.
func NewEmitter(config EmitterConfig) *Emitter {
	if config.ServiceName == "" {
		config.ServiceName = defaultServiceName
	}
	return &Emitter{config: config}
}

// Emit creates an event from params. The correlation ID defaults to the
// request ID carried by ctx.
func (e *Emitter) Emit(ctx context.Context, params EmitParams) (*domain.Event, error) {
	if params.Task == nil {
		return nil, fmt.Errorf("task is required")
	}
	if params.EventType == "" {
		return nil, fmt.Errorf("event_type is required")
	}

	event, err := domain.NewTaskEvent(params.EventType, params.Task.ID, params.Task.ProjectID, params.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	metadata := map[string]string{"source": e.config.ServiceName}
	correlationID := params.CorrelationID
	if correlationID == "" {
		correlationID = observability.RequestIDFromContext(ctx)
	}
	if correlationID != "" {
		metadata["correlation_id"] = correlationID
	}
	if principal := observability.PrincipalFromContext(ctx); principal != "" {
		metadata["principal"] = principal
	}
	return event.WithMetadata(metadata), nil
}
