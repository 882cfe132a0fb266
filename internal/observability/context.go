package observability

import (
	"context"
)

type contextKey string

const (
	requestIDKey  contextKey = "request_id"
	principalKey  contextKey = "principal"
	projectIDKey  contextKey = "project_id"
	taskIDKey     contextKey = "task_id"
	workflowIDKey contextKey = "workflow_id"
	runIDKey      contextKey = "workflow_run_id"
)

// contextReader is the subset of context.Context the helpers read from.
type contextReader interface {
	Value(key any) any
}

func stringValue(ctx contextReader, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext retrieves the request ID, or "" if absent.
func RequestIDFromContext(ctx contextReader) string {
	return stringValue(ctx, requestIDKey)
}

// WithPrincipal adds the authenticated caller to the context.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFromContext retrieves the authenticated caller, or "" if absent.
func PrincipalFromContext(ctx contextReader) string {
	return stringValue(ctx, principalKey)
}

// WithTask adds project and task IDs to the context.
func WithTask(ctx context.Context, projectID, taskID string) context.Context {
	ctx = context.WithValue(ctx, projectIDKey, projectID)
	return context.WithValue(ctx, taskIDKey, taskID)
}

// TaskFromContext retrieves project and task IDs from the context.
func TaskFromContext(ctx contextReader) (projectID, taskID string) {
	return stringValue(ctx, projectIDKey), stringValue(ctx, taskIDKey)
}

// WithWorkflow adds workflow ID and run ID to the context.
func WithWorkflow(ctx context.Context, workflowID, runID string) context.Context {
	ctx = context.WithValue(ctx, workflowIDKey, workflowID)
	return context.WithValue(ctx, runIDKey, runID)
}

// WorkflowFromContext retrieves workflow ID and run ID from the context.
func WorkflowFromContext(ctx contextReader) (workflowID, runID string) {
	return stringValue(ctx, workflowIDKey), stringValue(ctx, runIDKey)
}
