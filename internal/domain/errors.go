package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for common error conditions.
var (
	// ErrNotFound indicates that a requested entity was not found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that an entity already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates that the input data is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates that the request lacks valid authentication.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates that the caller may not act on the project.
	ErrForbidden = errors.New("forbidden")

	// ErrGateViolation indicates that the requested stage is not the one the
	// project's step gate currently permits.
	ErrGateViolation = errors.New("stage not permitted")

	// ErrAlreadyRunning indicates that the project already has a non-terminal task.
	ErrAlreadyRunning = errors.New("stage already running")

	// ErrTaskTerminal indicates an operation on a task that already finished.
	ErrTaskTerminal = errors.New("task already finished")

	// ErrInvalidTransition indicates a status change the task lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrCancelled indicates that a task observed a cancellation request.
	ErrCancelled = errors.New("cancelled")

	// ErrTimeout indicates that a task exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrDataIntegrity indicates persisted state that cannot be interpreted.
	ErrDataIntegrity = errors.New("data integrity violation")

	// ErrRateLimited indicates that the request was rate limited.
	ErrRateLimited = errors.New("rate limited")

	// ErrServiceUnavailable indicates that an external service is unavailable.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrInternalError indicates an internal server error.
	ErrInternalError = errors.New("internal error")
)

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NotFoundError provides details about a not found entity.
type NotFoundError struct {
	Entity string
	ID     string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// GateViolationError reports a stage-start request that does not match the
// stage permitted by the project's current step.
type GateViolationError struct {
	ProjectID uuid.UUID
	Current   Step
	Requested StageKind
	// Permitted is empty when the project has no next stage.
	Permitted StageKind
}

// Error implements the error interface.
func (e *GateViolationError) Error() string {
	if e.Permitted == "" {
		return fmt.Sprintf("stage %q not permitted: project is at step %q and accepts no further stages",
			e.Requested, e.Current)
	}
	return fmt.Sprintf("stage %q not permitted: project is at step %q, next stage is %q",
		e.Requested, e.Current, e.Permitted)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *GateViolationError) Unwrap() error {
	return ErrGateViolation
}

// AlreadyRunningError reports a dispatch attempt while another task of the
// same project is still pending or running.
type AlreadyRunningError struct {
	ProjectID uuid.UUID
	// TaskID is uuid.Nil when the conflicting task is not known, e.g. when the
	// conflict was reported by the unique index.
	TaskID uuid.UUID
}

// Error implements the error interface.
func (e *AlreadyRunningError) Error() string {
	if e.TaskID == uuid.Nil {
		return fmt.Sprintf("project %s already has a stage in flight", e.ProjectID)
	}
	return fmt.Sprintf("project %s already has a stage in flight: task %s", e.ProjectID, e.TaskID)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *AlreadyRunningError) Unwrap() error {
	return ErrAlreadyRunning
}

// IntegrityError reports a stored value that cannot be interpreted, such as
// an unknown current_step. It is never resolved by guessing a default.
type IntegrityError struct {
	Entity string
	Field  string
	Value  string
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s.%s has unrecognized value %q", e.Entity, e.Field, e.Value)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *IntegrityError) Unwrap() error {
	return ErrDataIntegrity
}

// StageError is the failure of a stage's unit of work. Kind distinguishes an
// ordinary failure from cancellation, timeout, a recovered panic and an
// abandoned task.
type StageError struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

// Unwrap returns the wrapped cause.
func (e *StageError) Unwrap() error {
	return e.Err
}

// RateLimitError provides details about a rate limit error.
type RateLimitError struct {
	Source     string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s: retry after %s", e.Source, e.RetryAfter)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// ExternalAPIError provides details about an external API error.
type ExternalAPIError struct {
	Source     string
	StatusCode int
	Message    string
	Cause      error
}

// Error implements the error interface.
func (e *ExternalAPIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Source, e.StatusCode, e.Message)
}

// Unwrap returns the underlying cause error.
func (e *ExternalAPIError) Unwrap() error {
	return e.Cause
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NewStageError creates a StageError of the given kind.
func NewStageError(kind ErrorKind, err error) *StageError {
	return &StageError{Kind: kind, Err: err}
}

// NewRateLimitError creates a new RateLimitError.
func NewRateLimitError(source string, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{Source: source, RetryAfter: retryAfter}
}

// NewExternalAPIError creates a new ExternalAPIError.
func NewExternalAPIError(source string, statusCode int, message string, cause error) *ExternalAPIError {
	return &ExternalAPIError{
		Source:     source,
		StatusCode: statusCode,
		Message:    message,
		Cause:      cause,
	}
}

// ClassifyError maps an error returned by a stage to the ErrorKind recorded on
// the failed task.
func ClassifyError(err error) ErrorKind {
	var stageErr *StageError
	if errors.As(err, &stageErr) && stageErr.Kind != "" {
		return stageErr.Kind
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return ErrorKindTimeout
	case errors.Is(err, ErrCancelled):
		return ErrorKindCancelled
	default:
		return ErrorKindStage
	}
}
