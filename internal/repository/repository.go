// Package repository provides the task record store, the project store and
// the document store of the research orchestrator.
//
// Each store has a PostgreSQL implementation built on pgx and an in-process
// implementation (MemoryStore) used by the memory storage backend and by
// tests of the packages above this one.
//
// # Errors
//
// Methods return the sentinel and typed errors of the domain package:
//
//   - domain.ErrNotFound: the record does not exist
//   - domain.ErrGateViolation: the requested stage is not the permitted one
//   - domain.ErrAlreadyRunning: the project already has a stage in flight
//   - domain.ErrTaskTerminal: the task already finished
//   - domain.ErrDataIntegrity: a stored value cannot be interpreted
//
// # Transactions
//
// Pg repositories accept a DBTX. When that DBTX can begin transactions the
// multi-statement operations (CreateIfIdle) open their own; when it is
// already a pgx.Tx they run inside it.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/helixir/research-orchestrator/internal/database"
	"github.com/helixir/research-orchestrator/internal/domain"
)

// DBTX is the database interface supporting both pool and transaction contexts.
type DBTX = database.DBTX

// PostgreSQL error codes.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// List pagination defaults and limits.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// TaskRepository is the task record store.
type TaskRepository interface {
	// CreateIfIdle atomically checks the project's gate and the absence of an
	// in-flight task, then inserts a pending task for stage.
	CreateIfIdle(ctx context.Context, projectID uuid.UUID, stage domain.Stage, deadline *time.Time) (*domain.Task, error)

	Get(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// MarkRunning moves a pending task to running.
	MarkRunning(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// UpdateProgress records progress on a running task and reports whether
	// cancellation was requested. Writes to a task that is not running are
	// dropped without error. Progress never decreases.
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int, message string) (cancelRequested bool, err error)

	// Heartbeat refreshes updated_at of a running task.
	Heartbeat(ctx context.Context, id uuid.UUID) error

	// Complete moves a running task to completed with the given result.
	Complete(ctx context.Context, id uuid.UUID, result map[string]any) error

	// Fail moves a running task to failed.
	Fail(ctx context.Context, id uuid.UUID, kind domain.ErrorKind, message string) error

	// RequestCancel sets the cooperative cancellation flag of a pending or
	// running task and returns the updated record.
	RequestCancel(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// List returns tasks matching the filter, newest first, and the total count.
	List(ctx context.Context, filter TaskFilter) ([]*domain.Task, int64, error)

	// ListStale returns pending and running tasks last touched before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]*domain.Task, error)

	// LatestCompletedPerProject returns, for every project not yet at the
	// completed step, its most recently completed task.
	LatestCompletedPerProject(ctx context.Context) ([]StageCompletion, error)
}

// ProjectRepository stores research projects.
type ProjectRepository interface {
	Create(ctx context.Context, project *domain.Project) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Project, error)

	// AdvanceStep sets current_step to `to` only if it is still `from`. It
	// reports whether the row changed.
	AdvanceStep(ctx context.Context, id uuid.UUID, from, to domain.Step) (bool, error)

	// Status returns the project with its latest task and task counts.
	Status(ctx context.Context, id uuid.UUID) (*domain.ProjectStatus, error)
}

// Document is one stored artifact of a project.
type Document struct {
	Key       string
	Payload   json.RawMessage
	UpdatedAt time.Time
}

// DocumentStore is the key-value artifact store the stages read and write.
type DocumentStore interface {
	// Put stores v as JSON under (project, kind, key), replacing any previous value.
	Put(ctx context.Context, projectID uuid.UUID, kind, key string, v any) error

	// Get decodes the document into dst. It returns a NotFoundError when absent.
	Get(ctx context.Context, projectID uuid.UUID, kind, key string, dst any) error

	// List returns all documents of a kind ordered by key.
	List(ctx context.Context, projectID uuid.UUID, kind string) ([]Document, error)

	// DeleteKind removes all documents of a kind.
	DeleteKind(ctx context.Context, projectID uuid.UUID, kind string) error
}

// StageCompletion pairs a project's stored step with its latest completed task.
type StageCompletion struct {
	ProjectID   uuid.UUID
	CurrentStep domain.Step
	TaskID      uuid.UUID
	TaskType    domain.StageKind
	CompletedAt time.Time
}

// TaskFilter selects tasks for List.
type TaskFilter struct {
	ProjectID *uuid.UUID
	Status    []domain.TaskStatus
	Type      domain.StageKind
	Limit     int
	Offset    int
}

// Validate checks the filter and applies pagination defaults.
func (f *TaskFilter) Validate() error {
	for _, s := range f.Status {
		if !s.IsValid() {
			return domain.NewValidationError("status", "unknown task status "+string(s))
		}
	}
	if f.Type != "" && !f.Type.IsValid() {
		return domain.NewValidationError("task_type", "unknown stage "+string(f.Type))
	}
	applyPaginationDefaults(&f.Limit, &f.Offset)
	return nil
}

func applyPaginationDefaults(limit, offset *int) {
	if *limit <= 0 {
		*limit = DefaultListLimit
	}
	if *limit > MaxListLimit {
		*limit = MaxListLimit
	}
	if *offset < 0 {
		*offset = 0
	}
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
