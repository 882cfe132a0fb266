package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/helixir/research-orchestrator/internal/database"
	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/gate"
)

const taskColumns = `id, project_id, task_type, status, progress, params, result,
	error_message, error_kind, cancel_requested, deadline,
	created_at, updated_at, started_at, completed_at`

var _ TaskRepository = (*PgTaskRepository)(nil)

// PgTaskRepository is the PostgreSQL task record store.
type PgTaskRepository struct {
	db  DBTX
	now func() time.Time
}

// NewPgTaskRepository creates a PgTaskRepository.
func NewPgTaskRepository(db DBTX) *PgTaskRepository {
	return &PgTaskRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// CreateIfIdle locks the project row, checks the gate against its step and
// refuses when a pending or running task exists. The partial unique index
// tasks_one_inflight_per_project backs the in-flight check.
func (r *PgTaskRepository) CreateIfIdle(ctx context.Context, projectID uuid.UUID, stage domain.Stage, deadline *time.Time) (*domain.Task, error) {
	if beginner, ok := r.db.(database.TxBeginner); ok {
		var task *domain.Task
		err := database.WithTransaction(ctx, beginner, func(tx pgx.Tx) error {
			var err error
			task, err = (&PgTaskRepository{db: tx, now: r.now}).createIfIdle(ctx, projectID, stage, deadline)
			return err
		})
		if err != nil {
			return nil, err
		}
		return task, nil
	}
	return r.createIfIdle(ctx, projectID, stage, deadline)
}

func (r *PgTaskRepository) createIfIdle(ctx context.Context, projectID uuid.UUID, stage domain.Stage, deadline *time.Time) (*domain.Task, error) {
	var rawStep string
	err := r.db.QueryRow(ctx, `SELECT current_step FROM projects WHERE id = $1 FOR UPDATE`, projectID).Scan(&rawStep)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("project", projectID.String())
		}
		return nil, fmt.Errorf("failed to lock project: %w", err)
	}

	step, err := domain.ParseStep(rawStep)
	if err != nil {
		return nil, err
	}
	if err := gate.Check(step, stage.Kind()); err != nil {
		var gv *domain.GateViolationError
		if errors.As(err, &gv) {
			gv.ProjectID = projectID
		}
		return nil, err
	}

	var inflight uuid.UUID
	err = r.db.QueryRow(ctx,
		`SELECT id FROM tasks WHERE project_id = $1 AND status IN ('pending', 'running') LIMIT 1`,
		projectID).Scan(&inflight)
	switch {
	case err == nil:
		return nil, &domain.AlreadyRunningError{ProjectID: projectID, TaskID: inflight}
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("failed to check in-flight tasks: %w", err)
	}

	params, err := domain.EncodeStage(stage)
	if err != nil {
		return nil, err
	}

	now := r.now()
	task := &domain.Task{
		ID:        uuid.New(),
		ProjectID: projectID,
		Type:      stage.Kind(),
		Status:    domain.TaskStatusPending,
		Params:    params,
		Result:    map[string]any{},
		Deadline:  deadline,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO tasks (id, project_id, task_type, status, progress, params, result, deadline, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, '{}'::jsonb, $6, $7, $7)`,
		task.ID, task.ProjectID, string(task.Type), string(task.Status), []byte(params), deadline, now)
	if err != nil {
		if isPgError(err, pgUniqueViolation) {
			return nil, &domain.AlreadyRunningError{ProjectID: projectID}
		}
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}
	return task, nil
}

// Get retrieves a task by ID.
func (r *PgTaskRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	row := r.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("task", id.String())
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// MarkRunning moves a pending task to running.
func (r *PgTaskRepository) MarkRunning(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE tasks SET status = 'running', started_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING `+taskColumns, id, r.now())
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.transitionError(ctx, id, domain.TaskStatusRunning)
		}
		return nil, fmt.Errorf("failed to mark task running: %w", err)
	}
	return task, nil
}

// UpdateProgress records progress and an optional message on a running task.
func (r *PgTaskRepository) UpdateProgress(ctx context.Context, id uuid.UUID, progress int, message string) (bool, error) {
	var cancelRequested bool
	err := r.db.QueryRow(ctx, `
		UPDATE tasks SET
			progress = GREATEST(progress, $2),
			result = CASE WHEN $3 = '' THEN result
				ELSE jsonb_set(result, '{current_message}', to_jsonb($3::text)) END,
			updated_at = $4
		WHERE id = $1 AND status = 'running'
		RETURNING cancel_requested`,
		id, domain.ClampProgress(progress), message, r.now()).Scan(&cancelRequested)
	if err == nil {
		return cancelRequested, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("failed to update progress: %w", err)
	}

	// Not running: the write is dropped, but the caller still learns about
	// a cancellation request.
	task, getErr := r.Get(ctx, id)
	if getErr != nil {
		return false, getErr
	}
	return task.CancelRequested, nil
}

// Heartbeat refreshes updated_at of a running task.
func (r *PgTaskRepository) Heartbeat(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`UPDATE tasks SET updated_at = $2 WHERE id = $1 AND status = 'running'`, id, r.now())
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

// Complete moves a running task to completed.
func (r *PgTaskRepository) Complete(ctx context.Context, id uuid.UUID, result map[string]any) error {
	if result == nil {
		result = map[string]any{}
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE tasks SET status = 'completed', progress = 100, result = $2,
			completed_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'running'`,
		id, resultJSON, r.now())
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionError(ctx, id, domain.TaskStatusCompleted)
	}
	return nil
}

// Fail moves a running task to failed. The stored message is prefixed with kind.
func (r *PgTaskRepository) Fail(ctx context.Context, id uuid.UUID, kind domain.ErrorKind, message string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE tasks SET status = 'failed', error_kind = $2, error_message = $3,
			completed_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'running'`,
		id, string(kind), domain.FormatFailure(kind, message), r.now())
	if err != nil {
		return fmt.Errorf("failed to fail task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionError(ctx, id, domain.TaskStatusFailed)
	}
	return nil
}

// RequestCancel sets cancel_requested on a task that has not finished.
func (r *PgTaskRepository) RequestCancel(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE tasks SET cancel_requested = TRUE
		WHERE id = $1 AND status IN ('pending', 'running')
		RETURNING `+taskColumns, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.transitionError(ctx, id, "")
		}
		return nil, fmt.Errorf("failed to request cancellation: %w", err)
	}
	return task, nil
}

// List retrieves tasks matching the filter, newest first.
func (r *PgTaskRepository) List(ctx context.Context, filter TaskFilter) ([]*domain.Task, int64, error) {
	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}

	conditions := []string{"TRUE"}
	args := []interface{}{}
	argIndex := 1

	if filter.ProjectID != nil {
		conditions = append(conditions, fmt.Sprintf("project_id = $%d", argIndex))
		args = append(args, *filter.ProjectID)
		argIndex++
	}
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			placeholders[i] = fmt.Sprintf("$%d", argIndex)
			args = append(args, string(s))
			argIndex++
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filter.Type != "" {
		conditions = append(conditions, fmt.Sprintf("task_type = $%d", argIndex))
		args = append(args, string(filter.Type))
		argIndex++
	}

	whereClause := strings.Join(conditions, " AND ")

	var total int64
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM tasks WHERE "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		taskColumns, whereClause, argIndex, argIndex+1)
	args = append(args, filter.Limit, filter.Offset)

	tasks, err := r.queryTasks(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// ListStale returns non-terminal tasks last touched before cutoff.
func (r *PgTaskRepository) ListStale(ctx context.Context, cutoff time.Time) ([]*domain.Task, error) {
	return r.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('pending', 'running') AND updated_at < $1
		ORDER BY updated_at`, cutoff)
}

// LatestCompletedPerProject returns the newest completed task of every
// project whose step is not completed.
func (r *PgTaskRepository) LatestCompletedPerProject(ctx context.Context) ([]StageCompletion, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT ON (t.project_id) t.project_id, p.current_step, t.id, t.task_type, t.completed_at
		FROM tasks t
		JOIN projects p ON p.id = t.project_id
		WHERE t.status = 'completed' AND p.current_step <> 'completed'
		ORDER BY t.project_id, t.completed_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed tasks: %w", err)
	}
	defer rows.Close()

	var out []StageCompletion
	for rows.Next() {
		var (
			c        StageCompletion
			step     string
			taskType string
		)
		if err := rows.Scan(&c.ProjectID, &step, &c.TaskID, &taskType, &c.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan completion: %w", err)
		}
		c.CurrentStep = domain.Step(step)
		c.TaskType = domain.StageKind(taskType)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating completions: %w", err)
	}
	return out, nil
}

func (r *PgTaskRepository) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*domain.Task, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]*domain.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// transitionError explains why a conditional status update matched no row.
func (r *PgTaskRepository) transitionError(ctx context.Context, id uuid.UUID, to domain.TaskStatus) error {
	task, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return describeTransition(task, to)
}

func describeTransition(task *domain.Task, to domain.TaskStatus) error {
	if task.IsTerminal() {
		return fmt.Errorf("task %s is %s: %w", task.ID, task.Status, domain.ErrTaskTerminal)
	}
	if task.Status == domain.TaskStatusRunning && to == domain.TaskStatusRunning {
		return &domain.AlreadyRunningError{ProjectID: task.ProjectID, TaskID: task.ID}
	}
	return fmt.Errorf("task %s is %s, cannot move to %s: %w", task.ID, task.Status, to, domain.ErrInvalidTransition)
}

// taskScanDest holds scan destinations for a task row.
type taskScanDest struct {
	task         domain.Task
	taskType     string
	status       string
	resultJSON   []byte
	errorMessage *string
	errorKind    *string
}

func (d *taskScanDest) destinations() []interface{} {
	return []interface{}{
		&d.task.ID, &d.task.ProjectID, &d.taskType, &d.status, &d.task.Progress,
		&d.task.Params, &d.resultJSON,
		&d.errorMessage, &d.errorKind, &d.task.CancelRequested, &d.task.Deadline,
		&d.task.CreatedAt, &d.task.UpdatedAt, &d.task.StartedAt, &d.task.CompletedAt,
	}
}

func (d *taskScanDest) finalize() (*domain.Task, error) {
	d.task.Type = domain.StageKind(d.taskType)
	if !d.task.Type.IsValid() {
		return nil, &domain.IntegrityError{Entity: "task", Field: "task_type", Value: d.taskType}
	}
	d.task.Status = domain.TaskStatus(d.status)
	if !d.task.Status.IsValid() {
		return nil, &domain.IntegrityError{Entity: "task", Field: "status", Value: d.status}
	}
	if d.errorMessage != nil {
		d.task.ErrorMessage = *d.errorMessage
	}
	if d.errorKind != nil {
		d.task.ErrorKind = domain.ErrorKind(*d.errorKind)
	}
	d.task.Result = map[string]any{}
	if len(d.resultJSON) > 0 {
		if err := json.Unmarshal(d.resultJSON, &d.task.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return &d.task, nil
}

// scanTask scans one task from a pgx.Row or the current row of pgx.Rows.
func scanTask(row pgx.Row) (*domain.Task, error) {
	var dest taskScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}
