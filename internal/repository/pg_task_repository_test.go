package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/research-orchestrator/internal/domain"
)

var taskColumnNames = []string{
	"id", "project_id", "task_type", "status", "progress", "params", "result",
	"error_message", "error_kind", "cancel_requested", "deadline",
	"created_at", "updated_at", "started_at", "completed_at",
}

// taskRow builds a mock row for a task with the given status.
func taskRow(id, projectID uuid.UUID, kind domain.StageKind, status domain.TaskStatus, cancel bool) *pgxmock.Rows {
	now := time.Now().UTC()
	return pgxmock.NewRows(taskColumnNames).AddRow(
		id, projectID, string(kind), string(status), 10,
		[]byte(`{}`), []byte(`{"current_message":"Searching papers..."}`),
		(*string)(nil), (*string)(nil), cancel, (*time.Time)(nil),
		now, now, (*time.Time)(nil), (*time.Time)(nil),
	)
}

func TestPgTaskRepository_CreateIfIdle(t *testing.T) {
	t.Run("inserts pending task when gate permits and project is idle", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgTaskRepository(mock)
		projectID := uuid.New()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT current_step FROM projects WHERE id = \$1 FOR UPDATE`).
			WithArgs(projectID).
			WillReturnRows(pgxmock.NewRows([]string{"current_step"}).AddRow("init"))
		mock.ExpectQuery(`SELECT id FROM tasks WHERE project_id = \$1 AND status IN`).
			WithArgs(projectID).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectExec(`INSERT INTO tasks`).
			WithArgs(pgxmock.AnyArg(), projectID, "discover", "pending",
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		task, err := repo.CreateIfIdle(context.Background(), projectID,
			domain.DiscoverStage{MaxResults: 50}, nil)
		require.NoError(t, err)
		assert.Equal(t, domain.StageDiscover, task.Type)
		assert.Equal(t, domain.TaskStatusPending, task.Status)
		assert.Equal(t, projectID, task.ProjectID)
		assert.NotEqual(t, uuid.Nil, task.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects stage the gate does not permit", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgTaskRepository(mock)
		projectID := uuid.New()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT current_step FROM projects`).
			WithArgs(projectID).
			WillReturnRows(pgxmock.NewRows([]string{"current_step"}).AddRow("discovery"))
		mock.ExpectRollback()

		_, err = repo.CreateIfIdle(context.Background(), projectID, domain.LandscapeStage{}, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrGateViolation))

		var gv *domain.GateViolationError
		require.True(t, errors.As(err, &gv))
		assert.Equal(t, projectID, gv.ProjectID)
		assert.Equal(t, domain.StageAnalyze, gv.Permitted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reports the in-flight task", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgTaskRepository(mock)
		projectID := uuid.New()
		inflight := uuid.New()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT current_step FROM projects`).
			WithArgs(projectID).
			WillReturnRows(pgxmock.NewRows([]string{"current_step"}).AddRow("init"))
		mock.ExpectQuery(`SELECT id FROM tasks WHERE project_id = \$1`).
			WithArgs(projectID).
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(inflight))
		mock.ExpectRollback()

		_, err = repo.CreateIfIdle(context.Background(), projectID, domain.DiscoverStage{}, nil)
		var are *domain.AlreadyRunningError
		require.True(t, errors.As(err, &are))
		assert.Equal(t, inflight, are.TaskID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("maps unique violation to already running", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgTaskRepository(mock)
		projectID := uuid.New()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT current_step FROM projects`).
			WithArgs(projectID).
			WillReturnRows(pgxmock.NewRows([]string{"current_step"}).AddRow("init"))
		mock.ExpectQuery(`SELECT id FROM tasks`).
			WithArgs(projectID).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectExec(`INSERT INTO tasks`).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})
		mock.ExpectRollback()

		_, err = repo.CreateIfIdle(context.Background(), projectID, domain.DiscoverStage{}, nil)
		assert.True(t, errors.Is(err, domain.ErrAlreadyRunning))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown step is an integrity error", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgTaskRepository(mock)
		projectID := uuid.New()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT current_step FROM projects`).
			WithArgs(projectID).
			WillReturnRows(pgxmock.NewRows([]string{"current_step"}).AddRow("brainstorm"))
		mock.ExpectRollback()

		_, err = repo.CreateIfIdle(context.Background(), projectID, domain.DiscoverStage{}, nil)
		assert.True(t, errors.Is(err, domain.ErrDataIntegrity))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing project", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgTaskRepository(mock)
		projectID := uuid.New()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT current_step FROM projects`).
			WithArgs(projectID).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectRollback()

		_, err = repo.CreateIfIdle(context.Background(), projectID, domain.DiscoverStage{}, nil)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgTaskRepository_Get(t *testing.T) {
	t.Run("returns task when found", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgTaskRepository(mock)
		id, projectID := uuid.New(), uuid.New()

		mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1`).
			WithArgs(id).
			WillReturnRows(taskRow(id, projectID, domain.StageAnalyze, domain.TaskStatusRunning, false))

		task, err := repo.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, id, task.ID)
		assert.Equal(t, domain.StageAnalyze, task.Type)
		assert.Equal(t, "Searching papers...", task.CurrentMessage())
		assert.Nil(t, task.StartedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns not found error", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgTaskRepository(mock)
		id := uuid.New()

		mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1`).
			WithArgs(id).
			WillReturnError(pgx.ErrNoRows)

		_, err = repo.Get(context.Background(), id)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("unknown stored status is an integrity error", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgTaskRepository(mock)
		id := uuid.New()

		mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1`).
			WithArgs(id).
			WillReturnRows(taskRow(id, uuid.New(), domain.StageDiscover, "queued", false))

		_, err = repo.Get(context.Background(), id)
		assert.True(t, errors.Is(err, domain.ErrDataIntegrity))
	})
}

func TestPgTaskRepository_MarkRunning(t *testing.T) {
	t.Run("moves pending task to running", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgTaskRepository(mock)
		id, projectID := uuid.New(), uuid.New()

		mock.ExpectQuery(`UPDATE tasks SET status = 'running'`).
			WithArgs(id, pgxmock.AnyArg()).
			WillReturnRows(taskRow(id, projectID, domain.StageDiscover, domain.TaskStatusRunning, false))

		task, err := repo.MarkRunning(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusRunning, task.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already running task is reported", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgTaskRepository(mock)
		id, projectID := uuid.New(), uuid.New()

		mock.ExpectQuery(`UPDATE tasks SET status = 'running'`).
			WithArgs(id, pgxmock.AnyArg()).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1`).
			WithArgs(id).
			WillReturnRows(taskRow(id, projectID, domain.StageDiscover, domain.TaskStatusRunning, false))

		_, err = repo.MarkRunning(context.Background(), id)
		assert.True(t, errors.Is(err, domain.ErrAlreadyRunning))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("finished task is terminal", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgTaskRepository(mock)
		id := uuid.New()

		mock.ExpectQuery(`UPDATE tasks SET status = 'running'`).
			WithArgs(id, pgxmock.AnyArg()).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1`).
			WithArgs(id).
			WillReturnRows(taskRow(id, uuid.New(), domain.StageDiscover, domain.TaskStatusFailed, false))

		_, err = repo.MarkRunning(context.Background(), id)
		assert.True(t, errors.Is(err, domain.ErrTaskTerminal))
	})
}

func TestPgTaskRepository_UpdateProgress(t *testing.T) {
	t.Run("returns cancellation flag", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgTaskRepository(mock)
		id := uuid.New()

		mock.ExpectQuery(`UPDATE tasks SET\s+progress = GREATEST`).
			WithArgs(id, 100, "Analyzing papers...", pgxmock.AnyArg()).
			WillReturnRows(pgxmock.NewRows([]string{"cancel_requested"}).AddRow(true))

		cancel, err := repo.UpdateProgress(context.Background(), id, 140, "Analyzing papers...")
		require.NoError(t, err)
		assert.True(t, cancel)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("drops write to finished task", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgTaskRepository(mock)
		id := uuid.New()

		mock.ExpectQuery(`UPDATE tasks SET\s+progress = GREATEST`).
			WithArgs(id, 0, "", pgxmock.AnyArg()).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1`).
			WithArgs(id).
			WillReturnRows(taskRow(id, uuid.New(), domain.StageDiscover, domain.TaskStatusCompleted, false))

		cancel, err := repo.UpdateProgress(context.Background(), id, -5, "")
		require.NoError(t, err)
		assert.False(t, cancel)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgTaskRepository_Complete(t *testing.T) {
	t.Run("completes running task", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgTaskRepository(mock)
		id := uuid.New()

		mock.ExpectExec(`UPDATE tasks SET status = 'completed'`).
			WithArgs(id, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err = repo.Complete(context.Background(), id, map[string]any{"papers_found": 3})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("pending task cannot complete", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgTaskRepository(mock)
		id := uuid.New()

		mock.ExpectExec(`UPDATE tasks SET status = 'completed'`).
			WithArgs(id, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1`).
			WithArgs(id).
			WillReturnRows(taskRow(id, uuid.New(), domain.StageDiscover, domain.TaskStatusPending, false))

		err = repo.Complete(context.Background(), id, nil)
		assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	})
}

func TestPgTaskRepository_Fail(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgTaskRepository(mock)
	id := uuid.New()

	mock.ExpectExec(`UPDATE tasks SET status = 'failed'`).
		WithArgs(id, "timeout", "timeout: deadline exceeded", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = repo.Fail(context.Background(), id, domain.ErrorKindTimeout, "deadline exceeded")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgTaskRepository_RequestCancel(t *testing.T) {
	t.Run("flags in-flight task", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgTaskRepository(mock)
		id := uuid.New()

		mock.ExpectQuery(`UPDATE tasks SET cancel_requested = TRUE`).
			WithArgs(id).
			WillReturnRows(taskRow(id, uuid.New(), domain.StageIdeas, domain.TaskStatusRunning, true))

		task, err := repo.RequestCancel(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, task.CancelRequested)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("finished task is terminal", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgTaskRepository(mock)
		id := uuid.New()

		mock.ExpectQuery(`UPDATE tasks SET cancel_requested = TRUE`).
			WithArgs(id).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1`).
			WithArgs(id).
			WillReturnRows(taskRow(id, uuid.New(), domain.StageIdeas, domain.TaskStatusCompleted, false))

		_, err = repo.RequestCancel(context.Background(), id)
		assert.True(t, errors.Is(err, domain.ErrTaskTerminal))
	})
}

func TestPgTaskRepository_List(t *testing.T) {
	t.Run("filters by project and status", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgTaskRepository(mock)
		projectID := uuid.New()
		id := uuid.New()

		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM tasks WHERE TRUE AND project_id = \$1 AND status IN \(\$2, \$3\)`).
			WithArgs(projectID, "pending", "running").
			WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(1)))
		mock.ExpectQuery(`SELECT .+ FROM tasks WHERE .+ ORDER BY created_at DESC LIMIT \$4 OFFSET \$5`).
			WithArgs(projectID, "pending", "running", DefaultListLimit, 0).
			WillReturnRows(taskRow(id, projectID, domain.StageDiscover, domain.TaskStatusRunning, false))

		tasks, total, err := repo.List(context.Background(), TaskFilter{
			ProjectID: &projectID,
			Status:    []domain.TaskStatus{domain.TaskStatusPending, domain.TaskStatusRunning},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		require.Len(t, tasks, 1)
		assert.Equal(t, id, tasks[0].ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgTaskRepository(mock)
		_, _, err = repo.List(context.Background(), TaskFilter{Status: []domain.TaskStatus{"done"}})
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	})
}

func TestPgTaskRepository_LatestCompletedPerProject(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgTaskRepository(mock)
	projectID, taskID := uuid.New(), uuid.New()
	completedAt := time.Now().UTC()

	mock.ExpectQuery(`SELECT DISTINCT ON \(t.project_id\)`).
		WillReturnRows(pgxmock.NewRows([]string{"project_id", "current_step", "id", "task_type", "completed_at"}).
			AddRow(projectID, "init", taskID, "discover", completedAt))

	got, err := repo.LatestCompletedPerProject(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.StepInit, got[0].CurrentStep)
	assert.Equal(t, domain.StageDiscover, got[0].TaskType)
	assert.Equal(t, taskID, got[0].TaskID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
