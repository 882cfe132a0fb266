package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/research-orchestrator/internal/domain"
)

func newProject(t *testing.T, store *MemoryStore, step domain.Step) *domain.Project {
	t.Helper()
	p := &domain.Project{Title: "test", CurrentStep: step}
	require.NoError(t, store.Projects().Create(context.Background(), p))
	return p
}

func TestMemoryStore_CreateIfIdle(t *testing.T) {
	ctx := context.Background()

	t.Run("creates pending task", func(t *testing.T) {
		store := NewMemoryStore()
		p := newProject(t, store, "")

		task, err := store.Tasks().CreateIfIdle(ctx, p.ID, domain.DiscoverStage{MaxResults: 10}, nil)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusPending, task.Status)
		assert.JSONEq(t, `{"max_results":10}`, string(task.Params))
	})

	t.Run("gate violation", func(t *testing.T) {
		store := NewMemoryStore()
		p := newProject(t, store, domain.StepDiscovery)

		_, err := store.Tasks().CreateIfIdle(ctx, p.ID, domain.LandscapeStage{}, nil)
		assert.True(t, errors.Is(err, domain.ErrGateViolation))
	})

	t.Run("second dispatch while in flight", func(t *testing.T) {
		store := NewMemoryStore()
		p := newProject(t, store, domain.StepInit)

		first, err := store.Tasks().CreateIfIdle(ctx, p.ID, domain.DiscoverStage{MaxResults: 10}, nil)
		require.NoError(t, err)

		_, err = store.Tasks().CreateIfIdle(ctx, p.ID, domain.DiscoverStage{MaxResults: 10}, nil)
		var are *domain.AlreadyRunningError
		require.True(t, errors.As(err, &are))
		assert.Equal(t, first.ID, are.TaskID)
	})

	t.Run("unknown step", func(t *testing.T) {
		store := NewMemoryStore()
		p := newProject(t, store, domain.Step("legacy"))

		_, err := store.Tasks().CreateIfIdle(ctx, p.ID, domain.DiscoverStage{MaxResults: 10}, nil)
		assert.True(t, errors.Is(err, domain.ErrDataIntegrity))
	})

	t.Run("missing project", func(t *testing.T) {
		store := NewMemoryStore()
		_, err := store.Tasks().CreateIfIdle(ctx, uuid.New(), domain.DiscoverStage{MaxResults: 10}, nil)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})
}

func TestMemoryStore_ConcurrentCreateIfIdle(t *testing.T) {
	store := NewMemoryStore()
	p := newProject(t, store, domain.StepInit)
	tasks := store.Tasks()

	const workers = 32
	var (
		wg      sync.WaitGroup
		won     atomic.Int32
		running atomic.Int32
	)
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := tasks.CreateIfIdle(context.Background(), p.ID, domain.DiscoverStage{MaxResults: 5}, nil)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, domain.ErrAlreadyRunning):
				running.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), won.Load())
	assert.Equal(t, int32(workers-1), running.Load())
}

func TestMemoryStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := newProject(t, store, domain.StepInit)
	tasks := store.Tasks()

	task, err := tasks.CreateIfIdle(ctx, p.ID, domain.DiscoverStage{MaxResults: 10}, nil)
	require.NoError(t, err)

	// Progress on a pending task is dropped.
	cancel, err := tasks.UpdateProgress(ctx, task.ID, 30, "ignored")
	require.NoError(t, err)
	assert.False(t, cancel)

	running, err := tasks.MarkRunning(ctx, task.ID)
	require.NoError(t, err)
	assert.NotNil(t, running.StartedAt)

	_, err = tasks.MarkRunning(ctx, task.ID)
	assert.True(t, errors.Is(err, domain.ErrAlreadyRunning))

	_, err = tasks.UpdateProgress(ctx, task.ID, 40, "Searching papers...")
	require.NoError(t, err)
	_, err = tasks.UpdateProgress(ctx, task.ID, 20, "")
	require.NoError(t, err)

	got, err := tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress, "progress never decreases")
	assert.Equal(t, "Searching papers...", got.CurrentMessage())

	_, err = tasks.RequestCancel(ctx, task.ID)
	require.NoError(t, err)
	cancel, err = tasks.UpdateProgress(ctx, task.ID, 50, "")
	require.NoError(t, err)
	assert.True(t, cancel)

	require.NoError(t, tasks.Fail(ctx, task.ID, domain.ErrorKindCancelled, "cancelled by user"))
	got, err = tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Equal(t, "cancelled: cancelled by user", got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)

	err = tasks.Complete(ctx, task.ID, nil)
	assert.True(t, errors.Is(err, domain.ErrTaskTerminal))
	_, err = tasks.RequestCancel(ctx, task.ID)
	assert.True(t, errors.Is(err, domain.ErrTaskTerminal))

	// The project is idle again.
	_, err = tasks.CreateIfIdle(ctx, p.ID, domain.DiscoverStage{MaxResults: 10}, nil)
	assert.NoError(t, err)
}

func TestMemoryStore_CompletePendingIsInvalid(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := newProject(t, store, domain.StepInit)

	task, err := store.Tasks().CreateIfIdle(ctx, p.ID, domain.DiscoverStage{MaxResults: 10}, nil)
	require.NoError(t, err)

	err = store.Tasks().Complete(ctx, task.ID, map[string]any{"papers_found": 1})
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := newProject(t, store, domain.StepInit)

	task, err := store.Tasks().CreateIfIdle(ctx, p.ID, domain.DiscoverStage{MaxResults: 10}, nil)
	require.NoError(t, err)
	task.Result["tampered"] = true
	task.Status = domain.TaskStatusCompleted

	got, err := store.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, got.Status)
	assert.NotContains(t, got.Result, "tampered")
}

func TestMemoryStore_ListAndStale(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return clock })

	var projects []*domain.Project
	for range 3 {
		projects = append(projects, newProject(t, store, domain.StepInit))
	}
	for _, p := range projects {
		clock = clock.Add(time.Minute)
		_, err := store.Tasks().CreateIfIdle(ctx, p.ID, domain.DiscoverStage{MaxResults: 10}, nil)
		require.NoError(t, err)
	}

	list, total, err := store.Tasks().List(ctx, TaskFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, list, 2)
	assert.Equal(t, projects[2].ID, list[0].ProjectID, "newest first")

	list, _, err = store.Tasks().List(ctx, TaskFilter{ProjectID: &projects[0].ID})
	require.NoError(t, err)
	require.Len(t, list, 1)

	stale, err := store.Tasks().ListStale(ctx, time.Date(2026, 1, 1, 0, 2, 30, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, stale, 2)
}

func TestMemoryStore_LatestCompletedPerProject(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := newProject(t, store, domain.StepInit)
	tasks := store.Tasks()

	task, err := tasks.CreateIfIdle(ctx, p.ID, domain.DiscoverStage{MaxResults: 10}, nil)
	require.NoError(t, err)
	_, err = tasks.MarkRunning(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, tasks.Complete(ctx, task.ID, map[string]any{}))

	got, err := tasks.LatestCompletedPerProject(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.StepInit, got[0].CurrentStep)
	assert.Equal(t, domain.StageDiscover, got[0].TaskType)

	ok, err := store.Projects().AdvanceStep(ctx, p.ID, domain.StepInit, domain.StepDiscovery)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Projects().AdvanceStep(ctx, p.ID, domain.StepInit, domain.StepDiscovery)
	require.NoError(t, err)
	assert.False(t, ok)

	status, err := store.Projects().Status(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageAnalyze, status.NextStage)
	assert.Equal(t, int64(1), status.TaskCounts[domain.TaskStatusCompleted])
	assert.Equal(t, task.ID, status.LatestTask.ID)
}

func TestMemoryDocumentStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := newProject(t, store, domain.StepInit)
	docs := store.Documents()

	require.NoError(t, docs.Put(ctx, p.ID, "papers", "b", map[string]int{"n": 2}))
	require.NoError(t, docs.Put(ctx, p.ID, "papers", "a", map[string]int{"n": 1}))

	var v map[string]int
	require.NoError(t, docs.Get(ctx, p.ID, "papers", "a", &v))
	assert.Equal(t, 1, v["n"])

	list, err := docs.List(ctx, p.ID, "papers")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Key)

	require.NoError(t, docs.DeleteKind(ctx, p.ID, "papers"))
	err = docs.Get(ctx, p.ID, "papers", "a", &v)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	err = docs.Put(ctx, uuid.New(), "papers", "a", v)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
