// Package executor runs stage tasks asynchronously and drives their records
// through the task lifecycle. The task record is the only channel through
// which outcomes are reported: errors never propagate to the dispatcher.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/events"
	"github.com/helixir/research-orchestrator/internal/gate"
	"github.com/helixir/research-orchestrator/internal/observability"
	"github.com/helixir/research-orchestrator/internal/repository"
	"github.com/helixir/research-orchestrator/internal/stages"
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("executor is shut down")

// errCancelRequested is the cancellation cause of a run whose task was
// cancelled by a user.
var errCancelRequested = errors.New("cancel requested")

// finalizeTimeout bounds the terminal writes issued after a run ends.
const finalizeTimeout = 10 * time.Second

// Config controls an Executor.
type Config struct {
	// MaxConcurrent bounds the number of stages running at once.
	MaxConcurrent int64
	// DefaultDeadline applies to tasks without an explicit deadline. Zero
	// disables it.
	DefaultDeadline time.Duration
	// HeartbeatInterval is how often a running task's record is touched.
	HeartbeatInterval time.Duration
}

// Executor runs stage tasks on goroutines bounded by a semaphore.
type Executor struct {
	tasks    repository.TaskRepository
	projects repository.ProjectRepository
	runner   stages.Runner
	bus      *events.Bus
	metrics  *observability.Metrics
	logger   zerolog.Logger
	cfg      Config
	now      func() time.Time

	sem *semaphore.Weighted

	mu     sync.Mutex
	active map[uuid.UUID]*activeTask
	closed bool

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// activeTask is the in-process handle of a task owned by this executor.
type activeTask struct {
	mu        sync.Mutex
	cancel    context.CancelCauseFunc
	requested bool
}

func (a *activeTask) setCancel(cancel context.CancelCauseFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancel = cancel
	if a.requested {
		cancel(errCancelRequested)
	}
}

func (a *activeTask) requestCancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requested = true
	if a.cancel != nil {
		a.cancel(errCancelRequested)
	}
}

func (a *activeTask) cancelRequested() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requested
}

// New creates an Executor.
func New(
	tasks repository.TaskRepository,
	projects repository.ProjectRepository,
	runner stages.Runner,
	bus *events.Bus,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	cfg Config,
) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Executor{
		tasks:    tasks,
		projects: projects,
		runner:   runner,
		bus:      bus,
		metrics:  metrics,
		logger:   logger.With().Str("component", "executor").Logger(),
		cfg:      cfg,
		now:      time.Now,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		active:   make(map[uuid.UUID]*activeTask),
		baseCtx:  ctx,
		stop:     stop,
	}
}

// Launch hands a pending task to the executor. It returns immediately.
func (e *Executor) Launch(_ context.Context, task *domain.Task, stage domain.Stage) error {
	return e.Submit(task, stage)
}

// Signal forwards a cancellation request to a task running in this process.
func (e *Executor) Signal(_ context.Context, taskID uuid.UUID) error {
	e.Cancel(taskID)
	return nil
}

// Submit runs the task on its own goroutine once a concurrency slot is free.
// While it waits the task stays pending.
func (e *Executor) Submit(task *domain.Task, stage domain.Stage) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	entry := e.trackLocked(task.ID)
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer e.untrack(task.ID)

		waitCtx, cancel := context.WithCancelCause(e.baseCtx)
		defer cancel(nil)
		entry.setCancel(cancel)

		if err := e.sem.Acquire(waitCtx, 1); err != nil {
			if entry.cancelRequested() {
				e.failPending(task, domain.ErrorKindCancelled, "cancelled before start")
			}
			// On shutdown the task stays pending for the reconciler.
			return
		}
		defer e.sem.Release(1)

		if err := e.Run(e.baseCtx, task, stage); err != nil {
			e.logger.Warn().Err(err).Str("task_id", task.ID.String()).Msg("task did not run")
		}
	}()
	return nil
}

// Cancel signals the in-process canceller of a task. It reports whether the
// task is owned by this executor. Cancellation stays cooperative: the stage
// observes it at its next progress report or context check.
func (e *Executor) Cancel(taskID uuid.UUID) bool {
	e.mu.Lock()
	entry, ok := e.active[taskID]
	e.mu.Unlock()
	if ok {
		entry.requestCancel()
	}
	return ok
}

// Owns reports whether the task is queued or running in this executor.
func (e *Executor) Owns(taskID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[taskID]
	return ok
}

// Shutdown stops accepting tasks, cancels running ones and waits for them
// to record their outcome.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// hold returns the handle of a task, creating one that the returned release
// func drops when the task was not submitted through this executor.
func (e *Executor) hold(id uuid.UUID) (*activeTask, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok := e.active[id]; ok {
		return entry, func() {}
	}
	entry := &activeTask{}
	e.active[id] = entry
	return entry, func() { e.untrack(id) }
}

func (e *Executor) trackLocked(id uuid.UUID) *activeTask {
	entry, ok := e.active[id]
	if !ok {
		entry = &activeTask{}
		e.active[id] = entry
	}
	return entry
}

func (e *Executor) untrack(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, id)
}

// Run executes a pending task synchronously and records its outcome. It is
// shared by the goroutine backend and the Temporal activity. The returned
// error only reports that the task could not be started; stage failures are
// recorded on the task.
func (e *Executor) Run(ctx context.Context, task *domain.Task, stage domain.Stage) error {
	logger := observability.WithTaskContext(e.logger, task.ID.String(), task.ProjectID.String(), string(task.Type))
	ctx = observability.WithTask(ctx, task.ProjectID.String(), task.ID.String())

	running, err := e.tasks.MarkRunning(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	startedAt := e.now()
	e.metrics.RecordTaskStarted(string(running.Type))
	e.bus.Emit(ctx, domain.EventTypeTaskStarted, running, domain.TaskProgressPayload{TaskType: running.Type})
	logger.Info().Msg("task started")

	entry, release := e.hold(task.ID)
	defer release()

	if running.CancelRequested {
		entry.requestCancel()
		e.fail(ctx, running, domain.ErrorKindCancelled, failureMessage(domain.ErrorKindCancelled, nil), startedAt, logger)
		return nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	entry.setCancel(cancel)

	if deadline := e.deadlineFor(running, startedAt); !deadline.IsZero() {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}

	hbDone := make(chan struct{})
	go e.heartbeat(runCtx, running.ID, entry, logger, hbDone)

	result, runErr := e.execute(runCtx, running, stage, entry, logger)
	cancel(nil)
	<-hbDone

	finalCtx, cancelFinal := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancelFinal()

	if runErr == nil {
		e.complete(finalCtx, running, result, startedAt, logger)
		return nil
	}
	kind := e.classify(finalCtx, ctx, runCtx, running.ID, entry, runErr)
	e.fail(finalCtx, running, kind, failureMessage(kind, runErr), startedAt, logger)
	return nil
}

func (e *Executor) deadlineFor(task *domain.Task, startedAt time.Time) time.Time {
	if task.Deadline != nil {
		return *task.Deadline
	}
	if e.cfg.DefaultDeadline > 0 {
		return startedAt.Add(e.cfg.DefaultDeadline)
	}
	return time.Time{}
}

// execute loads the project and runs the stage. Panics are converted into a
// StageError of kind panic.
func (e *Executor) execute(ctx context.Context, task *domain.Task, stage domain.Stage, entry *activeTask, logger zerolog.Logger) (result domain.StageResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("stage panicked")
			err = domain.NewStageError(domain.ErrorKindPanic, fmt.Errorf("%v", r))
		}
	}()

	project, err := e.projects.Get(ctx, task.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	rep := &reporter{tasks: e.tasks, bus: e.bus, task: task, entry: entry, logger: logger}
	return e.runner.Run(ctx, project, stage, rep)
}

func (e *Executor) heartbeat(ctx context.Context, taskID uuid.UUID, entry *activeTask, logger zerolog.Logger, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.tasks.Heartbeat(ctx, taskID); err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("heartbeat failed")
				continue
			}
			// Pick up cancellation requested through another process.
			t, err := e.tasks.Get(ctx, taskID)
			if err == nil && t.CancelRequested {
				entry.requestCancel()
			}
		}
	}
}

// classify decides the error kind of a failed run.
func (e *Executor) classify(finalCtx, parent, runCtx context.Context, taskID uuid.UUID, entry *activeTask, err error) domain.ErrorKind {
	var stageErr *domain.StageError
	if errors.As(err, &stageErr) && stageErr.Kind == domain.ErrorKindPanic {
		return domain.ErrorKindPanic
	}
	if entry.cancelRequested() || errors.Is(context.Cause(runCtx), errCancelRequested) {
		return domain.ErrorKindCancelled
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		return domain.ErrorKindTimeout
	}
	if parent.Err() != nil {
		// The host is going away. A cancellation recorded elsewhere still wins.
		if t, getErr := e.tasks.Get(finalCtx, taskID); getErr == nil && t.CancelRequested {
			return domain.ErrorKindCancelled
		}
		return domain.ErrorKindAbandoned
	}
	return domain.ClassifyError(err)
}

func failureMessage(kind domain.ErrorKind, err error) string {
	switch kind {
	case domain.ErrorKindCancelled:
		return "cancelled by user"
	case domain.ErrorKindTimeout:
		return "deadline exceeded"
	case domain.ErrorKindAbandoned:
		return "executor shut down before the task finished"
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func (e *Executor) complete(ctx context.Context, task *domain.Task, result domain.StageResult, startedAt time.Time, logger zerolog.Logger) {
	payload, err := domain.ResultPayload(result)
	if err != nil {
		e.fail(ctx, task, domain.ErrorKindStage, err.Error(), startedAt, logger)
		return
	}
	if err := e.tasks.Complete(ctx, task.ID, payload); err != nil {
		logger.Error().Err(err).Msg("failed to record task completion")
		return
	}

	elapsed := e.now().Sub(startedAt)
	e.metrics.RecordTaskCompleted(string(task.Type), elapsed.Seconds())
	e.bus.Emit(ctx, domain.EventTypeTaskCompleted, task, domain.TaskCompletedPayload{TaskType: task.Type, Duration: elapsed})
	logger.Info().Dur("duration", elapsed).Msg("task completed")

	e.advance(ctx, task, logger)
}

// advance moves the project's gate after a successful stage. A failure here
// is left to the reconciler.
func (e *Executor) advance(ctx context.Context, task *domain.Task, logger zerolog.Logger) {
	project, err := e.projects.Get(ctx, task.ProjectID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load project for gate advance")
		return
	}
	next, err := gate.Next(project.CurrentStep, task.Type)
	if err != nil {
		logger.Error().Err(err).Str("step", string(project.CurrentStep)).Msg("gate does not accept completed stage")
		return
	}
	ok, err := e.projects.AdvanceStep(ctx, project.ID, project.CurrentStep, next)
	if err != nil {
		logger.Error().Err(err).Msg("failed to advance project step")
		return
	}
	if ok {
		e.bus.Emit(ctx, domain.EventTypeProjectStepAdvance, task,
			domain.StepAdvancedPayload{From: project.CurrentStep, To: next})
		logger.Info().Str("from", string(project.CurrentStep)).Str("to", string(next)).Msg("project step advanced")
	}
}

func (e *Executor) fail(ctx context.Context, task *domain.Task, kind domain.ErrorKind, message string, startedAt time.Time, logger zerolog.Logger) {
	if err := e.tasks.Fail(ctx, task.ID, kind, message); err != nil {
		logger.Error().Err(err).Str("error_kind", string(kind)).Msg("failed to record task failure")
		return
	}
	e.metrics.RecordTaskFailed(string(task.Type), string(kind), e.now().Sub(startedAt).Seconds())
	e.bus.Emit(ctx, domain.EventTypeTaskFailed, task, domain.TaskFailedPayload{
		TaskType:  task.Type,
		ErrorKind: kind,
		Error:     message,
	})
	logger.Warn().Str("error_kind", string(kind)).Str("error", message).Msg("task failed")
}

// failPending fails a task that never started. The lifecycle only allows
// failing a running task, so it passes through running first.
func (e *Executor) failPending(task *domain.Task, kind domain.ErrorKind, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	logger := observability.WithTaskContext(e.logger, task.ID.String(), task.ProjectID.String(), string(task.Type))

	if _, err := e.tasks.MarkRunning(ctx, task.ID); err != nil {
		logger.Warn().Err(err).Msg("could not start task to record its failure")
		return
	}
	e.fail(ctx, task, kind, message, e.now(), logger)
}
