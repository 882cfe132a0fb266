// Package dispatch accepts stage-start requests, hands accepted tasks to a
// Launcher and serves the read side of the task record store.
//
// StartStage returns as soon as the task record exists and the launcher
// accepted it. Everything that happens afterwards is reported only through
// the task record.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/events"
	"github.com/helixir/research-orchestrator/internal/observability"
	"github.com/helixir/research-orchestrator/internal/repository"
)

// launchTimeout bounds the cleanup writes after a failed launch.
const launchTimeout = 10 * time.Second

// Launcher starts the execution of pending tasks. The local executor and the
// Temporal client both implement it.
type Launcher interface {
	// Launch hands task off for asynchronous execution and returns
	// immediately.
	Launch(ctx context.Context, task *domain.Task, stage domain.Stage) error

	// Signal notifies the execution of task that cancellation was requested.
	Signal(ctx context.Context, taskID uuid.UUID) error
}

// Config controls a Service.
type Config struct {
	// RatePerMinute and Burst limit stage-start requests per project.
	RatePerMinute float64
	Burst         int
	// MaxDeadline caps the deadline a caller may request. Zero means no cap.
	MaxDeadline time.Duration
}

// StartOptions are the optional parts of a stage-start request.
type StartOptions struct {
	// Deadline is the hard time limit of the task. Zero uses the executor's
	// default.
	Deadline time.Duration
	// RequestedBy names the caller in logs.
	RequestedBy string
}

// Service implements the dispatch and status operations.
type Service struct {
	tasks    repository.TaskRepository
	projects repository.ProjectRepository
	launcher Launcher
	bus      *events.Bus
	metrics  *observability.Metrics
	logger   zerolog.Logger
	cfg      Config
	now      func() time.Time

	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
}

// NewService creates a Service.
func NewService(
	tasks repository.TaskRepository,
	projects repository.ProjectRepository,
	launcher Launcher,
	bus *events.Bus,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	cfg Config,
) *Service {
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 30
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	return &Service{
		tasks:    tasks,
		projects: projects,
		launcher: launcher,
		bus:      bus,
		metrics:  metrics,
		logger:   logger.With().Str("component", "dispatch").Logger(),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		limiters: make(map[uuid.UUID]*rate.Limiter),
	}
}

// StartStage validates the request, creates a pending task if the project's
// gate permits kind and nothing else is in flight, and launches it.
func (s *Service) StartStage(ctx context.Context, projectID uuid.UUID, kind domain.StageKind, raw json.RawMessage, opts StartOptions) (*domain.Task, error) {
	logger := observability.LoggerFromContext(ctx, s.logger).With().
		Str("project_id", projectID.String()).
		Str("stage", string(kind)).
		Logger()

	stage, err := domain.DecodeStage(kind, raw)
	if err != nil {
		s.metrics.RecordDispatchRejected("invalid")
		return nil, err
	}

	deadline, err := s.deadline(opts.Deadline)
	if err != nil {
		s.metrics.RecordDispatchRejected("invalid")
		return nil, err
	}

	if !s.limiter(projectID).Allow() {
		s.metrics.RecordDispatchRejected("rate_limited")
		return nil, domain.NewRateLimitError("dispatch", time.Duration(float64(time.Minute)/s.cfg.RatePerMinute))
	}

	task, err := s.tasks.CreateIfIdle(ctx, projectID, stage, deadline)
	if err != nil {
		s.metrics.RecordDispatchRejected(rejectReason(err))
		logger.Debug().Err(err).Msg("stage start rejected")
		return nil, err
	}

	s.metrics.RecordTaskCreated(string(task.Type))
	s.bus.Emit(ctx, domain.EventTypeTaskCreated, task, domain.TaskCreatedPayload{
		TaskType: task.Type,
		Params:   task.Params,
	})

	if err := s.launcher.Launch(ctx, task, stage); err != nil {
		logger.Error().Err(err).Str("task_id", task.ID.String()).Msg("failed to launch task")
		s.abortLaunch(task, err, logger)
		return nil, fmt.Errorf("launching task %s: %w: %v", task.ID, domain.ErrServiceUnavailable, err)
	}

	logger.Info().
		Str("task_id", task.ID.String()).
		Str("requested_by", opts.RequestedBy).
		Msg("stage dispatched")
	return task, nil
}

// HandleCommand starts the stage named by a command from the message bus.
func (s *Service) HandleCommand(ctx context.Context, cmd events.StageCommand) (*domain.Task, error) {
	kind, err := domain.ParseStageKind(cmd.Stage)
	if err != nil {
		return nil, err
	}
	return s.StartStage(ctx, cmd.ProjectID, kind, cmd.Params, StartOptions{
		Deadline:    time.Duration(cmd.DeadlineSeconds) * time.Second,
		RequestedBy: cmd.RequestedBy,
	})
}

// GetTask returns a task record as stored.
func (s *Service) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return s.tasks.Get(ctx, id)
}

// ListTasks returns tasks matching filter, newest first, with the total count.
func (s *Service) ListTasks(ctx context.Context, filter repository.TaskFilter) ([]*domain.Task, int64, error) {
	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}
	return s.tasks.List(ctx, filter)
}

// CancelTask requests cooperative cancellation and returns the task as it is
// now. The task keeps running until the stage observes the request.
func (s *Service) CancelTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := s.tasks.RequestCancel(ctx, id)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordCancelRequested()
	s.bus.Emit(ctx, domain.EventTypeTaskCancelRequest, task, nil)

	if err := s.launcher.Signal(ctx, id); err != nil {
		// The flag is stored; the stage still sees it at its next progress report.
		ctx = observability.WithTask(ctx, task.ProjectID.String(), task.ID.String())
		logger := observability.LoggerFromContext(ctx, s.logger)
		logger.Warn().Err(err).Msg("failed to signal cancellation")
	}
	return task, nil
}

// GetProject returns the project with its permitted next stage, latest task
// and task counts.
func (s *Service) GetProject(ctx context.Context, id uuid.UUID) (*domain.ProjectStatus, error) {
	return s.projects.Status(ctx, id)
}

func (s *Service) deadline(d time.Duration) (*time.Time, error) {
	if d < 0 {
		return nil, domain.NewValidationError("deadline_seconds", "must not be negative")
	}
	if d == 0 {
		return nil, nil
	}
	if s.cfg.MaxDeadline > 0 && d > s.cfg.MaxDeadline {
		return nil, domain.NewValidationError("deadline_seconds",
			fmt.Sprintf("must be at most %d", int(s.cfg.MaxDeadline.Seconds())))
	}
	t := s.now().Add(d)
	return &t, nil
}

// TODO: evict limiters of projects that have been idle for longer than a
// full refill; the map currently grows with the number of projects seen.
func (s *Service) limiter(projectID uuid.UUID) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[projectID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RatePerMinute/60), s.cfg.Burst)
		s.limiters[projectID] = l
	}
	return l
}

// abortLaunch fails a task that could not be launched so the project is not
// left with a pending task nobody runs.
func (s *Service) abortLaunch(task *domain.Task, cause error, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), launchTimeout)
	defer cancel()

	if _, err := s.tasks.MarkRunning(ctx, task.ID); err != nil {
		logger.Error().Err(err).Msg("could not start unlaunched task to fail it")
		return
	}
	reason := "launch failed: " + cause.Error()
	if err := s.tasks.Fail(ctx, task.ID, domain.ErrorKindStage, reason); err != nil {
		logger.Error().Err(err).Msg("could not fail unlaunched task")
		return
	}
	s.bus.Emit(ctx, domain.EventTypeTaskFailed, task, domain.TaskFailedPayload{
		TaskType:  task.Type,
		ErrorKind: domain.ErrorKindStage,
		Error:     domain.FormatFailure(domain.ErrorKindStage, reason),
	})
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrGateViolation):
		return "gate_violation"
	case errors.Is(err, domain.ErrAlreadyRunning):
		return "already_running"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrDataIntegrity):
		return "integrity"
	default:
		return "error"
	}
}
