package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a Poller.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateDone
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDone:
		return "done"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	// ErrStopped is returned by Poll after Stop was called.
	ErrStopped = errors.New("client: poller stopped")
	// ErrPollerReused is returned when Poll is called on a poller that has
	// already left the idle state.
	ErrPollerReused = errors.New("client: poller already used")
)

// TaskAPI is the part of Client a Poller needs.
type TaskAPI interface {
	GetTask(ctx context.Context, taskID uuid.UUID) (*Task, error)
	GetProject(ctx context.Context, projectID uuid.UUID) (*Project, error)
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	// Interval between polls. Default: 2 seconds.
	Interval time.Duration
	// MaxBackoff caps the delay after consecutive transient errors.
	// Default: 30 seconds.
	MaxBackoff time.Duration
	// OnUpdate is called from the polling goroutine whenever the status,
	// progress, message or cancel flag of the task changes, including for
	// the first observation.
	OnUpdate func(*Task)
}

// Outcome is what a finished poll observed.
type Outcome struct {
	Task *Task
	// Project is the re-read owning project. It is only set for completed
	// tasks.
	Project *Project
}

// Poller follows one task. A Poller is single use: idle -> polling -> done,
// or -> stopped on Stop, context cancellation or a permanent error.
type Poller struct {
	api    TaskAPI
	cfg    PollerConfig
	logger zerolog.Logger

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
}

// NewPoller creates an idle Poller.
func NewPoller(api TaskAPI, cfg PollerConfig, logger zerolog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = cfg.Interval
	}
	return &Poller{
		api:    api,
		cfg:    cfg,
		logger: logger.With().Str("component", "poller").Logger(),
		stop:   make(chan struct{}),
	}
}

// State returns the current state.
func (p *Poller) State() State {
	return State(p.state.Load())
}

// Stop ends an active or future Poll. It is safe to call more than once
// and from any goroutine.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Poll blocks until the task is terminal, Stop is called, ctx is done or the
// API answers with a permanent error. Transient errors (network failures,
// 429 and 5xx) are retried with exponential backoff.
func (p *Poller) Poll(ctx context.Context, taskID uuid.UUID) (*Outcome, error) {
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StatePolling)) {
		return nil, ErrPollerReused
	}

	log := p.logger.With().Str("task_id", taskID.String()).Logger()
	bo := p.newBackOff()
	var last *Task

	for {
		if err := p.interrupted(ctx); err != nil {
			p.state.Store(int32(StateStopped))
			return nil, err
		}

		wait := p.cfg.Interval
		task, err := p.api.GetTask(ctx, taskID)
		switch {
		case err == nil:
			bo.Reset()
			if task.changedFrom(last) && p.cfg.OnUpdate != nil {
				p.cfg.OnUpdate(task)
			}
			last = task
			if task.IsTerminal() {
				p.state.Store(int32(StateDone))
				return p.finish(ctx, task, bo)
			}
		case ctx.Err() != nil:
			p.state.Store(int32(StateStopped))
			return nil, ctx.Err()
		case !transient(err):
			p.state.Store(int32(StateStopped))
			return nil, err
		default:
			wait = retryDelay(bo, err)
			log.Warn().Err(err).Dur("retry_in", wait).Msg("task poll failed")
		}

		if err := p.sleep(ctx, wait); err != nil {
			p.state.Store(int32(StateStopped))
			return nil, err
		}
	}
}

// finish re-reads the project of a completed task so the caller sees the
// advanced step.
func (p *Poller) finish(ctx context.Context, task *Task, bo *backoff.ExponentialBackOff) (*Outcome, error) {
	out := &Outcome{Task: task}
	if task.Status != StatusCompleted {
		return out, nil
	}

	projectID, err := uuid.Parse(task.ProjectID)
	if err != nil {
		return out, fmt.Errorf("client: task %s has invalid project id %q", task.TaskID, task.ProjectID)
	}

	bo.Reset()
	for {
		project, err := p.api.GetProject(ctx, projectID)
		if err == nil {
			out.Project = project
			return out, nil
		}
		if ctx.Err() != nil || !transient(err) {
			return out, fmt.Errorf("client: re-reading project: %w", err)
		}
		wait := retryDelay(bo, err)
		p.logger.Warn().Err(err).Str("project_id", task.ProjectID).Dur("retry_in", wait).Msg("project re-read failed")
		if err := p.sleep(ctx, wait); err != nil {
			return out, fmt.Errorf("client: re-reading project: %w", err)
		}
	}
}

func (p *Poller) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.Interval
	bo.MaxInterval = p.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (p *Poller) interrupted(ctx context.Context) error {
	select {
	case <-p.stop:
		return ErrStopped
	default:
		return ctx.Err()
	}
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stop:
		return ErrStopped
	case <-timer.C:
		return nil
	}
}

func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

// retryDelay honours a server Retry-After when it asks for more than the
// backoff would wait.
func retryDelay(bo *backoff.ExponentialBackOff, err error) time.Duration {
	d := bo.NextBackOff()
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > d {
		d = apiErr.RetryAfter
	}
	return d
}
