package executor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/research-orchestrator/internal/database"
	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/events"
	"github.com/helixir/research-orchestrator/internal/gate"
	"github.com/helixir/research-orchestrator/internal/observability"
	"github.com/helixir/research-orchestrator/internal/repository"
)

// reconcileLockKey is the advisory lock key serializing reconciler passes
// across replicas.
const reconcileLockKey int64 = 0x5245434f4e43494c

// Owner reports whether a task is held by a live executor in this process.
type Owner interface {
	Owns(taskID uuid.UUID) bool
}

// Locker runs fn only if no other replica is reconciling.
type Locker interface {
	TryLock(ctx context.Context, fn func(ctx context.Context) error) (bool, error)
}

// AdvisoryLocker is a Locker backed by a Postgres transaction-level
// advisory lock.
type AdvisoryLocker struct {
	db database.TxBeginner
}

// NewAdvisoryLocker creates an AdvisoryLocker.
func NewAdvisoryLocker(db database.TxBeginner) *AdvisoryLocker {
	return &AdvisoryLocker{db: db}
}

// TryLock implements Locker.
func (l *AdvisoryLocker) TryLock(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	return database.TryAdvisoryLock(ctx, l.db, reconcileLockKey, fn)
}

// ReconcilerConfig controls a Reconciler.
type ReconcilerConfig struct {
	// Interval between passes.
	Interval time.Duration
	// StaleAfter is how long a non-terminal task may go untouched before it
	// is considered abandoned.
	StaleAfter time.Duration
	// SweepOnStart abandons, on the first pass, every non-terminal task not
	// owned by this process. Only safe when this process is the sole executor.
	SweepOnStart bool
}

// Reconciler repairs state a crash can leave behind: gate advances lost
// between a completion and the step write, and tasks nobody runs anymore.
type Reconciler struct {
	tasks    repository.TaskRepository
	projects repository.ProjectRepository
	owner    Owner
	locker   Locker
	bus      *events.Bus
	metrics  *observability.Metrics
	logger   zerolog.Logger
	cfg      ReconcilerConfig
	now      func() time.Time
}

// PassReport summarizes one reconciler pass.
type PassReport struct {
	GatesRepaired  int
	TasksAbandoned int
	Skipped        bool
}

// NewReconciler creates a Reconciler. owner and locker may be nil.
func NewReconciler(
	tasks repository.TaskRepository,
	projects repository.ProjectRepository,
	owner Owner,
	locker Locker,
	bus *events.Bus,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	cfg ReconcilerConfig,
) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	return &Reconciler{
		tasks:    tasks,
		projects: projects,
		owner:    owner,
		locker:   locker,
		bus:      bus,
		metrics:  metrics,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run reconciles once immediately and then every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	startedAt := r.now()
	if _, err := r.RunOnce(ctx, r.cfg.SweepOnStart, startedAt); err != nil && ctx.Err() == nil {
		r.logger.Error().Err(err).Msg("startup reconciliation failed")
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx, false, startedAt); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("reconciliation failed")
			}
		}
	}
}

// RunOnce performs a single pass. With sweep set, non-terminal tasks last
// touched before startedAt are abandoned regardless of StaleAfter.
func (r *Reconciler) RunOnce(ctx context.Context, sweep bool, startedAt time.Time) (PassReport, error) {
	var report PassReport
	pass := func(ctx context.Context) error {
		r.metrics.RecordReconcileRun()

		repaired, err := r.repairGates(ctx)
		report.GatesRepaired = repaired
		if err != nil {
			return err
		}

		cutoff := r.now().Add(-r.cfg.StaleAfter)
		if sweep && startedAt.After(cutoff) {
			cutoff = startedAt
		}
		abandoned, err := r.abandonStale(ctx, cutoff)
		report.TasksAbandoned = abandoned
		return err
	}

	if r.locker == nil {
		return report, pass(ctx)
	}
	acquired, err := r.locker.TryLock(ctx, pass)
	if err != nil {
		return report, err
	}
	if !acquired {
		report.Skipped = true
		r.logger.Debug().Msg("another replica is reconciling")
	}
	return report, nil
}

func (r *Reconciler) repairGates(ctx context.Context) (int, error) {
	completions, err := r.tasks.LatestCompletedPerProject(ctx)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, c := range completions {
		to, ok, err := gate.Reconcile(c.CurrentStep, c.TaskType)
		if err != nil {
			// An unknown step needs a human; never guess.
			r.logger.Error().Err(err).
				Str("project_id", c.ProjectID.String()).
				Msg("cannot reconcile project step")
			continue
		}
		if !ok {
			continue
		}
		advanced, err := r.projects.AdvanceStep(ctx, c.ProjectID, c.CurrentStep, to)
		if err != nil {
			return repaired, err
		}
		if !advanced {
			continue
		}
		repaired++
		r.metrics.RecordGateRepaired()
		r.bus.Emit(ctx, domain.EventTypeProjectStepAdvance,
			&domain.Task{ID: c.TaskID, ProjectID: c.ProjectID, Type: c.TaskType},
			domain.StepAdvancedPayload{From: c.CurrentStep, To: to})
		r.logger.Info().
			Str("project_id", c.ProjectID.String()).
			Str("from", string(c.CurrentStep)).
			Str("to", string(to)).
			Msg("repaired lagging project step")
	}
	return repaired, nil
}

func (r *Reconciler) abandonStale(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := r.tasks.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	abandoned := 0
	for _, task := range stale {
		if r.owner != nil && r.owner.Owns(task.ID) {
			continue
		}
		logger := observability.WithTaskContext(r.logger, task.ID.String(), task.ProjectID.String(), string(task.Type))

		if task.Status == domain.TaskStatusPending {
			if _, err := r.tasks.MarkRunning(ctx, task.ID); err != nil {
				logger.Debug().Err(err).Msg("stale task moved on, skipping")
				continue
			}
		}
		err := r.tasks.Fail(ctx, task.ID, domain.ErrorKindAbandoned, "no executor reported progress")
		if err != nil {
			if errors.Is(err, domain.ErrTaskTerminal) {
				continue
			}
			return abandoned, err
		}
		abandoned++
		r.metrics.RecordTaskAbandoned(string(task.Type))
		r.bus.Emit(ctx, domain.EventTypeTaskFailed, task, domain.TaskFailedPayload{
			TaskType:  task.Type,
			ErrorKind: domain.ErrorKindAbandoned,
			Error:     "no executor reported progress",
		})
		logger.Warn().Time("updated_at", task.UpdatedAt).Msg("abandoned stale task")
	}
	return abandoned, nil
}
