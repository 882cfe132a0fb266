package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/events"
	"github.com/helixir/research-orchestrator/internal/repository"
)

// reporter records stage progress on the task. Progress never moves
// backwards, and every report is also a cancellation checkpoint.
type reporter struct {
	tasks  repository.TaskRepository
	bus    *events.Bus
	task   *domain.Task
	entry  *activeTask
	logger zerolog.Logger

	last int
}

func (r *reporter) Report(ctx context.Context, progress int, message string) error {
	if err := r.checkpoint(ctx); err != nil {
		return err
	}

	p := domain.ClampProgress(progress)
	if p < r.last {
		p = r.last
	}
	r.last = p

	cancelRequested, err := r.tasks.UpdateProgress(ctx, r.task.ID, p, message)
	if err != nil {
		if cerr := r.checkpoint(ctx); cerr != nil {
			return cerr
		}
		// A lost progress write is not worth failing the stage for.
		r.logger.Warn().Err(err).Int("progress", p).Msg("failed to record progress")
		return nil
	}
	if cancelRequested {
		r.entry.requestCancel()
		return domain.ErrCancelled
	}

	r.logger.Debug().Int("progress", p).Str("message", message).Msg("progress")
	r.bus.Emit(ctx, domain.EventTypeTaskProgress, r.task, domain.TaskProgressPayload{
		TaskType: r.task.Type,
		Progress: p,
		Message:  message,
	})
	return nil
}

// checkpoint maps the run context's state to the errors stages propagate.
func (r *reporter) checkpoint(ctx context.Context) error {
	if r.entry.cancelRequested() {
		return domain.ErrCancelled
	}
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ErrTimeout
	case errors.Is(context.Cause(ctx), errCancelRequested):
		return domain.ErrCancelled
	default:
		return fmt.Errorf("stage interrupted: %w", err)
	}
}
