package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/llm"
	"github.com/helixir/research-orchestrator/internal/observability"
	"github.com/helixir/research-orchestrator/internal/papersources"
	"github.com/helixir/research-orchestrator/internal/repository"
)

// Searcher fans a query out to the literature sources.
type Searcher interface {
	SearchAll(ctx context.Context, q papersources.Query) []papersources.Outcome
}

// Dispatcher routes each Stage variant to its handler.
type Dispatcher struct {
	sources Searcher
	llm     llm.Completer
	docs    repository.DocumentStore
	logger  zerolog.Logger
	now     func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(sources Searcher, completer llm.Completer, docs repository.DocumentStore, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		sources: sources,
		llm:     completer,
		docs:    docs,
		logger:  logger.With().Str("component", "stages").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run executes stage for project.
func (d *Dispatcher) Run(ctx context.Context, project *domain.Project, stage domain.Stage, reporter Reporter) (domain.StageResult, error) {
	logger := observability.LoggerFromContext(ctx, d.logger)
	logger.Debug().Str("stage", fmt.Sprintf("%T", stage)).Msg("running stage")

	switch s := stage.(type) {
	case domain.DiscoverStage:
		return d.discover(ctx, project, s, reporter)
	case domain.AnalyzeStage:
		return d.analyze(ctx, project, s, reporter)
	case domain.LandscapeStage:
		return d.landscape(ctx, project, reporter)
	case domain.IdeasStage:
		return d.ideas(ctx, project, s, reporter)
	case domain.MethodStage:
		return d.method(ctx, project, s, reporter)
	case domain.DraftStage:
		return d.draft(ctx, project, s, reporter)
	default:
		return nil, fmt.Errorf("unsupported stage %T", stage)
	}
}

// failf builds the ordinary failure of a stage.
func failf(format string, args ...any) error {
	return domain.NewStageError(domain.ErrorKindStage, fmt.Errorf(format, args...))
}

// interrupted reports errors that end a stage immediately instead of being
// recorded against one item.
func interrupted(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, domain.ErrCancelled) || errors.Is(err, domain.ErrTimeout) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
