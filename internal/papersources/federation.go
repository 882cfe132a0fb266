package papersources

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/observability"
)

// Outcome is the result of searching one source. Exactly one of Result and
// Err is set.
type Outcome struct {
	Source domain.SourceType
	Name   string
	Result *Result
	Err    error
}

// Federation searches a fixed set of sources concurrently.
type Federation struct {
	sources []Source
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewFederation creates a Federation over sources. Disabled sources are
// kept but never searched.
func NewFederation(sources []Source, metrics *observability.Metrics, logger zerolog.Logger) *Federation {
	return &Federation{
		sources: sources,
		metrics: metrics,
		logger:  logger.With().Str("component", "paper_sources").Logger(),
	}
}

// Enabled returns the sources that will be searched.
func (f *Federation) Enabled() []Source {
	out := make([]Source, 0, len(f.sources))
	for _, s := range f.sources {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}

// SearchAll searches every enabled source and returns one Outcome per
// source, in registration order. A failing source never cancels the others.
func (f *Federation) SearchAll(ctx context.Context, q Query) []Outcome {
	sources := f.Enabled()
	outcomes := make([]Outcome, len(sources))

	var g errgroup.Group
	for i, src := range sources {
		g.Go(func() error {
			logger := observability.WithSourceContext(f.logger, src.Name(), q.Text())
			start := time.Now()
			res, err := src.Search(ctx, q)

			papers := 0
			if res != nil {
				papers = len(res.Papers)
			}
			f.metrics.RecordSourceSearch(string(src.SourceType()), papers, time.Since(start).Seconds(), err)

			outcomes[i] = Outcome{Source: src.SourceType(), Name: src.Name(), Result: res, Err: err}
			if err != nil {
				logger.Warn().Err(err).Msg("source search failed")
				outcomes[i].Result = nil
			} else {
				logger.Debug().Int("papers", papers).Msg("source search finished")
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
