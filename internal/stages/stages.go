// Package stages holds the units of work behind each pipeline stage and the
// Dispatcher that routes a Stage variant to its handler.
package stages

import (
	"context"

	"github.com/helixir/research-orchestrator/internal/domain"
)

// Reporter receives progress from a running stage. Report returns
// domain.ErrCancelled once cancellation was requested and domain.ErrTimeout
// once the deadline passed; stages return such errors as is.
type Reporter interface {
	Report(ctx context.Context, progress int, message string) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, progress int, message string) error

// Report calls f.
func (f ReporterFunc) Report(ctx context.Context, progress int, message string) error {
	return f(ctx, progress, message)
}

// Runner executes one stage for a project.
type Runner interface {
	Run(ctx context.Context, project *domain.Project, stage domain.Stage, reporter Reporter) (domain.StageResult, error)
}

// ProgressTracker spreads progress over a fixed number of steps.
type ProgressTracker struct {
	reporter Reporter
	total    int
	current  int
}

// NewProgressTracker creates a tracker for total steps.
func NewProgressTracker(reporter Reporter, total int) *ProgressTracker {
	if total <= 0 {
		total = 1
	}
	return &ProgressTracker{reporter: reporter, total: total}
}

// Step advances one step and reports the resulting percentage.
func (p *ProgressTracker) Step(ctx context.Context, message string) error {
	if p.current < p.total {
		p.current++
	}
	return p.reporter.Report(ctx, p.current*100/p.total, message)
}

// Set reports an explicit percentage.
func (p *ProgressTracker) Set(ctx context.Context, pct int, message string) error {
	return p.reporter.Report(ctx, pct, message)
}
