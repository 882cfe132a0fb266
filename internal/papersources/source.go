// Package papersources searches the literature databases used by the
// discovery stage.
//
// Each database implements Source. A Federation fans a Query out to every
// enabled source concurrently and reports one Outcome per source, keeping a
// failed source distinguishable from a source that found nothing.
package papersources

import (
	"context"
	"strings"
	"time"

	"github.com/helixir/research-orchestrator/internal/domain"
)

// Query describes a literature search derived from a project's research
// parameters.
type Query struct {
	// Keywords are joined into the source's query syntax.
	Keywords []string

	// YearStart and YearEnd bound the publication year; zero means unbounded.
	YearStart int
	YearEnd   int

	// MaxResults caps the papers returned by a single source. Zero uses the
	// source's default.
	MaxResults int
}

// QueryFromParams builds a Query from a project's research parameters.
func QueryFromParams(p domain.ResearchParams, maxResults int) Query {
	return Query{
		Keywords:   p.Keywords,
		YearStart:  p.YearStart,
		YearEnd:    p.YearEnd,
		MaxResults: maxResults,
	}
}

// Text returns the keywords as a single space separated query string.
func (q Query) Text() string {
	parts := make([]string, 0, len(q.Keywords))
	for _, k := range q.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			parts = append(parts, k)
		}
	}
	return strings.Join(parts, " ")
}

// Result is the response of one source to a Query.
type Result struct {
	Papers       []*domain.Paper
	TotalResults int
	Source       domain.SourceType
	Duration     time.Duration
}

// Source is a searchable literature database.
type Source interface {
	// Search returns the papers matching q. An error means the source could
	// not be searched; an empty Result means it found nothing.
	Search(ctx context.Context, q Query) (*Result, error)

	SourceType() domain.SourceType
	Name() string
	IsEnabled() bool
}
