package stages

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/helixir/research-orchestrator/internal/dedup"
	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/observability"
	"github.com/helixir/research-orchestrator/internal/papersources"
)

func (d *Dispatcher) discover(ctx context.Context, project *domain.Project, s domain.DiscoverStage, reporter Reporter) (domain.StageResult, error) {
	p := NewProgressTracker(reporter, 1)
	logger := observability.LoggerFromContext(ctx, d.logger)

	if err := p.Set(ctx, 5, "Loading project..."); err != nil {
		return nil, err
	}
	if err := p.Set(ctx, 10, "Preparing search parameters..."); err != nil {
		return nil, err
	}

	keywords := nonEmpty(project.Params.Keywords)
	if len(keywords) == 0 {
		keywords = nonEmpty([]string{project.Title})
	}
	if len(keywords) == 0 {
		return nil, failf("project has no keywords and no title to search for")
	}

	params := project.Params
	params.Keywords = keywords
	query := papersources.QueryFromParams(params, (s.MaxResults+1)/2)

	if err := p.Set(ctx, 20, "Searching ArXiv and Semantic Scholar..."); err != nil {
		return nil, err
	}
	outcomes := d.sources.SearchAll(ctx, query)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(outcomes) == 0 {
		return nil, failf("no literature sources are enabled")
	}

	var (
		batches  [][]*domain.Paper
		failures []domain.SourceFailure
	)
	for _, o := range outcomes {
		if o.Err != nil {
			failures = append(failures, domain.SourceFailure{Source: string(o.Source), Error: o.Err.Error()})
			continue
		}
		batches = append(batches, o.Result.Papers)
	}
	if len(batches) == 0 {
		return nil, failf("all literature sources failed: %s", joinFailures(failures))
	}

	if err := p.Set(ctx, 60, "Merging and deduplicating..."); err != nil {
		return nil, err
	}
	papers := dedup.Merge(batches...)
	found := len(papers)

	if err := p.Set(ctx, 75, "Scoring relevance..."); err != nil {
		return nil, err
	}
	year := d.now().Year()
	for _, paper := range papers {
		paper.RelevanceScore = relevance(paper, keywords, year)
	}
	sort.SliceStable(papers, func(i, j int) bool {
		return papers[i].RelevanceScore > papers[j].RelevanceScore
	})
	if len(papers) > s.MaxResults {
		papers = papers[:s.MaxResults]
	}

	if err := p.Set(ctx, 85, "Saving papers..."); err != nil {
		return nil, err
	}
	if err := d.docs.DeleteKind(ctx, project.ID, KindPaper); err != nil {
		return nil, fmt.Errorf("clearing previous papers: %w", err)
	}
	summaries := make([]domain.PaperSummary, 0, len(papers))
	used := make(map[string]int, len(papers))
	for _, paper := range papers {
		if paper.CanonicalID == "" {
			paper.CanonicalID = paper.StorageKey()
		}
		// Distinct works without identifiers can share a title.
		if n := used[paper.CanonicalID]; n > 0 {
			used[paper.CanonicalID] = n + 1
			paper.CanonicalID = fmt.Sprintf("%s#%d", paper.CanonicalID, n+1)
		} else {
			used[paper.CanonicalID] = 1
		}
		if err := d.docs.Put(ctx, project.ID, KindPaper, paper.CanonicalID, paper); err != nil {
			return nil, fmt.Errorf("saving paper %s: %w", paper.CanonicalID, err)
		}
		summaries = append(summaries, paper.Summary())
	}

	logger.Info().
		Int("papers_found", found).
		Int("papers_saved", len(papers)).
		Int("source_errors", len(failures)).
		Msg("discovery finished")

	if err := p.Set(ctx, 100, "Discovery completed!"); err != nil {
		return nil, err
	}
	return domain.DiscoverResult{
		PapersFound:  found,
		PapersSaved:  len(papers),
		Papers:       domain.FetchedOK(summaries),
		SourceErrors: failures,
	}, nil
}

// relevance scores a paper against the search keywords: title hits weigh
// more than abstract hits, recent papers and arXiv preprints get a bonus.
func relevance(p *domain.Paper, keywords []string, year int) float64 {
	title := strings.ToLower(p.Title)
	abstract := strings.ToLower(p.Abstract)

	score := 0.0
	for _, kw := range keywords {
		for _, w := range strings.Fields(strings.ToLower(kw)) {
			if strings.Contains(title, w) {
				score += 0.3
			}
			if strings.Contains(abstract, w) {
				score += 0.1
			}
		}
	}

	if p.PublicationYear > 0 {
		if recency := 1 - float64(year-p.PublicationYear)/10; recency > 0 {
			score += min(recency, 1) * 0.15
		}
	}
	if p.Identifiers.ArXivID != "" {
		score += 0.05
	}
	return min(score, 1.0)
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func joinFailures(failures []domain.SourceFailure) string {
	parts := make([]string, len(failures))
	for i, f := range failures {
		parts[i] = f.Source + ": " + f.Error
	}
	return strings.Join(parts, "; ")
}
