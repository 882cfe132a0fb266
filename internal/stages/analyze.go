package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/llm"
	"github.com/helixir/research-orchestrator/internal/observability"
)

func (d *Dispatcher) analyze(ctx context.Context, project *domain.Project, s domain.AnalyzeStage, reporter Reporter) (domain.StageResult, error) {
	logger := observability.LoggerFromContext(ctx, d.logger)

	papers, err := d.loadPapers(ctx, project)
	if err != nil {
		return nil, err
	}
	if len(papers) == 0 {
		return nil, failf("No papers found for analysis")
	}
	if len(papers) > s.MaxPapers {
		papers = papers[:s.MaxPapers]
	}

	n := len(papers)
	p := NewProgressTracker(reporter, n+2)
	if err := p.Step(ctx, fmt.Sprintf("Loaded %d papers for analysis", n)); err != nil {
		return nil, err
	}

	var (
		analyzed int
		failures []domain.PaperFailure
	)
	for i, paper := range papers {
		if err := p.Step(ctx, fmt.Sprintf("Analyzing paper %d/%d: %s...", i+1, n, truncate(paper.Title, 50))); err != nil {
			return nil, err
		}

		analysis, err := d.analyzePaper(ctx, paper)
		if err != nil {
			if interrupted(ctx, err) {
				return nil, err
			}
			logger.Warn().Err(err).Str("paper", paper.CanonicalID).Msg("paper analysis failed")
			failures = append(failures, domain.PaperFailure{CanonicalID: paper.CanonicalID, Error: err.Error()})
			continue
		}
		if err := d.docs.Put(ctx, project.ID, KindAnalysis, paper.CanonicalID, analysis); err != nil {
			return nil, fmt.Errorf("saving analysis %s: %w", paper.CanonicalID, err)
		}
		analyzed++
	}

	if analyzed == 0 {
		return nil, failf("analysis failed for all %d papers", n)
	}
	if err := p.Set(ctx, 100, "Analysis completed!"); err != nil {
		return nil, err
	}

	return domain.AnalyzeResult{
		PapersAnalyzed: analyzed,
		TotalPapers:    n,
		SuccessRate:    float64(analyzed) / float64(n),
		Failures:       failures,
	}, nil
}

func (d *Dispatcher) analyzePaper(ctx context.Context, paper *domain.Paper) (*PaperAnalysis, error) {
	var a PaperAnalysis
	err := llm.CompleteJSON(ctx, d.llm, llm.Request{
		Operation: "analyze",
		System:    analysisSystem,
		Prompt:    analysisPrompt(paper.Title, paper.Abstract),
		MaxTokens: 1500,
	}, &a)
	if err != nil {
		return nil, err
	}
	a.CanonicalID = paper.CanonicalID
	a.Title = paper.Title
	return &a, nil
}

// loadPapers returns the project's discovered papers, most relevant first.
func (d *Dispatcher) loadPapers(ctx context.Context, project *domain.Project) ([]*domain.Paper, error) {
	docs, err := d.docs.List(ctx, project.ID, KindPaper)
	if err != nil {
		return nil, fmt.Errorf("loading papers: %w", err)
	}
	papers := make([]*domain.Paper, 0, len(docs))
	for _, doc := range docs {
		var p domain.Paper
		if err := json.Unmarshal(doc.Payload, &p); err != nil {
			return nil, fmt.Errorf("decoding paper %s: %w", doc.Key, err)
		}
		if p.CanonicalID == "" {
			p.CanonicalID = doc.Key
		}
		papers = append(papers, &p)
	}
	sort.SliceStable(papers, func(i, j int) bool {
		return papers[i].RelevanceScore > papers[j].RelevanceScore
	})
	return papers, nil
}

// loadAnalyses returns every stored paper analysis ordered by paper key.
func (d *Dispatcher) loadAnalyses(ctx context.Context, project *domain.Project) ([]PaperAnalysis, error) {
	docs, err := d.docs.List(ctx, project.ID, KindAnalysis)
	if err != nil {
		return nil, fmt.Errorf("loading analyses: %w", err)
	}
	out := make([]PaperAnalysis, 0, len(docs))
	for _, doc := range docs {
		var a PaperAnalysis
		if err := json.Unmarshal(doc.Payload, &a); err != nil {
			return nil, fmt.Errorf("decoding analysis %s: %w", doc.Key, err)
		}
		out = append(out, a)
	}
	return out, nil
}
