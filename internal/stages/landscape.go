package stages

import (
	"context"
	"fmt"

	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/llm"
)

func (d *Dispatcher) landscape(ctx context.Context, project *domain.Project, reporter Reporter) (domain.StageResult, error) {
	p := NewProgressTracker(reporter, 5)

	if err := p.Step(ctx, "Loading paper analyses..."); err != nil {
		return nil, err
	}
	analyses, err := d.loadAnalyses(ctx, project)
	if err != nil {
		return nil, err
	}
	if len(analyses) == 0 {
		return nil, failf("No paper analyses found. Please run paper analysis first.")
	}

	if err := p.Step(ctx, "Clustering papers by research direction..."); err != nil {
		return nil, err
	}
	var l Landscape
	err = llm.CompleteJSON(ctx, d.llm, llm.Request{
		Operation: "landscape",
		System:    landscapeSystem,
		Prompt:    landscapePrompt(analyses),
		MaxTokens: 4000,
	}, &l)
	if err != nil {
		return nil, fmt.Errorf("landscape synthesis: %w", err)
	}
	l.AnalysesUsed = len(analyses)

	if err := p.Step(ctx, "Analyzing research landscape..."); err != nil {
		return nil, err
	}
	if err := p.Step(ctx, "Saving results..."); err != nil {
		return nil, err
	}
	if err := d.docs.Put(ctx, project.ID, KindLandscape, landscapeKey, &l); err != nil {
		return nil, fmt.Errorf("saving landscape: %w", err)
	}
	if err := p.Step(ctx, "Landscape analysis completed!"); err != nil {
		return nil, err
	}

	return domain.LandscapeResult{
		Clusters:         len(l.Clusters),
		SolvedProblems:   len(l.SolvedProblems),
		PartiallySolved:  len(l.PartiallySolved),
		UnsolvedProblems: len(l.UnsolvedProblems),
		AnalysesUsed:     l.AnalysesUsed,
	}, nil
}
