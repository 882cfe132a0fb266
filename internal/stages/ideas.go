package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/llm"
)

func (d *Dispatcher) ideas(ctx context.Context, project *domain.Project, s domain.IdeasStage, reporter Reporter) (domain.StageResult, error) {
	p := NewProgressTracker(reporter, s.NumIdeas+3)

	if err := p.Step(ctx, "Loading research landscape..."); err != nil {
		return nil, err
	}
	landscape, err := d.loadLandscape(ctx, project)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, failf("No research landscape found. Please run landscape analysis first.")
		}
		return nil, err
	}

	if err := p.Step(ctx, "Generating research ideas..."); err != nil {
		return nil, err
	}
	var out struct {
		Ideas []Idea `json:"ideas"`
	}
	err = llm.CompleteJSON(ctx, d.llm, llm.Request{
		Operation: "ideas",
		System:    ideasSystem,
		Prompt:    ideasPrompt(landscape, s.NumIdeas),
		MaxTokens: 4000,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("idea generation: %w", err)
	}
	ideas := out.Ideas
	if len(ideas) == 0 {
		return nil, failf("no research ideas were generated")
	}
	if len(ideas) > s.NumIdeas {
		ideas = ideas[:s.NumIdeas]
	}

	if err := d.docs.DeleteKind(ctx, project.ID, KindIdea); err != nil {
		return nil, fmt.Errorf("clearing previous ideas: %w", err)
	}

	var novelty, feasibility float64
	summaries := make([]domain.IdeaSummary, 0, len(ideas))
	for i := range ideas {
		idea := &ideas[i]
		if idea.IdeaID == "" {
			idea.IdeaID = fmt.Sprintf("idea-%d", i+1)
		}
		if err := p.Step(ctx, fmt.Sprintf("Saving idea %d/%d: %s...", i+1, len(ideas), truncate(idea.Title, 30))); err != nil {
			return nil, err
		}
		if err := d.docs.Put(ctx, project.ID, KindIdea, idea.IdeaID, idea); err != nil {
			return nil, fmt.Errorf("saving idea %s: %w", idea.IdeaID, err)
		}
		novelty += idea.NoveltyScore
		feasibility += idea.FeasibilityScore
		summaries = append(summaries, domain.IdeaSummary{
			IdeaID:           idea.IdeaID,
			Title:            idea.Title,
			NoveltyScore:     idea.NoveltyScore,
			FeasibilityScore: idea.FeasibilityScore,
		})
	}

	if err := p.Set(ctx, 100, "Idea generation completed!"); err != nil {
		return nil, err
	}

	n := float64(len(ideas))
	return domain.IdeasResult{
		IdeasGenerated:      len(ideas),
		Ideas:               domain.FetchedOK(summaries),
		AvgNoveltyScore:     novelty / n,
		AvgFeasibilityScore: feasibility / n,
	}, nil
}

func (d *Dispatcher) loadLandscape(ctx context.Context, project *domain.Project) (*Landscape, error) {
	var l Landscape
	if err := d.docs.Get(ctx, project.ID, KindLandscape, landscapeKey, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (d *Dispatcher) loadIdea(ctx context.Context, project *domain.Project, id string) (*Idea, error) {
	var idea Idea
	if err := d.docs.Get(ctx, project.ID, KindIdea, id, &idea); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, failf("Research idea %s not found", id)
		}
		return nil, err
	}
	return &idea, nil
}
