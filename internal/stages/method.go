package stages

import (
	"context"
	"fmt"

	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/llm"
)

func (d *Dispatcher) method(ctx context.Context, project *domain.Project, s domain.MethodStage, reporter Reporter) (domain.StageResult, error) {
	p := NewProgressTracker(reporter, 4)

	if err := p.Step(ctx, "Loading research idea..."); err != nil {
		return nil, err
	}
	idea, err := d.loadIdea(ctx, project, s.IdeaID)
	if err != nil {
		return nil, err
	}

	if err := p.Step(ctx, "Designing method..."); err != nil {
		return nil, err
	}
	var m MethodDesign
	err = llm.CompleteJSON(ctx, d.llm, llm.Request{
		Operation: "method",
		System:    methodSystem,
		Prompt:    methodPrompt(idea),
		MaxTokens: 3000,
	}, &m)
	if err != nil {
		return nil, fmt.Errorf("method design: %w", err)
	}
	m.IdeaID = idea.IdeaID

	if err := p.Step(ctx, "Saving results..."); err != nil {
		return nil, err
	}
	if err := d.docs.Put(ctx, project.ID, KindMethod, idea.IdeaID, &m); err != nil {
		return nil, fmt.Errorf("saving method: %w", err)
	}
	if err := p.Step(ctx, "Method design completed!"); err != nil {
		return nil, err
	}

	return domain.MethodResult{
		IdeaID:      idea.IdeaID,
		MethodName:  m.MethodName,
		Components:  len(m.KeyModules),
		Experiments: len(m.Experiments),
	}, nil
}
