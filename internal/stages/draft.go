package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/llm"
)

// draftSections are written in order, one completion each.
var draftSections = []string{
	"abstract",
	"introduction",
	"related_work",
	"method",
	"experiments",
	"conclusion",
}

func (d *Dispatcher) draft(ctx context.Context, project *domain.Project, s domain.DraftStage, reporter Reporter) (domain.StageResult, error) {
	p := NewProgressTracker(reporter, 1)

	if err := p.Set(ctx, 5, "Loading research idea and method..."); err != nil {
		return nil, err
	}
	idea, err := d.loadIdea(ctx, project, s.IdeaID)
	if err != nil {
		return nil, err
	}
	var method MethodDesign
	if err := d.docs.Get(ctx, project.ID, KindMethod, idea.IdeaID, &method); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, failf("Method design not found. Please run method design first.")
		}
		return nil, err
	}
	landscape, err := d.loadLandscape(ctx, project)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if err := p.Set(ctx, 10, "Initializing paper generator..."); err != nil {
		return nil, err
	}

	draft := Draft{IdeaID: idea.IdeaID, Title: idea.Title}
	names := make([]string, 0, len(draftSections))
	for i, section := range draftSections {
		pct := 20 + i*70/len(draftSections)
		if err := p.Set(ctx, pct, fmt.Sprintf("Writing %s...", strings.ReplaceAll(section, "_", " "))); err != nil {
			return nil, err
		}
		resp, err := d.llm.Complete(ctx, llm.Request{
			Operation: "draft",
			System:    draftSystem,
			Prompt:    sectionPrompt(section, idea, &method, landscape),
			MaxTokens: 2000,
		})
		if err != nil {
			return nil, fmt.Errorf("writing %s: %w", section, err)
		}
		content := strings.TrimSpace(resp.Content)
		draft.Sections = append(draft.Sections, DraftSection{Name: section, Content: content})
		draft.WordCount += len(strings.Fields(content))
		names = append(names, section)
	}

	if err := p.Set(ctx, 95, "Saving paper draft..."); err != nil {
		return nil, err
	}
	if err := d.docs.Put(ctx, project.ID, KindDraft, idea.IdeaID, &draft); err != nil {
		return nil, fmt.Errorf("saving draft: %w", err)
	}
	if err := p.Set(ctx, 100, "Paper draft completed!"); err != nil {
		return nil, err
	}

	return domain.DraftResult{
		IdeaID:    idea.IdeaID,
		Title:     draft.Title,
		Sections:  names,
		WordCount: draft.WordCount,
	}, nil
}
