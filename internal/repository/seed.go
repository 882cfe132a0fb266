package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/helixir/research-orchestrator/internal/domain"
)

// seedProject is the JSON shape of one seeded project.
type seedProject struct {
	ID     uuid.UUID             `json:"id"`
	Title  string                `json:"title"`
	Params domain.ResearchParams `json:"params"`
	Step   string                `json:"current_step,omitempty"`
}

// SeedProjects reads a JSON array of projects from r and creates the ones
// that do not exist yet. It returns the number created. Projects without an
// id get a random one; an omitted current_step means init.
func SeedProjects(ctx context.Context, projects ProjectRepository, r io.Reader) (int, error) {
	var seeds []seedProject
	if err := json.NewDecoder(r).Decode(&seeds); err != nil {
		return 0, fmt.Errorf("decode seed projects: %w", err)
	}

	created := 0
	for i, s := range seeds {
		if strings.TrimSpace(s.Title) == "" {
			return created, fmt.Errorf("seed project %d: %w", i, domain.NewValidationError("title", "is required"))
		}
		step := domain.StepInit
		if s.Step != "" {
			parsed, err := domain.ParseStep(s.Step)
			if err != nil {
				return created, fmt.Errorf("seed project %d: %w", i, err)
			}
			step = parsed
		}
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}

		err := projects.Create(ctx, &domain.Project{
			ID:          s.ID,
			Title:       s.Title,
			Params:      s.Params,
			CurrentStep: step,
		})
		if errors.Is(err, domain.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("seed project %s: %w", s.ID, err)
		}
		created++
	}
	return created, nil
}
