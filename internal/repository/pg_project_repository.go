package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/gate"
)

var _ ProjectRepository = (*PgProjectRepository)(nil)

// PgProjectRepository is the PostgreSQL project store.
type PgProjectRepository struct {
	db DBTX
}

// NewPgProjectRepository creates a PgProjectRepository.
func NewPgProjectRepository(db DBTX) *PgProjectRepository {
	return &PgProjectRepository{db: db}
}

// Create inserts a project. An empty CurrentStep is stored as init.
func (r *PgProjectRepository) Create(ctx context.Context, project *domain.Project) error {
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	if project.CurrentStep == "" {
		project.CurrentStep = domain.StepInit
	}
	now := time.Now().UTC()
	project.CreatedAt, project.UpdatedAt = now, now

	keywords := project.Params.Keywords
	if keywords == nil {
		keywords = []string{}
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO projects (id, title, keywords, year_start, year_end, field, journal_level, paper_type,
			current_step, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		project.ID, project.Title, keywords,
		nullInt(project.Params.YearStart), nullInt(project.Params.YearEnd),
		project.Params.Field, project.Params.JournalLevel, project.Params.PaperType,
		string(project.CurrentStep), now)
	if err != nil {
		if isPgError(err, pgUniqueViolation) {
			return fmt.Errorf("project %s: %w", project.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// Get retrieves a project. The stored step is returned as is; interpreting
// it is the gate's job.
func (r *PgProjectRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Project, error) {
	var (
		p                  domain.Project
		yearStart, yearEnd *int
		step               string
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, title, keywords, year_start, year_end, field, journal_level, paper_type,
			current_step, created_at, updated_at
		FROM projects WHERE id = $1`, id).Scan(
		&p.ID, &p.Title, &p.Params.Keywords, &yearStart, &yearEnd,
		&p.Params.Field, &p.Params.JournalLevel, &p.Params.PaperType,
		&step, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("project", id.String())
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	if yearStart != nil {
		p.Params.YearStart = *yearStart
	}
	if yearEnd != nil {
		p.Params.YearEnd = *yearEnd
	}
	p.CurrentStep = domain.Step(step)
	return &p, nil
}

// AdvanceStep moves the project from one step to the next if it is still at from.
func (r *PgProjectRepository) AdvanceStep(ctx context.Context, id uuid.UUID, from, to domain.Step) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE projects SET current_step = $3, updated_at = $4
		WHERE id = $1 AND current_step = $2`,
		id, string(from), string(to), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to advance project step: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Status returns the project, the stage it may start next, its latest task
// and task counts per status.
func (r *PgProjectRepository) Status(ctx context.Context, id uuid.UUID) (*domain.ProjectStatus, error) {
	project, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := gate.Permitted(project.CurrentStep)
	if err != nil {
		return nil, err
	}

	status := &domain.ProjectStatus{
		Project:    project,
		NextStage:  next,
		TaskCounts: map[domain.TaskStatus]int64{},
	}

	latest, err := scanTask(r.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = $1 ORDER BY created_at DESC LIMIT 1`, id))
	switch {
	case err == nil:
		status.LatestTask = latest
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("failed to get latest task: %w", err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE project_id = $1 GROUP BY status`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			s string
			n int64
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		status.TaskCounts[domain.TaskStatus(s)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task counts: %w", err)
	}
	return status, nil
}

func nullInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}
