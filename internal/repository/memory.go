package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/gate"
)

// MemoryStore keeps projects, tasks and documents in process memory behind a
// single mutex, which plays the role of the project row lock and the
// in-flight unique index.
type MemoryStore struct {
	mu       sync.Mutex
	projects map[uuid.UUID]*domain.Project
	tasks    map[uuid.UUID]*domain.Task
	docs     map[docKey]Document

	now func() time.Time
}

type docKey struct {
	project uuid.UUID
	kind    string
	key     string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[uuid.UUID]*domain.Project),
		tasks:    make(map[uuid.UUID]*domain.Task),
		docs:     make(map[docKey]Document),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the store's time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Tasks returns the task record store view.
func (s *MemoryStore) Tasks() *MemoryTaskRepository { return &MemoryTaskRepository{s: s} }

// Projects returns the project store view.
func (s *MemoryStore) Projects() *MemoryProjectRepository { return &MemoryProjectRepository{s: s} }

// Documents returns the document store view.
func (s *MemoryStore) Documents() *MemoryDocumentStore { return &MemoryDocumentStore{s: s} }

func cloneTask(t *domain.Task) *domain.Task {
	c := *t
	c.Result = maps.Clone(t.Result)
	if c.Result == nil {
		c.Result = map[string]any{}
	}
	c.Params = append([]byte(nil), t.Params...)
	return &c
}

func cloneProject(p *domain.Project) *domain.Project {
	c := *p
	c.Params.Keywords = append([]string(nil), p.Params.Keywords...)
	return &c
}

// MemoryTaskRepository is the in-memory TaskRepository.
type MemoryTaskRepository struct{ s *MemoryStore }

var _ TaskRepository = (*MemoryTaskRepository)(nil)

func (r *MemoryTaskRepository) CreateIfIdle(_ context.Context, projectID uuid.UUID, stage domain.Stage, deadline *time.Time) (*domain.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	project, ok := r.s.projects[projectID]
	if !ok {
		return nil, domain.NewNotFoundError("project", projectID.String())
	}
	step, err := domain.ParseStep(string(project.CurrentStep))
	if err != nil {
		return nil, err
	}
	if err := gate.Check(step, stage.Kind()); err != nil {
		var gv *domain.GateViolationError
		if errors.As(err, &gv) {
			gv.ProjectID = projectID
		}
		return nil, err
	}
	for _, t := range r.s.tasks {
		if t.ProjectID == projectID && !t.IsTerminal() {
			return nil, &domain.AlreadyRunningError{ProjectID: projectID, TaskID: t.ID}
		}
	}

	params, err := domain.EncodeStage(stage)
	if err != nil {
		return nil, err
	}
	now := r.s.now()
	task := &domain.Task{
		ID:        uuid.New(),
		ProjectID: projectID,
		Type:      stage.Kind(),
		Status:    domain.TaskStatusPending,
		Params:    params,
		Result:    map[string]any{},
		Deadline:  deadline,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.s.tasks[task.ID] = task
	return cloneTask(task), nil
}

func (r *MemoryTaskRepository) get(id uuid.UUID) (*domain.Task, error) {
	t, ok := r.s.tasks[id]
	if !ok {
		return nil, domain.NewNotFoundError("task", id.String())
	}
	return t, nil
}

func (r *MemoryTaskRepository) Get(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return cloneTask(t), nil
}

// transition applies fn to the task when its status may move to `to`.
func (r *MemoryTaskRepository) transition(id uuid.UUID, to domain.TaskStatus, fn func(t *domain.Task, now time.Time)) (*domain.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, err := r.get(id)
	if err != nil {
		return nil, err
	}
	if !t.Status.CanTransitionTo(to) {
		return nil, describeTransition(t, to)
	}
	now := r.s.now()
	t.Status = to
	t.UpdatedAt = now
	fn(t, now)
	return cloneTask(t), nil
}

func (r *MemoryTaskRepository) MarkRunning(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	return r.transition(id, domain.TaskStatusRunning, func(t *domain.Task, now time.Time) {
		t.StartedAt = &now
	})
}

func (r *MemoryTaskRepository) UpdateProgress(_ context.Context, id uuid.UUID, progress int, message string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, err := r.get(id)
	if err != nil {
		return false, err
	}
	if t.Status != domain.TaskStatusRunning {
		return t.CancelRequested, nil
	}
	if p := domain.ClampProgress(progress); p > t.Progress {
		t.Progress = p
	}
	if message != "" {
		t.Result[domain.ResultMessageKey] = message
	}
	t.UpdatedAt = r.s.now()
	return t.CancelRequested, nil
}

func (r *MemoryTaskRepository) Heartbeat(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, err := r.get(id)
	if err != nil {
		return err
	}
	if t.Status == domain.TaskStatusRunning {
		t.UpdatedAt = r.s.now()
	}
	return nil
}

func (r *MemoryTaskRepository) Complete(_ context.Context, id uuid.UUID, result map[string]any) error {
	_, err := r.transition(id, domain.TaskStatusCompleted, func(t *domain.Task, now time.Time) {
		t.Progress = 100
		t.Result = maps.Clone(result)
		if t.Result == nil {
			t.Result = map[string]any{}
		}
		t.CompletedAt = &now
	})
	return err
}

func (r *MemoryTaskRepository) Fail(_ context.Context, id uuid.UUID, kind domain.ErrorKind, message string) error {
	_, err := r.transition(id, domain.TaskStatusFailed, func(t *domain.Task, now time.Time) {
		t.ErrorKind = kind
		t.ErrorMessage = domain.FormatFailure(kind, message)
		t.CompletedAt = &now
	})
	return err
}

func (r *MemoryTaskRepository) RequestCancel(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, err := r.get(id)
	if err != nil {
		return nil, err
	}
	if t.IsTerminal() {
		return nil, describeTransition(t, "")
	}
	t.CancelRequested = true
	return cloneTask(t), nil
}

func (r *MemoryTaskRepository) List(_ context.Context, filter TaskFilter) ([]*domain.Task, int64, error) {
	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var matched []*domain.Task
	for _, t := range r.s.tasks {
		if filter.ProjectID != nil && t.ProjectID != *filter.ProjectID {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		if len(filter.Status) > 0 && !containsStatus(filter.Status, t.Status) {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	start := min(filter.Offset, len(matched))
	end := min(start+filter.Limit, len(matched))

	out := make([]*domain.Task, 0, end-start)
	for _, t := range matched[start:end] {
		out = append(out, cloneTask(t))
	}
	return out, total, nil
}

func containsStatus(list []domain.TaskStatus, s domain.TaskStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (r *MemoryTaskRepository) ListStale(_ context.Context, cutoff time.Time) ([]*domain.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*domain.Task, 0)
	for _, t := range r.s.tasks {
		if !t.IsTerminal() && t.UpdatedAt.Before(cutoff) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (r *MemoryTaskRepository) LatestCompletedPerProject(_ context.Context) ([]StageCompletion, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	latest := make(map[uuid.UUID]*domain.Task)
	for _, t := range r.s.tasks {
		if t.Status != domain.TaskStatusCompleted || t.CompletedAt == nil {
			continue
		}
		if cur, ok := latest[t.ProjectID]; !ok || t.CompletedAt.After(*cur.CompletedAt) {
			latest[t.ProjectID] = t
		}
	}

	out := make([]StageCompletion, 0, len(latest))
	for projectID, t := range latest {
		p, ok := r.s.projects[projectID]
		if !ok || p.CurrentStep == domain.StepCompleted {
			continue
		}
		out = append(out, StageCompletion{
			ProjectID:   projectID,
			CurrentStep: p.CurrentStep,
			TaskID:      t.ID,
			TaskType:    t.Type,
			CompletedAt: *t.CompletedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID.String() < out[j].ProjectID.String() })
	return out, nil
}

// MemoryProjectRepository is the in-memory ProjectRepository.
type MemoryProjectRepository struct{ s *MemoryStore }

var _ ProjectRepository = (*MemoryProjectRepository)(nil)

func (r *MemoryProjectRepository) Create(_ context.Context, project *domain.Project) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	if _, exists := r.s.projects[project.ID]; exists {
		return fmt.Errorf("project %s: %w", project.ID, domain.ErrAlreadyExists)
	}
	if project.CurrentStep == "" {
		project.CurrentStep = domain.StepInit
	}
	now := r.s.now()
	project.CreatedAt, project.UpdatedAt = now, now
	r.s.projects[project.ID] = cloneProject(project)
	return nil
}

func (r *MemoryProjectRepository) Get(_ context.Context, id uuid.UUID) (*domain.Project, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.projects[id]
	if !ok {
		return nil, domain.NewNotFoundError("project", id.String())
	}
	return cloneProject(p), nil
}

func (r *MemoryProjectRepository) AdvanceStep(_ context.Context, id uuid.UUID, from, to domain.Step) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.projects[id]
	if !ok || p.CurrentStep != from {
		return false, nil
	}
	p.CurrentStep = to
	p.UpdatedAt = r.s.now()
	return true, nil
}

func (r *MemoryProjectRepository) Status(_ context.Context, id uuid.UUID) (*domain.ProjectStatus, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.projects[id]
	if !ok {
		return nil, domain.NewNotFoundError("project", id.String())
	}
	next, err := gate.Permitted(p.CurrentStep)
	if err != nil {
		return nil, err
	}

	status := &domain.ProjectStatus{
		Project:    cloneProject(p),
		NextStage:  next,
		TaskCounts: map[domain.TaskStatus]int64{},
	}
	for _, t := range r.s.tasks {
		if t.ProjectID != id {
			continue
		}
		status.TaskCounts[t.Status]++
		if status.LatestTask == nil || t.CreatedAt.After(status.LatestTask.CreatedAt) {
			status.LatestTask = t
		}
	}
	if status.LatestTask != nil {
		status.LatestTask = cloneTask(status.LatestTask)
	}
	return status, nil
}

// MemoryDocumentStore is the in-memory DocumentStore.
type MemoryDocumentStore struct{ s *MemoryStore }

var _ DocumentStore = (*MemoryDocumentStore)(nil)

func (d *MemoryDocumentStore) Put(_ context.Context, projectID uuid.UUID, kind, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", kind, key, err)
	}
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if _, ok := d.s.projects[projectID]; !ok {
		return domain.NewNotFoundError("project", projectID.String())
	}
	d.s.docs[docKey{projectID, kind, key}] = Document{Key: key, Payload: payload, UpdatedAt: d.s.now()}
	return nil
}

func (d *MemoryDocumentStore) Get(_ context.Context, projectID uuid.UUID, kind, key string, dst any) error {
	d.s.mu.Lock()
	doc, ok := d.s.docs[docKey{projectID, kind, key}]
	d.s.mu.Unlock()
	if !ok {
		return domain.NewNotFoundError(kind, key)
	}
	if err := json.Unmarshal(doc.Payload, dst); err != nil {
		return fmt.Errorf("failed to decode document %s/%s: %w", kind, key, err)
	}
	return nil
}

func (d *MemoryDocumentStore) List(_ context.Context, projectID uuid.UUID, kind string) ([]Document, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	out := make([]Document, 0)
	for k, doc := range d.s.docs {
		if k.project == projectID && k.kind == kind {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (d *MemoryDocumentStore) DeleteKind(_ context.Context, projectID uuid.UUID, kind string) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	for k := range d.s.docs {
		if k.project == projectID && k.kind == kind {
			delete(d.s.docs, k)
		}
	}
	return nil
}
