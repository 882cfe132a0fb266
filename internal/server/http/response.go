package httpserver

import (
	"encoding/json"
	"time"

	"github.com/helixir/research-orchestrator/internal/domain"
)

type taskResponse struct {
	TaskID          string          `json:"task_id"`
	ProjectID       string          `json:"project_id"`
	TaskType        string          `json:"task_type"`
	Status          string          `json:"status"`
	Progress        int             `json:"progress"`
	CurrentMessage  string          `json:"current_message,omitempty"`
	Params          json.RawMessage `json:"params,omitempty"`
	Result          map[string]any  `json:"result"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ErrorKind       string          `json:"error_kind,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	Deadline        *time.Time      `json:"deadline,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Duration        string          `json:"duration,omitempty"`
}

type startStageResponse struct {
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type"`
	Status   string `json:"status"`
}

type cancelTaskResponse struct {
	TaskID          string `json:"task_id"`
	Status          string `json:"status"`
	CancelRequested bool   `json:"cancel_requested"`
}

type listTasksResponse struct {
	Tasks         []taskResponse `json:"tasks"`
	NextPageToken string         `json:"next_page_token,omitempty"`
	TotalCount    int            `json:"total_count"`
}

type projectResponse struct {
	ProjectID   string                `json:"project_id"`
	Title       string                `json:"title"`
	Params      domain.ResearchParams `json:"params"`
	CurrentStep string                `json:"current_step"`
	NextStage   string                `json:"next_stage,omitempty"`
	LatestTask  *taskResponse         `json:"latest_task,omitempty"`
	TaskCounts  map[string]int64      `json:"task_counts"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

func domainTaskToResponse(t *domain.Task) taskResponse {
	resp := taskResponse{
		TaskID:          t.ID.String(),
		ProjectID:       t.ProjectID.String(),
		TaskType:        string(t.Type),
		Status:          string(t.Status),
		Progress:        t.Progress,
		CurrentMessage:  t.CurrentMessage(),
		Result:          t.Result,
		ErrorMessage:    t.ErrorMessage,
		ErrorKind:       string(t.ErrorKind),
		CancelRequested: t.CancelRequested,
		Deadline:        t.Deadline,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
	}
	if len(t.Params) > 0 {
		resp.Params = json.RawMessage(t.Params)
	}
	if resp.Result == nil {
		resp.Result = map[string]any{}
	}
	if t.StartedAt != nil && t.CompletedAt != nil {
		resp.Duration = t.CompletedAt.Sub(*t.StartedAt).String()
	}
	return resp
}

func domainProjectToResponse(s *domain.ProjectStatus) projectResponse {
	resp := projectResponse{
		ProjectID:   s.Project.ID.String(),
		Title:       s.Project.Title,
		Params:      s.Project.Params,
		CurrentStep: string(s.Project.CurrentStep),
		NextStage:   string(s.NextStage),
		TaskCounts:  make(map[string]int64, len(s.TaskCounts)),
		CreatedAt:   s.Project.CreatedAt,
		UpdatedAt:   s.Project.UpdatedAt,
	}
	for status, n := range s.TaskCounts {
		resp.TaskCounts[string(status)] = n
	}
	if s.LatestTask != nil {
		latest := domainTaskToResponse(s.LatestTask)
		resp.LatestTask = &latest
	}
	return resp
}
