package client

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Task statuses as reported by the API.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Task is the task record returned by GET /api/v1/tasks/{id}.
type Task struct {
	TaskID          string          `json:"task_id"`
	ProjectID       string          `json:"project_id"`
	TaskType        string          `json:"task_type"`
	Status          string          `json:"status"`
	Progress        int             `json:"progress"`
	CurrentMessage  string          `json:"current_message,omitempty"`
	Params          json.RawMessage `json:"params,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ErrorKind       string          `json:"error_kind,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	Deadline        *time.Time      `json:"deadline,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the task has completed or failed.
func (t *Task) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// changedFrom reports whether t differs from prev in anything a poller
// reports. A nil prev always counts as a change.
func (t *Task) changedFrom(prev *Task) bool {
	if prev == nil {
		return true
	}
	return t.Status != prev.Status ||
		t.Progress != prev.Progress ||
		t.CurrentMessage != prev.CurrentMessage ||
		t.CancelRequested != prev.CancelRequested
}

// StartedTask is the 202 answer of a stage start.
type StartedTask struct {
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type"`
	Status   string `json:"status"`
}

// CancelledTask is the answer of a cancel request.
type CancelledTask struct {
	TaskID          string `json:"task_id"`
	Status          string `json:"status"`
	CancelRequested bool   `json:"cancel_requested"`
}

// ResearchParams are the project's research parameters.
type ResearchParams struct {
	Keywords     []string `json:"keywords"`
	YearStart    int      `json:"year_start,omitempty"`
	YearEnd      int      `json:"year_end,omitempty"`
	Field        string   `json:"field,omitempty"`
	JournalLevel string   `json:"journal_level,omitempty"`
	PaperType    string   `json:"paper_type,omitempty"`
}

// Project is the project status view.
type Project struct {
	ProjectID   string           `json:"project_id"`
	Title       string           `json:"title"`
	Params      ResearchParams   `json:"params"`
	CurrentStep string           `json:"current_step"`
	NextStage   string           `json:"next_stage,omitempty"`
	LatestTask  *Task            `json:"latest_task,omitempty"`
	TaskCounts  map[string]int64 `json:"task_counts"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// TaskPage is one page of ListTasks.
type TaskPage struct {
	Tasks         []Task `json:"tasks"`
	NextPageToken string `json:"next_page_token,omitempty"`
	TotalCount    int    `json:"total_count"`
}

// ListOptions filters ListTasks. Zero values are omitted.
type ListOptions struct {
	ProjectID string
	Statuses  []string
	TaskType  string
	PageSize  int
	PageToken string
}

func (o ListOptions) values() url.Values {
	q := url.Values{}
	if o.ProjectID != "" {
		q.Set("project_id", o.ProjectID)
	}
	if len(o.Statuses) > 0 {
		q.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.TaskType != "" {
		q.Set("task_type", o.TaskType)
	}
	if o.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(o.PageSize))
	}
	if o.PageToken != "" {
		q.Set("page_token", o.PageToken)
	}
	return q
}
