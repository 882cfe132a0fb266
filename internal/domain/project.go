package domain

import (
	"time"

	"github.com/google/uuid"
)

// ResearchParams holds the search parameters of a research project.
type ResearchParams struct {
	Keywords     []string `json:"keywords"`
	YearStart    int      `json:"year_start,omitempty"`
	YearEnd      int      `json:"year_end,omitempty"`
	Field        string   `json:"field,omitempty"`
	JournalLevel string   `json:"journal_level,omitempty"`
	PaperType    string   `json:"paper_type,omitempty"`
}

// Project is a research project advancing through the pipeline.
type Project struct {
	ID          uuid.UUID
	Title       string
	Params      ResearchParams
	CurrentStep Step
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProjectStatus is the project view served to polling clients: the project,
// the stage it may start next, its most recent task and task counts.
type ProjectStatus struct {
	Project    *Project
	NextStage  StageKind
	LatestTask *Task
	TaskCounts map[TaskStatus]int64
}
