// Package activities holds the Temporal activities of the stage workflow.
package activities

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/observability"
	rotemporal "github.com/helixir/research-orchestrator/internal/temporal"
)

// TaskRunner runs a pending task to a terminal state. The executor
// implements it.
type TaskRunner interface {
	Run(ctx context.Context, task *domain.Task, stage domain.Stage) error
}

// TaskReader is the part of the task store the activity reads.
type TaskReader interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Task, error)
}

// StageActivities runs stage tasks inside Temporal activities.
// Methods on this struct are registered as Temporal activities via the worker.
type StageActivities struct {
	tasks             TaskReader
	runner            TaskRunner
	heartbeatInterval time.Duration
}

// NewStageActivities creates a StageActivities instance.
func NewStageActivities(tasks TaskReader, runner TaskRunner, heartbeatInterval time.Duration) *StageActivities {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 15 * time.Second
	}
	return &StageActivities{tasks: tasks, runner: runner, heartbeatInterval: heartbeatInterval}
}

// RunStage loads the task, decodes its stage parameters and runs it through
// the executor while heartbeating to Temporal. Stage failures are recorded
// on the task and do not fail the activity; only a task that cannot be
// started does. Errors are never retried.
func (a *StageActivities) RunStage(ctx context.Context, input rotemporal.StageWorkflowInput) error {
	logger := activity.GetLogger(ctx)

	taskID, err := uuid.Parse(input.TaskID)
	if err != nil {
		return temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("invalid task id %q", input.TaskID), "InvalidInput", err)
	}

	task, err := a.tasks.Get(ctx, taskID)
	if err != nil {
		return temporal.NewNonRetryableApplicationError("load task", "TaskLoad", err)
	}
	if task.Status.IsTerminal() {
		logger.Info("task already finished, skipping", "taskID", input.TaskID, "status", string(task.Status))
		return nil
	}

	stage, err := domain.DecodeStage(task.Type, task.Params)
	if err != nil {
		return temporal.NewNonRetryableApplicationError("decode stage parameters", "InvalidInput", err)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go a.heartbeat(hbCtx, input.TaskID)

	info := activity.GetInfo(ctx)
	runCtx := observability.WithWorkflow(ctx, info.WorkflowExecution.ID, info.WorkflowExecution.RunID)

	logger.Info("running stage", "taskID", input.TaskID, "taskType", input.TaskType)
	if err := a.runner.Run(runCtx, task, stage); err != nil {
		return temporal.NewNonRetryableApplicationError("run stage", "TaskStart", err)
	}
	return nil
}

func (a *StageActivities) heartbeat(ctx context.Context, taskID string) {
	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			activity.RecordHeartbeat(ctx, taskID)
		}
	}
}
