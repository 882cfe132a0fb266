// Package workflows defines the Temporal workflow that runs one stage task.
package workflows

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	rotemporal "github.com/helixir/research-orchestrator/internal/temporal"
	"github.com/helixir/research-orchestrator/internal/temporal/activities"
)

// activityHeartbeatTimeout must exceed the activity heartbeat interval.
const activityHeartbeatTimeout = 2 * time.Minute

// StageWorkflow runs the stage activity of one task. The "cancel" signal
// cancels the activity; the executor inside it then records the task as
// cancelled. The task record, not the workflow result, carries the outcome.
func StageWorkflow(ctx workflow.Context, input rotemporal.StageWorkflowInput) error {
	logger := workflow.GetLogger(ctx)

	cancelCtx, cancelFunc := workflow.WithCancel(ctx)
	cancelled := false
	signalCh := workflow.GetSignalChannel(ctx, rotemporal.SignalCancel)
	workflow.Go(ctx, func(gCtx workflow.Context) {
		var sig rotemporal.CancelSignal
		signalCh.Receive(gCtx, &sig)
		logger.Info("received cancel signal", "taskID", input.TaskID)
		cancelled = true
		cancelFunc()
	})

	timeout := input.Timeout
	if timeout <= 0 {
		timeout = rotemporal.DefaultStageTimeout
	}

	var stageAct *activities.StageActivities
	actCtx := workflow.WithActivityOptions(cancelCtx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    activityHeartbeatTimeout,
		WaitForCancellation: true,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	err := workflow.ExecuteActivity(actCtx, stageAct.RunStage, input).Get(actCtx, nil)
	return stageOutcome(err, cancelled)
}

// stageOutcome maps the activity result to the workflow result. A
// cancellation the workflow asked for is a normal end.
func stageOutcome(err error, cancelRequested bool) error {
	if err == nil {
		return nil
	}
	var canceledErr *temporal.CanceledError
	if cancelRequested && errors.As(err, &canceledErr) {
		return nil
	}
	return fmt.Errorf("run stage: %w", err)
}
