package workflows

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	rotemporal "github.com/helixir/research-orchestrator/internal/temporal"
	"github.com/helixir/research-orchestrator/internal/temporal/activities"
)

func newTestInput() rotemporal.StageWorkflowInput {
	return rotemporal.StageWorkflowInput{
		TaskID:    "0b7d5f56-2d1e-4c59-9d43-0c1f3e5a7b11",
		ProjectID: "8e2a9c04-6b3f-4f1a-a0d2-5c7e9b1d3f22",
		TaskType:  "landscape",
		Timeout:   30 * time.Minute,
	}
}

func TestStageWorkflow_Success(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	var stageAct *activities.StageActivities
	env.OnActivity(stageAct.RunStage, mock.Anything, newTestInput()).Return(nil).Once()

	env.ExecuteWorkflow(StageWorkflow, newTestInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}

func TestStageWorkflow_ActivityFailure(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	var stageAct *activities.StageActivities
	env.OnActivity(stageAct.RunStage, mock.Anything, mock.Anything).Return(
		temporal.NewNonRetryableApplicationError("load task", "TaskLoad", errors.New("task not found")),
	).Once()

	env.ExecuteWorkflow(StageWorkflow, newTestInput())

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run stage")
	env.AssertNumberOfCalls(t, "RunStage", 1)
}

func TestStageWorkflow_UnexpectedCancellation(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	var stageAct *activities.StageActivities
	env.OnActivity(stageAct.RunStage, mock.Anything, mock.Anything).Return(
		temporal.NewCanceledError("worker shutting down"),
	)

	env.ExecuteWorkflow(StageWorkflow, newTestInput())

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
}

func TestStageOutcome(t *testing.T) {
	canceled := temporal.NewCanceledError("cancel signal")

	assert.NoError(t, stageOutcome(nil, false))
	assert.NoError(t, stageOutcome(canceled, true))
	assert.Error(t, stageOutcome(canceled, false))

	err := stageOutcome(errors.New("boom"), true)
	require.Error(t, err)
	assert.Equal(t, "run stage: boom", err.Error())
}
