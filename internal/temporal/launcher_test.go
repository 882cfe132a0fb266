package temporal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	workflowpb "go.temporal.io/api/workflow/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"

	"github.com/helixir/research-orchestrator/internal/domain"
)

var launcherNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestLauncher(c client.Client) *StageLauncher {
	l := NewStageLauncher(c, LauncherConfig{
		TaskQueue: func(queue string) string { return "research-orchestrator-" + queue },
	})
	l.now = func() time.Time { return launcherNow }
	return l
}

func pendingTask(kind domain.StageKind) *domain.Task {
	return &domain.Task{
		ID:        uuid.MustParse("0b7d5f56-2d1e-4c59-9d43-0c1f3e5a7b11"),
		ProjectID: uuid.MustParse("8e2a9c04-6b3f-4f1a-a0d2-5c7e9b1d3f22"),
		Type:      kind,
		Status:    domain.TaskStatusPending,
	}
}

func TestStageLauncher_Launch(t *testing.T) {
	mc := &mocks.Client{}
	task := pendingTask(domain.StageAnalyze)

	mc.On("ExecuteWorkflow", mock.Anything, mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
		return o.ID == "stage-"+task.ID.String() &&
			o.TaskQueue == "research-orchestrator-analysis" &&
			o.WorkflowRunTimeout == DefaultStageTimeout+deadlineGrace &&
			o.WorkflowIDReusePolicy == enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE
	}), StageWorkflowName, StageWorkflowInput{
		TaskID:    task.ID.String(),
		ProjectID: task.ProjectID.String(),
		TaskType:  "analyze",
		Timeout:   DefaultStageTimeout,
	}).Return(&mocks.WorkflowRun{}, nil).Once()

	err := newTestLauncher(mc).Launch(context.Background(), task, domain.AnalyzeStage{MaxPapers: 10})
	require.NoError(t, err)
	mc.AssertExpectations(t)
}

func TestStageLauncher_LaunchUsesTaskDeadline(t *testing.T) {
	mc := &mocks.Client{}
	task := pendingTask(domain.StageDiscover)
	deadline := launcherNow.Add(10 * time.Minute)
	task.Deadline = &deadline

	var captured StageWorkflowInput
	mc.On("ExecuteWorkflow", mock.Anything, mock.Anything, StageWorkflowName, mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(3).(StageWorkflowInput) }).
		Return(&mocks.WorkflowRun{}, nil).Once()

	require.NoError(t, newTestLauncher(mc).Launch(context.Background(), task, domain.DiscoverStage{MaxResults: 50}))
	assert.Equal(t, 11*time.Minute, captured.Timeout)
}

func TestStageLauncher_LaunchError(t *testing.T) {
	mc := &mocks.Client{}
	mc.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, serviceerror.NewWorkflowExecutionAlreadyStarted("started", "", "")).Once()

	err := newTestLauncher(mc).Launch(context.Background(), pendingTask(domain.StageIdeas), domain.IdeasStage{NumIdeas: 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
	assert.Contains(t, err.Error(), "Launch")
}

func TestStageLauncher_Signal(t *testing.T) {
	mc := &mocks.Client{}
	taskID := uuid.New()

	mc.On("SignalWorkflow", mock.Anything, WorkflowID(taskID), "", SignalCancel, CancelSignal{RequestedAt: launcherNow}).
		Return(nil).Once()
	require.NoError(t, newTestLauncher(mc).Signal(context.Background(), taskID))

	mc.On("SignalWorkflow", mock.Anything, WorkflowID(taskID), "", SignalCancel, mock.Anything).
		Return(serviceerror.NewNotFound("workflow execution already completed")).Once()
	err := newTestLauncher(mc).Signal(context.Background(), taskID)
	assert.True(t, IsWorkflowNotFound(err))
	mc.AssertExpectations(t)
}

func TestStageLauncher_Closed(t *testing.T) {
	mc := &mocks.Client{}
	mc.On("Close").Return().Once()

	l := newTestLauncher(mc)
	l.Close()
	l.Close()

	err := l.Launch(context.Background(), pendingTask(domain.StageMethod), domain.MethodStage{IdeaID: "idea-1"})
	assert.True(t, errors.Is(err, ErrClientClosed))
	assert.True(t, errors.Is(l.Signal(context.Background(), uuid.New()), ErrClientClosed))
	assert.True(t, errors.Is(l.Health(context.Background()), ErrClientClosed))
	mc.AssertExpectations(t)
}

func TestStageLauncher_Health(t *testing.T) {
	mc := &mocks.Client{}
	mc.On("CheckHealth", mock.Anything, mock.Anything).Return(&client.CheckHealthResponse{}, nil).Once()
	mc.On("CheckHealth", mock.Anything, mock.Anything).Return(nil, serviceerror.NewUnavailable("down")).Once()

	l := newTestLauncher(mc)
	assert.NoError(t, l.Health(context.Background()))
	err := l.Health(context.Background())
	assert.True(t, errors.Is(err, domain.ErrServiceUnavailable))
}

func TestStageLauncher_Owns(t *testing.T) {
	taskID := uuid.New()
	describe := func(status enumspb.WorkflowExecutionStatus) *workflowservice.DescribeWorkflowExecutionResponse {
		return &workflowservice.DescribeWorkflowExecutionResponse{
			WorkflowExecutionInfo: &workflowpb.WorkflowExecutionInfo{Status: status},
		}
	}

	tests := []struct {
		name string
		resp *workflowservice.DescribeWorkflowExecutionResponse
		err  error
		want bool
	}{
		{name: "running", resp: describe(enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING), want: true},
		{name: "finished", resp: describe(enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED), want: false},
		{name: "never started", err: serviceerror.NewNotFound("no such workflow"), want: false},
		{name: "temporal unreachable", err: serviceerror.NewUnavailable("connection refused"), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mc := &mocks.Client{}
			mc.On("DescribeWorkflowExecution", mock.Anything, WorkflowID(taskID), "").Return(tt.resp, tt.err).Once()
			assert.Equal(t, tt.want, newTestLauncher(mc).Owns(taskID))
		})
	}
}
