package temporal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"

	"github.com/helixir/research-orchestrator/internal/domain"
)

const (
	// StageWorkflowName is the registered name of the stage workflow.
	StageWorkflowName = "StageWorkflow"

	// SignalCancel asks a stage workflow to cancel its running activity.
	SignalCancel = "cancel"

	// DefaultStageTimeout bounds a stage without a task deadline.
	DefaultStageTimeout = 4 * time.Hour

	// deadlineGrace lets the executor record a timeout before Temporal
	// closes the activity.
	deadlineGrace = time.Minute
)

// StageWorkflowInput identifies the task a stage workflow runs. The stage
// parameters are read from the task record by the activity.
type StageWorkflowInput struct {
	TaskID    string `json:"task_id"`
	ProjectID string `json:"project_id"`
	TaskType  string `json:"task_type"`
	// Timeout is the StartToClose timeout of the stage activity.
	Timeout time.Duration `json:"timeout"`
}

// CancelSignal is the payload of SignalCancel.
type CancelSignal struct {
	RequestedAt time.Time `json:"requested_at"`
}

// WorkflowID returns the workflow ID of a task. One task maps to exactly one
// workflow execution.
func WorkflowID(taskID uuid.UUID) string {
	return "stage-" + taskID.String()
}

// LauncherConfig configures a StageLauncher.
type LauncherConfig struct {
	// TaskQueue maps a stage's queue name to a Temporal task queue.
	TaskQueue func(queue string) string

	// DefaultTimeout applies to tasks without a deadline. Default: 4 hours.
	DefaultTimeout time.Duration

	// HealthCheckTimeout defaults to DefaultHealthCheckTimeout.
	HealthCheckTimeout time.Duration
}

// StageLauncher hands tasks to Temporal workers. It implements the dispatch
// service's launcher.
type StageLauncher struct {
	mu     sync.RWMutex
	client client.Client
	cfg    LauncherConfig
	now    func() time.Time
	closed bool
}

// NewStageLauncher creates a StageLauncher over an existing client.
func NewStageLauncher(c client.Client, cfg LauncherConfig) *StageLauncher {
	if cfg.TaskQueue == nil {
		cfg.TaskQueue = func(queue string) string { return queue }
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultStageTimeout
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	return &StageLauncher{client: c, cfg: cfg, now: time.Now}
}

// Close closes the underlying Temporal client connection.
func (l *StageLauncher) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil && !l.closed {
		l.client.Close()
		l.closed = true
	}
}

func (l *StageLauncher) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

// Health checks the connection to the Temporal server.
func (l *StageLauncher) Health(ctx context.Context) error {
	if l.isClosed() {
		return &Error{Op: "Health", Kind: ErrClientClosed}
	}

	checkCtx, cancel := context.WithTimeout(ctx, l.cfg.HealthCheckTimeout)
	defer cancel()

	if _, err := l.client.CheckHealth(checkCtx, &client.CheckHealthRequest{}); err != nil {
		return wrapError("Health", err, uuid.Nil)
	}
	return nil
}

// Launch starts the stage workflow of a pending task on the stage's queue.
func (l *StageLauncher) Launch(ctx context.Context, task *domain.Task, stage domain.Stage) error {
	workflowID := WorkflowID(task.ID)
	if l.isClosed() {
		return &Error{Op: "Launch", Kind: ErrClientClosed, TaskID: task.ID}
	}

	timeout := l.timeoutFor(task)
	options := client.StartWorkflowOptions{
		ID:                    workflowID,
		TaskQueue:             l.cfg.TaskQueue(stage.Kind().Queue()),
		WorkflowRunTimeout:    timeout + deadlineGrace,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}
	input := StageWorkflowInput{
		TaskID:    task.ID.String(),
		ProjectID: task.ProjectID.String(),
		TaskType:  string(stage.Kind()),
		Timeout:   timeout,
	}

	if _, err := l.client.ExecuteWorkflow(ctx, options, StageWorkflowName, input); err != nil {
		return wrapError("Launch", err, task.ID)
	}
	return nil
}

// Signal forwards a cancellation request to the task's workflow.
func (l *StageLauncher) Signal(ctx context.Context, taskID uuid.UUID) error {
	workflowID := WorkflowID(taskID)
	if l.isClosed() {
		return &Error{Op: "Signal", Kind: ErrClientClosed, TaskID: taskID}
	}

	err := l.client.SignalWorkflow(ctx, workflowID, "", SignalCancel, CancelSignal{RequestedAt: l.now().UTC()})
	if err != nil {
		return wrapError("Signal", err, taskID)
	}
	return nil
}

// Owns reports whether the task's workflow is still running, so the
// reconciler leaves tasks queued on busy workers alone. When Temporal
// cannot be reached the task is treated as owned.
func (l *StageLauncher) Owns(taskID uuid.UUID) bool {
	if l.isClosed() {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.HealthCheckTimeout)
	defer cancel()

	resp, err := l.client.DescribeWorkflowExecution(ctx, WorkflowID(taskID), "")
	if err != nil {
		return !IsWorkflowNotFound(wrapError("Owns", err, taskID))
	}
	info := resp.GetWorkflowExecutionInfo()
	return info != nil && info.GetStatus() == enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING
}

func (l *StageLauncher) timeoutFor(task *domain.Task) time.Duration {
	if task.Deadline == nil {
		return l.cfg.DefaultTimeout
	}
	remaining := task.Deadline.Sub(l.now()) + deadlineGrace
	if remaining < deadlineGrace {
		return deadlineGrace
	}
	return remaining
}
