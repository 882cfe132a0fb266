package temporal

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// WorkerConfig contains configuration for the Temporal workers.
type WorkerConfig struct {
	// MaxConcurrentActivityExecutionSize is the maximum concurrent activity
	// executions per queue. Default: 8
	MaxConcurrentActivityExecutionSize int

	// MaxConcurrentWorkflowTaskExecutionSize is the maximum concurrent workflow
	// task executions per queue. Default: 50
	MaxConcurrentWorkflowTaskExecutionSize int

	// MaxConcurrentActivityTaskPollers is the number of activity task pollers.
	// Default: 2
	MaxConcurrentActivityTaskPollers int

	// MaxConcurrentWorkflowTaskPollers is the number of workflow task pollers.
	// Default: 2
	MaxConcurrentWorkflowTaskPollers int
}

// DefaultWorkerConfig returns a WorkerConfig with default values.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MaxConcurrentActivityExecutionSize:     8,
		MaxConcurrentWorkflowTaskExecutionSize: 50,
		MaxConcurrentActivityTaskPollers:       2,
		MaxConcurrentWorkflowTaskPollers:       2,
	}
}

// workerOptionsFromConfig builds worker.Options from WorkerConfig, applying defaults
// for any zero-valued fields.
func workerOptionsFromConfig(config WorkerConfig) worker.Options {
	def := DefaultWorkerConfig()
	options := worker.Options{
		MaxConcurrentActivityExecutionSize:     config.MaxConcurrentActivityExecutionSize,
		MaxConcurrentWorkflowTaskExecutionSize: config.MaxConcurrentWorkflowTaskExecutionSize,
		MaxConcurrentActivityTaskPollers:       config.MaxConcurrentActivityTaskPollers,
		MaxConcurrentWorkflowTaskPollers:       config.MaxConcurrentWorkflowTaskPollers,
	}

	if options.MaxConcurrentActivityExecutionSize == 0 {
		options.MaxConcurrentActivityExecutionSize = def.MaxConcurrentActivityExecutionSize
	}
	if options.MaxConcurrentWorkflowTaskExecutionSize == 0 {
		options.MaxConcurrentWorkflowTaskExecutionSize = def.MaxConcurrentWorkflowTaskExecutionSize
	}
	if options.MaxConcurrentActivityTaskPollers == 0 {
		options.MaxConcurrentActivityTaskPollers = def.MaxConcurrentActivityTaskPollers
	}
	if options.MaxConcurrentWorkflowTaskPollers == 0 {
		options.MaxConcurrentWorkflowTaskPollers = def.MaxConcurrentWorkflowTaskPollers
	}

	return options
}

// WorkerManager runs one Temporal worker per stage task queue, so each queue
// can be scaled and throttled on its own.
type WorkerManager struct {
	queues  []string
	workers []worker.Worker
}

// NewWorkerManager creates a worker for each task queue.
func NewWorkerManager(c client.Client, taskQueues []string, config WorkerConfig) (*WorkerManager, error) {
	if len(taskQueues) == 0 {
		return nil, fmt.Errorf("at least one task queue is required")
	}
	seen := make(map[string]bool, len(taskQueues))
	for _, q := range taskQueues {
		if q == "" {
			return nil, fmt.Errorf("task queue name is required")
		}
		if seen[q] {
			return nil, fmt.Errorf("duplicate task queue %q", q)
		}
		seen[q] = true
	}

	options := workerOptionsFromConfig(config)
	m := &WorkerManager{queues: append([]string(nil), taskQueues...)}
	for _, q := range taskQueues {
		m.workers = append(m.workers, worker.New(c, q, options))
	}
	return m, nil
}

// RegisterWorkflowWithName registers a workflow function on every worker.
func (m *WorkerManager) RegisterWorkflowWithName(workflowFunc interface{}, name string) {
	for _, w := range m.workers {
		w.RegisterWorkflowWithOptions(workflowFunc, workflow.RegisterOptions{Name: name})
	}
}

// RegisterActivity registers an activity struct or function on every worker.
func (m *WorkerManager) RegisterActivity(activity interface{}) {
	for _, w := range m.workers {
		w.RegisterActivity(activity)
	}
}

// TaskQueues returns the polled task queues.
func (m *WorkerManager) TaskQueues() []string {
	return append([]string(nil), m.queues...)
}

// Start starts every worker and blocks until the context is cancelled.
func (m *WorkerManager) Start(ctx context.Context) error {
	for i, w := range m.workers {
		if err := w.Start(); err != nil {
			for _, started := range m.workers[:i] {
				started.Stop()
			}
			return fmt.Errorf("start worker for %s: %w", m.queues[i], err)
		}
	}

	<-ctx.Done()
	m.Stop()
	return ctx.Err()
}

// Stop stops every worker gracefully.
func (m *WorkerManager) Stop() {
	for _, w := range m.workers {
		w.Stop()
	}
}
