// Package temporal runs stage tasks on Temporal instead of in-process
// goroutines.
//
// StageLauncher starts one StageWorkflow per task on the task queue of the
// task's stage and forwards cancellation requests as the "cancel" signal.
// The workflow runs a single StageActivities.RunStage activity which drives
// the task through the shared executor, so the task record is written the
// same way on both backends.
//
// Workers are started with a WorkerManager that polls every stage queue:
//
//	c, err := temporal.NewClient(cfg.Temporal, observability.NewTemporalLogger(logger))
//	...
//	mgr, err := temporal.NewWorkerManager(c, queues, temporal.DefaultWorkerConfig())
//	mgr.RegisterWorkflowWithName(workflows.StageWorkflow, temporal.StageWorkflowName)
//	mgr.RegisterActivity(activities.NewStageActivities(tasks, exec, 15*time.Second))
//	err = mgr.Start(ctx)
//
// Launcher errors are *Error values whose Kind is a domain sentinel, so
// errors.Is(err, domain.ErrServiceUnavailable) works across backends.
package temporal
