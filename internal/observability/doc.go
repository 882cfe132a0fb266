// Package observability provides structured logging, Prometheus metrics and
// context helpers for the research orchestrator.
//
// # Logging
//
// Loggers are zerolog loggers built from configuration:
//
//	logger := observability.NewLogger(observability.LoggingConfig{Level: "info", Format: "json"})
//	logger = observability.WithTaskContext(logger, taskID, projectID, "discover")
//
// # Metrics
//
// NewMetrics registers every collector with the default registry. Tests and
// embedded uses pass their own registry to NewMetricsWith. All Record methods
// are no-ops on a nil *Metrics.
//
//	metrics := observability.NewMetrics("research_orchestrator")
//	metrics.RecordTaskStarted("discover")
//
// # Standard Fields
//
//   - request_id: HTTP request identifier
//   - principal: authenticated caller
//   - project_id: research project identifier
//   - task_id: stage task identifier
//   - stage: stage kind (discover, analyze, ...)
//   - source: literature source (semantic_scholar, arxiv)
//   - workflow_id: Temporal workflow identifier
package observability
