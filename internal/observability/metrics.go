package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus collectors of the orchestrator, grouped by
// subsystem: tasks, dispatch, reconciliation, literature sources, LLM calls
// and events.
type Metrics struct {
	// TasksCreated counts tasks accepted by dispatch, by stage.
	TasksCreated *prometheus.CounterVec

	// TasksStarted counts tasks that moved to running, by stage.
	TasksStarted *prometheus.CounterVec

	// TasksCompleted counts tasks that finished successfully, by stage.
	TasksCompleted *prometheus.CounterVec

	// TasksFailed counts failed tasks, by stage and error kind.
	TasksFailed *prometheus.CounterVec

	// TaskDuration observes wall time from running to terminal, by stage and outcome.
	TaskDuration *prometheus.HistogramVec

	// TasksRunning is the number of tasks executing in this process, by stage.
	TasksRunning *prometheus.GaugeVec

	// DispatchRejected counts refused stage-start requests, by reason.
	DispatchRejected *prometheus.CounterVec

	// CancelRequests counts accepted cancellation requests.
	CancelRequests prometheus.Counter

	// ReconcileRuns counts reconciliation passes.
	ReconcileRuns prometheus.Counter

	// ReconcileRepairs counts records repaired by reconciliation, by action.
	ReconcileRepairs *prometheus.CounterVec

	// SourceSearches counts literature searches, by source and outcome.
	SourceSearches *prometheus.CounterVec

	// SourceSearchDuration observes literature search duration, by source.
	SourceSearchDuration *prometheus.HistogramVec

	// SourceRateLimited counts 429 responses from literature sources.
	SourceRateLimited *prometheus.CounterVec

	// PapersDiscovered counts papers returned per source before deduplication.
	PapersDiscovered *prometheus.CounterVec

	// LLMRequestsTotal counts LLM requests, by operation and model.
	LLMRequestsTotal *prometheus.CounterVec

	// LLMRequestsFailed counts failed LLM requests, by operation, model and error type.
	LLMRequestsFailed *prometheus.CounterVec

	// LLMRequestDuration observes LLM request duration, by operation and model.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed counts tokens, by operation, model and direction.
	LLMTokensUsed *prometheus.CounterVec

	// EventsPublished counts lifecycle events written to the event stream, by type and outcome.
	EventsPublished *prometheus.CounterVec

	// OutboxRelayed counts outbox rows forwarded by the relay, by outcome.
	OutboxRelayed *prometheus.CounterVec

	// StreamSubscribers is the number of open task update streams.
	StreamSubscribers prometheus.Gauge

	// HTTPRequests counts API requests, by method, route pattern and status code.
	HTTPRequests *prometheus.CounterVec
}

// NewMetrics creates Metrics registered with the default Prometheus registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith creates Metrics registered with reg. The namespace prefixes
// every metric name.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Tasks
		TasksCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Total number of stage tasks created",
		}, []string{"stage"}),
		TasksStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_started_total",
			Help:      "Total number of stage tasks started",
		}, []string{"stage"}),
		TasksCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Total number of stage tasks completed successfully",
		}, []string{"stage"}),
		TasksFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Total number of stage tasks that failed, by error kind",
		}, []string{"stage", "kind"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of stage tasks in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{"stage", "outcome"}),
		TasksRunning: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_running",
			Help:      "Number of stage tasks currently executing in this process",
		}, []string{"stage"}),

		// Dispatch
		DispatchRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_rejected_total",
			Help:      "Total number of rejected stage-start requests by reason",
		}, []string{"reason"}),
		CancelRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancel_requests_total",
			Help:      "Total number of accepted task cancellation requests",
		}),

		// Reconciliation
		ReconcileRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Total number of reconciliation passes",
		}),
		ReconcileRepairs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_repairs_total",
			Help:      "Total number of records repaired by reconciliation",
		}, []string{"action"}),

		// Literature sources
		SourceSearches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_searches_total",
			Help:      "Total number of literature searches by source and outcome",
		}, []string{"source", "outcome"}),
		SourceSearchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_search_duration_seconds",
			Help:      "Duration of literature searches in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"source"}),
		SourceRateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_rate_limited_total",
			Help:      "Total number of rate-limited responses from literature sources",
		}, []string{"source"}),
		PapersDiscovered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "papers_discovered_total",
			Help:      "Total number of papers returned by literature sources",
		}, []string{"source"}),

		// LLM
		LLMRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM API requests",
		}, []string{"operation", "model"}),
		LLMRequestsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_failed_total",
			Help:      "Total number of failed LLM API requests",
		}, []string{"operation", "model", "error_type"}),
		LLMRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Duration of LLM API requests in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"operation", "model"}),
		LLMTokensUsed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of LLM tokens used",
		}, []string{"operation", "model", "type"}),

		// Events
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of task lifecycle events published",
		}, []string{"event_type", "outcome"}),
		OutboxRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_relayed_total",
			Help:      "Total number of outbox events forwarded to the event stream",
		}, []string{"outcome"}),
		StreamSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Number of open task update streams",
		}),

		// HTTP
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of API requests",
		}, []string{"method", "route", "code"}),
	}
}

// RecordTaskCreated records a task accepted by dispatch.
func (m *Metrics) RecordTaskCreated(stage string) {
	if m == nil {
		return
	}
	m.TasksCreated.WithLabelValues(stage).Inc()
}

// RecordTaskStarted records a task moving to running.
func (m *Metrics) RecordTaskStarted(stage string) {
	if m == nil {
		return
	}
	m.TasksStarted.WithLabelValues(stage).Inc()
	m.TasksRunning.WithLabelValues(stage).Inc()
}

// RecordTaskCompleted records a successful task.
func (m *Metrics) RecordTaskCompleted(stage string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TasksCompleted.WithLabelValues(stage).Inc()
	m.TasksRunning.WithLabelValues(stage).Dec()
	m.TaskDuration.WithLabelValues(stage, "completed").Observe(durationSeconds)
}

// RecordTaskFailed records a failed task that ran in this process.
func (m *Metrics) RecordTaskFailed(stage, kind string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TasksFailed.WithLabelValues(stage, kind).Inc()
	m.TasksRunning.WithLabelValues(stage).Dec()
	m.TaskDuration.WithLabelValues(stage, "failed").Observe(durationSeconds)
}

// RecordTaskAbandoned records a task failed by reconciliation.
func (m *Metrics) RecordTaskAbandoned(stage string) {
	if m == nil {
		return
	}
	m.TasksFailed.WithLabelValues(stage, "abandoned").Inc()
	m.ReconcileRepairs.WithLabelValues("abandoned").Inc()
}

// RecordDispatchRejected records a refused stage-start request.
func (m *Metrics) RecordDispatchRejected(reason string) {
	if m == nil {
		return
	}
	m.DispatchRejected.WithLabelValues(reason).Inc()
}

// RecordCancelRequested records an accepted cancellation request.
func (m *Metrics) RecordCancelRequested() {
	if m == nil {
		return
	}
	m.CancelRequests.Inc()
}

// RecordReconcileRun records a reconciliation pass.
func (m *Metrics) RecordReconcileRun() {
	if m == nil {
		return
	}
	m.ReconcileRuns.Inc()
}

// RecordGateRepaired records a project step advanced by reconciliation.
func (m *Metrics) RecordGateRepaired() {
	if m == nil {
		return
	}
	m.ReconcileRepairs.WithLabelValues("gate_advanced").Inc()
}

// RecordSourceSearch records a completed or failed literature search.
func (m *Metrics) RecordSourceSearch(source string, papers int, durationSeconds float64, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SourceSearches.WithLabelValues(source, outcome).Inc()
	m.SourceSearchDuration.WithLabelValues(source).Observe(durationSeconds)
	m.PapersDiscovered.WithLabelValues(source).Add(float64(papers))
}

// RecordSourceRateLimited records a rate-limited response from a source.
func (m *Metrics) RecordSourceRateLimited(source string) {
	if m == nil {
		return
	}
	m.SourceRateLimited.WithLabelValues(source).Inc()
}

// RecordLLMRequest records a successful LLM request.
func (m *Metrics) RecordLLMRequest(operation, model string, durationSeconds float64, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestsTotal.WithLabelValues(operation, model).Inc()
	m.LLMRequestDuration.WithLabelValues(operation, model).Observe(durationSeconds)
	m.LLMTokensUsed.WithLabelValues(operation, model, "input").Add(float64(inputTokens))
	m.LLMTokensUsed.WithLabelValues(operation, model, "output").Add(float64(outputTokens))
}

// RecordLLMRequestFailed records a failed LLM request.
func (m *Metrics) RecordLLMRequestFailed(operation, model, errorType string) {
	if m == nil {
		return
	}
	m.LLMRequestsFailed.WithLabelValues(operation, model, errorType).Inc()
}

// RecordEventPublished records an event publish attempt.
func (m *Metrics) RecordEventPublished(eventType string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.EventsPublished.WithLabelValues(eventType, outcome).Inc()
}

// RecordOutboxRelayed records the result of forwarding outbox rows.
func (m *Metrics) RecordOutboxRelayed(published, failed int) {
	if m == nil {
		return
	}
	m.OutboxRelayed.WithLabelValues("ok").Add(float64(published))
	m.OutboxRelayed.WithLabelValues("error").Add(float64(failed))
}

// StreamOpened records a new task update stream.
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.StreamSubscribers.Inc()
}

// StreamClosed records a closed task update stream.
func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.StreamSubscribers.Dec()
}

// RecordHTTPRequest records a served API request.
func (m *Metrics) RecordHTTPRequest(method, route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}
