// Package metrics provides Prometheus instrumentation for the workflow
// engine. All methods are nil-safe so instrumentation stays optional.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mxn2020/geenius-sub000/scheduler"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	sessionsStarted  *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec
	phaseDuration    *prometheus.HistogramVec
	pipelineRetries  prometheus.Counter
	tasksRunning     prometheus.Gauge
	taskOutcomes     *prometheus.CounterVec
	taskDuration     prometheus.Histogram
}

// New creates the collectors and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry to stay isolated.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geenius_sessions_started_total",
			Help: "Workflow sessions submitted, by kind.",
		}, []string{"kind"}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geenius_sessions_finished_total",
			Help: "Workflow sessions reaching a terminal state, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "geenius_phase_duration_seconds",
			Help:    "Wall time spent in each pipeline phase.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"phase"}),
		pipelineRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geenius_pipeline_retries_total",
			Help: "Full-pipeline retry attempts after transient errors.",
		}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geenius_tasks_running",
			Help: "Scheduled tasks currently executing.",
		}),
		taskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geenius_tasks_finished_total",
			Help: "Scheduled task outcomes, by type and result.",
		}, []string{"type", "outcome"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "geenius_task_duration_seconds",
			Help:    "Wall time per scheduled task, including retries.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}

	reg.MustRegister(
		m.sessionsStarted,
		m.sessionsFinished,
		m.phaseDuration,
		m.pipelineRetries,
		m.tasksRunning,
		m.taskOutcomes,
		m.taskDuration,
	)
	return m
}

// SessionStarted counts a submitted session.
func (m *Metrics) SessionStarted(kind string) {
	if m == nil {
		return
	}
	m.sessionsStarted.WithLabelValues(kind).Inc()
}

// SessionFinished counts a terminal session outcome ("completed", "failed",
// "cancelled").
func (m *Metrics) SessionFinished(kind, outcome string) {
	if m == nil {
		return
	}
	m.sessionsFinished.WithLabelValues(kind, outcome).Inc()
}

// PhaseObserved records the duration of one phase execution.
func (m *Metrics) PhaseObserved(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// PipelineRetried counts a full-pipeline retry.
func (m *Metrics) PipelineRetried() {
	if m == nil {
		return
	}
	m.pipelineRetries.Inc()
}

// TaskStarted implements scheduler.Observer.
func (m *Metrics) TaskStarted(scheduler.TaskType) {
	if m == nil {
		return
	}
	m.tasksRunning.Inc()
}

// TaskFinished implements scheduler.Observer.
func (m *Metrics) TaskFinished(taskType scheduler.TaskType, failed bool, d time.Duration) {
	if m == nil {
		return
	}
	m.tasksRunning.Dec()
	outcome := "completed"
	if failed {
		outcome = "failed"
	}
	m.taskOutcomes.WithLabelValues(string(taskType), outcome).Inc()
	m.taskDuration.Observe(d.Seconds())
}

// Compile-time check that Metrics satisfies the scheduler's observer.
var _ scheduler.Observer = (*Metrics)(nil)
