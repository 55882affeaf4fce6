// Package metrics holds the Prometheus instruments of the pipeline. All
// methods are safe on a nil *Metrics so components can run unobserved.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for pipeline tasks, extraction and
// connector calls.
type Metrics struct {
	Tasks          *prometheus.CounterVec
	TaskAttempts   *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	Extractions    *prometheus.CounterVec
	ConnectorCalls *prometheus.CounterVec
}

// New registers all metrics with reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Tasks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ebc_tasks_total",
			Help: "Completed pipeline tasks by kind and outcome",
		}, []string{"task", "outcome"}),
		TaskAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ebc_task_attempts_total",
			Help: "Pipeline task attempts including retries",
		}, []string{"task"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ebc_task_duration_seconds",
			Help:    "Wall time of a pipeline task including retries",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"task"}),
		Extractions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ebc_extractions_total",
			Help: "Extraction passes by review routing",
		}, []string{"needs_review"}),
		ConnectorCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ebc_connector_calls_total",
			Help: "Eligibility connector calls by variant and result",
		}, []string{"variant", "success"}),
	}
}

// ObserveTask records a finished task. Call with time.Now() at the start of
// the task.
func (m *Metrics) ObserveTask(task, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.Tasks.WithLabelValues(task, outcome).Inc()
	m.TaskDuration.WithLabelValues(task).Observe(time.Since(start).Seconds())
}

// IncrementAttempt records one task attempt.
func (m *Metrics) IncrementAttempt(task string) {
	if m == nil {
		return
	}
	m.TaskAttempts.WithLabelValues(task).Inc()
}

// IncrementExtraction records one extraction pass.
func (m *Metrics) IncrementExtraction(needsReview bool) {
	if m == nil {
		return
	}
	m.Extractions.WithLabelValues(strconv.FormatBool(needsReview)).Inc()
}

// IncrementConnectorCall records one connector lookup.
func (m *Metrics) IncrementConnectorCall(variant string, success bool) {
	if m == nil {
		return
	}
	m.ConnectorCalls.WithLabelValues(variant, strconv.FormatBool(success)).Inc()
}
