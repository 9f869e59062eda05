// Package metrics provides Prometheus metrics for the generation service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	SubmissionsTotal   *prometheus.CounterVec
	DuplicatesTotal    *prometheus.CounterVec
	TasksFinished      *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec
	RetriesTotal       *prometheus.CounterVec
	PersistenceErrors  *prometheus.CounterVec
	ActiveTasks        prometheus.Gauge
	NotificationsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadgen_http_requests_total",
				Help: "Total management API requests by route and status code.",
			},
			[]string{"route", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leadgen_http_request_duration_seconds",
				Help:    "Management API request duration by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		SubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadgen_submissions_total",
				Help: "Accepted generation submissions by agent type.",
			},
			[]string{"agent_type"},
		),
		DuplicatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadgen_duplicate_submissions_total",
				Help: "Submissions rejected because a task was already in flight.",
			},
			[]string{"agent_type"},
		),
		TasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadgen_tasks_finished_total",
				Help: "Tasks reaching completed, failed or cancelled.",
			},
			[]string{"agent_type", "status"},
		),
		GenerationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leadgen_generation_duration_seconds",
				Help:    "Backend generation duration of successful attempts.",
				Buckets: []float64{5, 15, 30, 60, 90, 120, 180, 300, 600},
			},
			[]string{"agent_type"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadgen_retries_total",
				Help: "Retries of failed tasks by agent type.",
			},
			[]string{"agent_type"},
		),
		PersistenceErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadgen_persistence_errors_total",
				Help: "Storage failures by operation.",
			},
			[]string{"op"},
		),
		ActiveTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "leadgen_active_tasks",
				Help: "Tasks currently queued or running.",
			},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadgen_notifications_total",
				Help: "Task notifications by result.",
			},
			[]string{"result"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.SubmissionsTotal,
		m.DuplicatesTotal,
		m.TasksFinished,
		m.GenerationDuration,
		m.RetriesTotal,
		m.PersistenceErrors,
		m.ActiveTasks,
		m.NotificationsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records one management API request.
func (m *Metrics) RecordRequest(route, code string, seconds float64) {
	m.RequestsTotal.WithLabelValues(route, code).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}

// RecordSubmission increments the accepted submission counter.
func (m *Metrics) RecordSubmission(agentType string) {
	m.SubmissionsTotal.WithLabelValues(agentType).Inc()
}

// RecordDuplicate increments the duplicate submission counter.
func (m *Metrics) RecordDuplicate(agentType string) {
	m.DuplicatesTotal.WithLabelValues(agentType).Inc()
}

// RecordFinished counts a task reaching a final or failed state.
func (m *Metrics) RecordFinished(agentType, status string) {
	m.TasksFinished.WithLabelValues(agentType, status).Inc()
}

// ObserveGeneration records the duration of a successful generation.
func (m *Metrics) ObserveGeneration(agentType string, seconds float64) {
	m.GenerationDuration.WithLabelValues(agentType).Observe(seconds)
}

// RecordRetry increments the retry counter.
func (m *Metrics) RecordRetry(agentType string) {
	m.RetriesTotal.WithLabelValues(agentType).Inc()
}

// RecordPersistenceError increments the storage failure counter.
func (m *Metrics) RecordPersistenceError(op string) {
	m.PersistenceErrors.WithLabelValues(op).Inc()
}

// SetActiveTasks sets the in-flight task gauge.
func (m *Metrics) SetActiveTasks(n int) {
	m.ActiveTasks.Set(float64(n))
}

// RecordNotification counts a delivered or failed notification.
func (m *Metrics) RecordNotification(result string) {
	m.NotificationsTotal.WithLabelValues(result).Inc()
}
