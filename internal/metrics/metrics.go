// Package metrics exposes engine counters and gauges in Prometheus format.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskflow"

// Metrics holds the engine's collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	tasksSubmitted  prometheus.Counter
	taskTransitions *prometheus.CounterVec
	stepOutcomes    *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	retries         prometheus.Counter
	queueDepth      prometheus.Gauge
	activeWorkers   prometheus.Gauge
	violations      prometheus.Counter
	notifyFailures  prometheus.Counter
}

// New registers every collector on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks created from plans, sub-tasks included.",
		}),
		taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task status changes by target status.",
		}, []string{"status"}),
		stepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_outcomes_total",
			Help:      "Step attempts by action type and outcome.",
		}, []string{"action_type", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of step attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"action_type"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Transient failures that were scheduled for another attempt.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready_queue_depth",
			Help:      "Tasks waiting in the ready queue.",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Workers currently driving a task.",
		}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrency_violations_total",
			Help:      "Dispatch attempts dropped because the task was already locked.",
		}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Notifications a sink failed to deliver.",
		}),
	}
	m.registry.MustRegister(
		m.tasksSubmitted, m.taskTransitions, m.stepOutcomes, m.stepDuration,
		m.retries, m.queueDepth, m.activeWorkers, m.violations, m.notifyFailures,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry for scraping
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TaskSubmitted(n int) {
	if m == nil {
		return
	}
	m.tasksSubmitted.Add(float64(n))
}

func (m *Metrics) TaskTransition(status string) {
	if m == nil {
		return
	}
	m.taskTransitions.WithLabelValues(status).Inc()
}

// StepFinished records one step attempt
func (m *Metrics) StepFinished(actionType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepOutcomes.WithLabelValues(actionType, outcome).Inc()
	m.stepDuration.WithLabelValues(actionType).Observe(d.Seconds())
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) WorkerBusy() {
	if m == nil {
		return
	}
	m.activeWorkers.Inc()
}

func (m *Metrics) WorkerIdle() {
	if m == nil {
		return
	}
	m.activeWorkers.Dec()
}

func (m *Metrics) ConcurrencyViolation() {
	if m == nil {
		return
	}
	m.violations.Inc()
}

func (m *Metrics) NotifyFailed() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}
