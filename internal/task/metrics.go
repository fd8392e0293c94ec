package task

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are registered on their own registry so tests and multiple
// dispatchers do not collide on the global one.
type Metrics struct {
	Registry *prometheus.Registry

	runs      *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	scheduled *prometheus.CounterVec
	depth     prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}
	m.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "calsync",
		Name:      "task_runs_total",
		Help:      "Task executions by kind and outcome (ok, retry, failed).",
	}, []string{"kind", "outcome"})
	m.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "calsync",
		Name:      "task_duration_seconds",
		Help:      "Task execution time.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})
	m.scheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "calsync",
		Name:      "task_scheduled_total",
		Help:      "Tasks accepted by the dispatcher.",
	}, []string{"kind"})
	m.depth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "calsync",
		Name:      "task_queue_depth",
		Help:      "Tasks waiting for a worker.",
	})
	m.Registry.MustRegister(m.runs, m.duration, m.scheduled, m.depth)
	return m
}

func (m *Metrics) observe(kind Kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(kind), outcome).Inc()
	m.duration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (m *Metrics) accepted(kind Kind, depth int) {
	if m == nil {
		return
	}
	m.scheduled.WithLabelValues(string(kind)).Inc()
	m.depth.Set(float64(depth))
}

func (m *Metrics) queued(depth int) {
	if m == nil {
		return
	}
	m.depth.Set(float64(depth))
}
