package telemetry

import (
	"net/http"
	"time"

	"github.com/polisai/polis-runner/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the runner
type Metrics struct {
	// Run metrics
	runsTotal   *prometheus.CounterVec
	runsActive  prometheus.Gauge
	runDuration *prometheus.HistogramVec

	// Node metrics
	nodeExecutions *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec

	// Registry metrics
	gcEvictions prometheus.Counter

	// Trigger metrics
	triggerFires *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance with all runner metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runner_runs_total",
				Help: "Total number of pipeline runs by terminal status",
			},
			[]string{"status"},
		),

		runsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "runner_runs_active",
				Help: "Number of pipeline runs currently executing",
			},
		),

		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runner_run_duration_seconds",
				Help:    "Wall-clock duration of finished runs in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600, 1800},
			},
			[]string{"status"},
		),

		nodeExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runner_node_executions_total",
				Help: "Total number of node executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runner_node_duration_seconds",
				Help:    "Node execution latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),

		gcEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "runner_gc_evictions_total",
				Help: "Total number of finished runs evicted from the registry",
			},
		),

		triggerFires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runner_trigger_fires_total",
				Help: "Total number of runs submitted by watch and schedule triggers",
			},
			[]string{"kind", "name", "status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.runsTotal,
		m.runsActive,
		m.runDuration,
		m.nodeExecutions,
		m.nodeDuration,
		m.gcEvictions,
		m.triggerFires,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RunStarted records a run entering the running state
func (m *Metrics) RunStarted(string) {
	m.runsActive.Inc()
}

// RunFinished records a run reaching its terminal state
func (m *Metrics) RunFinished(_ string, status domain.RunStatus, duration time.Duration) {
	m.runsActive.Dec()
	m.runsTotal.WithLabelValues(string(status)).Inc()
	m.runDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

// NodeFinished records a node execution
func (m *Metrics) NodeFinished(tool string, status domain.NodeStatus, _ string, duration time.Duration) {
	m.nodeExecutions.WithLabelValues(tool, string(status)).Inc()
	m.nodeDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RunsEvicted records runs removed by garbage collection
func (m *Metrics) RunsEvicted(count int) {
	m.gcEvictions.Add(float64(count))
}

// TriggerFired records a run submission attempt by a trigger
func (m *Metrics) TriggerFired(kind, name string, err error) {
	status := "submitted"
	if err != nil {
		status = "failed"
	}
	m.triggerFires.WithLabelValues(kind, name, status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
