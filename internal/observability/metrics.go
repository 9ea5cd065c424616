package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for vaultlaunch.
// Uses a custom registry, no global state. A one-shot CLI cannot be
// scraped, so the registry is flushed to a node_exporter textfile on exit.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Pipeline metrics.
	StageRunsTotal *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	LaunchesTotal  *prometheus.CounterVec

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		StageRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultlaunch",
			Subsystem: "stage",
			Name:      "runs_total",
			Help:      "Total pipeline stage runs.",
		}, []string{"stage", "status"}),

		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vaultlaunch",
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Pipeline stage duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 120},
		}, []string{"stage"}),

		LaunchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultlaunch",
			Name:      "launches_total",
			Help:      "Total launch attempts by target and outcome.",
		}, []string{"target", "status"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultlaunch",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions.",
		}, []string{"program", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vaultlaunch",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"program"}),
	}

	reg.MustRegister(
		m.StageRunsTotal,
		m.StageDuration,
		m.LaunchesTotal,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
	)

	return m
}

// ObserveStage records one stage run. Nil-safe.
func (m *MetricsCollector) ObserveStage(stage, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageRunsTotal.WithLabelValues(stage, status).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveLaunch records the final outcome of a run. Nil-safe.
func (m *MetricsCollector) ObserveLaunch(target, status string) {
	if m == nil {
		return
	}
	m.LaunchesTotal.WithLabelValues(target, status).Inc()
}

// WriteTextfile writes the registry in the text exposition format for the
// node_exporter textfile collector. The write is atomic (temp file + rename).
func (m *MetricsCollector) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
