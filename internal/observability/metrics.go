package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for vfsbox.
// Uses a custom registry with no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Command metrics.
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	RollbacksTotal  prometheus.Counter

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// Reconcile metrics.
	ReconcileDuration prometheus.Histogram
	ReconcileChanges  *prometheus.CounterVec

	// VFS size after the last command.
	VFSEntries prometheus.Gauge

	// HTTP status server metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vfsbox",
			Subsystem: "command",
			Name:      "runs_total",
			Help:      "Total commands run, by kind and outcome.",
		}, []string{"kind", "status"}),

		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vfsbox",
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "End-to-end command duration in seconds, reconcile included.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
		}, []string{"kind"}),

		RollbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vfsbox",
			Subsystem: "command",
			Name:      "rollbacks_total",
			Help:      "Total rollbacks of the logical filesystem to its pre-command snapshot.",
		}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vfsbox",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions.",
		}, []string{"type", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vfsbox",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"type"}),

		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vfsbox",
			Subsystem: "reconcile",
			Name:      "duration_seconds",
			Help:      "Sandbox reconcile duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		ReconcileChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vfsbox",
			Subsystem: "reconcile",
			Name:      "changes_total",
			Help:      "Entries added, modified or deleted by reconciles.",
		}, []string{"change"}),

		VFSEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vfsbox",
			Subsystem: "vfs",
			Name:      "entries",
			Help:      "Number of entries in the logical filesystem.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vfsbox",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vfsbox",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vfsbox",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.CommandsTotal,
		m.CommandDuration,
		m.RollbacksTotal,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.ReconcileDuration,
		m.ReconcileChanges,
		m.VFSEntries,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// ObserveCommand records one finished command. Nil-safe.
func (m *MetricsCollector) ObserveCommand(kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(kind, status).Inc()
	m.CommandDuration.WithLabelValues(kind).Observe(d.Seconds())
	if status == "rolled_back" {
		m.RollbacksTotal.Inc()
	}
}

// ObserveReconcile records one reconcile pass and the resulting VFS size. Nil-safe.
func (m *MetricsCollector) ObserveReconcile(d time.Duration, added, modified, deleted, entries int) {
	if m == nil {
		return
	}
	m.ReconcileDuration.Observe(d.Seconds())
	m.ReconcileChanges.WithLabelValues("added").Add(float64(added))
	m.ReconcileChanges.WithLabelValues("modified").Add(float64(modified))
	m.ReconcileChanges.WithLabelValues("deleted").Add(float64(deleted))
	m.VFSEntries.Set(float64(entries))
}
