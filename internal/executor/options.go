package executor

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/vfsbox/internal/history"
	"github.com/jkaninda/vfsbox/internal/observability"
	"github.com/jkaninda/vfsbox/internal/sandbox"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger shared by the engine and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock sets the time source for recorded metadata and history.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRunner replaces the process runner built from Config.
func WithRunner(r sandbox.Runner) Option {
	return func(e *Engine) { e.runner = r }
}

// WithHistory appends every command to rec.
func WithHistory(rec *history.Recorder) Option {
	return func(e *Engine) { e.history = rec }
}

// WithMetrics records command and reconcile metrics.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAnomaly reports command outcomes to an anomaly detector.
func WithAnomaly(a *observability.AnomalyDetector) Option {
	return func(e *Engine) { e.anomaly = a }
}

// WithTracer opens a span per command.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}
