package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/vfsbox/internal/sandbox"
)

// Operation name the runner wrapper reports to the anomaly detector.
const OpSandboxExecute = "sandbox.execute"

// InstrumentedRunner wraps a sandbox.Runner with metrics, tracing, and anomaly detection.
type InstrumentedRunner struct {
	inner      sandbox.Runner
	runnerType string // "process"
	metrics    *MetricsCollector
	tracer     trace.Tracer
	anomaly    *AnomalyDetector
}

var _ sandbox.Runner = (*InstrumentedRunner)(nil)

// NewInstrumentedRunner wraps a runner with observability.
func NewInstrumentedRunner(inner sandbox.Runner, runnerType string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{
		inner:      inner,
		runnerType: runnerType,
		metrics:    metrics,
		tracer:     tracer,
		anomaly:    anomaly,
	}
}

func (r *InstrumentedRunner) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.type", r.runnerType),
				attribute.String("sandbox.dir", req.Dir),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := r.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case err != nil:
		status = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	case result != nil && result.ExitCode != 0:
		status = "nonzero_exit"
		if span != nil {
			span.SetAttributes(attribute.Int("sandbox.exit_code", result.ExitCode))
		}
	}

	if r.metrics != nil {
		r.metrics.SandboxExecutionsTotal.WithLabelValues(r.runnerType, status).Inc()
		r.metrics.SandboxExecutionDuration.WithLabelValues(r.runnerType).Observe(duration)
	}

	if status == "success" {
		r.anomaly.RecordSuccess(OpSandboxExecute)
	} else {
		r.anomaly.RecordError(OpSandboxExecute)
	}

	return result, err
}

func (r *InstrumentedRunner) Start(ctx context.Context, req sandbox.ExecutionRequest) (int, error) {
	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "sandbox.start",
			trace.WithAttributes(attribute.String("sandbox.type", r.runnerType)))
		defer span.End()
	}

	pid, err := r.inner.Start(ctx, req)

	status := "background"
	if err != nil {
		status = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetAttributes(attribute.Int("sandbox.pid", pid))
	}
	if r.metrics != nil {
		r.metrics.SandboxExecutionsTotal.WithLabelValues(r.runnerType, status).Inc()
	}
	return pid, err
}
