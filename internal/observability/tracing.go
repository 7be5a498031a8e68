package observability

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/vfsbox/internal/config"
)

// instrumentationName scopes every span vfsbox emits, independent of the
// configured service name.
const instrumentationName = "github.com/jkaninda/vfsbox/internal/executor"

// maxCommandAttr caps the command text attached to a span. Heredoc bodies
// can be arbitrarily large.
const maxCommandAttr = 512

// Span attributes describing a sandboxed command session.
const (
	AttrCommand       = attribute.Key("vfsbox.command")
	AttrBackground    = attribute.Key("vfsbox.command.background")
	AttrCommandKind   = attribute.Key("vfsbox.command.kind")
	AttrWorkspaceRoot = attribute.Key("vfsbox.workspace.root")
	AttrCwd           = attribute.Key("vfsbox.workspace.cwd")
	AttrAdded         = attribute.Key("vfsbox.reconcile.added")
	AttrModified      = attribute.Key("vfsbox.reconcile.modified")
	AttrDeleted       = attribute.Key("vfsbox.reconcile.deleted")
	AttrRolledBack    = attribute.Key("vfsbox.rolled_back")
	attrSandboxRunner = attribute.Key("vfsbox.sandbox.runner")
)

// TracerSetup holds the OTel TracerProvider for a vfsbox process.
// NOT set as global; injected via dependency injection.
type TracerSetup struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerSetup creates a TracerProvider exporting over OTLP. The resource
// names the service, its version, the host and the sandbox runner, so spans
// from several vfsbox sessions can be told apart in one backend.
func NewTracerSetup(cfg *config.TracingConfig) (*TracerSetup, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	ctx := context.Background()
	res, err := sessionResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}
	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	return &TracerSetup{
		provider: tp,
		tracer:   tp.Tracer(instrumentationName),
	}, nil
}

func sessionResource(ctx context.Context, cfg *config.TracingConfig) (*resource.Resource, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "vfsbox"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(serviceName),
		attrSandboxRunner.String("process"),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(cfg.ServiceVersion))
	}
	return resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithProcessPID(),
		resource.WithFromEnv(),
	)
}

func newSpanExporter(ctx context.Context, cfg *config.TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// CommandAttributes describes a command about to run in the workspace.
func CommandAttributes(command, root, cwd string, background bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCommand.String(clip(command, maxCommandAttr)),
		AttrBackground.Bool(background),
		AttrWorkspaceRoot.String(root),
		AttrCwd.String(cwd),
	}
}

// OutcomeAttributes describes how a command changed the workspace.
func OutcomeAttributes(kind string, added, modified, deleted int, rolledBack bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCommandKind.String(kind),
		AttrAdded.Int(added),
		AttrModified.Int(modified),
		AttrDeleted.Int(deleted),
		AttrRolledBack.Bool(rolledBack),
	}
}

// clip shortens s to at most limit bytes without splitting a rune.
func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// Tracer returns the vfsbox tracer, or a no-op tracer when tracing is
// disabled.
func (t *TracerSetup) Tracer() trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t.tracer
}

// Shutdown flushes pending spans.
func (t *TracerSetup) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
