// Package tracing wires the processor's telemetry spans (spec §7:
// "Telemetry spans wrap ensure-session, prompt-build, agent-call,
// send-response, append-history") to a real OpenTelemetry SDK, exported
// to both an OTLP/HTTP and an OTLP/gRPC collector at once — exercising
// both exporter packages the teacher's go.mod already declares
// (SPEC_FULL §3, §4).
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nextlevelbuilder/chatrelay/internal/processor"

// Config tunes the dual exporters.
type Config struct {
	Enabled      bool
	ServiceName  string
	HTTPEndpoint string
	GRPCEndpoint string
	Insecure     bool
}

// Provider wraps a TracerProvider and its shutdown hook.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NoopProvider returns a Provider backed by the global no-op tracer,
// used when telemetry is disabled.
func NoopProvider() *Provider {
	return &Provider{tracer: otel.Tracer(instrumentationName)}
}

// New builds a Provider with a BatchSpanProcessor per configured
// exporter. Both HTTP and gRPC endpoints may be set simultaneously.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return NoopProvider(), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if cfg.HTTPEndpoint != "" {
		httpOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.HTTPEndpoint)}
		if cfg.Insecure {
			httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
		}
		httpExp, err := otlptracehttp.New(ctx, httpOpts...)
		if err != nil {
			return nil, fmt.Errorf("tracing: new http exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(httpExp))
	}

	if cfg.GRPCEndpoint != "" {
		grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.GRPCEndpoint)}
		if cfg.Insecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
		}
		grpcExp, err := otlptracegrpc.New(ctx, grpcOpts...)
		if err != nil {
			return nil, fmt.Errorf("tracing: new grpc exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(grpcExp))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp, tracer: tp.Tracer(instrumentationName)}, nil
}

// Shutdown flushes and stops the exporters. Safe to call on a NoopProvider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Attrs identifies the conversation a span belongs to, per spec §7's
// logging principle extended to spans.
type Attrs struct {
	TraceID   string
	JobID     string
	BotID     string
	GroupID   string
	SessionID string
	UserID    string
}

func (a Attrs) kv() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("trace_id", a.TraceID),
		attribute.String("job_id", a.JobID),
		attribute.String("bot_id", a.BotID),
		attribute.String("group_id", a.GroupID),
		attribute.String("session_id", a.SessionID),
		attribute.String("user_id", a.UserID),
	}
}

// Span starts a named span for one processor stage, tagged with attrs.
// The caller must call the returned end func (typically deferred),
// passing the stage's error (possibly nil).
func (p *Provider) Span(ctx context.Context, name string, attrs Attrs) (context.Context, func(err error)) {
	ctx, span := p.tracer.Start(ctx, name, trace.WithAttributes(attrs.kv()...))
	start := time.Now()
	return ctx, func(err error) {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(start).Milliseconds()))
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

// Stage names matching spec §7's five named telemetry spans.
const (
	StageEnsureSession  = "ensure_session"
	StagePromptBuild    = "prompt_build"
	StageAgentCall      = "agent_call"
	StageSendResponse   = "send_response"
	StageAppendHistory  = "append_history"
)
