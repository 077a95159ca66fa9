// Package telemetry wraps the OpenTelemetry tracer the spawner uses to
// emit spans around acquire and send; the bridge emits no spans. Two
// exporters only: none (default) and stdout (dev mode, via
// --trace-stdout).
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span attribute keys.
const (
	AttrWorkerProfileID = "worker.profile_id"
	AttrWorkerID        = "worker.id"
	AttrJobID           = "job.id"
	AttrSessionID       = "session.id"
)

// Span names.
const (
	SpanSpawnerAcquire = "spawner.acquire"
	SpanSpawnerSend    = "spawner.send"
	SpanBridgeRequest  = "bridge.request"
)

// Config configures the tracing subsystem.
type Config struct {
	Enabled     bool
	StdoutTrace bool
	ServiceName string
}

// Provider wraps an OpenTelemetry TracerProvider. A disabled Provider
// returns a zero-overhead no-op tracer.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	enabled  bool
}

// NewProvider builds a Provider from cfg. If cfg.Enabled is false, the
// returned Provider's Tracer is a no-op.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer("noop")}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "orchestrator"
	}

	var exporter sdktrace.SpanExporter
	if cfg.StdoutTrace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		exporter = exp
	}

	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return &Provider{provider: tp, tracer: tp.Tracer(serviceName), enabled: true}, nil
}

// Tracer returns the configured tracer; safe to use when disabled.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Enabled reports whether tracing is active.
func (p *Provider) Enabled() bool { return p.enabled }

// Shutdown flushes and stops the underlying provider, a no-op when
// tracing is disabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}

// StartSpan is a small convenience wrapper around Tracer().Start for
// the common case of one attribute.
func (p *Provider) StartSpan(ctx context.Context, name, attrKey, attrValue string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attribute.String(attrKey, attrValue)))
}
