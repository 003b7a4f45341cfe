package monitoring

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/turtacn/atlas/internal/config"
	"github.com/turtacn/atlas/pkg/logger"
)

// TracingManager owns the process tracer. A disabled manager still hands out spans from
// the global no-op provider, so callers never branch on configuration.
type TracingManager struct {
	tracer     trace.Tracer
	provider   *sdktrace.TracerProvider
	propagator propagation.TextMapPropagator
	logger     logger.Logger
}

// NewTracingManager 创建追踪管理器；启用时通过 Jaeger collector 导出
func NewTracingManager(cfg *config.TracingConfig, log logger.Logger) (*TracingManager, error) {
	log = log.WithComponent("tracing")
	if !cfg.Enabled {
		log.Debug(context.Background(), "tracing disabled")
		return &TracingManager{
			tracer:     otel.Tracer(cfg.ServiceName),
			propagator: w3cPropagator(),
			logger:     log,
		}, nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("create jaeger exporter: %w", err)
	}
	return newTracingManager(cfg, sdktrace.WithBatcher(exporter), log)
}

func w3cPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

func newTracingManager(cfg *config.TracingConfig, exporter sdktrace.TracerProviderOption, log logger.Logger) (*TracingManager, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("create tracing resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		exporter,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	prop := w3cPropagator()
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(prop)

	log.Info(context.Background(), "tracing enabled",
		logger.String("service", cfg.ServiceName),
		logger.String("endpoint", cfg.JaegerEndpoint),
		logger.Any("sample_rate", cfg.SampleRate),
	)
	return &TracingManager{
		tracer:     provider.Tracer(cfg.ServiceName),
		provider:   provider,
		propagator: prop,
		logger:     log,
	}, nil
}

// StartSpan 开始一个新的 Span
func (tm *TracingManager) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Trace runs fn inside a client span, the kind used for upstream calls. An error from fn
// marks the span failed and is returned unchanged.
func (tm *TracingManager) Trace(ctx context.Context, name string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := tm.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Inject writes the traceparent of ctx into outbound headers.
func (tm *TracingManager) Inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	tm.propagator.Inject(ctx, carrier)
}

// Extract continues an inbound trace.
func (tm *TracingManager) Extract(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return tm.propagator.Extract(ctx, carrier)
}

// Shutdown flushes pending spans.
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if tm.provider == nil {
		return nil
	}
	if err := tm.provider.Shutdown(ctx); err != nil {
		tm.logger.Error(ctx, "flush spans on shutdown", err)
		return err
	}
	return nil
}
