// Copyright 2025 James Ross
package obs

import (
	"context"
	"os"

	"github.com/flyingrobots/lifestream/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// MaybeInitTracing optionally initializes a global tracer provider with propagation.
func MaybeInitTracing(cfg *config.Config) (*sdktrace.TracerProvider, error) {
	if !cfg.Observability.Tracing.Enabled || cfg.Observability.Tracing.Endpoint == "" {
		return nil, nil
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Observability.Tracing.Endpoint),
	}
	if cfg.Observability.Tracing.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("lifestream"),
		semconv.HostNameKey.String(hostname),
		attribute.String("environment", cfg.Observability.Tracing.Environment),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

// StartDispatchSpan creates a span for dispatching a queue message.
func StartDispatchSpan(ctx context.Context, objectKey string) (context.Context, trace.Span) {
	tracer := otel.Tracer("dispatcher")
	return tracer.Start(ctx, "queue.dispatch",
		trace.WithAttributes(attribute.String("object.key", objectKey)),
	)
}

// StartStageSpan creates a span for one pipeline stage of a job.
func StartStageSpan(ctx context.Context, jobID, stage string) (context.Context, trace.Span) {
	tracer := otel.Tracer("executor")
	return tracer.Start(ctx, "pipeline."+stage,
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("pipeline.stage", stage),
		),
	)
}

// RecordError records an error on the active span and marks it failed.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks the active span successful.
func SetSpanSuccess(ctx context.Context) {
	span := trace.SpanFromContext(ctx)
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}
