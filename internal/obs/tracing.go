// Copyright 2025 James Ross
package obs

import (
	"context"
	"os"

	"github.com/flyingrobots/go-message-fabric/internal/config"
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

// MaybeInitTracing optionally installs a global OTLP tracer provider.
func MaybeInitTracing(cfg *config.Config) (*sdktrace.TracerProvider, error) {
	tc := cfg.Observability.Tracing
	if !tc.Enabled || tc.Endpoint == "" {
		return nil, nil
	}
	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(tc.Endpoint),
		otlptracehttp.WithInsecure(),
	))
	if err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("go-message-fabric"),
		semconv.HostNameKey.String(hostname),
		attribute.String("environment", tc.Environment),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(tc.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

// StartTaskSpan opens a span around one task attempt.
func StartTaskSpan(ctx context.Context, taskID, handler string, attempt int) (context.Context, trace.Span) {
	tracer := otel.Tracer("task")
	return tracer.Start(ctx, "task.execute",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.handler", handler),
			attribute.Int("task.attempt", attempt),
		),
	)
}

// StartDispatchSpan opens a span around one bus dispatch.
func StartDispatchSpan(ctx context.Context, messageID, topic string) (context.Context, trace.Span) {
	tracer := otel.Tracer("bus")
	return tracer.Start(ctx, "bus.dispatch",
		trace.WithAttributes(
			attribute.String("message.id", messageID),
			attribute.String("message.topic", topic),
		),
	)
}

// RecordError records an error on the span in ctx, if any.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks the span in ctx successful.
func SetSpanSuccess(ctx context.Context) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(codes.Ok, "success")
	}
}

// InjectTraceContext serializes the span context into message metadata.
func InjectTraceContext(ctx context.Context) map[string]string {
	carrier := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(carrier))
	return carrier
}

// ExtractTraceContext restores a span context from message metadata.
func ExtractTraceContext(ctx context.Context, carrier map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
}

// TracerShutdown flushes and stops the provider.
func TracerShutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}
