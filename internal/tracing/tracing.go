// Package tracing wires OpenTelemetry for execution spans.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by engine spans.
const (
	ExecutionIDKey = attribute.Key("nurture.execution.id")
	WorkflowIDKey  = attribute.Key("nurture.workflow.id")
	LeadIDKey      = attribute.Key("nurture.lead.id")
	NodeIDKey      = attribute.Key("nurture.node.id")
	NodeTypeKey    = attribute.Key("nurture.node.type")
	OutcomeKey     = attribute.Key("nurture.step.outcome")
)

// Tracer returns the named tracer from the global provider. It is a no-op
// until Setup installs an exporter.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// SetError marks the span as failed.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent("error_occurred", trace.WithAttributes(attrs...))
}

// Setup installs a global tracer provider exporting over OTLP/HTTP to
// endpoint (host:port). The returned function flushes and stops it.
func Setup(ctx context.Context, serviceName, endpoint string) (func(context.Context) error, error) {
	r := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName))

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}))
	return tp.Shutdown, nil
}
