package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the event router tracer instance.
// Uses the global OTel tracer provider.
var tracer = otel.Tracer("eventrouter")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartPublishSpan starts a span covering validation, log append, and
	// fan-out for one published event.
	StartPublishSpan(ctx context.Context, topic, eventID string) (context.Context, trace.Span)

	// StartDeliverSpan starts a span for one delivery attempt.
	StartDeliverSpan(ctx context.Context, subscriptionID, endpoint string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the
// provider before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartPublishSpan starts a span for a publish call.
func (m *otelSpanManager) StartPublishSpan(ctx context.Context, topic, eventID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventrouter.publish",
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("event.id", eventID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartDeliverSpan starts a span for a delivery attempt. Delivery runs
// after Publish has returned, so the span is linked to the event by
// attribute rather than parentage.
func (m *otelSpanManager) StartDeliverSpan(ctx context.Context, subscriptionID, endpoint string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventrouter.deliver",
		trace.WithAttributes(
			attribute.String("subscription.id", subscriptionID),
			attribute.String("endpoint", endpoint),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
