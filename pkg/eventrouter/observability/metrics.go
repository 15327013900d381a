package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records event router metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records an accepted event with its priority.
	RecordPublish(ctx context.Context, priority string)

	// RecordDelivery records a delivery attempt with its transport,
	// outcome, and duration.
	RecordDelivery(ctx context.Context, connection, outcome string, duration time.Duration)

	// RecordRetry records a rescheduled delivery attempt.
	RecordRetry(ctx context.Context, subscriptionID string)

	// RecordDeadLetter records a terminally failed delivery.
	RecordDeadLetter(ctx context.Context, reason string)

	// RecordQueueDepth records the current number of queued attempts.
	RecordQueueDepth(ctx context.Context, depth int64)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	published       metric.Int64Counter
	deliveries      metric.Int64Counter
	deliveryLatency metric.Float64Histogram
	retries         metric.Int64Counter
	deadLetters     metric.Int64Counter
	queueDepth      metric.Int64Gauge
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("eventrouter")

	published, err := meter.Int64Counter("eventrouter.events.published",
		metric.WithDescription("Number of events accepted into the log"),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter("eventrouter.deliveries",
		metric.WithDescription("Number of delivery attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	deliveryLatency, err := meter.Float64Histogram("eventrouter.delivery.latency_ms",
		metric.WithDescription("Delivery attempt latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter("eventrouter.retries",
		metric.WithDescription("Number of rescheduled delivery attempts"),
	)
	if err != nil {
		return nil, err
	}

	deadLetters, err := meter.Int64Counter("eventrouter.deadletters",
		metric.WithDescription("Number of terminally failed deliveries"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Gauge("eventrouter.queue.depth",
		metric.WithDescription("Queued delivery attempts across all subscribers"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		published:       published,
		deliveries:      deliveries,
		deliveryLatency: deliveryLatency,
		retries:         retries,
		deadLetters:     deadLetters,
		queueDepth:      queueDepth,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordPublish records an accepted event.
func (m *otelMetrics) RecordPublish(ctx context.Context, priority string) {
	m.published.Add(ctx, 1, metric.WithAttributes(
		attribute.String("priority", priority),
	))
}

// RecordDelivery records a delivery attempt.
func (m *otelMetrics) RecordDelivery(ctx context.Context, connection, outcome string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("connection", connection),
		attribute.String("outcome", outcome),
	}
	m.deliveries.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.deliveryLatency.Record(ctx, float64(duration.Microseconds())/1000.0,
		metric.WithAttributes(attribute.String("connection", connection)))
}

// RecordRetry records a rescheduled attempt.
func (m *otelMetrics) RecordRetry(ctx context.Context, subscriptionID string) {
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subscription_id", subscriptionID),
	))
}

// RecordDeadLetter records a terminally failed delivery.
func (m *otelMetrics) RecordDeadLetter(ctx context.Context, reason string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordQueueDepth records the current queue depth.
func (m *otelMetrics) RecordQueueDepth(ctx context.Context, depth int64) {
	m.queueDepth.Record(ctx, depth)
}
