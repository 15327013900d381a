package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetricsTest creates a test meter provider and returns a function to collect metrics.
func setupMetricsTest(t *testing.T) (*sdkmetric.ManualReader, func()) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	originalProvider := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)

	cleanup := func() {
		otel.SetMeterProvider(originalProvider)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	}

	return reader, cleanup
}

// collectMetrics collects all metrics from the reader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	err := reader.Collect(context.Background(), &rm)
	require.NoError(t, err)
	return &rm
}

// findMetric finds a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumForAttr returns the summed value of data points carrying the given
// string attribute.
func sumForAttr(metric *metricdata.Metrics, key, value string) (int64, bool) {
	sum, ok := metric.Data.(metricdata.Sum[int64])
	if !ok {
		return 0, false
	}
	total := int64(0)
	found := false
	for _, dp := range sum.DataPoints {
		for _, attr := range dp.Attributes.ToSlice() {
			if string(attr.Key) == key && attr.Value.AsString() == value {
				total += dp.Value
				found = true
			}
		}
	}
	return total, found
}

func TestNewMetricsRecorder(t *testing.T) {
	_, cleanup := setupMetricsTest(t)
	defer cleanup()

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)

	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop, "Expected real metrics recorder, got noop")
}

func TestRecordPublish(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordPublish(ctx, "CRITICAL")
	m.RecordPublish(ctx, "CRITICAL")
	m.RecordPublish(ctx, "NORMAL")

	rm := collectMetrics(t, reader)
	metric := findMetric(rm, "eventrouter.events.published")
	require.NotNil(t, metric)

	critical, found := sumForAttr(metric, "priority", "CRITICAL")
	assert.True(t, found)
	assert.Equal(t, int64(2), critical)

	normal, found := sumForAttr(metric, "priority", "NORMAL")
	assert.True(t, found)
	assert.Equal(t, int64(1), normal)
}

func TestRecordDelivery(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("records outcome counts", func(t *testing.T) {
		m.RecordDelivery(ctx, "webhook", "delivered", 40*time.Millisecond)
		m.RecordDelivery(ctx, "webhook", "transient", 5*time.Second)

		rm := collectMetrics(t, reader)
		metric := findMetric(rm, "eventrouter.deliveries")
		require.NotNil(t, metric)

		delivered, found := sumForAttr(metric, "outcome", "delivered")
		assert.True(t, found)
		assert.GreaterOrEqual(t, delivered, int64(1))

		transient, found := sumForAttr(metric, "outcome", "transient")
		assert.True(t, found)
		assert.GreaterOrEqual(t, transient, int64(1))
	})

	t.Run("records latency histogram", func(t *testing.T) {
		m.RecordDelivery(ctx, "websocket", "delivered", 3*time.Millisecond)

		rm := collectMetrics(t, reader)
		metric := findMetric(rm, "eventrouter.delivery.latency_ms")
		require.NotNil(t, metric)

		hist, ok := metric.Data.(metricdata.Histogram[float64])
		require.True(t, ok, "Expected Histogram type")
		require.NotEmpty(t, hist.DataPoints)
	})
}

func TestRecordRetryAndDeadLetter(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordRetry(ctx, "sub-1")
	m.RecordRetry(ctx, "sub-1")
	m.RecordDeadLetter(ctx, "retries_exhausted")

	rm := collectMetrics(t, reader)

	retries := findMetric(rm, "eventrouter.retries")
	require.NotNil(t, retries)
	n, found := sumForAttr(retries, "subscription_id", "sub-1")
	assert.True(t, found)
	assert.Equal(t, int64(2), n)

	deadletters := findMetric(rm, "eventrouter.deadletters")
	require.NotNil(t, deadletters)
	n, found = sumForAttr(deadletters, "reason", "retries_exhausted")
	assert.True(t, found)
	assert.Equal(t, int64(1), n)
}

func TestRecordQueueDepth(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordQueueDepth(ctx, 12)
	m.RecordQueueDepth(ctx, 7)

	rm := collectMetrics(t, reader)
	metric := findMetric(rm, "eventrouter.queue.depth")
	require.NotNil(t, metric)

	gauge, ok := metric.Data.(metricdata.Gauge[int64])
	require.True(t, ok, "Expected Gauge type")
	require.NotEmpty(t, gauge.DataPoints)
	assert.Equal(t, int64(7), gauge.DataPoints[len(gauge.DataPoints)-1].Value)
}

func TestOtelMetrics_AllMethods(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)
	require.NotNil(t, m)

	ctx := context.Background()

	m.RecordPublish(ctx, "HIGH")
	m.RecordDelivery(ctx, "webhook", "delivered", 25*time.Millisecond)
	m.RecordRetry(ctx, "sub-1")
	m.RecordDeadLetter(ctx, "expired")
	m.RecordQueueDepth(ctx, 3)

	rm := collectMetrics(t, reader)

	assert.NotNil(t, findMetric(rm, "eventrouter.events.published"))
	assert.NotNil(t, findMetric(rm, "eventrouter.deliveries"))
	assert.NotNil(t, findMetric(rm, "eventrouter.delivery.latency_ms"))
	assert.NotNil(t, findMetric(rm, "eventrouter.retries"))
	assert.NotNil(t, findMetric(rm, "eventrouter.deadletters"))
	assert.NotNil(t, findMetric(rm, "eventrouter.queue.depth"))
}
