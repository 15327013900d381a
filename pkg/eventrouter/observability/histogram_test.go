package observability

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatencyHistogramEmpty(t *testing.T) {
	h := NewLatencyHistogram()

	snap := h.Snapshot()
	assert.Equal(t, uint64(0), snap.Count)
	assert.Equal(t, float64(0), snap.P50Ms)
	assert.Equal(t, float64(0), snap.P99Ms)
	assert.Equal(t, float64(0), snap.MaxMs)
}

func TestLatencyHistogramSingleSample(t *testing.T) {
	h := NewLatencyHistogram()
	h.Observe(40 * time.Millisecond)

	snap := h.Snapshot()
	assert.Equal(t, uint64(1), snap.Count)
	assert.InDelta(t, 40.0, snap.MeanMs, 0.01)
	assert.InDelta(t, 40.0, snap.MaxMs, 0.01)

	// A single sample lands in the (25, 50] bucket; every percentile
	// interpolates inside it.
	assert.GreaterOrEqual(t, snap.P50Ms, 25.0)
	assert.LessOrEqual(t, snap.P50Ms, 40.0)
	assert.LessOrEqual(t, snap.P99Ms, 40.0)
}

func TestLatencyHistogramPercentileOrdering(t *testing.T) {
	h := NewLatencyHistogram()
	for i := 1; i <= 1000; i++ {
		h.Observe(time.Duration(i) * time.Millisecond)
	}

	snap := h.Snapshot()
	assert.Equal(t, uint64(1000), snap.Count)
	assert.LessOrEqual(t, snap.P50Ms, snap.P95Ms)
	assert.LessOrEqual(t, snap.P95Ms, snap.P99Ms)
	assert.LessOrEqual(t, snap.P99Ms, snap.MaxMs)

	// Uniform 1..1000ms: the true p50 is 500ms; bucket interpolation
	// should stay within the (250, 500] bucket span.
	assert.GreaterOrEqual(t, snap.P50Ms, 250.0)
	assert.LessOrEqual(t, snap.P50Ms, 550.0)
	assert.InDelta(t, 500.5, snap.MeanMs, 1.0)
	assert.InDelta(t, 1000.0, snap.MaxMs, 0.01)
}

func TestLatencyHistogramOverflowBucket(t *testing.T) {
	h := NewLatencyHistogram()
	h.Observe(30 * time.Second)

	snap := h.Snapshot()
	assert.InDelta(t, 30000.0, snap.MaxMs, 0.01)
	assert.GreaterOrEqual(t, snap.P99Ms, 10000.0)
	assert.LessOrEqual(t, snap.P99Ms, snap.MaxMs)
}

func TestLatencyHistogramSubMillisecond(t *testing.T) {
	h := NewLatencyHistogram()
	for i := 0; i < 100; i++ {
		h.Observe(200 * time.Microsecond)
	}

	snap := h.Snapshot()
	assert.Equal(t, uint64(100), snap.Count)
	assert.InDelta(t, 0.2, snap.MeanMs, 0.01)
	assert.Greater(t, snap.P50Ms, 0.0)
	assert.LessOrEqual(t, snap.P50Ms, 0.5)
}

func TestLatencyHistogramReset(t *testing.T) {
	h := NewLatencyHistogram()
	h.Observe(10 * time.Millisecond)
	h.Reset()

	snap := h.Snapshot()
	assert.Equal(t, uint64(0), snap.Count)
	assert.Equal(t, float64(0), snap.MaxMs)
}

func TestLatencyHistogramConcurrent(t *testing.T) {
	h := NewLatencyHistogram()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h.Observe(time.Duration(i) * time.Millisecond)
				_ = h.Snapshot()
			}
		}()
	}
	wg.Wait()

	snap := h.Snapshot()
	assert.Equal(t, uint64(800), snap.Count)
}
