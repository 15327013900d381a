package observability

import (
	"sync"
	"time"
)

// defaultBucketsMs are the histogram bucket upper bounds in milliseconds.
// The spread covers sub-millisecond in-process handoffs up to webhook
// timeouts of several seconds.
var defaultBucketsMs = []float64{
	0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000,
}

// LatencyHistogram accumulates delivery latencies into fixed buckets and
// serves percentile estimates.
//
// The OTel histogram above feeds external exporters; this one exists so the
// router can answer its own stats queries without a configured OTel
// pipeline. Percentiles are interpolated within buckets, so they are
// estimates whose error is bounded by the bucket width.
type LatencyHistogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []uint64 // len(bounds)+1; the last bucket is overflow
	count  uint64
	sum    float64
	max    float64
}

// NewLatencyHistogram creates a histogram with the default buckets.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{
		bounds: defaultBucketsMs,
		counts: make([]uint64, len(defaultBucketsMs)+1),
	}
}

// Observe records one latency sample.
func (h *LatencyHistogram) Observe(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	if ms < 0 {
		ms = 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	i := 0
	for i < len(h.bounds) && ms > h.bounds[i] {
		i++
	}
	h.counts[i]++
	h.count++
	h.sum += ms
	if ms > h.max {
		h.max = ms
	}
}

// LatencySnapshot is a point-in-time percentile summary in milliseconds.
type LatencySnapshot struct {
	Count  uint64  `json:"count"`
	MeanMs float64 `json:"mean_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P95Ms  float64 `json:"p95_ms"`
	P99Ms  float64 `json:"p99_ms"`
	MaxMs  float64 `json:"max_ms"`
}

// Snapshot returns the current summary. An empty histogram yields zeros.
func (h *LatencyHistogram) Snapshot() LatencySnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  h.count,
		MeanMs: h.sum / float64(h.count),
		P50Ms:  h.quantile(0.50),
		P95Ms:  h.quantile(0.95),
		P99Ms:  h.quantile(0.99),
		MaxMs:  h.max,
	}
}

// quantile interpolates the q-th quantile from bucket counts.
// Callers hold h.mu and guarantee count > 0.
func (h *LatencyHistogram) quantile(q float64) float64 {
	rank := q * float64(h.count)

	cumulative := float64(0)
	for i, n := range h.counts {
		if n == 0 {
			continue
		}
		next := cumulative + float64(n)
		if rank > next {
			cumulative = next
			continue
		}

		lower := float64(0)
		if i > 0 {
			lower = h.bounds[i-1]
		}
		upper := h.max
		if i < len(h.bounds) && h.bounds[i] < upper {
			upper = h.bounds[i]
		}
		if upper < lower {
			upper = lower
		}

		fraction := (rank - cumulative) / float64(n)
		return lower + fraction*(upper-lower)
	}
	return h.max
}

// Reset clears all samples.
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.counts {
		h.counts[i] = 0
	}
	h.count = 0
	h.sum = 0
	h.max = 0
}
