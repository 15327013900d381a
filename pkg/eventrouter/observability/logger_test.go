package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLogger returns a debug-level JSON logger writing into buf.
func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// logLines parses each JSON log line written to buf.
func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	var lines []map[string]any
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if raw == "" {
			continue
		}
		var line map[string]any
		require.NoError(t, json.Unmarshal([]byte(raw), &line))
		lines = append(lines, line)
	}
	return lines
}

func TestEnrichLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := newTestLogger(buf)

	enriched := EnrichLogger(logger, "evt-1", "sub-1", 3)
	require.NotNil(t, enriched)
	enriched.Info("dispatching")

	lines := logLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "evt-1", lines[0]["event_id"])
	assert.Equal(t, "sub-1", lines[0]["subscription_id"])
	assert.Equal(t, float64(3), lines[0]["attempt"])

	assert.Nil(t, EnrichLogger(nil, "evt-1", "sub-1", 1))
}

func TestLogPublish(t *testing.T) {
	buf := &bytes.Buffer{}
	LogPublish(newTestLogger(buf), "evt-1", "project.p1.created", "HIGH", 4)

	lines := logLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "event published", lines[0]["msg"])
	assert.Equal(t, "INFO", lines[0]["level"])
	assert.Equal(t, "project.p1.created", lines[0]["topic"])
	assert.Equal(t, "HIGH", lines[0]["priority"])
	assert.Equal(t, float64(4), lines[0]["fanout"])

	// Nil logger must not panic.
	LogPublish(nil, "evt-1", "a.b", "LOW", 0)
}

func TestLogDelivery(t *testing.T) {
	buf := &bytes.Buffer{}
	LogDelivery(newTestLogger(buf), "evt-1", "sub-1", 12.5)

	lines := logLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "delivery succeeded", lines[0]["msg"])
	assert.Equal(t, "DEBUG", lines[0]["level"])
	assert.Equal(t, 12.5, lines[0]["duration_ms"])

	LogDelivery(nil, "evt-1", "sub-1", 1.0)
}

func TestLogDeliveryError(t *testing.T) {
	buf := &bytes.Buffer{}
	LogDeliveryError(newTestLogger(buf), "evt-1", "sub-1", 2, errors.New("status 503"))

	lines := logLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "delivery failed", lines[0]["msg"])
	assert.Equal(t, "WARN", lines[0]["level"])
	assert.Equal(t, float64(2), lines[0]["attempt"])
	assert.Equal(t, "status 503", lines[0]["error"])

	LogDeliveryError(nil, "evt-1", "sub-1", 1, errors.New("x"))
}

func TestLogDeadLetter(t *testing.T) {
	buf := &bytes.Buffer{}
	LogDeadLetter(newTestLogger(buf), "evt-1", "sub-1", "retries_exhausted", 6)

	lines := logLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "event dead-lettered", lines[0]["msg"])
	assert.Equal(t, "ERROR", lines[0]["level"])
	assert.Equal(t, "retries_exhausted", lines[0]["reason"])
	assert.Equal(t, float64(6), lines[0]["attempts"])

	LogDeadLetter(nil, "evt-1", "sub-1", "expired", 1)
}

func TestLogReplay(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := newTestLogger(buf)

	LogReplayStart(logger, "replay-1", 250)
	LogReplayComplete(logger, "replay-1", 250, 1800.0)

	lines := logLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "replay starting", lines[0]["msg"])
	assert.Equal(t, float64(250), lines[0]["events_total"])
	assert.Equal(t, "replay completed", lines[1]["msg"])
	assert.Equal(t, 1800.0, lines[1]["duration_ms"])

	LogReplayStart(nil, "replay-1", 1)
	LogReplayComplete(nil, "replay-1", 1, 0)
}

func TestLogSubscription(t *testing.T) {
	buf := &bytes.Buffer{}
	LogSubscription(newTestLogger(buf), "sub-1", "project.#", "registered")

	lines := logLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "subscription registered", lines[0]["msg"])
	assert.Equal(t, "project.#", lines[0]["topic"])

	LogSubscription(nil, "sub-1", "a.b", "paused")
}

func TestTimedOperation(t *testing.T) {
	done := TimedOperation()
	time.Sleep(15 * time.Millisecond)
	elapsed := done()

	assert.GreaterOrEqual(t, elapsed, 10.0)
	assert.Less(t, elapsed, 5000.0)
}
