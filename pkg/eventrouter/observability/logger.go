// Package observability provides structured logging, metrics, and
// distributed tracing for the event router.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//   - A fixed-bucket latency histogram for serving percentiles
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds delivery context to a logger.
// Returns a new logger with event_id, subscription_id, and attempt fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, evt.ID, sub.ID, 1)
//	enriched.Info("dispatching") // includes event_id, subscription_id, attempt
func EnrichLogger(logger *slog.Logger, eventID, subscriptionID string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_id", eventID),
		slog.String("subscription_id", subscriptionID),
		slog.Int("attempt", attempt),
	)
}

// LogPublish logs an accepted event and its fan-out.
func LogPublish(logger *slog.Logger, eventID, topic, priority string, fanout int) {
	if logger == nil {
		return
	}
	logger.Info("event published",
		slog.String("event_id", eventID),
		slog.String("topic", topic),
		slog.String("priority", priority),
		slog.Int("fanout", fanout),
	)
}

// LogDelivery logs a successful delivery.
func LogDelivery(logger *slog.Logger, eventID, subscriptionID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("delivery succeeded",
		slog.String("event_id", eventID),
		slog.String("subscription_id", subscriptionID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogDeliveryError logs a failed delivery attempt (retried, non-fatal).
func LogDeliveryError(logger *slog.Logger, eventID, subscriptionID string, attempt int, err error) {
	if logger == nil {
		return
	}
	logger.Warn("delivery failed",
		slog.String("event_id", eventID),
		slog.String("subscription_id", subscriptionID),
		slog.Int("attempt", attempt),
		slog.String("error", err.Error()),
	)
}

// LogDeadLetter logs an event reaching the dead-letter store.
func LogDeadLetter(logger *slog.Logger, eventID, subscriptionID, reason string, attempts int) {
	if logger == nil {
		return
	}
	logger.Error("event dead-lettered",
		slog.String("event_id", eventID),
		slog.String("subscription_id", subscriptionID),
		slog.String("reason", reason),
		slog.Int("attempts", attempts),
	)
}

// LogReplayStart logs the start of a replay session.
func LogReplayStart(logger *slog.Logger, replayID string, eventsTotal int) {
	if logger == nil {
		return
	}
	logger.Info("replay starting",
		slog.String("replay_id", replayID),
		slog.Int("events_total", eventsTotal),
	)
}

// LogReplayComplete logs replay session completion.
func LogReplayComplete(logger *slog.Logger, replayID string, eventsReplayed int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("replay completed",
		slog.String("replay_id", replayID),
		slog.Int("events_replayed", eventsReplayed),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogSubscription logs a subscription lifecycle change.
func LogSubscription(logger *slog.Logger, subscriptionID, topic, action string) {
	if logger == nil {
		return
	}
	logger.Info("subscription "+action,
		slog.String("subscription_id", subscriptionID),
		slog.String("topic", topic),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000.0
	}
}
