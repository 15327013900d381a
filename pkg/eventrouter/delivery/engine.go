// Package delivery hands events to subscribers over their configured
// transport and classifies every result into a delivery outcome.
//
// Webhook subscribers get a JSON POST with a bounded timeout. Realtime
// subscribers get frames pushed over their open stream, with a bounded
// away-buffer and an optional fallback webhook while disconnected.
// Internal subscribers get a direct function call. The scheduler never
// inspects transport errors itself; it acts on the Outcome returned
// here.
package delivery

import (
	"context"
	"fmt"
	"log/slog"

	ererrors "github.com/randalmurphal/eventrouter/pkg/eventrouter/errors"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/event"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/subscription"
)

// Config tunes the delivery engine.
type Config struct {
	// Webhook configures the webhook sender.
	Webhook WebhookConfig

	// Stream configures realtime delivery.
	Stream StreamConfig

	// Logger receives delivery logs. Nil disables logging.
	Logger *slog.Logger
}

// Engine routes delivery calls to the right transport for each
// subscriber.
type Engine struct {
	webhook *WebhookSender
	streams *StreamHub
	logger  *slog.Logger
}

// NewEngine creates a delivery engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		webhook: NewWebhookSender(cfg.Webhook),
		streams: NewStreamHub(cfg.Stream),
		logger:  cfg.Logger,
	}
}

// Streams returns the hub the HTTP API attaches realtime connections
// to.
func (e *Engine) Streams() *StreamHub {
	return e.streams
}

// Deliver sends a batch to one subscriber and classifies the result.
func (e *Engine) Deliver(ctx context.Context, sub *subscription.Subscription, events []*event.Event, attempt int) Outcome {
	if len(events) == 0 {
		return Delivered()
	}

	switch sub.ConnectionType {
	case subscription.ConnWebhook:
		return e.webhook.Send(ctx, sub.Endpoint, events, attempt)
	case subscription.ConnWebsocket:
		return e.deliverRealtime(ctx, sub, events, attempt)
	case subscription.ConnInternal:
		return e.deliverCallback(ctx, sub, events)
	default:
		return Permanent(ererrors.Permanent(
			fmt.Errorf("unsupported connection type %q", sub.ConnectionType), sub.Endpoint))
	}
}

// deliverRealtime pushes over the open stream when there is one. While
// the subscriber is away, deliveries fail over to the fallback webhook
// when one is configured, and are buffered for the next reconnect
// otherwise.
func (e *Engine) deliverRealtime(ctx context.Context, sub *subscription.Subscription, events []*event.Event, attempt int) Outcome {
	if e.streams.Connected(sub.ID) {
		return e.streams.Push(ctx, sub.ID, events)
	}

	opts := sub.Options.Normalized()
	if opts.FallbackWebhook != "" {
		return e.webhook.Send(ctx, opts.FallbackWebhook, events, attempt)
	}

	dropped := 0
	for _, ev := range events {
		dropped += e.streams.Buffer(sub.ID, ev, opts.BufferSize)
	}
	if dropped > 0 && e.logger != nil {
		e.logger.Warn("realtime buffer overflow dropped oldest events",
			"subscription_id", sub.ID,
			"dropped", dropped,
			"buffer_size", opts.BufferSize)
	}
	// Buffered counts as settled: the events leave the scheduler and
	// re-emerge from the buffer at the subscriber's next attach.
	return Delivered()
}

// deliverCallback invokes an internal subscription's function once per
// event, stopping at the first failure.
func (e *Engine) deliverCallback(ctx context.Context, sub *subscription.Subscription, events []*event.Event) Outcome {
	if sub.Callback == nil {
		return Permanent(fmt.Errorf("internal subscription %s has no callback", sub.ID))
	}
	for _, ev := range events {
		if err := sub.Callback(ctx, ev); err != nil {
			return Classify(err)
		}
	}
	return Delivered()
}
