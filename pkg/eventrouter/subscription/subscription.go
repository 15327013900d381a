// Package subscription defines subscriber records and the registry that
// resolves a published topic to the subscribers it should reach.
//
// The registry is built for an asymmetric load: every publish reads it,
// while subscription changes are rare. Reads run against an immutable
// snapshot swapped behind an atomic pointer, so the publish path never
// takes a lock. Each snapshot carries its own topic match cache; swapping
// snapshots is what invalidates the cache.
package subscription

import (
	"context"
	"fmt"
	"net/url"
	"time"

	ererrors "github.com/randalmurphal/eventrouter/pkg/eventrouter/errors"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/event"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/topic"
)

// ConnectionType selects how deliveries reach the subscriber.
type ConnectionType string

const (
	// ConnWebhook delivers by HTTP POST to the subscription endpoint.
	ConnWebhook ConnectionType = "webhook"

	// ConnWebsocket delivers over a persistent stream attached at runtime.
	// Events arriving while no stream is attached are buffered or sent to
	// the fallback webhook.
	ConnWebsocket ConnectionType = "websocket"

	// ConnInternal delivers to an in-process callback. Used when the
	// router is embedded as a library.
	ConnInternal ConnectionType = "internal"
)

// Valid reports whether the connection type is known.
func (c ConnectionType) Valid() bool {
	switch c {
	case ConnWebhook, ConnWebsocket, ConnInternal:
		return true
	}
	return false
}

// Status is the subscription lifecycle state.
type Status string

const (
	// StatusActive subscriptions match and receive deliveries.
	StatusActive Status = "active"

	// StatusPaused subscriptions stop matching new events; already queued
	// deliveries are held until resume.
	StatusPaused Status = "paused"

	// StatusCancelled subscriptions are removed from the registry.
	// In-flight deliveries at cancel time run to completion.
	StatusCancelled Status = "cancelled"
)

// Callback is the delivery function for internal subscriptions.
type Callback func(ctx context.Context, e *event.Event) error

// Options tune delivery behavior per subscription.
type Options struct {
	// BatchSize groups up to this many consecutive same-priority NORMAL
	// or LOW events into one delivery. CRITICAL and HIGH are never batched.
	// Default: 1 (no batching)
	BatchSize int `json:"batch_size,omitempty"`

	// MaxConcurrency bounds simultaneous in-flight deliveries to this
	// subscriber.
	// Default: 1 (strictly ordered)
	MaxConcurrency int `json:"max_concurrency,omitempty"`

	// BufferSize bounds the realtime buffer used while no stream is
	// attached. When full, the oldest buffered event is dropped.
	// Default: 256
	BufferSize int `json:"buffer_size,omitempty"`

	// FallbackWebhook receives deliveries for a websocket subscription
	// while no stream is attached, instead of buffering.
	FallbackWebhook string `json:"fallback_webhook,omitempty"`

	// MaxRetries overrides the router's retry budget for this subscriber.
	// Zero means no override.
	MaxRetries int `json:"max_retries,omitempty"`

	// Backoff overrides the router's backoff policy for this subscriber.
	Backoff *ererrors.Backoff `json:"backoff,omitempty"`
}

// Normalized returns a copy with zero fields replaced by defaults.
func (o Options) Normalized() Options {
	if o.BatchSize < 1 {
		o.BatchSize = 1
	}
	if o.MaxConcurrency < 1 {
		o.MaxConcurrency = 1
	}
	if o.BufferSize < 1 {
		o.BufferSize = 256
	}
	return o
}

// Request describes a subscription to register.
type Request struct {
	// Topic is the pattern to match, with optional "*" and "#" wildcards.
	Topic string `json:"topic"`

	// Endpoint is the webhook URL. Required for webhook subscriptions;
	// ignored for internal ones.
	Endpoint string `json:"endpoint,omitempty"`

	// ConnectionType selects the delivery path. Default: webhook.
	ConnectionType ConnectionType `json:"connection_type,omitempty"`

	// Filter narrows which matched events are delivered.
	Filter *Filter `json:"filter,omitempty"`

	// Options tune delivery behavior.
	Options Options `json:"options,omitempty"`

	// Callback receives deliveries for internal subscriptions.
	Callback Callback `json:"-"`
}

// Subscription is a registered subscriber. Instances handed out by the
// registry are immutable; mutations go through the registry, which swaps
// in an updated copy.
type Subscription struct {
	// ID uniquely identifies the subscription. Registry-assigned.
	ID string `json:"id"`

	// Topic is the canonical pattern text.
	Topic string `json:"topic"`

	// Pattern is the parsed form of Topic.
	Pattern topic.Pattern `json:"-"`

	// Endpoint is the webhook URL, when ConnectionType is webhook.
	Endpoint string `json:"endpoint,omitempty"`

	// ConnectionType selects the delivery path.
	ConnectionType ConnectionType `json:"connection_type"`

	// Filter narrows which matched events are delivered. Nil accepts all.
	Filter *Filter `json:"filter,omitempty"`

	// Options tune delivery behavior.
	Options Options `json:"options"`

	// Status is the lifecycle state.
	Status Status `json:"status"`

	// Callback receives deliveries for internal subscriptions.
	Callback Callback `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Accepts reports whether the subscription's filter passes the event.
func (s *Subscription) Accepts(e *event.Event) bool {
	return s.Filter == nil || s.Filter.Accepts(e)
}

// clone returns a shallow copy with its own Filter and Options.Backoff so
// registry updates never mutate a published snapshot.
func (s *Subscription) clone() *Subscription {
	c := *s
	if s.Filter != nil {
		f := *s.Filter
		c.Filter = &f
	}
	if s.Options.Backoff != nil {
		b := *s.Options.Backoff
		c.Options.Backoff = &b
	}
	return &c
}

// validate checks a registration request and returns the parsed pattern.
func (r *Request) validate() (topic.Pattern, error) {
	pattern, err := topic.ParsePattern(r.Topic)
	if err != nil {
		return topic.Pattern{}, err
	}

	connType := r.ConnectionType
	if connType == "" {
		connType = ConnWebhook
	}
	if !connType.Valid() {
		return topic.Pattern{}, ererrors.Validation("connection_type",
			"must be webhook, websocket, or internal")
	}

	switch connType {
	case ConnWebhook:
		if err := validateURL(r.Endpoint); err != nil {
			return topic.Pattern{}, ererrors.Validation("endpoint", err.Error())
		}
	case ConnInternal:
		if r.Callback == nil {
			return topic.Pattern{}, ererrors.Validation("callback",
				"internal subscriptions require a callback")
		}
	}

	if r.Options.FallbackWebhook != "" {
		if err := validateURL(r.Options.FallbackWebhook); err != nil {
			return topic.Pattern{}, ererrors.Validation("options.fallback_webhook", err.Error())
		}
	}

	if r.Filter != nil {
		if err := r.Filter.validate(); err != nil {
			return topic.Pattern{}, err
		}
	}

	return pattern, nil
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an absolute http(s) URL")
	}
	return nil
}
