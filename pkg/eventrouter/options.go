package eventrouter

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/randalmurphal/eventrouter/pkg/eventrouter/deadletter"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/delivery"
	ererrors "github.com/randalmurphal/eventrouter/pkg/eventrouter/errors"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/event"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/eventlog"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/observability"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/replay"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/scheduler"
)

// Config configures a Router.
type Config struct {
	// MaxSubscriptions caps registered subscriptions.
	// Default: 0 (unlimited)
	MaxSubscriptions int

	// EventLogPath is the SQLite file backing the event log. Empty keeps
	// the log in memory. Ignored when WithEventLog injects a store.
	EventLogPath string

	// DeadLetterPath is the SQLite file backing the dead-letter store.
	// Empty keeps entries in memory. Ignored when WithDeadLetterStore
	// injects a store.
	DeadLetterPath string

	// Retention bounds how much history the event log keeps.
	// Default: unbounded
	Retention eventlog.RetentionPolicy

	// PruneInterval is how often retention is enforced after Start.
	// Default: 1m; negative disables pruning.
	PruneInterval time.Duration

	// Scheduler tunes queue depths, concurrency, and retry policy.
	Scheduler scheduler.Config

	// Delivery tunes the webhook and stream transports.
	Delivery delivery.Config

	// Replay tunes replay sessions.
	Replay replay.Config

	// Poison tunes cross-subscriber failure detection.
	Poison deadletter.PoisonConfig

	// PoisonFastPath dead-letters events whose content the poison
	// detector has flagged instead of dispatching them again.
	// Default: false (detection stays advisory)
	PoisonFastPath bool

	// Logger receives structured logs from every component.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultConfig is the router configuration used for zero values.
var DefaultConfig = Config{
	PruneInterval: time.Minute,
}

func (c Config) normalized() Config {
	if c.PruneInterval == 0 {
		c.PruneInterval = DefaultConfig.PruneInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Option overrides a Router collaborator at construction time.
type Option func(*Router)

// WithEventLog injects the event log store, replacing the memory or
// SQLite store the config would build.
func WithEventLog(store eventlog.Store) Option {
	return func(r *Router) { r.log = store }
}

// WithDeadLetterStore injects the dead-letter store.
func WithDeadLetterStore(store deadletter.Store) Option {
	return func(r *Router) { r.deadLetters = store }
}

// WithLogger overrides Config.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithMetrics injects the metrics recorder. Default: the OTel recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(r *Router) { r.metrics = m }
}

// WithSpans injects the span manager. Default: the OTel span manager.
func WithSpans(sm observability.SpanManager) Option {
	return func(r *Router) { r.spans = sm }
}

// PublishRequest is one event as a producer submits it. The router
// assigns ID, timestamp, and sequence on acceptance.
type PublishRequest struct {
	// Type names what happened, dot-delimited. Required.
	Type string `json:"type"`

	// Source names the producing service. Required.
	Source string `json:"source"`

	// Topic is the routing key. Required. Slash and dot delimiters are
	// both accepted and normalized to dot form.
	Topic string `json:"topic"`

	// Priority is the level name (LOW, NORMAL, HIGH, CRITICAL),
	// case-insensitive. Default: NORMAL.
	Priority string `json:"priority,omitempty"`

	// Payload is the producer's opaque JSON body.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Tags label the event for subscription filters.
	Tags []string `json:"tags,omitempty"`

	// ProjectID scopes the event for project-scoped filters.
	ProjectID string `json:"project_id,omitempty"`

	// UserID marks the event relevant to a user.
	UserID string `json:"user_id,omitempty"`

	// CorrelationID groups related events. Defaults to the event's own ID.
	CorrelationID string `json:"correlation_id,omitempty"`

	// CausationID is the ID of the event that caused this one.
	CausationID string `json:"causation_id,omitempty"`

	// MaxRetries overrides the router's retry budget for this event.
	// Zero means use the configured default.
	MaxRetries int `json:"max_retries,omitempty"`

	// ExpiresAt is the delivery deadline. Undelivered events past it are
	// dead-lettered without consuming retries.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// toEvent builds the router-owned event. Field validation beyond the
// priority name happens in Publish via event.Validate.
func (p PublishRequest) toEvent() (*event.Event, error) {
	priority, err := event.ParsePriority(p.Priority)
	if err != nil {
		return nil, ererrors.Validation("priority", err.Error())
	}

	opts := []event.Option{
		event.WithPriority(priority),
		event.WithPayload(p.Payload),
	}
	if p.CorrelationID != "" {
		opts = append(opts, event.WithCorrelationID(p.CorrelationID))
	}
	if p.CausationID != "" {
		opts = append(opts, event.WithCausationID(p.CausationID))
	}
	if len(p.Tags) > 0 {
		opts = append(opts, event.WithTags(p.Tags...))
	}
	if p.ProjectID != "" {
		opts = append(opts, event.WithProject(p.ProjectID))
	}
	if p.UserID != "" {
		opts = append(opts, event.WithUser(p.UserID))
	}
	if p.MaxRetries != 0 {
		opts = append(opts, event.WithMaxRetries(p.MaxRetries))
	}
	if p.ExpiresAt != nil {
		opts = append(opts, event.WithExpiresAt(*p.ExpiresAt))
	}
	return event.New(p.Type, p.Source, p.Topic, opts...), nil
}

// PublishResult is one item's outcome in a batch publish.
type PublishResult struct {
	// Event is the accepted event. Nil when Err is set.
	Event *event.Event `json:"event,omitempty"`

	// Err is why this item was rejected. Siblings are unaffected.
	Err error `json:"-"`
}

// Stats is a point-in-time snapshot of the router.
type Stats struct {
	// Events is the number of events currently in the log.
	Events int64 `json:"events"`

	// Subscriptions is the number of registered subscriptions, in any
	// status.
	Subscriptions int `json:"subscriptions"`

	// Counters holds the process-lifetime publish and delivery totals.
	Counters observability.CounterSnapshot `json:"counters"`

	// Scheduler reports queue depth and in-flight counts.
	Scheduler scheduler.Stats `json:"scheduler"`

	// DeadLetters summarizes the dead-letter store.
	DeadLetters deadletter.Stats `json:"dead_letters"`

	// DeliveryLatency is the delivery latency distribution since start.
	DeliveryLatency observability.LatencySnapshot `json:"delivery_latency"`

	// RealtimeConnections is the number of attached streams.
	RealtimeConnections int `json:"realtime_connections"`

	// PoisonSuspects lists event content flagged by the poison detector.
	PoisonSuspects []deadletter.PoisonInfo `json:"poison_suspects,omitempty"`
}
