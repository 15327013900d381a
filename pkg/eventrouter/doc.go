/*
Package eventrouter provides topic-based event routing with durable
logging, prioritized delivery, retries, dead-lettering, and replay.

# Overview

eventrouter is a Go library for fanning events out to subscribers. An
event published to a topic is appended to an event log, matched against
registered subscriptions, and delivered over the subscriber's chosen
transport with per-subscriber ordering, retry policies, and a
dead-letter store for everything that cannot be delivered.

The core pieces:
  - Hierarchical topics with "*" and "#" wildcard subscriptions
  - An append-only event log (memory or SQLite) that replay reads from
  - A per-subscriber scheduler with four priority lanes
  - Webhook, websocket stream, and in-process callback delivery
  - Retry with fixed, linear, or exponential backoff and jitter
  - Dead-letter capture, inspection, requeue, and poison detection

# Basic Usage

Create a router, register a subscription, and publish:

	router, err := eventrouter.New(eventrouter.DefaultConfig)
	if err != nil {
	    log.Fatal(err)
	}
	defer router.Close()

	sub, err := router.Subscribe(subscription.Request{
	    Topic:    "orders.#",
	    Endpoint: "https://worker.internal/hooks/orders",
	})
	if err != nil {
	    log.Fatal(err)
	}

	e, err := router.Publish(ctx, eventrouter.PublishRequest{
	    Type:    "order.created",
	    Source:  "checkout",
	    Topic:   "orders.eu.created",
	    Payload: json.RawMessage(`{"order_id": "o-118"}`),
	})
	if err != nil {
	    log.Fatal(err)
	}
	fmt.Println(e.ID, "accepted for", sub.ID)

Publish returns once the event is logged; delivery runs asynchronously.
A delivery failure never propagates back to the producer. It is retried
and, if retries run out, recorded in the dead-letter store.

# Topic Patterns

Topics are dot-separated segments. Subscription patterns may use "*"
to match exactly one segment and a trailing "#" to match the rest:

	orders.*.created   matches orders.eu.created, not orders.created
	orders.#           matches orders, orders.eu, orders.eu.created
	#                  matches every topic

"#" is only valid as the final segment. Events are always published to
concrete topics; wildcards live in subscriptions and queries.

# Priorities

Each event carries a priority: CRITICAL, HIGH, NORMAL (default), or
LOW. The scheduler always dispatches a subscriber's highest-priority
queued event first and keeps arrival order within a priority:

	router.Publish(ctx, eventrouter.PublishRequest{
	    Type:     "alert.raised",
	    Source:   "monitor",
	    Topic:    "alerts.disk",
	    Priority: "CRITICAL",
	})

Only NORMAL and LOW events are batched; CRITICAL and HIGH are always
delivered one at a time.

# Retries and Dead-Lettering

Per-subscription retry policy overrides the scheduler defaults:

	router.Subscribe(subscription.Request{
	    Topic:    "billing.#",
	    Endpoint: "https://billing.internal/hooks",
	    Options: subscription.Options{
	        MaxRetries: 8,
	        Backoff: &errors.Backoff{
	            Strategy:  errors.StrategyExponential,
	            BaseDelay: 500 * time.Millisecond,
	            MaxDelay:  2 * time.Minute,
	        },
	    },
	})

Transient failures (timeouts, 5xx, 429) retry with backoff. Permanent
failures (4xx) get a single confirmation retry before dead-lettering.
Dead letters can be listed, requeued with a fresh retry budget, or
deleted:

	page, _ := router.DeadLetters(ctx, deadletter.ListCriteria{})
	for _, entry := range page.Entries {
	    if entry.Reason == deadletter.ReasonExhausted {
	        router.RequeueDeadLetter(ctx, entry.ID)
	    }
	}

# Realtime Streams

Websocket subscriptions deliver frames over an attached connection.
While no connection is attached, events buffer up to BufferSize with
oldest-first eviction, or divert to FallbackWebhook if configured:

	sub, _ := router.Subscribe(subscription.Request{
	    Topic:          "ticker.#",
	    ConnectionType: subscription.ConnWebsocket,
	    Options:        subscription.Options{BufferSize: 512},
	})

	// When the client connects (conn implements delivery.StreamConn):
	flushed, err := router.AttachStream(ctx, sub.ID, conn)

A client may reject a frame within the NACK window, which turns the
delivery into a normal retry:

	router.NackStream(sub.ID, eventID)

# Replay

Replay re-delivers a time- and topic-bounded slice of the event log to
named subscribers only. Other subscribers never see replayed events:

	session, err := router.Replay(ctx, replay.Request{
	    From:          time.Now().Add(-time.Hour),
	    TopicPattern:  "orders.#",
	    SubscriberIDs: []string{sub.ID},
	    Speed:         2.0, // twice the original pace; 0 = flat out
	})

	status, _ := router.ReplayStatus(session.ID)
	fmt.Println(status.EventsReplayed, "of", status.EventsTotal)

# Observability

The router logs through log/slog and records OpenTelemetry metrics and
spans. Pass a logger via the config and exporters pick the rest up from
the global OTel providers:

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg := eventrouter.DefaultConfig
	cfg.Logger = logger
	router, err := eventrouter.New(cfg)

Logs carry structured fields: event_id, topic, subscription_id,
attempt, duration_ms. Metrics include eventrouter.events.published,
eventrouter.deliveries, eventrouter.delivery.latency_ms, and
eventrouter.deadletters. Stats returns a point-in-time snapshot with
queue depths and delivery latency percentiles.

# Thread Safety

  - Router is safe for concurrent use
  - Subscription values handed out by the router are immutable
  - Store implementations (eventlog, deadletter) are safe for concurrent use
  - delivery.StreamConn implementations must tolerate concurrent Send calls

# Subpackages

  - topic: topic name and wildcard pattern parsing and matching
  - event: the event envelope, priorities, and validation
  - subscription: subscription registry, filters, and options
  - eventlog: append-only event log (memory, SQLite) with retention
  - scheduler: per-subscriber priority lanes, batching, and retry timing
  - delivery: webhook, stream, and callback transports
  - deadletter: dead-letter stores and poison detection
  - replay: replay session coordination and pacing
  - errors: error taxonomy and backoff policies
  - observability: logging, metrics, tracing, and latency histograms
  - config: file-based configuration loading
  - httpapi: HTTP and websocket front end
*/
package eventrouter
