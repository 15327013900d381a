package eventrouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/eventrouter/pkg/eventrouter/deadletter"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/delivery"
	ererrors "github.com/randalmurphal/eventrouter/pkg/eventrouter/errors"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/event"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/eventlog"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/observability"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/replay"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/scheduler"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/subscription"
)

// ErrClosed indicates the router has been closed.
var ErrClosed = errors.New("event router closed")

// Router is the event routing core: it accepts events, logs them,
// matches them against subscriptions, and drives delivery with retries,
// dead-lettering, and replay.
type Router struct {
	cfg      Config
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	latency  *observability.LatencyHistogram
	counters *observability.CounterSet

	log         eventlog.Store
	registry    *subscription.Registry
	deadLetters deadletter.Store
	poison      *deadletter.PoisonDetector
	engine      *delivery.Engine
	sched       *scheduler.Scheduler
	replays     *replay.Coordinator

	mu      sync.Mutex
	started bool
	closed  bool
	stopBG  context.CancelFunc
	bg      sync.WaitGroup
}

// New builds a router. It is fully operational on return: Publish,
// Subscribe, and delivery all work immediately. Start only adds
// background maintenance.
func New(cfg Config, opts ...Option) (*Router, error) {
	cfg = cfg.normalized()
	r := &Router{cfg: cfg, logger: cfg.Logger}
	for _, opt := range opts {
		opt(r)
	}

	if r.metrics == nil {
		r.metrics = observability.NewMetricsRecorder()
	}
	if r.spans == nil {
		r.spans = observability.NewSpanManager()
	}
	r.latency = observability.NewLatencyHistogram()
	r.counters = &observability.CounterSet{}
	r.metrics = observability.Tee(r.metrics, r.counters)

	if r.log == nil {
		if cfg.EventLogPath != "" {
			store, err := eventlog.NewSQLiteStore(cfg.EventLogPath, cfg.Retention)
			if err != nil {
				return nil, fmt.Errorf("event log: %w", err)
			}
			r.log = store
		} else {
			r.log = eventlog.NewMemoryStore(cfg.Retention)
		}
	}
	if r.deadLetters == nil {
		if cfg.DeadLetterPath != "" {
			store, err := deadletter.NewSQLiteStore(cfg.DeadLetterPath)
			if err != nil {
				_ = r.log.Close()
				return nil, fmt.Errorf("dead-letter store: %w", err)
			}
			r.deadLetters = store
		} else {
			r.deadLetters = deadletter.NewMemoryStore()
		}
	}

	r.registry = subscription.NewRegistry(subscription.RegistryConfig{
		MaxSubscriptions: cfg.MaxSubscriptions,
	})
	r.poison = deadletter.NewPoisonDetector(cfg.Poison)

	dcfg := cfg.Delivery
	if dcfg.Logger == nil {
		dcfg.Logger = r.logger
	}
	r.engine = delivery.NewEngine(dcfg)

	scfg := cfg.Scheduler
	if scfg.Logger == nil {
		scfg.Logger = r.logger
	}
	if scfg.Metrics == nil {
		scfg.Metrics = r.metrics
	}
	if scfg.Spans == nil {
		scfg.Spans = r.spans
	}
	if scfg.Latency == nil {
		scfg.Latency = r.latency
	}
	r.sched = scheduler.New(scfg, r.engine, r.registry, &poisonTap{
		store:  r.deadLetters,
		poison: r.poison,
	})

	rcfg := cfg.Replay
	if rcfg.Logger == nil {
		rcfg.Logger = r.logger
	}
	r.replays = replay.New(rcfg, r.log, r.registry, r.sched)

	return r, nil
}

// poisonTap feeds genuine delivery failures to the poison detector on
// their way into the dead-letter store. Congestion and expiry entries
// say nothing about the event's content, so they pass straight through.
type poisonTap struct {
	store  deadletter.Store
	poison *deadletter.PoisonDetector
}

func (t *poisonTap) Add(ctx context.Context, entry *deadletter.Entry) (bool, error) {
	added, err := t.store.Add(ctx, entry)
	if err != nil || !added {
		return added, err
	}
	if entry.Reason == deadletter.ReasonExhausted || entry.Reason == deadletter.ReasonPermanent {
		t.poison.Record(entry.Event, entry.SubscriptionID)
	}
	return true, nil
}

// Start begins background maintenance, currently retention pruning,
// bound to ctx. Calling Start is optional and idempotent.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.started {
		return nil
	}
	r.started = true

	if r.cfg.PruneInterval > 0 {
		bgCtx, stop := context.WithCancel(ctx)
		r.stopBG = stop
		r.bg.Add(1)
		go r.pruneLoop(bgCtx)
	}
	return nil
}

func (r *Router) pruneLoop(ctx context.Context) {
	defer r.bg.Done()
	ticker := time.NewTicker(r.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := r.log.Prune(ctx, time.Now())
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					r.logger.Error("event log prune failed", "error", err)
				}
				continue
			}
			if pruned > 0 {
				r.logger.Debug("event log pruned", "events", pruned)
			}
		}
	}
}

// Publish validates, logs, and fans out one event. It returns once the
// event is durably appended; delivery runs asynchronously and its
// failures never propagate back to the producer.
func (r *Router) Publish(ctx context.Context, req PublishRequest) (*event.Event, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}

	e, err := req.toEvent()
	if err != nil {
		return nil, err
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if err := r.sched.CheckCapacity(); err != nil {
		if errors.Is(err, scheduler.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}

	ctx, span := r.spans.StartPublishSpan(ctx, e.Topic, e.ID)
	err = r.accept(ctx, e)
	r.spans.EndSpanWithError(span, err)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// accept appends an already validated event and fans it out.
func (r *Router) accept(ctx context.Context, e *event.Event) error {
	if err := r.log.Append(ctx, e); err != nil {
		return fmt.Errorf("event log append: %w", err)
	}
	fanout := r.fanOut(ctx, e)
	r.metrics.RecordPublish(ctx, e.Priority.String())
	observability.LogPublish(r.logger, e.ID, e.Topic, e.Priority.String(), fanout)
	return nil
}

// PublishBatch accepts each item independently: malformed items are
// rejected without touching their siblings, and every result reports
// its own outcome.
func (r *Router) PublishBatch(ctx context.Context, reqs []PublishRequest) []PublishResult {
	results := make([]PublishResult, len(reqs))
	if r.isClosed() {
		for i := range results {
			results[i].Err = ErrClosed
		}
		return results
	}

	// Build and validate first so bad items never reach the log.
	capErr := r.sched.CheckCapacity()
	events := make([]*event.Event, 0, len(reqs))
	slots := make([]int, 0, len(reqs))
	for i, req := range reqs {
		e, err := req.toEvent()
		if err == nil {
			err = e.Validate()
		}
		if err == nil {
			err = capErr
		}
		if err != nil {
			results[i] = PublishResult{Err: err}
			continue
		}
		events = append(events, e)
		slots = append(slots, i)
	}

	appendErrs := r.log.AppendBatch(ctx, events)
	for j, e := range events {
		i := slots[j]
		if err := appendErrs[j]; err != nil {
			results[i] = PublishResult{Err: fmt.Errorf("event log append: %w", err)}
			continue
		}
		fanout := r.fanOut(ctx, e)
		r.metrics.RecordPublish(ctx, e.Priority.String())
		observability.LogPublish(r.logger, e.ID, e.Topic, e.Priority.String(), fanout)
		results[i] = PublishResult{Event: e}
	}
	return results
}

// fanOut enqueues the event for every matching active subscription and
// returns how many attempts were queued. A refused enqueue is shed to
// the dead-letter store: the producer already holds an acknowledgment,
// so the loss must be recorded rather than silent.
func (r *Router) fanOut(ctx context.Context, e *event.Event) int {
	if r.cfg.PoisonFastPath && r.poison.Suspect(e) {
		r.quarantine(e)
		return 0
	}

	n := 0
	for _, sub := range r.registry.Match(e.Topic) {
		if !sub.Accepts(e) {
			continue
		}
		if err := r.sched.Enqueue(ctx, e, sub.ID); err != nil {
			r.shed(e, sub.ID, err)
			continue
		}
		n++
	}
	return n
}

// quarantine dead-letters a flagged event for each matching subscriber
// without spending a delivery round on it.
func (r *Router) quarantine(e *event.Event) {
	for _, sub := range r.registry.Match(e.Topic) {
		if !sub.Accepts(e) {
			continue
		}
		entry := deadletter.NewEntry(e, sub.ID, 0, deadletter.ReasonPoison,
			fmt.Errorf("content flagged as poison"), time.Time{})
		added, err := r.deadLetters.Add(context.Background(), entry)
		if err != nil {
			r.logger.Error("dead-letter store rejected entry",
				"event_id", e.ID, "subscription_id", sub.ID, "error", err)
			continue
		}
		if !added {
			continue
		}
		r.metrics.RecordDeadLetter(context.Background(), string(deadletter.ReasonPoison))
		observability.LogDeadLetter(r.logger, e.ID, sub.ID, string(deadletter.ReasonPoison), 0)
	}
}

// shed records a fan-out enqueue refusal as a queue_overflow entry.
func (r *Router) shed(e *event.Event, subscriptionID string, cause error) {
	entry := deadletter.NewEntry(e, subscriptionID, 0, deadletter.ReasonOverflow, cause, time.Time{})
	added, err := r.deadLetters.Add(context.Background(), entry)
	if err != nil {
		r.logger.Error("dead-letter store rejected entry",
			"event_id", e.ID, "subscription_id", subscriptionID, "error", err)
		return
	}
	if !added {
		return
	}
	r.metrics.RecordDeadLetter(context.Background(), string(deadletter.ReasonOverflow))
	observability.LogDeadLetter(r.logger, e.ID, subscriptionID, string(deadletter.ReasonOverflow), 0)
}

// Subscribe registers a subscription and returns it with its assigned id.
func (r *Router) Subscribe(req subscription.Request) (*subscription.Subscription, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	sub, err := r.registry.Register(req)
	if err != nil {
		return nil, err
	}
	r.logger.Info("subscription registered",
		"subscription_id", sub.ID,
		"topic", sub.Topic,
		"connection_type", string(sub.ConnectionType))
	return sub, nil
}

// Unsubscribe cancels a subscription. Future events stop matching
// immediately; queued attempts are dropped, while deliveries already on
// the wire run to completion.
func (r *Router) Unsubscribe(id string) error {
	if err := r.registry.Cancel(id); err != nil {
		return err
	}
	r.sched.Remove(id)
	r.engine.Streams().Remove(id)
	r.logger.Info("subscription cancelled", "subscription_id", id)
	return nil
}

// PauseSubscription stops matching new events for the subscription and
// holds whatever is already queued.
func (r *Router) PauseSubscription(id string) error {
	return r.registry.Pause(id)
}

// ResumeSubscription reactivates a paused subscription and kicks its
// queue back into dispatch.
func (r *Router) ResumeSubscription(id string) error {
	if err := r.registry.Resume(id); err != nil {
		return err
	}
	r.sched.Wake(id)
	return nil
}

// UpdateSubscriptionOptions swaps the subscription's delivery options.
// The change applies to everything still queued.
func (r *Router) UpdateSubscriptionOptions(id string, opts subscription.Options) error {
	if err := r.registry.UpdateOptions(id, opts); err != nil {
		return err
	}
	r.sched.Wake(id)
	return nil
}

// Subscription returns a subscription by id.
func (r *Router) Subscription(id string) (*subscription.Subscription, bool) {
	return r.registry.Get(id)
}

// Subscriptions lists registered subscriptions matching the criteria.
func (r *Router) Subscriptions(criteria subscription.ListCriteria) []*subscription.Subscription {
	return r.registry.List(criteria)
}

// Events queries the event log.
func (r *Router) Events(ctx context.Context, q eventlog.Query) (eventlog.Page, error) {
	return r.log.Query(ctx, q)
}

// Replay starts a replay session over a slice of the log.
func (r *Router) Replay(ctx context.Context, req replay.Request) (replay.Session, error) {
	if r.isClosed() {
		return replay.Session{}, ErrClosed
	}
	return r.replays.Start(ctx, req)
}

// ReplayStatus returns a snapshot of a replay session.
func (r *Router) ReplayStatus(id string) (replay.Session, error) {
	return r.replays.Get(id)
}

// CancelReplay stops a running replay session.
func (r *Router) CancelReplay(id string) error {
	return r.replays.Cancel(id)
}

// DeadLetters lists dead-letter entries matching the criteria.
func (r *Router) DeadLetters(ctx context.Context, criteria deadletter.ListCriteria) (*deadletter.Page, error) {
	return r.deadLetters.List(ctx, criteria)
}

// RequeueDeadLetter re-drives a dead-lettered delivery through the
// scheduler with a fresh retry budget. The entry is removed on success
// so a later terminal failure can be recorded again.
func (r *Router) RequeueDeadLetter(ctx context.Context, id string) error {
	if r.isClosed() {
		return ErrClosed
	}
	entry, err := r.deadLetters.Get(ctx, id)
	if err != nil {
		return err
	}

	sub, ok := r.registry.Get(entry.SubscriptionID)
	if !ok || sub.Status == subscription.StatusCancelled {
		return ererrors.Validation("subscription_id",
			fmt.Sprintf("subscription %q is no longer active", entry.SubscriptionID))
	}

	if err := r.sched.Enqueue(ctx, entry.Event, entry.SubscriptionID); err != nil {
		return err
	}
	if _, err := r.deadLetters.Remove(ctx, id); err != nil && !errors.Is(err, deadletter.ErrNotFound) {
		return err
	}
	r.logger.Info("dead-letter entry requeued",
		"entry_id", id,
		"event_id", entry.Event.ID,
		"subscription_id", entry.SubscriptionID)
	return nil
}

// DeleteDeadLetter removes a dead-letter entry without redelivery.
func (r *Router) DeleteDeadLetter(ctx context.Context, id string) error {
	_, err := r.deadLetters.Remove(ctx, id)
	return err
}

// AttachStream binds a live stream connection to a websocket
// subscription and flushes anything buffered while it was away. It
// returns the number of flushed events.
func (r *Router) AttachStream(ctx context.Context, subscriptionID string, conn delivery.StreamConn) (int, error) {
	if r.isClosed() {
		return 0, ErrClosed
	}
	sub, ok := r.registry.Get(subscriptionID)
	if !ok || sub.Status == subscription.StatusCancelled {
		return 0, ererrors.Validation("subscription_id",
			fmt.Sprintf("unknown subscription %q", subscriptionID))
	}
	if sub.ConnectionType != subscription.ConnWebsocket {
		return 0, ererrors.Validation("subscription_id",
			fmt.Sprintf("subscription %q does not deliver over a stream", subscriptionID))
	}
	return r.engine.Streams().Attach(ctx, subscriptionID, conn)
}

// DetachStream releases a stream connection. Later events buffer or
// fall back per the subscription's options.
func (r *Router) DetachStream(subscriptionID string, conn delivery.StreamConn) {
	r.engine.Streams().Detach(subscriptionID, conn)
}

// NackStream rejects a streamed delivery inside its post-send window,
// turning the attempt into a retry.
func (r *Router) NackStream(subscriptionID, eventID string) {
	r.engine.Streams().Nack(subscriptionID, eventID)
}

// Stats returns a point-in-time snapshot of the router.
func (r *Router) Stats(ctx context.Context) (Stats, error) {
	count, err := r.log.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("event log count: %w", err)
	}
	dlStats, err := r.deadLetters.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("dead-letter stats: %w", err)
	}

	return Stats{
		Events:              count,
		Subscriptions:       r.registry.Len(),
		Counters:            r.counters.Snapshot(),
		Scheduler:           r.sched.Stats(),
		DeadLetters:         dlStats,
		DeliveryLatency:     r.latency.Snapshot(),
		RealtimeConnections: r.engine.Streams().ConnectionCount(),
		PoisonSuspects:      r.poison.List(),
	}, nil
}

// Close shuts the router down: intake stops, replay sessions cancel,
// the scheduler drains, streams close, and the stores close. The
// router owns every component it was built with, injected stores
// included. Close is idempotent.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	stop := r.stopBG
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	r.bg.Wait()

	errs := []error{
		r.replays.Close(),
		r.sched.Close(),
	}
	r.engine.Streams().CloseAll()
	r.poison.Close()
	errs = append(errs, r.log.Close(), r.deadLetters.Close())
	return errors.Join(errs...)
}

func (r *Router) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
