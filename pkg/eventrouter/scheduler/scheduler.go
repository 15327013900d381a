// Package scheduler dispatches queued events to subscribers in strict
// priority order with bounded concurrency and retry management.
//
// Each subscriber owns four FIFO lanes, one per priority level. A
// dispatch goroutine per subscriber drains the highest non-empty lane,
// so CRITICAL work always goes first and a LOW attempt is dispatched
// only when every higher lane is empty. Failed attempts are rescheduled
// on a deadline heap according to the effective backoff policy and
// re-enter their lane when due. Attempts that exhaust their retry
// budget, fail permanently, expire, or overflow a full lane are handed
// to the dead-letter store.
package scheduler

import (
	"container/heap"
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
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/observability"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/subscription"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("scheduler closed")

// retryCongestionDelay is how long a due retry waits when its lane or
// the pending budget is full. Congestion must not consume retry budget.
const retryCongestionDelay = time.Second

// Deliverer executes one delivery call against a subscriber.
// Implementations classify failures into the returned outcome; the
// scheduler acts only on the disposition.
type Deliverer interface {
	Deliver(ctx context.Context, sub *subscription.Subscription, events []*event.Event, attempt int) delivery.Outcome
}

// Registry resolves current subscription state at dispatch time.
// Satisfied by subscription.Registry.
type Registry interface {
	Get(id string) (*subscription.Subscription, bool)
}

// DeadLetterSink receives attempts the scheduler gives up on.
// Satisfied by any deadletter.Store.
type DeadLetterSink interface {
	Add(ctx context.Context, entry *deadletter.Entry) (bool, error)
}

// Config tunes scheduler capacity, retry policy, and instrumentation.
type Config struct {
	// MaxPending bounds queued attempts across all subscribers. Enqueue
	// fails fast with a CapacityError at the bound so producers see
	// backpressure instead of unbounded memory growth.
	// Default: 10000
	MaxPending int

	// MaxInFlight bounds concurrent delivery calls across all
	// subscribers.
	// Default: 64
	MaxInFlight int

	// LaneDepth bounds each subscriber priority lane. An attempt pushed
	// at a full lane is dead-lettered with reason queue_overflow, so a
	// single slow subscriber cannot reject other subscribers' traffic.
	// Default: 1000
	LaneDepth int

	// DeliveryTimeout bounds one delivery call.
	// Default: 30 seconds
	DeliveryTimeout time.Duration

	// MaxRetries is the retry budget for events and subscriptions that
	// do not override it.
	// Default: 5
	MaxRetries int

	// Backoff is the retry delay policy for subscriptions that do not
	// override it.
	// Default: DefaultBackoff (exponential, 1s base, 60s cap)
	Backoff ererrors.Backoff

	// DrainTimeout bounds how long Close waits for in-flight
	// deliveries.
	// Default: 10 seconds
	DrainTimeout time.Duration

	// Logger receives structured scheduling logs. Nil disables logging.
	Logger *slog.Logger

	// Metrics receives scheduling metrics. Nil installs the default
	// recorder.
	Metrics observability.MetricsRecorder

	// Spans traces delivery calls. Nil installs the default manager.
	Spans observability.SpanManager

	// Latency feeds the router's own delivery latency stats. Nil
	// disables local latency tracking.
	Latency *observability.LatencyHistogram
}

// DefaultConfig is the standard scheduler configuration.
var DefaultConfig = Config{
	MaxPending:      10000,
	MaxInFlight:     64,
	LaneDepth:       1000,
	DeliveryTimeout: 30 * time.Second,
	MaxRetries:      5,
	Backoff:         ererrors.DefaultBackoff,
	DrainTimeout:    10 * time.Second,
}

// normalized returns a copy with zero fields replaced by defaults.
func (c Config) normalized() Config {
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultConfig.MaxPending
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultConfig.MaxInFlight
	}
	if c.LaneDepth <= 0 {
		c.LaneDepth = DefaultConfig.LaneDepth
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = DefaultConfig.DeliveryTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultConfig.MaxRetries
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultConfig.DrainTimeout
	}
	if c.Metrics == nil {
		c.Metrics = observability.NewMetricsRecorder()
	}
	if c.Spans == nil {
		c.Spans = observability.NewSpanManager()
	}
	return c
}

// Scheduler owns every subscriber queue and the shared retry heap.
type Scheduler struct {
	cfg         Config
	deliver     Deliverer
	registry    Registry
	deadLetters DeadLetterSink

	// baseCtx is the parent of every delivery context; Close cancels it
	// to stop dispatch goroutines and abort in-flight calls.
	baseCtx  context.Context
	baseStop context.CancelFunc

	// inFlight is the global delivery semaphore.
	inFlight chan struct{}

	mu      sync.Mutex
	subs    map[string]*subscriberQueue
	pending int
	closed  bool

	retries     retryHeap
	retryTimer  *time.Timer
	retryNotify chan struct{}

	wg sync.WaitGroup
}

// subscriberQueue is the per-subscriber dispatch state. The lanes are
// owned by the subscriber's pump goroutine: every dequeue decision is
// made there, so dispatch order is total per subscriber even when
// deliveries run concurrently.
type subscriberQueue struct {
	id       string
	lanes    laneSet
	notify   chan struct{}
	inFlight int
	stopped  bool
}

// New creates a scheduler and starts its retry goroutine. Dispatch
// goroutines are started lazily, one per subscriber on first enqueue.
func New(cfg Config, deliver Deliverer, registry Registry, deadLetters DeadLetterSink) *Scheduler {
	cfg = cfg.normalized()
	ctx, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:         cfg,
		deliver:     deliver,
		registry:    registry,
		deadLetters: deadLetters,
		baseCtx:     ctx,
		baseStop:    stop,
		inFlight:    make(chan struct{}, cfg.MaxInFlight),
		subs:        make(map[string]*subscriberQueue),
		retryNotify: make(chan struct{}, 1),
	}
	s.wg.Add(1)
	go s.retryLoop()
	return s
}

// Enqueue queues one delivery of an event to a subscriber. It never
// blocks on delivery: the attempt is placed in the subscriber's
// priority lane and dispatched by the subscriber's own goroutine.
//
// Enqueue fails fast with a CapacityError when the global pending
// budget is exhausted. A full subscriber lane instead dead-letters the
// attempt, so one slow subscriber cannot reject traffic fanned out to
// others.
func (s *Scheduler) Enqueue(ctx context.Context, e *event.Event, subscriptionID string) error {
	return s.enqueue(ctx, &Attempt{
		Event:          e,
		SubscriptionID: subscriptionID,
		Number:         1,
		EnqueuedAt:     time.Now().UTC(),
	})
}

// CheckCapacity reports whether the scheduler can take on new work.
// Publish paths call it before the log append so a producer gets a
// capacity refusal instead of a logged but unroutable event.
func (s *Scheduler) CheckCapacity() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.pending >= s.cfg.MaxPending {
		return &ererrors.CapacityError{Resource: "pending deliveries", Limit: s.cfg.MaxPending}
	}
	return nil
}

// EnqueueReplay queues a replay-flagged delivery. Replay attempts
// follow the same lanes, retry policy, and dead-letter rules as live
// traffic.
func (s *Scheduler) EnqueueReplay(ctx context.Context, e *event.Event, subscriptionID, replayID string) error {
	return s.enqueue(ctx, &Attempt{
		Event:          e,
		SubscriptionID: subscriptionID,
		Number:         1,
		EnqueuedAt:     time.Now().UTC(),
		Replay:         true,
		ReplayID:       replayID,
	})
}

func (s *Scheduler) enqueue(ctx context.Context, a *Attempt) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.pending >= s.cfg.MaxPending {
		s.mu.Unlock()
		return &ererrors.CapacityError{Resource: "pending deliveries", Limit: s.cfg.MaxPending}
	}

	q := s.queueLocked(a.SubscriptionID)
	if q.lanes.laneLen(a.Event.Priority) >= s.cfg.LaneDepth {
		s.mu.Unlock()
		err := &ererrors.CapacityError{Resource: "subscriber lane", Limit: s.cfg.LaneDepth}
		s.deadLetter(a, a.Number-1, deadletter.ReasonOverflow, err)
		return nil
	}

	q.lanes.push(a)
	s.pending++
	depth := int64(s.pending)
	s.mu.Unlock()

	s.cfg.Metrics.RecordQueueDepth(ctx, depth)
	poke(q.notify)
	return nil
}

// queueLocked returns the subscriber's queue, creating it and starting
// its dispatch goroutine on first use. Must be called with s.mu held.
func (s *Scheduler) queueLocked(id string) *subscriberQueue {
	q := s.subs[id]
	if q == nil {
		q = &subscriberQueue{
			id:     id,
			notify: make(chan struct{}, 1),
		}
		s.subs[id] = q
		s.wg.Add(1)
		go s.pump(q)
	}
	return q
}

// poke wakes a dispatch goroutine without blocking. The channel holds
// one pending signal; further pokes while one is queued are redundant.
func poke(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Wake nudges a subscriber's dispatch goroutine. The router calls this
// after a resume or an options update so held work is reconsidered
// promptly instead of waiting for the next enqueue.
func (s *Scheduler) Wake(subscriptionID string) {
	s.mu.Lock()
	q := s.subs[subscriptionID]
	s.mu.Unlock()
	if q != nil {
		poke(q.notify)
	}
}

// Remove discards a subscriber's queued attempts and stops its dispatch
// goroutine. In-flight deliveries run to completion. The router calls
// this when a subscription is cancelled.
func (s *Scheduler) Remove(subscriptionID string) {
	s.mu.Lock()
	q := s.subs[subscriptionID]
	if q != nil {
		s.dropQueueLocked(q)
	}
	s.mu.Unlock()
	if q != nil {
		poke(q.notify)
	}
}

// dropQueueLocked discards queued attempts and detaches the queue from
// the scheduler. Must be called with s.mu held.
func (s *Scheduler) dropQueueLocked(q *subscriberQueue) {
	s.pending -= q.lanes.depth
	q.lanes = laneSet{}
	q.stopped = true
	delete(s.subs, q.id)
}

// pump is the dispatch goroutine for one subscriber.
func (s *Scheduler) pump(q *subscriberQueue) {
	defer s.wg.Done()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-q.notify:
		}

		s.drain(q)

		s.mu.Lock()
		stopped := q.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
	}
}

// drain dispatches work from the subscriber's lanes until nothing more
// is dispatchable: lanes empty, subscriber paused or at its concurrency
// bound, or the scheduler is stopping.
func (s *Scheduler) drain(q *subscriberQueue) {
	for {
		select {
		case s.inFlight <- struct{}{}:
		case <-s.baseCtx.Done():
			return
		}

		sub, batch, expired := s.next(q)
		for _, a := range expired {
			s.deadLetter(a, a.Number-1, deadletter.ReasonExpired, expiredError(a.Event))
		}
		if len(batch) == 0 {
			<-s.inFlight
			if len(expired) > 0 {
				// Live work may still be queued behind the
				// expired attempts.
				continue
			}
			return
		}

		s.wg.Add(1)
		go s.deliverBatch(q, sub, batch)
	}
}

// next pops the next dispatchable batch for a subscriber, resolving the
// subscription's current state first. It returns a nil batch when
// nothing can be dispatched right now, plus any expired attempts popped
// on the way; the caller dead-letters those.
func (s *Scheduler) next(q *subscriberQueue) (*subscription.Subscription, []*Attempt, []*Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q.stopped || q.lanes.depth == 0 {
		return nil, nil, nil
	}

	sub, ok := s.registry.Get(q.id)
	if !ok || sub.Status == subscription.StatusCancelled {
		// Cancellation stops future dispatch; queued attempts are
		// dropped.
		s.dropQueueLocked(q)
		return nil, nil, nil
	}
	if sub.Status != subscription.StatusActive {
		// Paused: hold queued work until Wake.
		return nil, nil, nil
	}

	opts := sub.Options.Normalized()
	if q.inFlight >= opts.MaxConcurrency {
		return nil, nil, nil
	}

	lane := q.lanes.head()
	if lane < 0 {
		return nil, nil, nil
	}

	// Only NORMAL and LOW traffic is batched. CRITICAL and HIGH go out
	// one at a time for the lowest latency.
	n := 1
	if lane <= int(event.PriorityNormal) && opts.BatchSize > 1 {
		n = opts.BatchSize
	}

	popped := q.lanes.pop(lane, n)
	s.pending -= len(popped)

	now := time.Now()
	batch := popped[:0]
	var expired []*Attempt
	for _, a := range popped {
		if a.Event.Expired(now) {
			expired = append(expired, a)
			continue
		}
		batch = append(batch, a)
	}
	if len(batch) == 0 {
		return nil, nil, expired
	}

	q.inFlight++
	return sub, batch, expired
}

// deliverBatch runs one delivery call and routes the outcome for each
// attempt in the batch.
func (s *Scheduler) deliverBatch(q *subscriberQueue, sub *subscription.Subscription, batch []*Attempt) {
	defer s.wg.Done()
	defer func() {
		<-s.inFlight
		s.mu.Lock()
		q.inFlight--
		s.mu.Unlock()
		poke(q.notify)
	}()

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.DeliveryTimeout)
	defer cancel()

	events := make([]*event.Event, len(batch))
	for i, a := range batch {
		events[i] = a.Event
	}

	ctx, span := s.cfg.Spans.StartDeliverSpan(ctx, sub.ID, sub.Endpoint)
	start := time.Now()
	outcome := s.deliver.Deliver(ctx, sub, events, batch[0].Number)
	elapsed := time.Since(start)
	s.cfg.Spans.EndSpanWithError(span, outcome.Err)

	if s.cfg.Latency != nil {
		s.cfg.Latency.Observe(elapsed)
	}
	s.cfg.Metrics.RecordDelivery(context.Background(),
		string(sub.ConnectionType), outcome.Disposition.String(), elapsed)

	for _, a := range batch {
		s.settle(a, sub, outcome, elapsed)
	}
}

// settle routes one attempt's outcome: done, rescheduled for retry, or
// dead-lettered.
func (s *Scheduler) settle(a *Attempt, sub *subscription.Subscription, outcome delivery.Outcome, elapsed time.Duration) {
	if outcome.Disposition == delivery.DispositionDelivered {
		observability.LogDelivery(s.cfg.Logger, a.Event.ID, a.SubscriptionID,
			float64(elapsed.Microseconds())/1000.0)
		return
	}

	if a.FirstFailedAt.IsZero() {
		a.FirstFailedAt = time.Now().UTC()
	}
	observability.LogDeliveryError(s.cfg.Logger, a.Event.ID, a.SubscriptionID, a.Number, outcome.Err)

	if a.Confirming {
		// The confirmation retry after a permanent failure is the last
		// word, whatever its disposition.
		s.deadLetter(a, a.Number, deadletter.ReasonPermanent, outcome.Err)
		return
	}

	now := time.Now()
	if a.Event.Expired(now) {
		s.deadLetter(a, a.Number, deadletter.ReasonExpired, expiredError(a.Event))
		return
	}

	maxRetries, policy := s.retryPolicy(a.Event, sub)

	if outcome.Disposition == delivery.DispositionPermanent {
		// One confirmation retry before giving up, in case the failure
		// was misclassified upstream of the subscriber.
		delay := policy.Delay(a.Number)
		a.Confirming = true
		a.Number++
		s.scheduleRetry(a, delay)
		s.cfg.Metrics.RecordRetry(context.Background(), a.SubscriptionID)
		return
	}

	// Transient. a.Number attempts have been made, so a.Number-1
	// retries are spent.
	if a.Number > maxRetries {
		s.deadLetter(a, a.Number, deadletter.ReasonExhausted, outcome.Err)
		return
	}

	delay := policy.Delay(a.Number)
	if outcome.RetryAfter > delay {
		delay = outcome.RetryAfter
	}
	a.Number++
	s.scheduleRetry(a, delay)
	s.cfg.Metrics.RecordRetry(context.Background(), a.SubscriptionID)
}

// retryPolicy resolves the effective retry budget and backoff for one
// attempt. Event metadata wins over subscription options, which win
// over the scheduler defaults.
func (s *Scheduler) retryPolicy(e *event.Event, sub *subscription.Subscription) (int, ererrors.Backoff) {
	maxRetries := s.cfg.MaxRetries
	if sub != nil && sub.Options.MaxRetries > 0 {
		maxRetries = sub.Options.MaxRetries
	}
	if e.Metadata.MaxRetries > 0 {
		maxRetries = e.Metadata.MaxRetries
	}

	policy := s.cfg.Backoff
	if sub != nil && sub.Options.Backoff != nil {
		policy = *sub.Options.Backoff
	}
	return maxRetries, policy
}

// scheduleRetry places an attempt on the deadline heap and re-arms the
// retry timer when the new deadline is the earliest.
func (s *Scheduler) scheduleRetry(a *Attempt, delay time.Duration) {
	a.NotBefore = time.Now().Add(delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	heap.Push(&s.retries, a)
	s.armRetryTimerLocked()
}

// armRetryTimerLocked arms the retry timer for the earliest deadline on
// the heap, signalling immediately when it has already passed. Must be
// called with s.mu held.
func (s *Scheduler) armRetryTimerLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.retries.Len() == 0 {
		return
	}

	delay := time.Until(s.retries[0].NotBefore)
	if delay <= 0 {
		poke(s.retryNotify)
		return
	}
	s.retryTimer = time.AfterFunc(delay, func() { poke(s.retryNotify) })
}

// retryLoop moves due attempts from the deadline heap back into their
// subscriber lanes.
func (s *Scheduler) retryLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-s.retryNotify:
		}
		s.requeueDue()
	}
}

// requeueDue pops every due attempt and returns it to its subscriber
// lane. Attempts that surface for a cancelled subscription are dropped.
// Attempts that hit a full lane or an exhausted pending budget go back
// on the heap with a short delay rather than being dropped or
// dead-lettered: congestion is not a delivery failure.
func (s *Scheduler) requeueDue() {
	now := time.Now()
	var wake []*subscriberQueue
	var expired []*Attempt

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for s.retries.Len() > 0 {
		if s.retries[0].NotBefore.After(now) {
			break
		}
		a := heap.Pop(&s.retries).(*Attempt)

		if _, ok := s.registry.Get(a.SubscriptionID); !ok {
			continue
		}
		if a.Event.Expired(now) {
			expired = append(expired, a)
			continue
		}

		q := s.queueLocked(a.SubscriptionID)
		if s.pending >= s.cfg.MaxPending || q.lanes.laneLen(a.Event.Priority) >= s.cfg.LaneDepth {
			a.NotBefore = now.Add(retryCongestionDelay)
			heap.Push(&s.retries, a)
			continue
		}

		q.lanes.push(a)
		s.pending++
		wake = append(wake, q)
	}
	s.armRetryTimerLocked()
	depth := int64(s.pending)
	s.mu.Unlock()

	s.cfg.Metrics.RecordQueueDepth(context.Background(), depth)
	for _, a := range expired {
		s.deadLetter(a, a.Number-1, deadletter.ReasonExpired, expiredError(a.Event))
	}
	for _, q := range wake {
		poke(q.notify)
	}
}

// deadLetter hands an attempt to the dead-letter store. The write uses
// its own context: a terminal entry must land even when the delivery
// context that produced it is already cancelled. Add is idempotent per
// (event, subscription), so an attempt reaching a terminal failure
// through two paths still produces one entry.
func (s *Scheduler) deadLetter(a *Attempt, attempts int, reason deadletter.Reason, cause error) {
	ctx := context.Background()
	entry := deadletter.NewEntry(a.Event, a.SubscriptionID, attempts, reason, cause, a.FirstFailedAt)
	added, err := s.deadLetters.Add(ctx, entry)
	if err != nil {
		if s.cfg.Logger != nil {
			s.cfg.Logger.Error("dead-letter store rejected entry",
				"event_id", a.Event.ID,
				"subscription_id", a.SubscriptionID,
				"reason", string(reason),
				"error", err)
		}
		return
	}
	if !added {
		return
	}
	s.cfg.Metrics.RecordDeadLetter(ctx, string(reason))
	observability.LogDeadLetter(s.cfg.Logger, a.Event.ID, a.SubscriptionID, string(reason), attempts)
}

// expiredError builds the terminal error for an event that passed its
// delivery deadline.
func expiredError(e *event.Event) error {
	expiredAt := time.Time{}
	if e.Metadata.ExpiresAt != nil {
		expiredAt = *e.Metadata.ExpiresAt
	}
	return &ererrors.ExpiredError{EventID: e.ID, ExpiredAt: expiredAt}
}

// SubscriberStats describes one subscriber's queue.
type SubscriberStats struct {
	// Pending counts queued attempts across the subscriber's lanes.
	Pending int `json:"pending"`

	// InFlight counts delivery calls currently running.
	InFlight int `json:"in_flight"`

	// Lanes is the queued depth per lane, indexed by priority from LOW
	// to CRITICAL.
	Lanes [numLanes]int `json:"lanes"`
}

// Stats is a point-in-time snapshot of scheduler state.
type Stats struct {
	// Pending counts queued attempts across all subscribers.
	Pending int `json:"pending"`

	// InFlight counts delivery calls currently running.
	InFlight int `json:"in_flight"`

	// WaitingRetries counts attempts parked on the retry heap.
	WaitingRetries int `json:"waiting_retries"`

	// Subscribers breaks the queue down per subscriber.
	Subscribers map[string]SubscriberStats `json:"subscribers,omitempty"`
}

// Stats returns a snapshot of queue depths and in-flight work.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Pending:        s.pending,
		WaitingRetries: s.retries.Len(),
		Subscribers:    make(map[string]SubscriberStats, len(s.subs)),
	}
	for id, q := range s.subs {
		sub := SubscriberStats{Pending: q.lanes.depth, InFlight: q.inFlight}
		for i := range q.lanes.lanes {
			sub.Lanes[i] = len(q.lanes.lanes[i])
		}
		st.InFlight += q.inFlight
		st.Subscribers[id] = sub
	}
	return st
}

// Close stops intake and dispatch, aborts in-flight delivery contexts,
// and waits for goroutines to finish, up to the drain timeout. Queued
// attempts are discarded; the event log still holds their events.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.mu.Unlock()

	s.baseStop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.DrainTimeout):
		return fmt.Errorf("scheduler close: drain timed out after %s", s.cfg.DrainTimeout)
	}
}
