// Package replay re-drives logged history through the delivery pipeline.
//
// A session reads a time and topic bounded slice of the event log in
// sequence order and re-enqueues each event for an explicit set of target
// subscriptions. Replay never widens fan-out: a subscription not named in
// the request receives nothing no matter what its pattern matches, and a
// named subscription still only receives events its own pattern and filter
// accept. Pacing preserves the original inter-event gaps scaled by the
// requested speed, so a session can reproduce production timing or run
// flat out.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	ererrors "github.com/randalmurphal/eventrouter/pkg/eventrouter/errors"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/event"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/eventlog"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/observability"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/subscription"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/topic"
)

// Injector accepts a replayed event for one subscription.
// Satisfied by *scheduler.Scheduler.
type Injector interface {
	EnqueueReplay(ctx context.Context, e *event.Event, subscriptionID, replayID string) error
}

// SubscriptionSource resolves subscription ids to their current state.
// Satisfied by *subscription.Registry.
type SubscriptionSource interface {
	Get(id string) (*subscription.Subscription, bool)
}

// Status is a session's lifecycle state.
type Status string

const (
	// StatusRunning means the session is still injecting events.
	StatusRunning Status = "running"

	// StatusCompleted means the whole slice was injected.
	StatusCompleted Status = "completed"

	// StatusCancelled means injection was stopped early. Attempts already
	// handed to the scheduler are not recalled.
	StatusCancelled Status = "cancelled"

	// StatusFailed means a log read error ended the session early.
	StatusFailed Status = "failed"
)

// Request describes the slice to replay and who receives it.
type Request struct {
	// From excludes logged events before this time. Zero means from the
	// start of the log.
	From time.Time `json:"from,omitempty"`

	// To excludes logged events at or after this time. Zero means to the
	// end of the log.
	To time.Time `json:"to,omitempty"`

	// TopicPattern bounds the slice by routing key. Wildcards allowed.
	// Empty matches every topic.
	TopicPattern string `json:"topic_pattern,omitempty"`

	// SubscriberIDs names the subscriptions that receive the replay.
	// At least one is required; replay never fans out beyond this list.
	SubscriberIDs []string `json:"subscriber_ids"`

	// Speed scales pacing against the original inter-event gaps: 1
	// preserves them, 2 halves them. Zero or less replays as fast as
	// possible.
	Speed float64 `json:"speed,omitempty"`
}

// Session is a point-in-time snapshot of one replay.
type Session struct {
	ID      string  `json:"id"`
	Status  Status  `json:"status"`
	Request Request `json:"request"`

	// EventsTotal is the size of the matched log slice.
	EventsTotal int `json:"events_total"`

	// EventsReplayed counts slice events processed so far, including
	// events every target declined.
	EventsReplayed int `json:"events_replayed"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Error carries the failure detail when Status is failed.
	Error string `json:"error,omitempty"`
}

// Config tunes the coordinator.
type Config struct {
	// PageSize bounds each log read while streaming a session.
	// Default: 500
	PageSize int

	// MaxSessions caps concurrently running sessions.
	// Default: 4
	MaxSessions int

	// Logger receives session lifecycle logs. Default: slog.Default()
	Logger *slog.Logger
}

// DefaultConfig is the coordinator configuration used for zero values.
var DefaultConfig = Config{
	PageSize:    500,
	MaxSessions: 4,
}

func (c Config) normalized() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultConfig.PageSize
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultConfig.MaxSessions
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// ErrNotFound indicates no session has the requested id.
var ErrNotFound = errors.New("replay session not found")

// ErrClosed indicates the coordinator has been closed.
var ErrClosed = errors.New("replay coordinator closed")

// backpressureDelay is how long a session waits before re-offering an
// event the scheduler refused for capacity.
const backpressureDelay = 100 * time.Millisecond

// Coordinator runs replay sessions against the event log.
type Coordinator struct {
	cfg    Config
	log    eventlog.Store
	subs   SubscriptionSource
	inject Injector

	mu       sync.Mutex
	sessions map[string]*session
	order    []string
	closed   bool
	wg       sync.WaitGroup
}

// session pairs the public snapshot with the controls only the
// coordinator touches.
type session struct {
	mu     sync.Mutex
	snap   Session
	cancel context.CancelFunc
}

// New creates a coordinator reading from log and injecting through inject.
func New(cfg Config, log eventlog.Store, subs SubscriptionSource, inject Injector) *Coordinator {
	return &Coordinator{
		cfg:      cfg.normalized(),
		log:      log,
		subs:     subs,
		inject:   inject,
		sessions: make(map[string]*session),
	}
}

// Start validates the request, snapshots the slice size, and begins
// injecting in the background. The returned snapshot has status running;
// poll Get for progress. ctx covers only the initial log read: the
// session itself is detached so it outlives the caller's request.
func (c *Coordinator) Start(ctx context.Context, req Request) (Session, error) {
	if err := c.validate(req); err != nil {
		return Session{}, err
	}

	// The slice size is fixed up front so progress is meaningful even
	// while events keep arriving behind the session.
	probe := eventlog.Query{
		Topic: req.TopicPattern,
		Since: req.From,
		Until: req.To,
		Limit: 1,
	}
	page, err := c.log.Query(ctx, probe)
	if err != nil {
		return Session{}, fmt.Errorf("replay: counting slice: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Session{}, ErrClosed
	}
	if running := c.runningLocked(); running >= c.cfg.MaxSessions {
		c.mu.Unlock()
		return Session{}, &ererrors.CapacityError{Resource: "replay sessions", Limit: c.cfg.MaxSessions}
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		snap: Session{
			ID:          uuid.NewString(),
			Status:      StatusRunning,
			Request:     req,
			EventsTotal: page.Total,
			StartedAt:   time.Now().UTC(),
		},
		cancel: cancel,
	}
	c.sessions[s.snap.ID] = s
	c.order = append(c.order, s.snap.ID)
	c.wg.Add(1)
	c.mu.Unlock()

	observability.LogReplayStart(c.cfg.Logger, s.snap.ID, s.snap.EventsTotal)
	go c.run(sctx, s, req)

	return s.view(), nil
}

// Get returns a snapshot of the session.
func (c *Coordinator) Get(id string) (Session, error) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		return Session{}, ErrNotFound
	}
	return s.view(), nil
}

// List returns every session in creation order.
func (c *Coordinator) List() []Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Session, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.sessions[id].view())
	}
	return out
}

// Cancel stops a running session. Attempts already handed to the
// scheduler are not recalled. Cancelling a finished session is a no-op.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	s, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	// Mark first so a Get that races the session goroutine's exit
	// already sees the terminal state.
	s.finish(StatusCancelled, nil)
	s.cancel()
	return nil
}

// Close cancels every running session and waits for their goroutines.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		pending = append(pending, s)
	}
	c.mu.Unlock()

	for _, s := range pending {
		s.finish(StatusCancelled, nil)
		s.cancel()
	}
	c.wg.Wait()
	return nil
}

func (c *Coordinator) validate(req Request) error {
	if len(req.SubscriberIDs) == 0 {
		return ererrors.Validation("subscriber_ids", "at least one subscriber id is required")
	}
	for _, id := range req.SubscriberIDs {
		sub, ok := c.subs.Get(id)
		if !ok {
			return ererrors.Validation("subscriber_ids", fmt.Sprintf("unknown subscription %q", id))
		}
		if sub.Status == subscription.StatusCancelled {
			return ererrors.Validation("subscriber_ids", fmt.Sprintf("subscription %q is cancelled", id))
		}
	}
	if req.TopicPattern != "" {
		if _, err := topic.ParsePattern(req.TopicPattern); err != nil {
			return ererrors.Validation("topic_pattern", err.Error())
		}
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.To.Before(req.From) {
		return ererrors.Validation("to", "must not precede from")
	}
	return nil
}

// runningLocked counts sessions still injecting. Callers hold c.mu.
func (c *Coordinator) runningLocked() int {
	n := 0
	for _, s := range c.sessions {
		if s.view().Status == StatusRunning {
			n++
		}
	}
	return n
}

// run streams the slice page by page, pacing and injecting each event.
func (c *Coordinator) run(ctx context.Context, s *session, req Request) {
	defer c.wg.Done()
	start := time.Now()

	q := eventlog.Query{
		Topic: req.TopicPattern,
		Since: req.From,
		Until: req.To,
		Limit: c.cfg.PageSize,
	}

	// The session replays exactly the slice counted at Start. Events
	// published while it runs stay out even when the window is open-ended.
	total := s.view().EventsTotal
	replayed := 0
	var lastTS time.Time

loop:
	for replayed < total {
		page, err := c.log.Query(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.finish(StatusFailed, err)
			c.cfg.Logger.Error("replay log read failed",
				"replay_id", s.view().ID, "error", err)
			return
		}
		if len(page.Events) == 0 {
			break
		}

		for _, e := range page.Events {
			if err := c.pace(ctx, lastTS, e.Timestamp, req.Speed); err != nil {
				s.finish(StatusCancelled, nil)
				return
			}
			lastTS = e.Timestamp

			if err := c.dispatch(ctx, s.view().ID, e, req.SubscriberIDs); err != nil {
				s.finish(StatusCancelled, nil)
				return
			}
			s.advance()
			replayed++
			if replayed >= total {
				break loop
			}
		}

		q.Offset += len(page.Events)
		if !page.HasMore {
			break
		}
	}

	s.finish(StatusCompleted, nil)
	done := s.view()
	observability.LogReplayComplete(c.cfg.Logger, done.ID, done.EventsReplayed,
		float64(time.Since(start).Microseconds())/1000.0)
}

// pace waits out the scaled gap between the previous event's original
// timestamp and this one's.
func (c *Coordinator) pace(ctx context.Context, prev, next time.Time, speed float64) error {
	if speed <= 0 || prev.IsZero() {
		return ctx.Err()
	}
	gap := next.Sub(prev)
	if gap <= 0 {
		return ctx.Err()
	}
	return sleep(ctx, time.Duration(float64(gap)/speed))
}

// dispatch offers the event to each target that still wants it. A
// scheduler capacity refusal blocks the session rather than dropping
// history; only coordinator shutdown or scheduler closure aborts.
func (c *Coordinator) dispatch(ctx context.Context, replayID string, e *event.Event, targets []string) error {
	for _, id := range targets {
		sub, ok := c.subs.Get(id)
		if !ok || sub.Status == subscription.StatusCancelled {
			// Target removed mid-session; the rest still replay.
			continue
		}
		if !sub.Pattern.IsZero() && !sub.Pattern.Matches(e.Topic) {
			continue
		}
		if !sub.Accepts(e) {
			continue
		}

		for {
			err := c.inject.EnqueueReplay(ctx, e, id, replayID)
			if err == nil {
				break
			}
			var capErr *ererrors.CapacityError
			if errors.As(err, &capErr) {
				if serr := sleep(ctx, backpressureDelay); serr != nil {
					return serr
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.cfg.Logger.Warn("replay enqueue refused",
				"replay_id", replayID,
				"event_id", e.ID,
				"subscription_id", id,
				"error", err)
			return err
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// view returns a copy safe to hand out.
func (s *session) view() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *session) advance() {
	s.mu.Lock()
	s.snap.EventsReplayed++
	s.mu.Unlock()
}

// finish records the terminal state once; later calls keep the first.
func (s *session) finish(status Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.Status != StatusRunning {
		return
	}
	s.snap.Status = status
	now := time.Now().UTC()
	s.snap.FinishedAt = &now
	if err != nil {
		s.snap.Error = err.Error()
	}
}
