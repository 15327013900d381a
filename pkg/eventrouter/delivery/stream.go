package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ererrors "github.com/randalmurphal/eventrouter/pkg/eventrouter/errors"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/event"
)

// Frame types exchanged on a realtime stream. The router pushes "event"
// and "heartbeat" frames; subscribers answer with "ack" and "nack".
const (
	FrameEvent     = "event"
	FrameHeartbeat = "heartbeat"
	FrameAck       = "ack"
	FrameNack      = "nack"
)

// Frame is one JSON message on a realtime stream.
type Frame struct {
	// Type is one of the Frame constants.
	Type string `json:"type"`

	// Data carries the event body on "event" frames.
	Data *event.Event `json:"data,omitempty"`

	// EventID references the event being acknowledged or rejected on
	// "ack" and "nack" frames.
	EventID string `json:"event_id,omitempty"`
}

// StreamConn is an open realtime connection to one subscriber. The
// transport layer (a websocket in the HTTP API) adapts to this
// interface.
type StreamConn interface {
	// Send pushes one frame. An error means the connection is no longer
	// usable.
	Send(ctx context.Context, f Frame) error

	// Close tears the connection down.
	Close() error
}

// StreamConfig tunes realtime delivery.
type StreamConfig struct {
	// NackWindow is how long after a push a NACK can still fail the
	// delivery; a batch with no NACK inside the window counts as
	// delivered. Negative disables the wait and trusts the send alone.
	// Default: 50ms
	NackWindow time.Duration
}

// DefaultStreamConfig is the standard realtime configuration.
var DefaultStreamConfig = StreamConfig{
	NackWindow: 50 * time.Millisecond,
}

// normalized returns a copy with zero fields replaced by defaults.
func (c StreamConfig) normalized() StreamConfig {
	if c.NackWindow == 0 {
		c.NackWindow = DefaultStreamConfig.NackWindow
	}
	return c
}

// StreamHub tracks open realtime connections per subscription, buffers
// events while a subscriber is away, and records NACKs received inside
// the acknowledgement window. A subscription's stream can connect and
// disconnect many times; the hub state persists across reconnects so
// buffered deliveries survive.
type StreamHub struct {
	cfg StreamConfig

	mu   sync.Mutex
	subs map[string]*streamState
}

type streamState struct {
	conn      StreamConn
	buffer    []*event.Event
	nackWatch map[string]chan struct{}
}

func newStreamState() *streamState {
	return &streamState{nackWatch: make(map[string]chan struct{})}
}

// NewStreamHub creates an empty hub.
func NewStreamHub(cfg StreamConfig) *StreamHub {
	return &StreamHub{
		cfg:  cfg.normalized(),
		subs: make(map[string]*streamState),
	}
}

// Attach binds an open connection to a subscription and flushes events
// buffered while the subscriber was away, oldest first. It returns how
// many buffered events were flushed. An earlier connection for the same
// subscription is closed; the newest connection wins.
func (h *StreamHub) Attach(ctx context.Context, subscriptionID string, conn StreamConn) (int, error) {
	h.mu.Lock()
	st := h.stateLocked(subscriptionID)
	old := st.conn
	st.conn = conn
	pending := st.buffer
	st.buffer = nil
	h.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	flushed := 0
	for i, e := range pending {
		if err := conn.Send(ctx, Frame{Type: FrameEvent, Data: e}); err != nil {
			// Put what could not be flushed back for the next attach.
			h.mu.Lock()
			st.buffer = append(append([]*event.Event{}, pending[i:]...), st.buffer...)
			h.mu.Unlock()
			return flushed, fmt.Errorf("flush buffered events: %w", err)
		}
		flushed++
	}
	return flushed, nil
}

// Detach removes conn if it is still the subscription's current
// connection. A stale detach racing a reconnect is ignored.
func (h *StreamHub) Detach(subscriptionID string, conn StreamConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.subs[subscriptionID]
	if st != nil && st.conn == conn {
		st.conn = nil
	}
}

// Remove closes and forgets all state for a subscription, including its
// buffer. The router calls this when the subscription is cancelled.
func (h *StreamHub) Remove(subscriptionID string) {
	h.mu.Lock()
	st := h.subs[subscriptionID]
	delete(h.subs, subscriptionID)
	var conn StreamConn
	if st != nil {
		conn = st.conn
	}
	h.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// CloseAll closes every attached connection and drops all stream state,
// buffered events included. Used at shutdown.
func (h *StreamHub) CloseAll() {
	h.mu.Lock()
	conns := make([]StreamConn, 0, len(h.subs))
	for _, st := range h.subs {
		if st.conn != nil {
			conns = append(conns, st.conn)
		}
	}
	h.subs = make(map[string]*streamState)
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// Connected reports whether the subscription has a live connection.
func (h *StreamHub) Connected(subscriptionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.subs[subscriptionID]
	return st != nil && st.conn != nil
}

// ConnectionCount returns the number of live connections.
func (h *StreamHub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, st := range h.subs {
		if st.conn != nil {
			n++
		}
	}
	return n
}

// BufferedCount returns the number of events buffered for a
// subscription while it is away.
func (h *StreamHub) BufferedCount(subscriptionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.subs[subscriptionID]
	if st == nil {
		return 0
	}
	return len(st.buffer)
}

// Push delivers events over the subscription's open connection, one
// frame per event, then waits out the NACK window. A NACK for any event
// in the batch fails the whole batch and the scheduler redelivers it.
func (h *StreamHub) Push(ctx context.Context, subscriptionID string, events []*event.Event) Outcome {
	h.mu.Lock()
	st := h.subs[subscriptionID]
	if st == nil || st.conn == nil {
		h.mu.Unlock()
		return Transient(errors.New("no open stream"))
	}
	conn := st.conn

	var nacked chan struct{}
	if h.cfg.NackWindow > 0 {
		nacked = make(chan struct{}, 1)
		for _, e := range events {
			st.nackWatch[e.ID] = nacked
		}
	}
	h.mu.Unlock()

	if nacked != nil {
		defer h.clearWatches(subscriptionID, events)
	}

	for _, e := range events {
		if err := conn.Send(ctx, Frame{Type: FrameEvent, Data: e}); err != nil {
			return Transient(ererrors.Transient(fmt.Errorf("stream send: %w", err), ""))
		}
	}
	if nacked == nil {
		return Delivered()
	}

	timer := time.NewTimer(h.cfg.NackWindow)
	defer timer.Stop()
	select {
	case <-nacked:
		return Transient(errors.New("subscriber nacked delivery"))
	case <-timer.C:
		// No NACK inside the window counts as delivered.
		return Delivered()
	case <-ctx.Done():
		return Transient(ctx.Err())
	}
}

// Nack records a subscriber's rejection of an event. Only a delivery
// still inside its NACK window is affected; late NACKs are dropped.
func (h *StreamHub) Nack(subscriptionID, eventID string) {
	h.mu.Lock()
	var ch chan struct{}
	if st := h.subs[subscriptionID]; st != nil {
		ch = st.nackWatch[eventID]
	}
	h.mu.Unlock()

	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Buffer queues an event for delivery on the subscription's next
// attach, dropping the oldest buffered events beyond limit. It returns
// how many events were dropped.
func (h *StreamHub) Buffer(subscriptionID string, e *event.Event, limit int) int {
	if limit < 1 {
		limit = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.stateLocked(subscriptionID)
	st.buffer = append(st.buffer, e)
	dropped := len(st.buffer) - limit
	if dropped > 0 {
		st.buffer = append(st.buffer[:0:0], st.buffer[dropped:]...)
	}
	if dropped < 0 {
		dropped = 0
	}
	return dropped
}

// stateLocked returns the subscription's stream state, creating it when
// missing. Must be called with h.mu held.
func (h *StreamHub) stateLocked(subscriptionID string) *streamState {
	st := h.subs[subscriptionID]
	if st == nil {
		st = newStreamState()
		h.subs[subscriptionID] = st
	}
	return st
}

// clearWatches removes the NACK registrations for a settled batch.
func (h *StreamHub) clearWatches(subscriptionID string, events []*event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.subs[subscriptionID]
	if st == nil {
		return
	}
	for _, e := range events {
		delete(st.nackWatch, e.ID)
	}
}
