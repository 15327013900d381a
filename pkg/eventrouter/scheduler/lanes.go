package scheduler

import (
	"time"

	"github.com/randalmurphal/eventrouter/pkg/eventrouter/event"
)

// numLanes is one lane per priority level.
const numLanes = 4

// Attempt is one pending delivery of an event to one subscriber.
type Attempt struct {
	// Event is the event to deliver.
	Event *event.Event

	// SubscriptionID names the target subscriber. Current subscription
	// state is resolved at dispatch time, so pauses, option changes,
	// and cancellations between enqueue and dispatch are honored.
	SubscriptionID string

	// Number is the 1-based attempt counter. 1 is the first delivery;
	// each retry increments it.
	Number int

	// EnqueuedAt is when the attempt first entered the queue.
	EnqueuedAt time.Time

	// NotBefore is the retry deadline while the attempt waits on the
	// retry heap. Zero for attempts that have never been rescheduled.
	NotBefore time.Time

	// FirstFailedAt is when the first delivery attempt failed. Zero
	// until a failure happens.
	FirstFailedAt time.Time

	// Confirming marks the single confirmation retry made after a
	// permanent failure before the attempt is dead-lettered.
	Confirming bool

	// Replay marks attempts injected by a replay session rather than a
	// live publish.
	Replay bool

	// ReplayID is the session that injected a replay attempt.
	ReplayID string
}

// laneSet holds one FIFO lane per priority for a single subscriber.
// Lanes are served strictly by priority: an attempt is dispatched only
// when every higher lane is empty.
type laneSet struct {
	// lanes is indexed by event.Priority, so lanes[3] is CRITICAL.
	lanes [numLanes][]*Attempt

	// depth is the total queued attempts across all lanes.
	depth int
}

// push appends an attempt to the lane for its event's priority.
func (ls *laneSet) push(a *Attempt) {
	ls.lanes[a.Event.Priority] = append(ls.lanes[a.Event.Priority], a)
	ls.depth++
}

// laneLen returns the number of queued attempts in one priority lane.
func (ls *laneSet) laneLen(p event.Priority) int {
	return len(ls.lanes[p])
}

// head returns the highest-priority non-empty lane, or -1 when every
// lane is empty.
func (ls *laneSet) head() int {
	for lane := numLanes - 1; lane >= 0; lane-- {
		if len(ls.lanes[lane]) > 0 {
			return lane
		}
	}
	return -1
}

// pop removes up to n attempts from the front of one lane, preserving
// FIFO order.
func (ls *laneSet) pop(lane, n int) []*Attempt {
	q := ls.lanes[lane]
	if n > len(q) {
		n = len(q)
	}
	out := make([]*Attempt, n)
	copy(out, q[:n])

	// Slide the tail forward and nil the vacated slots so popped
	// attempts become collectable.
	remaining := copy(q, q[n:])
	for i := remaining; i < len(q); i++ {
		q[i] = nil
	}
	ls.lanes[lane] = q[:remaining]
	ls.depth -= n
	return out
}
