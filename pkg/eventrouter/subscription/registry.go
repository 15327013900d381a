package subscription

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	ererrors "github.com/randalmurphal/eventrouter/pkg/eventrouter/errors"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/topic"
)

// ErrNotFound is returned when a subscription ID is not registered.
var ErrNotFound = errors.New("subscription not found")

// RegistryConfig configures registry limits.
type RegistryConfig struct {
	// MaxSubscriptions limits total registered subscriptions.
	// Default: 0 (unlimited)
	MaxSubscriptions int
}

// Registry holds the live subscription set. Writers rebuild an immutable
// snapshot under a mutex and swap it in atomically; readers (the publish
// path) only ever load the pointer.
type Registry struct {
	config RegistryConfig

	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]
}

// snapshot is one immutable generation of the subscription set. The match
// cache belongs to the generation, so a snapshot swap discards all cached
// results at once.
type snapshot struct {
	all     []*Subscription          // every registered subscription, creation order
	byID    map[string]*Subscription // includes paused
	matcher *topic.Matcher           // active subscriptions only
	byTopic map[string][]*Subscription

	cache sync.Map // concrete topic -> []*Subscription
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig) *Registry {
	r := &Registry{config: config}
	r.snap.Store(emptySnapshot())
	return r
}

func emptySnapshot() *snapshot {
	return &snapshot{
		byID:    make(map[string]*Subscription),
		matcher: topic.NewMatcher(),
		byTopic: make(map[string][]*Subscription),
	}
}

// Register validates the request and adds an active subscription.
func (r *Registry) Register(req Request) (*Subscription, error) {
	pattern, err := req.validate()
	if err != nil {
		return nil, err
	}

	connType := req.ConnectionType
	if connType == "" {
		connType = ConnWebhook
	}

	now := time.Now().UTC()
	sub := &Subscription{
		ID:             uuid.New().String(),
		Topic:          pattern.String(),
		Pattern:        pattern,
		Endpoint:       req.Endpoint,
		ConnectionType: connType,
		Filter:         req.Filter,
		Options:        req.Options.Normalized(),
		Status:         StatusActive,
		Callback:       req.Callback,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.snap.Load()
	if r.config.MaxSubscriptions > 0 && len(current.all) >= r.config.MaxSubscriptions {
		return nil, &ererrors.CapacityError{Resource: "subscriptions", Limit: r.config.MaxSubscriptions}
	}

	r.rebuild(append(current.all[:len(current.all):len(current.all)], sub))
	return sub, nil
}

// Cancel removes a subscription. Future matching stops immediately;
// in-flight deliveries are unaffected.
func (r *Registry) Cancel(id string) error {
	return r.mutate(id, func(sub *Subscription) (*Subscription, error) {
		sub.Status = StatusCancelled
		return nil, nil // nil drops it from the next snapshot
	})
}

// Pause holds a subscription: it stops matching new events and its queued
// deliveries wait until resume.
func (r *Registry) Pause(id string) error {
	return r.mutate(id, func(sub *Subscription) (*Subscription, error) {
		if sub.Status == StatusPaused {
			return sub, nil
		}
		sub.Status = StatusPaused
		return sub, nil
	})
}

// Resume reactivates a paused subscription.
func (r *Registry) Resume(id string) error {
	return r.mutate(id, func(sub *Subscription) (*Subscription, error) {
		if sub.Status == StatusActive {
			return sub, nil
		}
		sub.Status = StatusActive
		return sub, nil
	})
}

// UpdateOptions replaces a subscription's delivery options. The topic
// pattern is immutable; resubscribe to change it.
func (r *Registry) UpdateOptions(id string, opts Options) error {
	if opts.FallbackWebhook != "" {
		if err := validateURL(opts.FallbackWebhook); err != nil {
			return ererrors.Validation("options.fallback_webhook", err.Error())
		}
	}
	return r.mutate(id, func(sub *Subscription) (*Subscription, error) {
		sub.Options = opts.Normalized()
		return sub, nil
	})
}

// mutate applies fn to a cloned subscription and rebuilds the snapshot.
// fn returning nil removes the subscription.
func (r *Registry) mutate(id string, fn func(*Subscription) (*Subscription, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.snap.Load()
	old, ok := current.byID[id]
	if !ok {
		return ErrNotFound
	}

	updated, err := fn(old.clone())
	if err != nil {
		return err
	}

	next := make([]*Subscription, 0, len(current.all))
	for _, sub := range current.all {
		if sub.ID != id {
			next = append(next, sub)
			continue
		}
		if updated != nil {
			updated.UpdatedAt = time.Now().UTC()
			next = append(next, updated)
		}
	}

	r.rebuild(next)
	return nil
}

// rebuild swaps in a new snapshot. Callers hold r.mu.
func (r *Registry) rebuild(subs []*Subscription) {
	next := emptySnapshot()
	next.all = subs
	for _, sub := range subs {
		next.byID[sub.ID] = sub
		if sub.Status != StatusActive {
			continue
		}
		next.matcher.Add(sub.Pattern)
		next.byTopic[sub.Topic] = append(next.byTopic[sub.Topic], sub)
	}
	r.snap.Store(next)
}

// Get returns the current version of a subscription.
func (r *Registry) Get(id string) (*Subscription, bool) {
	sub, ok := r.snap.Load().byID[id]
	return sub, ok
}

// Match returns the active subscriptions whose pattern matches the topic.
// Results are cached per snapshot generation; callers must not mutate the
// returned slice.
func (r *Registry) Match(eventTopic string) []*Subscription {
	key := topic.Normalize(eventTopic)
	snap := r.snap.Load()

	if cached, ok := snap.cache.Load(key); ok {
		return cached.([]*Subscription)
	}

	var matched []*Subscription
	for _, pattern := range snap.matcher.Match(key) {
		matched = append(matched, snap.byTopic[pattern.String()]...)
	}

	snap.cache.Store(key, matched)
	return matched
}

// ListCriteria filters List results. Zero fields match everything.
type ListCriteria struct {
	Status         Status
	ConnectionType ConnectionType
}

// List returns registered subscriptions matching the criteria, in
// creation order.
func (r *Registry) List(criteria ListCriteria) []*Subscription {
	snap := r.snap.Load()

	out := make([]*Subscription, 0, len(snap.all))
	for _, sub := range snap.all {
		if criteria.Status != "" && sub.Status != criteria.Status {
			continue
		}
		if criteria.ConnectionType != "" && sub.ConnectionType != criteria.ConnectionType {
			continue
		}
		out = append(out, sub)
	}
	return out
}

// Snapshot returns every registered subscription in creation order.
// Callers must not mutate the returned slice.
func (r *Registry) Snapshot() []*Subscription {
	return r.snap.Load().all
}

// Len returns the number of registered subscriptions.
func (r *Registry) Len() int {
	return len(r.snap.Load().all)
}
