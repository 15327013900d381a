package subscription

import (
	ererrors "github.com/randalmurphal/eventrouter/pkg/eventrouter/errors"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/event"
)

// Filter narrows which topic-matched events a subscription receives. All
// populated conditions must pass. Filters arrive as JSON on the subscribe
// call, so every condition is declarative data rather than code.
type Filter struct {
	// MinPriority drops events below this priority.
	MinPriority *event.Priority `json:"min_priority,omitempty"`

	// EventTypes restricts delivery to these exact event types.
	// Empty means all types.
	EventTypes []string `json:"event_types,omitempty"`

	// ExcludeTypes drops these exact event types. Exclusion wins over
	// inclusion.
	ExcludeTypes []string `json:"exclude_types,omitempty"`

	// RequiredTags drops events missing any of these tags.
	RequiredTags []string `json:"required_tags,omitempty"`

	// ProjectID restricts delivery to events scoped to this project.
	ProjectID string `json:"project_id,omitempty"`

	// UserID restricts delivery to events relevant to this user.
	UserID string `json:"user_id,omitempty"`
}

// Accepts reports whether the event passes every populated condition.
func (f *Filter) Accepts(e *event.Event) bool {
	if f == nil {
		return true
	}

	if f.MinPriority != nil && e.Priority < *f.MinPriority {
		return false
	}

	for _, t := range f.ExcludeTypes {
		if e.Type == t {
			return false
		}
	}

	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, tag := range f.RequiredTags {
		if !e.HasTag(tag) {
			return false
		}
	}

	if f.ProjectID != "" && e.Metadata.ProjectID != f.ProjectID {
		return false
	}

	if f.UserID != "" && e.Metadata.UserID != f.UserID {
		return false
	}

	return true
}

func (f *Filter) validate() error {
	if f.MinPriority != nil && !f.MinPriority.Valid() {
		return ererrors.Validation("filter.min_priority",
			"must be LOW, NORMAL, HIGH, or CRITICAL")
	}
	return nil
}
