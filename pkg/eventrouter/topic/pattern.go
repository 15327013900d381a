package topic

import (
	"fmt"
	"strings"

	ererrors "github.com/randalmurphal/eventrouter/pkg/eventrouter/errors"
)

// SegmentKind identifies how one pattern segment matches.
type SegmentKind int

const (
	// SegmentLiteral matches a topic segment by string equality.
	SegmentLiteral SegmentKind = iota

	// SegmentSingle matches exactly one arbitrary topic segment.
	SegmentSingle

	// SegmentTrailing matches the rest of the topic, including an empty
	// remainder. Only valid as the final pattern segment.
	SegmentTrailing
)

// Segment is one parsed element of a subscription pattern.
type Segment struct {
	Kind    SegmentKind
	Literal string
}

// Pattern is a parsed subscription topic pattern. Parse once at subscription
// time; Matches is then allocation-free.
type Pattern struct {
	raw      string
	segments []Segment
}

// ParsePattern validates and parses a subscription pattern. The pattern may
// use "." or "/" as delimiter; wildcards must occupy a whole segment and
// "#" must be final.
func ParsePattern(s string) (Pattern, error) {
	raw := Normalize(s)
	if raw == "" {
		return Pattern{}, ererrors.Validation("topic_pattern", "must not be empty")
	}

	parts := Split(raw)
	segments := make([]Segment, 0, len(parts))
	for i, part := range parts {
		switch {
		case part == "":
			return Pattern{}, ererrors.Validation("topic_pattern", "must not contain empty segments")
		case part == WildcardSingle:
			segments = append(segments, Segment{Kind: SegmentSingle})
		case part == WildcardTrailing:
			if i != len(parts)-1 {
				return Pattern{}, ererrors.Validation("topic_pattern", "'#' is only allowed as the final segment")
			}
			segments = append(segments, Segment{Kind: SegmentTrailing})
		case strings.Contains(part, WildcardSingle) || strings.Contains(part, WildcardTrailing):
			return Pattern{}, ererrors.Validation("topic_pattern",
				fmt.Sprintf("wildcard must occupy a whole segment, got %q", part))
		default:
			segments = append(segments, Segment{Kind: SegmentLiteral, Literal: part})
		}
	}

	return Pattern{raw: raw, segments: segments}, nil
}

// MustParse parses a pattern and panics on error. For tests and package
// initialization only.
func MustParse(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the canonical pattern text.
func (p Pattern) String() string {
	return p.raw
}

// Segments returns the parsed segment sequence.
func (p Pattern) Segments() []Segment {
	return p.segments
}

// IsZero reports whether the pattern is the unparsed zero value.
func (p Pattern) IsZero() bool {
	return len(p.segments) == 0
}

// IsExact reports whether the pattern contains no wildcards.
func (p Pattern) IsExact() bool {
	for _, seg := range p.segments {
		if seg.Kind != SegmentLiteral {
			return false
		}
	}
	return len(p.segments) > 0
}

// Matches reports whether a concrete topic matches the pattern. The topic
// is normalized before matching.
func (p Pattern) Matches(topic string) bool {
	if p.IsZero() {
		return false
	}
	return matchSegments(Split(Normalize(topic)), p.segments)
}

// matchSegments walks the pattern left to right. A trailing wildcard
// consumes whatever topic remains; otherwise every pattern segment must pair
// with exactly one topic segment and both sequences must end together.
func matchSegments(topic []string, pattern []Segment) bool {
	ti := 0
	for _, seg := range pattern {
		switch seg.Kind {
		case SegmentTrailing:
			return true
		case SegmentSingle:
			if ti >= len(topic) {
				return false
			}
			ti++
		default:
			if ti >= len(topic) || topic[ti] != seg.Literal {
				return false
			}
			ti++
		}
	}
	return ti == len(topic)
}
