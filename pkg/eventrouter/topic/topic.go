package topic

import (
	"strings"

	ererrors "github.com/randalmurphal/eventrouter/pkg/eventrouter/errors"
)

const (
	// Separator delimits topic segments in canonical form.
	Separator = "."

	// AltSeparator is accepted on input and folded to Separator.
	AltSeparator = "/"

	// WildcardSingle matches exactly one segment.
	WildcardSingle = "*"

	// WildcardTrailing matches the remaining segments. Final position only.
	WildcardTrailing = "#"
)

// Normalize folds a topic or pattern to canonical dot notation and trims
// surrounding whitespace. It does not validate.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	return strings.ReplaceAll(s, AltSeparator, Separator)
}

// Split splits a normalized topic into its segments.
func Split(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, Separator)
}

// Validate checks a concrete topic (as published on an event). Concrete
// topics must be non-empty, contain no empty segments, and carry no
// wildcard characters.
func Validate(s string) error {
	s = Normalize(s)
	if s == "" {
		return ererrors.Validation("topic", "must not be empty")
	}
	for _, seg := range Split(s) {
		if seg == "" {
			return ererrors.Validation("topic", "must not contain empty segments")
		}
		if strings.Contains(seg, WildcardSingle) || strings.Contains(seg, WildcardTrailing) {
			return ererrors.Validation("topic", "wildcards are not allowed in concrete topics")
		}
	}
	return nil
}
