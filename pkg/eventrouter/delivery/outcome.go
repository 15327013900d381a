package delivery

import (
	"errors"
	"time"

	ererrors "github.com/randalmurphal/eventrouter/pkg/eventrouter/errors"
)

// Disposition classifies the result of one delivery attempt.
type Disposition int

const (
	// DispositionDelivered means the subscriber acknowledged the attempt.
	DispositionDelivered Disposition = iota

	// DispositionTransient means the attempt failed but a retry may
	// succeed (timeout, 5xx, 429, connection refused).
	DispositionTransient

	// DispositionPermanent means retrying the same payload cannot
	// succeed (4xx other than 408/429, malformed endpoint).
	DispositionPermanent
)

// String returns the disposition name.
func (d Disposition) String() string {
	switch d {
	case DispositionDelivered:
		return "delivered"
	case DispositionTransient:
		return "transient"
	case DispositionPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Outcome is the result of one delivery attempt, as reported by a target
// back to the scheduler. The scheduler never inspects the underlying
// error to decide what to do next; the target classifies once, here.
type Outcome struct {
	// Disposition says whether the attempt succeeded and, if not,
	// whether it is worth retrying.
	Disposition Disposition

	// Err is the failure, nil when delivered.
	Err error

	// RetryAfter is the minimum delay the subscriber asked for before
	// the next attempt (from a 429 Retry-After header). Zero means the
	// subscriber expressed no preference and the backoff policy decides.
	RetryAfter time.Duration
}

// Delivered returns a successful outcome.
func Delivered() Outcome {
	return Outcome{Disposition: DispositionDelivered}
}

// Transient returns a retryable failure outcome.
func Transient(err error) Outcome {
	return Outcome{Disposition: DispositionTransient, Err: err}
}

// TransientAfter returns a retryable failure outcome carrying the
// subscriber's requested delay.
func TransientAfter(err error, retryAfter time.Duration) Outcome {
	return Outcome{Disposition: DispositionTransient, Err: err, RetryAfter: retryAfter}
}

// Permanent returns a non-retryable failure outcome.
func Permanent(err error) Outcome {
	return Outcome{Disposition: DispositionPermanent, Err: err}
}

// Classify builds an outcome from an arbitrary delivery error using the
// error category rules. A nil error is a success. A DeliveryError carries
// its category (and RetryAfter, when the subscriber sent one); anything
// else falls back to Categorize.
func Classify(err error) Outcome {
	if err == nil {
		return Delivered()
	}

	o := Outcome{Err: err}
	switch ererrors.Categorize(err) {
	case ererrors.CategoryTransient, ererrors.CategoryCapacity:
		o.Disposition = DispositionTransient
	default:
		o.Disposition = DispositionPermanent
	}

	var delErr *ererrors.DeliveryError
	if errors.As(err, &delErr) && delErr.RetryAfter > 0 {
		o.RetryAfter = delErr.RetryAfter
	}
	return o
}
