package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	ererrors "github.com/randalmurphal/eventrouter/pkg/eventrouter/errors"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/event"
)

// defaultUserAgent identifies the router to subscriber endpoints.
const defaultUserAgent = "eventrouter/1.0"

// maxDrainBytes bounds how much of an ignored response body is read
// before the connection is released.
const maxDrainBytes = 4 << 10

// WebhookConfig tunes the webhook sender.
type WebhookConfig struct {
	// Client issues the HTTP calls. Nil uses http.DefaultClient; the
	// delivery context bounds each call either way.
	Client *http.Client

	// UserAgent overrides the User-Agent header on webhook calls.
	// Default: "eventrouter/1.0"
	UserAgent string
}

// WebhookSender POSTs events to subscriber endpoints and classifies the
// HTTP result into a delivery outcome.
type WebhookSender struct {
	client    *http.Client
	userAgent string
}

// NewWebhookSender creates a webhook sender.
func NewWebhookSender(cfg WebhookConfig) *WebhookSender {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &WebhookSender{client: client, userAgent: userAgent}
}

// Send POSTs events to the endpoint as JSON. A single event is sent as
// one object, a batch as an array, so unbatched subscribers never need
// to unwrap a list.
func (w *WebhookSender) Send(ctx context.Context, endpoint string, events []*event.Event, attempt int) Outcome {
	var payload any = events
	if len(events) == 1 {
		payload = events[0]
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Permanent(fmt.Errorf("encode webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Permanent(ererrors.Permanent(fmt.Errorf("build webhook request: %w", err), endpoint))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", w.userAgent)
	req.Header.Set("X-Delivery-Attempt", strconv.Itoa(attempt))
	if len(events) == 1 {
		req.Header.Set("X-Event-ID", events[0].ID)
		req.Header.Set("X-Event-Topic", events[0].Topic)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		// Network failures, timeouts, and cancellations are retryable.
		return Transient(ererrors.Transient(err, endpoint))
	}
	defer resp.Body.Close()

	// The transport needs the body consumed before the connection can
	// be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	return classifyStatus(resp, endpoint)
}

// classifyStatus maps an HTTP response to a delivery outcome.
func classifyStatus(resp *http.Response, endpoint string) Outcome {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return Delivered()
	}

	delErr := &ererrors.DeliveryError{
		Err:        fmt.Errorf("webhook returned %s", resp.Status),
		Category:   ererrors.FromStatusCode(code),
		StatusCode: code,
		Endpoint:   endpoint,
	}
	if delErr.Category != ererrors.CategoryTransient {
		return Permanent(delErr)
	}

	if code == http.StatusTooManyRequests {
		if delay := parseRetryAfter(resp.Header.Get("Retry-After")); delay > 0 {
			delErr.RetryAfter = delay
			return TransientAfter(delErr, delay)
		}
	}
	return Transient(delErr)
}

// parseRetryAfter reads a Retry-After header value: either delay
// seconds or an HTTP date. Unparseable or elapsed values return zero.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
