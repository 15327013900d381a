package delivery_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventrouter/pkg/eventrouter/delivery"
	ererrors "github.com/randalmurphal/eventrouter/pkg/eventrouter/errors"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/event"
)

func newTestEvent(suffix string) *event.Event {
	return event.New("order.created", "delivery-test", "orders."+suffix,
		event.WithPayload(json.RawMessage(`{"n":1}`)))
}

func TestWebhookSenderDelivers(t *testing.T) {
	type seen struct {
		method      string
		contentType string
		attempt     string
		eventID     string
		body        []byte
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- seen{
			method:      r.Method,
			contentType: r.Header.Get("Content-Type"),
			attempt:     r.Header.Get("X-Delivery-Attempt"),
			eventID:     r.Header.Get("X-Event-ID"),
			body:        body,
		}
	}))
	defer srv.Close()

	sender := delivery.NewWebhookSender(delivery.WebhookConfig{})
	e := newTestEvent("paid")

	outcome := sender.Send(context.Background(), srv.URL, []*event.Event{e}, 1)
	require.Equal(t, delivery.DispositionDelivered, outcome.Disposition)
	require.NoError(t, outcome.Err)

	s := <-got
	assert.Equal(t, http.MethodPost, s.method)
	assert.Equal(t, "application/json", s.contentType)
	assert.Equal(t, "1", s.attempt)
	assert.Equal(t, e.ID, s.eventID)

	// A single event goes out as one object, not a one-element array.
	var decoded event.Event
	require.NoError(t, json.Unmarshal(s.body, &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, "orders.paid", decoded.Topic)
}

func TestWebhookSenderBatchIsArray(t *testing.T) {
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies <- body
	}))
	defer srv.Close()

	sender := delivery.NewWebhookSender(delivery.WebhookConfig{})
	batch := []*event.Event{newTestEvent("b1"), newTestEvent("b2"), newTestEvent("b3")}

	outcome := sender.Send(context.Background(), srv.URL, batch, 1)
	require.Equal(t, delivery.DispositionDelivered, outcome.Disposition)

	var decoded []*event.Event
	require.NoError(t, json.Unmarshal(<-bodies, &decoded))
	require.Len(t, decoded, 3)
	assert.Equal(t, batch[0].ID, decoded[0].ID)
	assert.Equal(t, batch[2].ID, decoded[2].ID)
}

func TestWebhookSenderClassifiesStatus(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   delivery.Disposition
	}{
		{"200 ok", http.StatusOK, delivery.DispositionDelivered},
		{"204 no content", http.StatusNoContent, delivery.DispositionDelivered},
		{"400 bad request", http.StatusBadRequest, delivery.DispositionPermanent},
		{"404 not found", http.StatusNotFound, delivery.DispositionPermanent},
		{"410 gone", http.StatusGone, delivery.DispositionPermanent},
		{"408 request timeout", http.StatusRequestTimeout, delivery.DispositionTransient},
		{"429 too many requests", http.StatusTooManyRequests, delivery.DispositionTransient},
		{"500 internal error", http.StatusInternalServerError, delivery.DispositionTransient},
		{"503 unavailable", http.StatusServiceUnavailable, delivery.DispositionTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			sender := delivery.NewWebhookSender(delivery.WebhookConfig{})
			outcome := sender.Send(context.Background(), srv.URL, []*event.Event{newTestEvent("s")}, 1)
			assert.Equal(t, tc.want, outcome.Disposition)

			if tc.want != delivery.DispositionDelivered {
				var delErr *ererrors.DeliveryError
				require.ErrorAs(t, outcome.Err, &delErr)
				assert.Equal(t, tc.status, delErr.StatusCode)
				assert.Equal(t, srv.URL, delErr.Endpoint)
			}
		})
	}
}

func TestWebhookSenderRetryAfter(t *testing.T) {
	t.Run("seconds", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		sender := delivery.NewWebhookSender(delivery.WebhookConfig{})
		outcome := sender.Send(context.Background(), srv.URL, []*event.Event{newTestEvent("r")}, 1)
		assert.Equal(t, delivery.DispositionTransient, outcome.Disposition)
		assert.Equal(t, 2*time.Second, outcome.RetryAfter)
	})

	t.Run("http date", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", time.Now().Add(3*time.Second).UTC().Format(http.TimeFormat))
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		sender := delivery.NewWebhookSender(delivery.WebhookConfig{})
		outcome := sender.Send(context.Background(), srv.URL, []*event.Event{newTestEvent("r")}, 1)
		assert.Equal(t, delivery.DispositionTransient, outcome.Disposition)
		assert.Greater(t, outcome.RetryAfter, time.Duration(0))
		assert.LessOrEqual(t, outcome.RetryAfter, 3*time.Second)
	})

	t.Run("unparseable header is ignored", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "whenever")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		sender := delivery.NewWebhookSender(delivery.WebhookConfig{})
		outcome := sender.Send(context.Background(), srv.URL, []*event.Event{newTestEvent("r")}, 1)
		assert.Equal(t, delivery.DispositionTransient, outcome.Disposition)
		assert.Zero(t, outcome.RetryAfter)
	})
}

func TestWebhookSenderTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	sender := delivery.NewWebhookSender(delivery.WebhookConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	outcome := sender.Send(ctx, srv.URL, []*event.Event{newTestEvent("slow")}, 1)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, delivery.DispositionTransient, outcome.Disposition)
	assert.True(t, ererrors.IsRetryable(outcome.Err))
}

func TestWebhookSenderConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	sender := delivery.NewWebhookSender(delivery.WebhookConfig{})
	outcome := sender.Send(context.Background(), endpoint, []*event.Event{newTestEvent("gone")}, 1)
	assert.Equal(t, delivery.DispositionTransient, outcome.Disposition)
	require.Error(t, outcome.Err)
}
