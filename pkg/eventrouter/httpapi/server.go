// Package httpapi exposes the event router over HTTP.
//
// The surface covers publishing (single and batch), event history
// queries, subscription management, websocket streams, replay control,
// and dead-letter inspection, plus unauthenticated health and
// authenticated JSON metrics. Every other route sits behind a pluggable
// bearer-token validator; deployments that already terminate auth in a
// gateway leave the validator nil.
//
// Errors map onto status codes through the error taxonomy: validation
// failures answer 400, backpressure answers 429, unknown ids answer
// 404, and a closed router answers 503.
package httpapi

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/randalmurphal/eventrouter/pkg/eventrouter"
)

// TokenValidator checks a bearer token presented on an API request.
type TokenValidator func(token string) bool

// StaticToken returns a validator accepting exactly the given token. An
// empty token matches nothing, so an unconfigured deployment rejects
// every authenticated route instead of serving openly.
func StaticToken(token string) TokenValidator {
	return func(presented string) bool {
		if token == "" {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(token), []byte(presented)) == 1
	}
}

// Config tunes the HTTP API server.
type Config struct {
	// Auth validates bearer tokens on every route except /health. Nil
	// disables authentication, for embedding behind an existing
	// identity layer.
	Auth TokenValidator

	// HeartbeatInterval spaces keepalive frames on realtime streams.
	// Negative disables them.
	// Default: 30 seconds
	HeartbeatInterval time.Duration

	// Logger receives request logs.
	// Default: slog.Default()
	Logger *slog.Logger
}

// Server exposes a Router over HTTP. It implements http.Handler; mount
// it directly or under a prefix with http.StripPrefix.
//
// The stream endpoint holds connections open for their whole lifetime,
// so the surrounding http.Server must not set WriteTimeout; use
// ReadHeaderTimeout to bound slow clients instead.
type Server struct {
	router    *eventrouter.Router
	logger    *slog.Logger
	heartbeat time.Duration
	upgrader  websocket.Upgrader
	handler   http.Handler
}

// NewServer wires the API surface around a router. The router's
// lifecycle stays with the caller; closing the router makes the API
// answer 503 on mutating routes.
func NewServer(router *eventrouter.Router, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat == 0 {
		heartbeat = 30 * time.Second
	}

	s := &Server{
		router:    router,
		logger:    logger,
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Token auth already ran; origin checks add nothing for a
			// service-to-service API.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("POST /events", s.handlePublish)
	mux.HandleFunc("POST /events/batch", s.handlePublishBatch)
	mux.HandleFunc("GET /events/query", s.handleQueryEvents)

	mux.HandleFunc("POST /subscriptions", s.handleSubscribe)
	mux.HandleFunc("GET /subscriptions", s.handleListSubscriptions)
	mux.HandleFunc("DELETE /subscriptions/{id}", s.handleUnsubscribe)
	mux.HandleFunc("PATCH /subscriptions/{id}", s.handlePatchSubscription)
	mux.HandleFunc("GET /subscriptions/{id}/stream", s.handleStream)

	mux.HandleFunc("POST /replay", s.handleStartReplay)
	mux.HandleFunc("GET /replay/{id}", s.handleReplayStatus)
	mux.HandleFunc("POST /replay/{id}/cancel", s.handleCancelReplay)

	mux.HandleFunc("GET /deadletters", s.handleListDeadLetters)
	mux.HandleFunc("POST /deadletters/{id}/requeue", s.handleRequeueDeadLetter)
	mux.HandleFunc("DELETE /deadletters/{id}", s.handleDeleteDeadLetter)

	s.handler = withRequestID(withLogging(logger, withAuth(cfg.Auth, mux)))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
