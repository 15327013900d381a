package httpapi

import (
	"net/http"
	"time"

	"github.com/randalmurphal/eventrouter/pkg/eventrouter"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/deadletter"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/event"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/eventlog"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/replay"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/subscription"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.router.Stats(r.Context())
	if err != nil {
		writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ---- events

type publishResponse struct {
	EventID   string    `json:"event_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req eventrouter.PublishRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	e, err := s.router.Publish(r.Context(), req)
	if err != nil {
		writeRouterError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, publishResponse{
		EventID:   e.ID,
		Status:    "published",
		Timestamp: e.Timestamp,
	})
}

type batchItemResult struct {
	EventID string `json:"event_id,omitempty"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

type batchResponse struct {
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Results   []batchItemResult `json:"results"`
}

// handlePublishBatch accepts a JSON array of publish requests. Items
// succeed or fail independently; a mixed outcome answers 207 with the
// per-item breakdown in order.
func (s *Server) handlePublishBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []eventrouter.PublishRequest
	if err := decodeJSON(r, &reqs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(reqs) == 0 {
		writeError(w, http.StatusBadRequest, "empty batch")
		return
	}

	results := s.router.PublishBatch(r.Context(), reqs)

	resp := batchResponse{Results: make([]batchItemResult, 0, len(results))}
	for _, res := range results {
		item := batchItemResult{Status: "published"}
		if res.Err != nil {
			item.Status = "failed"
			item.Error = res.Err.Error()
			resp.Failed++
		} else {
			item.EventID = res.Event.ID
			resp.Succeeded++
		}
		resp.Results = append(resp.Results, item)
	}

	status := http.StatusAccepted
	if resp.Failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

type queryResponse struct {
	Events  []*event.Event `json:"events"`
	Total   int            `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
	HasMore bool           `json:"has_more"`
}

func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	since, err := parseTimeParam(q.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "since "+err.Error())
		return
	}
	until, err := parseTimeParam(q.Get("until"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "until "+err.Error())
		return
	}
	limit, err := parseIntParam(q.Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit "+err.Error())
		return
	}
	offset, err := parseIntParam(q.Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "offset "+err.Error())
		return
	}

	page, err := s.router.Events(r.Context(), eventlog.Query{
		Topic:  q.Get("topic"),
		Type:   q.Get("type"),
		Source: q.Get("source"),
		Since:  since,
		Until:  until,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeRouterError(w, err)
		return
	}

	if page.Events == nil {
		page.Events = []*event.Event{}
	}
	writeJSON(w, http.StatusOK, queryResponse{
		Events:  page.Events,
		Total:   page.Total,
		Limit:   page.Limit,
		Offset:  page.Offset,
		HasMore: page.HasMore,
	})
}

// ---- subscriptions

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscription.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := s.router.Subscribe(req)
	if err != nil {
		writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := subscription.Status(q.Get("status"))
	switch status {
	case "", subscription.StatusActive, subscription.StatusPaused, subscription.StatusCancelled:
	default:
		writeError(w, http.StatusBadRequest, "status must be active, paused, or cancelled")
		return
	}

	subs := s.router.Subscriptions(subscription.ListCriteria{
		Status:         status,
		ConnectionType: subscription.ConnectionType(q.Get("connection_type")),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"count":         len(subs),
		"subscriptions": subs,
	})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.router.Unsubscribe(r.PathValue("id")); err != nil {
		writeRouterError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type patchSubscriptionRequest struct {
	Status  *string               `json:"status,omitempty"`
	Options *subscription.Options `json:"options,omitempty"`
}

// handlePatchSubscription flips a subscription between active and
// paused, updates its delivery options, or both in one call.
func (s *Server) handlePatchSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req patchSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Status == nil && req.Options == nil {
		writeError(w, http.StatusBadRequest, "provide at least one field: status or options")
		return
	}

	if req.Status != nil {
		var err error
		switch subscription.Status(*req.Status) {
		case subscription.StatusActive:
			err = s.router.ResumeSubscription(id)
		case subscription.StatusPaused:
			err = s.router.PauseSubscription(id)
		default:
			writeError(w, http.StatusBadRequest, "status must be active or paused")
			return
		}
		if err != nil {
			writeRouterError(w, err)
			return
		}
	}

	if req.Options != nil {
		if err := s.router.UpdateSubscriptionOptions(id, *req.Options); err != nil {
			writeRouterError(w, err)
			return
		}
	}

	sub, ok := s.router.Subscription(id)
	if !ok {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// ---- replay

type replayResponse struct {
	ReplayID       string        `json:"replay_id"`
	Status         replay.Status `json:"status"`
	EventsToReplay int           `json:"events_to_replay"`
}

func (s *Server) handleStartReplay(w http.ResponseWriter, r *http.Request) {
	var req replay.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.router.Replay(r.Context(), req)
	if err != nil {
		writeRouterError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, replayResponse{
		ReplayID:       sess.ID,
		Status:         sess.Status,
		EventsToReplay: sess.EventsTotal,
	})
}

func (s *Server) handleReplayStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.router.ReplayStatus(r.PathValue("id"))
	if err != nil {
		writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCancelReplay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.router.CancelReplay(id); err != nil {
		writeRouterError(w, err)
		return
	}

	sess, err := s.router.ReplayStatus(id)
	if err != nil {
		writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ---- dead letters

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := parseIntParam(q.Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit "+err.Error())
		return
	}
	offset, err := parseIntParam(q.Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "offset "+err.Error())
		return
	}

	page, err := s.router.DeadLetters(r.Context(), deadletter.ListCriteria{
		SubscriptionID: q.Get("subscription_id"),
		Reason:         deadletter.Reason(q.Get("reason")),
		EventType:      q.Get("event_type"),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		writeRouterError(w, err)
		return
	}

	if page.Entries == nil {
		page.Entries = []*deadletter.Entry{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleRequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.router.RequeueDeadLetter(r.Context(), id); err != nil {
		writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":     id,
		"status": "requeued",
	})
}

func (s *Server) handleDeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := s.router.DeleteDeadLetter(r.Context(), r.PathValue("id")); err != nil {
		writeRouterError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
