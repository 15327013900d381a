package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/randalmurphal/eventrouter/pkg/eventrouter"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/deadletter"
	ererrors "github.com/randalmurphal/eventrouter/pkg/eventrouter/errors"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/replay"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/subscription"
)

// maxBodyBytes bounds request bodies. Events carry JSON payloads, not
// blobs; anything past a megabyte is a client bug.
const maxBodyBytes = 1 << 20

func readBody(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	lr := io.LimitReader(r.Body, limit+1)

	b, err := io.ReadAll(lr)
	if err != nil {
		return nil, errors.New("failed to read body")
	}
	if int64(len(b)) > limit {
		return nil, errors.New("payload too large")
	}
	return b, nil
}

func decodeJSON(r *http.Request, v any) error {
	body, err := readBody(r, maxBodyBytes)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeRouterError maps a router error to a status code and writes it.
// Sentinel errors are checked first; everything else goes through the
// error taxonomy, where unknown errors land on 500.
func writeRouterError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, eventrouter.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "router is shutting down")
		return
	case errors.Is(err, subscription.ErrNotFound):
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	case errors.Is(err, replay.ErrNotFound):
		writeError(w, http.StatusNotFound, "replay not found")
		return
	case errors.Is(err, deadletter.ErrNotFound):
		writeError(w, http.StatusNotFound, "dead-letter entry not found")
		return
	}

	switch cat := ererrors.Categorize(err); cat {
	case ererrors.CategoryValidation, ererrors.CategoryCapacity:
		writeError(w, cat.HTTPStatus(), err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// parseTimeParam reads an RFC 3339 query parameter. Empty means unset.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("must be RFC 3339: %w", err)
	}
	return t, nil
}

// parseIntParam reads a non-negative integer query parameter. Empty
// means unset and yields the fallback.
func parseIntParam(s string, fallback int) (int, error) {
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}
