package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/randalmurphal/eventrouter/pkg/eventrouter/delivery"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/subscription"
)

// streamWriteTimeout bounds a single frame write when the delivery
// context carries no deadline of its own.
const streamWriteTimeout = 10 * time.Second

// maxStreamMessage bounds inbound client frames. Clients only send
// small control frames; events flow the other way.
const maxStreamMessage = 4 << 10

// clientFrame is what a stream client may send. Acks are implicit
// (anything not nacked within the window counts as delivered), so only
// the nack carries information.
type clientFrame struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

// wsStreamConn adapts a websocket to the delivery engine's StreamConn.
// Gorilla permits one concurrent writer, so event frames and heartbeats
// serialize on the mutex.
type wsStreamConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsStreamConn) Send(ctx context.Context, f delivery.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(streamWriteTimeout)
	}
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteJSON(f)
}

func (c *wsStreamConn) Close() error {
	return c.ws.Close()
}

// handleStream upgrades to a websocket and attaches the connection to
// the subscription's stream. Events buffered while the subscriber was
// offline flush first, then live deliveries follow. The handler blocks
// until the peer goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sub, ok := s.router.Subscription(id)
	if !ok || sub.Status == subscription.StatusCancelled {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if sub.ConnectionType != subscription.ConnWebsocket {
		writeError(w, http.StatusBadRequest, "subscription does not deliver over a stream")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		return
	}

	conn := &wsStreamConn{ws: ws}
	flushed, err := s.router.AttachStream(r.Context(), id, conn)
	if err != nil {
		// Attach re-validates; losing a race with unsubscribe lands here.
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	s.logger.Info("stream attached",
		"request_id", RequestIDFromContext(r.Context()),
		"subscription_id", id,
		"flushed", flushed,
	)

	done := make(chan struct{})
	var hb sync.WaitGroup
	if s.heartbeat > 0 {
		hb.Add(1)
		go func() {
			defer hb.Done()
			s.heartbeatLoop(conn, done)
		}()
	}

	s.readLoop(ws, id)

	close(done)
	hb.Wait()
	s.router.DetachStream(id, conn)
	_ = ws.Close()

	s.logger.Info("stream detached", "subscription_id", id)
}

// readLoop consumes client frames until the connection dies. Malformed
// frames are dropped rather than tearing the stream down.
func (s *Server) readLoop(ws *websocket.Conn, subID string) {
	ws.SetReadLimit(maxStreamMessage)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Type == "nack" && f.EventID != "" {
			s.router.NackStream(subID, f.EventID)
		}
	}
}

// heartbeatLoop emits keepalive frames so idle streams stay verifiably
// alive. A failed write means the peer is gone; closing the socket
// unblocks the read loop, which tears the stream down.
func (s *Server) heartbeatLoop(conn *wsStreamConn, done <-chan struct{}) {
	t := time.NewTicker(s.heartbeat)
	defer t.Stop()

	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := conn.Send(context.Background(), delivery.Frame{Type: delivery.FrameHeartbeat}); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
