package hub

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/meetscribe/transcript-gateway/internal/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Viewers connect from browser dashboards on other origins.
		// Auth happens at the subscribe message, not the handshake.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// subscribeRequest is the only inbound message viewers send.
type subscribeRequest struct {
	Action     string `json:"action"`
	MeetingKey string `json:"meeting_key"`
}

// StatusLookup resolves a meeting key to its current lifecycle status
// for the subscribe acknowledgement.
type StatusLookup func(ctx context.Context, meetingKey string) (string, error)

// ServeWS upgrades viewer connections and runs their read loop. The read
// side only carries subscribe messages and pong frames; all transcript
// delivery flows through the viewer's writer goroutine.
func ServeWS(h *Hub, lookup StatusLookup, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to upgrade viewer connection")
			observability.RecordError("upgrade_failed", "hub")
			return
		}

		viewer := h.Register(conn)
		readLoop(r.Context(), h, viewer, conn, lookup)
	}
}

func readLoop(ctx context.Context, h *Hub, viewer *Viewer, conn ViewerConn, lookup StatusLookup) {
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			reason := "closed"
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				reason = "ping_timeout"
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				viewer.logger.Debug().Err(err).Msg("Viewer read error")
			}
			h.Remove(viewer, reason)
			return
		}

		var req subscribeRequest
		if err := json.Unmarshal(payload, &req); err != nil || req.Action != "subscribe" || req.MeetingKey == "" {
			viewer.logger.Warn().Msg("Ignoring malformed viewer message")
			continue
		}

		status := "unknown"
		if lookup != nil {
			if s, err := lookup(ctx, req.MeetingKey); err == nil {
				status = s
			}
		}
		h.Subscribe(viewer, req.MeetingKey, status)
	}
}
