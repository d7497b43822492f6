package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/meetscribe/transcript-gateway/internal/observability"
	"github.com/meetscribe/transcript-gateway/internal/transcript"
)

// Config tunes per-viewer delivery.
type Config struct {
	QueueSize    int           // per-viewer outbound queue depth
	WriteTimeout time.Duration // deadline for a single websocket write
	PingInterval time.Duration
	PongTimeout  time.Duration
}

// ViewerConn is the subset of *websocket.Conn the hub needs. Tests
// substitute a fake; production uses gorilla connections directly.
type ViewerConn interface {
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	ReadMessage() (int, []byte, error)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// SegmentMessage is one transcript segment pushed to viewers.
type SegmentMessage struct {
	Type       string  `json:"type"`
	MeetingKey string  `json:"meeting_key"`
	Sequence   int64   `json:"sequence"`
	StartMs    int64   `json:"start_ms"`
	EndMs      int64   `json:"end_ms"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	Late       bool    `json:"late,omitempty"`
}

// StatusMessage announces a meeting lifecycle change to viewers.
type StatusMessage struct {
	Type       string `json:"type"`
	MeetingKey string `json:"meeting_key"`
	Status     string `json:"status"`
}

// SubscribedMessage acknowledges a subscription, carrying the meeting's
// current status so late joiners know whether the stream is live.
type SubscribedMessage struct {
	Type       string `json:"type"`
	MeetingKey string `json:"meeting_key"`
	Status     string `json:"status"`
}

// NewSegmentMessage maps a released segment onto the viewer wire shape.
func NewSegmentMessage(seg *transcript.Segment) SegmentMessage {
	return SegmentMessage{
		Type:       "segment",
		MeetingKey: seg.MeetingKey,
		Sequence:   seg.Sequence,
		StartMs:    seg.StartMs,
		EndMs:      seg.EndMs,
		Text:       seg.Text,
		Confidence: seg.Confidence,
		Late:       seg.Late,
	}
}

// Viewer is one connected websocket client. Each viewer follows at most
// one meeting at a time and owns a bounded outbound queue drained by a
// dedicated writer goroutine, so one slow client never blocks the rest.
type Viewer struct {
	ID     uuid.UUID
	conn   ViewerConn
	hub    *Hub
	logger zerolog.Logger

	queue chan interface{}
	done  chan struct{}
	once  sync.Once

	mu         sync.RWMutex
	meetingKey string
}

// MeetingKey returns the meeting this viewer currently follows, or "".
func (v *Viewer) MeetingKey() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.meetingKey
}

// Done is closed when the viewer has been removed from the hub.
func (v *Viewer) Done() <-chan struct{} {
	return v.done
}

// writePump drains the viewer's queue onto the websocket and keeps the
// connection alive with periodic pings. Any write failure removes the
// viewer; the read side notices via the closed connection.
func (v *Viewer) writePump() {
	ticker := time.NewTicker(v.hub.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-v.queue:
			_ = v.conn.SetWriteDeadline(time.Now().Add(v.hub.cfg.WriteTimeout))
			if err := v.conn.WriteJSON(msg); err != nil {
				v.logger.Debug().Err(err).Msg("Viewer write failed")
				v.hub.Remove(v, "write_error")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(v.hub.cfg.WriteTimeout)
			if err := v.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				v.logger.Debug().Err(err).Msg("Viewer ping failed")
				v.hub.Remove(v, "write_error")
				return
			}
		case <-v.done:
			return
		}
	}
}

// Hub fans released segments and status changes out to subscribed
// viewers, grouped by meeting key.
type Hub struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.RWMutex
	viewers   map[uuid.UUID]*Viewer
	byMeeting map[string]map[uuid.UUID]*Viewer
}

// NewHub creates an empty hub.
func NewHub(cfg Config, logger zerolog.Logger) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	return &Hub{
		cfg:       cfg,
		logger:    logger,
		viewers:   make(map[uuid.UUID]*Viewer),
		byMeeting: make(map[string]map[uuid.UUID]*Viewer),
	}
}

// Register adds a connection and starts its writer goroutine. The viewer
// receives nothing until it subscribes to a meeting.
func (h *Hub) Register(conn ViewerConn) *Viewer {
	v := &Viewer{
		ID:    uuid.New(),
		conn:  conn,
		hub:   h,
		queue: make(chan interface{}, h.cfg.QueueSize),
		done:  make(chan struct{}),
	}
	v.logger = h.logger.With().Str("viewer_id", v.ID.String()).Logger()

	h.mu.Lock()
	h.viewers[v.ID] = v
	h.mu.Unlock()

	observability.RecordViewerSubscribed()
	go v.writePump()

	v.logger.Debug().Msg("Viewer connected")
	return v
}

// Subscribe points the viewer at a meeting, replacing any previous
// subscription, and acknowledges with the meeting's current status.
func (h *Hub) Subscribe(v *Viewer, meetingKey, meetingStatus string) {
	h.mu.Lock()
	v.mu.Lock()
	prev := v.meetingKey
	v.meetingKey = meetingKey
	v.mu.Unlock()

	if prev != "" && prev != meetingKey {
		h.detachLocked(v, prev)
	}
	group := h.byMeeting[meetingKey]
	if group == nil {
		group = make(map[uuid.UUID]*Viewer)
		h.byMeeting[meetingKey] = group
	}
	group[v.ID] = v
	h.mu.Unlock()

	v.logger.Info().
		Str("meeting_key", meetingKey).
		Str("status", meetingStatus).
		Msg("Viewer subscribed")

	h.enqueue(v, SubscribedMessage{
		Type:       "subscribed",
		MeetingKey: meetingKey,
		Status:     meetingStatus,
	})
}

// Remove disconnects a viewer and drops it from all registries. Safe to
// call more than once; only the first call takes effect.
func (h *Hub) Remove(v *Viewer, reason string) {
	v.once.Do(func() {
		h.mu.Lock()
		delete(h.viewers, v.ID)
		v.mu.RLock()
		key := v.meetingKey
		v.mu.RUnlock()
		if key != "" {
			h.detachLocked(v, key)
		}
		h.mu.Unlock()

		close(v.done)
		_ = v.conn.Close()

		observability.RecordViewerRemoved(reason)
		v.logger.Debug().Str("reason", reason).Msg("Viewer removed")
	})
}

// detachLocked removes the viewer from one meeting group. Caller holds h.mu.
func (h *Hub) detachLocked(v *Viewer, meetingKey string) {
	if group, ok := h.byMeeting[meetingKey]; ok {
		delete(group, v.ID)
		if len(group) == 0 {
			delete(h.byMeeting, meetingKey)
		}
	}
}

// BroadcastSegment pushes a released segment to every viewer of its
// meeting. Delivery order per viewer matches release order.
func (h *Hub) BroadcastSegment(msg SegmentMessage) {
	h.broadcast(msg.MeetingKey, msg)
}

// BroadcastStatus pushes a meeting status change to its viewers.
func (h *Hub) BroadcastStatus(meetingKey, status string) {
	h.broadcast(meetingKey, StatusMessage{
		Type:       "status",
		MeetingKey: meetingKey,
		Status:     status,
	})
}

// ViewerCount reports how many viewers follow a meeting.
func (h *Hub) ViewerCount(meetingKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byMeeting[meetingKey])
}

func (h *Hub) broadcast(meetingKey string, msg interface{}) {
	h.mu.RLock()
	group := h.byMeeting[meetingKey]
	targets := make([]*Viewer, 0, len(group))
	for _, v := range group {
		targets = append(targets, v)
	}
	h.mu.RUnlock()

	for _, v := range targets {
		h.enqueue(v, msg)
	}
}

// enqueue delivers without blocking. A full queue means the viewer is
// not keeping up; it gets disconnected rather than stalling the pipeline
// or receiving a stream with silent gaps.
func (h *Hub) enqueue(v *Viewer, msg interface{}) {
	select {
	case v.queue <- msg:
	default:
		v.logger.Warn().Msg("Viewer queue full, disconnecting slow viewer")
		h.Remove(v, "slow")
	}
}
