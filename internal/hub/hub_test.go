package hub

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetscribe/transcript-gateway/internal/transcript"
)

var errWriteFailed = errors.New("write failed")

type fakeViewerConn struct {
	mu       sync.Mutex
	messages []interface{}
	writeErr error
	gate     chan struct{} // when set, WriteJSON blocks until closed
	closed   bool
}

func (c *fakeViewerConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	gate := c.gate
	err := c.writeErr
	c.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.messages = append(c.messages, v)
	c.mu.Unlock()
	return nil
}

func (c *fakeViewerConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (c *fakeViewerConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeViewerConn) ReadMessage() (int, []byte, error) {
	select {} // tests drive the hub directly, not through the read loop
}

func (c *fakeViewerConn) SetReadDeadline(t time.Time) error { return nil }

func (c *fakeViewerConn) SetPongHandler(h func(string) error) {}

func (c *fakeViewerConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeViewerConn) received() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]interface{}, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *fakeViewerConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func testHubConfig() Config {
	return Config{
		QueueSize:    8,
		WriteTimeout: time.Second,
		PingInterval: time.Hour, // pings off unless a test wants them
		PongTimeout:  time.Hour,
	}
}

func segMsg(meetingKey string, sequence, startMs int64) SegmentMessage {
	return NewSegmentMessage(&transcript.Segment{
		MeetingKey: meetingKey,
		Sequence:   sequence,
		StartMs:    startMs,
		EndMs:      startMs + 100,
		Text:       "text",
	})
}

func waitReceived(t *testing.T, c *fakeViewerConn, want int) []interface{} {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got := c.received(); len(got) >= want {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Expected %d messages, got %d", want, len(c.received()))
	return nil
}

func TestHub_SubscribeAcknowledged(t *testing.T) {
	h := NewHub(testHubConfig(), zerolog.Nop())
	conn := &fakeViewerConn{}

	v := h.Register(conn)
	h.Subscribe(v, "standup-42", "ongoing")

	msgs := waitReceived(t, conn, 1)
	ack, ok := msgs[0].(SubscribedMessage)
	if !ok {
		t.Fatalf("Expected SubscribedMessage first, got %T", msgs[0])
	}
	if ack.MeetingKey != "standup-42" || ack.Status != "ongoing" {
		t.Errorf("Expected ack for standup-42/ongoing, got %s/%s", ack.MeetingKey, ack.Status)
	}
	if got := h.ViewerCount("standup-42"); got != 1 {
		t.Errorf("Expected 1 viewer, got %d", got)
	}
}

func TestHub_BroadcastPreservesOrderPerViewer(t *testing.T) {
	h := NewHub(testHubConfig(), zerolog.Nop())
	conn := &fakeViewerConn{}

	v := h.Register(conn)
	h.Subscribe(v, "standup-42", "ongoing")
	waitReceived(t, conn, 1)

	for seq := int64(1); seq <= 5; seq++ {
		h.BroadcastSegment(segMsg("standup-42", seq, seq*100))
	}

	msgs := waitReceived(t, conn, 6)
	for i := 1; i <= 5; i++ {
		seg, ok := msgs[i].(SegmentMessage)
		if !ok {
			t.Fatalf("Position %d: expected SegmentMessage, got %T", i, msgs[i])
		}
		if seg.Sequence != int64(i) {
			t.Errorf("Position %d: expected sequence %d, got %d", i, i, seg.Sequence)
		}
	}
}

func TestHub_BroadcastOnlyReachesSubscribers(t *testing.T) {
	h := NewHub(testHubConfig(), zerolog.Nop())
	connA := &fakeViewerConn{}
	connB := &fakeViewerConn{}

	va := h.Register(connA)
	vb := h.Register(connB)
	h.Subscribe(va, "meeting-a", "ongoing")
	h.Subscribe(vb, "meeting-b", "ongoing")
	waitReceived(t, connA, 1)
	waitReceived(t, connB, 1)

	h.BroadcastSegment(segMsg("meeting-a", 1, 100))

	waitReceived(t, connA, 2)
	time.Sleep(20 * time.Millisecond)
	if got := len(connB.received()); got != 1 {
		t.Errorf("Expected viewer of meeting-b untouched, got %d messages", got)
	}
}

func TestHub_SlowViewerDisconnected(t *testing.T) {
	cfg := testHubConfig()
	cfg.QueueSize = 1
	h := NewHub(cfg, zerolog.Nop())

	slow := &fakeViewerConn{}
	fast := &fakeViewerConn{}

	vs := h.Register(slow)
	vf := h.Register(fast)
	h.Subscribe(vs, "standup-42", "ongoing")
	h.Subscribe(vf, "standup-42", "ongoing")
	waitReceived(t, slow, 1)
	waitReceived(t, fast, 1)

	// Jam the slow viewer's socket so its queue backs up.
	gate := make(chan struct{})
	slow.mu.Lock()
	slow.gate = gate
	slow.mu.Unlock()

	// First broadcast blocks in the write pump, second fills the queue,
	// third overflows and must disconnect the slow viewer. Wait for the
	// fast viewer to drain each broadcast so only the gated viewer's
	// one-slot queue can overflow.
	for seq := int64(1); seq <= 3; seq++ {
		h.BroadcastSegment(segMsg("standup-42", seq, seq*100))
		waitReceived(t, fast, int(seq)+1)
	}

	deadline := time.Now().Add(time.Second)
	for !slow.isClosed() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if !slow.isClosed() {
		t.Error("Expected slow viewer to be disconnected")
	}
	close(gate)

	// The fast viewer is unaffected and saw every segment in order.
	msgs := waitReceived(t, fast, 4)
	for i := 1; i <= 3; i++ {
		seg := msgs[i].(SegmentMessage)
		if seg.Sequence != int64(i) {
			t.Errorf("Position %d: expected sequence %d, got %d", i, i, seg.Sequence)
		}
	}

	if got := h.ViewerCount("standup-42"); got != 1 {
		t.Errorf("Expected 1 remaining viewer, got %d", got)
	}

	select {
	case <-vs.Done():
	case <-time.After(time.Second):
		t.Error("Expected slow viewer done channel closed")
	}
}

func TestHub_ResubscribeReplacesMeeting(t *testing.T) {
	h := NewHub(testHubConfig(), zerolog.Nop())
	conn := &fakeViewerConn{}

	v := h.Register(conn)
	h.Subscribe(v, "meeting-a", "ongoing")
	h.Subscribe(v, "meeting-b", "ongoing")
	waitReceived(t, conn, 2)

	if got := h.ViewerCount("meeting-a"); got != 0 {
		t.Errorf("Expected old subscription dropped, got %d viewers", got)
	}
	if got := h.ViewerCount("meeting-b"); got != 1 {
		t.Errorf("Expected 1 viewer on meeting-b, got %d", got)
	}

	h.BroadcastSegment(segMsg("meeting-a", 1, 100))
	h.BroadcastSegment(segMsg("meeting-b", 1, 100))

	msgs := waitReceived(t, conn, 3)
	seg := msgs[2].(SegmentMessage)
	if seg.MeetingKey != "meeting-b" {
		t.Errorf("Expected only meeting-b segment, got %s", seg.MeetingKey)
	}
}

func TestHub_StatusBroadcast(t *testing.T) {
	h := NewHub(testHubConfig(), zerolog.Nop())
	conn := &fakeViewerConn{}

	v := h.Register(conn)
	h.Subscribe(v, "standup-42", "ongoing")
	waitReceived(t, conn, 1)

	h.BroadcastStatus("standup-42", "completed")

	msgs := waitReceived(t, conn, 2)
	status, ok := msgs[1].(StatusMessage)
	if !ok {
		t.Fatalf("Expected StatusMessage, got %T", msgs[1])
	}
	if status.Status != "completed" {
		t.Errorf("Expected status completed, got %s", status.Status)
	}
}

func TestHub_RemoveIdempotent(t *testing.T) {
	h := NewHub(testHubConfig(), zerolog.Nop())
	conn := &fakeViewerConn{}

	v := h.Register(conn)
	h.Subscribe(v, "standup-42", "ongoing")

	h.Remove(v, "closed")
	h.Remove(v, "closed")

	if !conn.isClosed() {
		t.Error("Expected connection closed")
	}
	if got := h.ViewerCount("standup-42"); got != 0 {
		t.Errorf("Expected 0 viewers after removal, got %d", got)
	}
}

func TestHub_WriteErrorRemovesViewer(t *testing.T) {
	h := NewHub(testHubConfig(), zerolog.Nop())
	conn := &fakeViewerConn{}

	v := h.Register(conn)
	h.Subscribe(v, "standup-42", "ongoing")
	waitReceived(t, conn, 1)

	conn.mu.Lock()
	conn.writeErr = errWriteFailed
	conn.mu.Unlock()

	h.BroadcastSegment(segMsg("standup-42", 1, 100))

	select {
	case <-v.Done():
	case <-time.After(time.Second):
		t.Fatal("Expected viewer removed after write error")
	}
	if got := h.ViewerCount("standup-42"); got != 0 {
		t.Errorf("Expected 0 viewers after write error, got %d", got)
	}
}
