package stream

import (
	"context"
	"errors"

	"github.com/meetscribe/transcript-gateway/internal/transcript"
)

// ErrStreamFailed marks a meeting whose upstream connection could not be
// re-established within the bounded attempt budget. The meeting is marked
// failed and no further ingestion is attempted.
var ErrStreamFailed = errors.New("stream failed")

// State is the stream client's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is one live inbound connection to the upstream media-stream
// provider. Recv blocks until the next transcript event, the connection
// drops, or Close is called.
type Conn interface {
	Recv() (*transcript.RawEvent, error)
	Close() error
}

// Provider opens inbound connections, performing whatever handshake the
// upstream protocol requires. resumeAfter is the last sequence number the
// client saw, for providers that can replay; providers without replay
// ignore it and rely on downstream dedupe.
type Provider interface {
	Connect(ctx context.Context, meetingKey string, resumeAfter int64) (Conn, error)
}
