package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrMalformedSegment marks a provider event that cannot become a canonical
// segment. Callers drop the event, count it, and keep the pipeline running.
var ErrMalformedSegment = errors.New("malformed segment")

// SpeakerResolver maps an upstream participant identifier to a Speaker
// record, creating one the first time a participant is seen.
type SpeakerResolver interface {
	GetOrCreateSpeaker(ctx context.Context, meetingID uuid.UUID, participantID string) (*Speaker, error)
}

// Normalizer turns raw provider events into canonical segments for one
// meeting. Speaker creation is its only side effect; everything else is a
// pure transform. It owns the per-meeting sequence counter used when the
// provider omits sequence numbers.
type Normalizer struct {
	meetingID  uuid.UUID
	meetingKey string
	resolver   SpeakerResolver
	logger     zerolog.Logger

	mu      sync.Mutex
	nextSeq int64
}

// NewNormalizer creates a normalizer for one meeting. Locally assigned
// sequence numbers start at 1.
func NewNormalizer(meetingID uuid.UUID, meetingKey string, resolver SpeakerResolver, logger zerolog.Logger) *Normalizer {
	return &Normalizer{
		meetingID:  meetingID,
		meetingKey: meetingKey,
		resolver:   resolver,
		logger:     logger,
		nextSeq:    1,
	}
}

// Normalize converts one raw event into a canonical segment.
//
// Text is UTF-8-sanitized and trimmed; events with no usable text are
// rejected with ErrMalformedSegment, as are events whose time offsets are
// both negative. A negative start offset is clamped to zero and an inverted
// range is clamped to a zero-length one. A failed speaker lookup degrades
// to an unattributed segment rather than losing the text.
func (n *Normalizer) Normalize(ctx context.Context, ev *RawEvent) (*Segment, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: nil event", ErrMalformedSegment)
	}

	text := strings.TrimSpace(strings.ToValidUTF8(ev.Text, ""))
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", ErrMalformedSegment)
	}

	if ev.StartOffsetMs < 0 && ev.EndOffsetMs < 0 {
		return nil, fmt.Errorf("%w: unparseable offsets start=%d end=%d", ErrMalformedSegment, ev.StartOffsetMs, ev.EndOffsetMs)
	}

	startMs := ev.StartOffsetMs
	if startMs < 0 {
		startMs = 0
	}
	endMs := ev.EndOffsetMs
	if endMs < startMs {
		endMs = startMs
	}

	seg := &Segment{
		MeetingID:  n.meetingID,
		MeetingKey: n.meetingKey,
		Sequence:   n.assignSequence(ev.Sequence),
		StartMs:    startMs,
		EndMs:      endMs,
		Text:       text,
		ArrivedAt:  ev.ReceivedAt,
	}
	if seg.ArrivedAt.IsZero() {
		seg.ArrivedAt = time.Now()
	}
	if ev.Confidence != nil {
		seg.Confidence = *ev.Confidence
	}

	if ev.ParticipantID != "" {
		speaker, err := n.resolver.GetOrCreateSpeaker(ctx, n.meetingID, ev.ParticipantID)
		if err != nil {
			// Attribution is best-effort; the text is not worth losing.
			n.logger.Warn().
				Err(err).
				Str("participant_id", ev.ParticipantID).
				Msg("Speaker resolution failed, emitting unattributed segment")
		} else {
			seg.SpeakerID = &speaker.ID
		}
	}

	return seg, nil
}

// assignSequence uses the provider's sequence number when present and keeps
// the local counter ahead of it, so provider-assigned and locally-assigned
// numbers never collide within a run.
func (n *Normalizer) assignSequence(provided *int64) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	if provided != nil {
		if *provided >= n.nextSeq {
			n.nextSeq = *provided + 1
		}
		return *provided
	}

	seq := n.nextSeq
	n.nextSeq++
	return seq
}

// ResumeFrom advances the local counter past sequences already seen, used
// when a stream reconnects and may replay.
func (n *Normalizer) ResumeFrom(lastSeen int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if lastSeen >= n.nextSeq {
		n.nextSeq = lastSeen + 1
	}
}
