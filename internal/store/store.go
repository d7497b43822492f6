package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/meetscribe/transcript-gateway/internal/transcript"
)

// Store is the durable-store abstraction for meetings, speakers, and
// transcript segments. The Postgres implementation is the production one;
// MemoryStore backs tests.
type Store interface {
	// EnsureMeeting returns the meeting for the given key, creating a
	// pending record if the key has never been seen. Safe to call more
	// than once for the same key.
	EnsureMeeting(ctx context.Context, meetingKey string) (*transcript.Meeting, error)

	// GetMeetingByKey returns the meeting for a key, or ErrMeetingNotFound.
	GetMeetingByKey(ctx context.Context, meetingKey string) (*transcript.Meeting, error)

	// UpdateMeetingStatus moves a meeting through its lifecycle, stamping
	// StartedAt on ongoing and EndedAt on completed/failed.
	UpdateMeetingStatus(ctx context.Context, meetingID uuid.UUID, status transcript.MeetingStatus) error

	// GetOrCreateSpeaker implements transcript.SpeakerResolver.
	GetOrCreateSpeaker(ctx context.Context, meetingID uuid.UUID, participantID string) (*transcript.Speaker, error)

	// InsertSegments writes a batch with upsert-or-ignore semantics on
	// (meeting_id, sequence) and reports how many rows were actually
	// inserted. Duplicates are absorbed silently.
	InsertSegments(ctx context.Context, segments []*transcript.Segment) (int64, error)

	// MaxSequence returns the highest persisted sequence number for a
	// meeting, or zero when none exist. Used to resume after reconnect.
	MaxSequence(ctx context.Context, meetingID uuid.UUID) (int64, error)

	// Ping verifies connectivity for readiness checks.
	Ping(ctx context.Context) error
}
