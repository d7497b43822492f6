package transcript

import (
	"time"

	"github.com/google/uuid"
)

// MeetingStatus is the lifecycle state of a meeting's ingestion pipeline.
type MeetingStatus string

const (
	StatusPending   MeetingStatus = "pending"
	StatusOngoing   MeetingStatus = "ongoing"
	StatusCompleted MeetingStatus = "completed"
	StatusFailed    MeetingStatus = "failed"
)

// Meeting is one ingested meeting. The opaque MeetingKey is what upstream
// signals and viewers address; the UUID is internal.
type Meeting struct {
	ID         uuid.UUID     `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	MeetingKey string        `json:"meeting_key" gorm:"size:128;not null;uniqueIndex"`
	Status     MeetingStatus `json:"status" gorm:"size:20;not null;default:pending"`
	CreatedAt  time.Time     `json:"created_at" gorm:"autoCreateTime"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
}

// TableName specifies the table name for GORM
func (Meeting) TableName() string {
	return "meetings"
}

// Speaker is a per-meeting participant identity, lazily created the first
// time a segment references an unseen participant.
type Speaker struct {
	ID            uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	MeetingID     uuid.UUID `json:"meeting_id" gorm:"type:uuid;not null;uniqueIndex:idx_speakers_meeting_participant"`
	ParticipantID string    `json:"participant_id" gorm:"size:128;not null;uniqueIndex:idx_speakers_meeting_participant"`
	DisplayName   string    `json:"display_name" gorm:"size:255"`
	CreatedAt     time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName specifies the table name for GORM
func (Speaker) TableName() string {
	return "speakers"
}

// Segment is one unit of transcribed speech. (MeetingID, Sequence) is the
// idempotency key: duplicate writes are absorbed by the unique index.
// Segments are append-only.
type Segment struct {
	ID         uuid.UUID  `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	MeetingID  uuid.UUID  `json:"meeting_id" gorm:"type:uuid;not null;uniqueIndex:idx_segments_meeting_sequence"`
	Sequence   int64      `json:"sequence" gorm:"not null;uniqueIndex:idx_segments_meeting_sequence"`
	SpeakerID  *uuid.UUID `json:"speaker_id,omitempty" gorm:"type:uuid;index"`
	StartMs    int64      `json:"start_ms" gorm:"not null;index"`
	EndMs      int64      `json:"end_ms" gorm:"not null"`
	Text       string     `json:"text" gorm:"type:text;not null"`
	Confidence float64    `json:"confidence" gorm:"default:0.0"`
	CreatedAt  time.Time  `json:"created_at" gorm:"autoCreateTime"`

	// Transient pipeline state, never persisted.
	MeetingKey string    `json:"-" gorm:"-"` // routing key for the broadcast hub
	Late       bool      `json:"-" gorm:"-"` // released outside the reorder window
	ArrivedAt  time.Time `json:"-" gorm:"-"` // for end-to-end latency accounting
}

// TableName specifies the table name for GORM
func (Segment) TableName() string {
	return "transcript_segments"
}

// Key uniquely identifies a segment within its meeting.
func (s *Segment) Key() SegmentKey {
	return SegmentKey{MeetingID: s.MeetingID, Sequence: s.Sequence}
}

// SegmentKey is the (meeting, sequence) idempotency key.
type SegmentKey struct {
	MeetingID uuid.UUID
	Sequence  int64
}
