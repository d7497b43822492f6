package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meetscribe/transcript-gateway/internal/transcript"
)

// MemoryStore is an in-memory Store used in tests and local development.
// It enforces the same (meeting, sequence) uniqueness as the Postgres
// schema.
type MemoryStore struct {
	mu        sync.RWMutex
	meetings  map[string]*transcript.Meeting
	speakers  map[uuid.UUID]map[string]*transcript.Speaker
	segments  map[uuid.UUID]map[int64]*transcript.Segment
	failWrite error // when set, InsertSegments fails with this error
}

// NewMemoryStore returns a new empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		meetings: make(map[string]*transcript.Meeting),
		speakers: make(map[uuid.UUID]map[string]*transcript.Speaker),
		segments: make(map[uuid.UUID]map[int64]*transcript.Segment),
	}
}

// EnsureMeeting implements Store.EnsureMeeting.
func (s *MemoryStore) EnsureMeeting(ctx context.Context, meetingKey string) (*transcript.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.meetings[meetingKey]; ok {
		cp := *m
		return &cp, nil
	}

	m := &transcript.Meeting{
		ID:         uuid.New(),
		MeetingKey: meetingKey,
		Status:     transcript.StatusPending,
		CreatedAt:  time.Now(),
	}
	s.meetings[meetingKey] = m
	cp := *m
	return &cp, nil
}

// GetMeetingByKey implements Store.GetMeetingByKey.
func (s *MemoryStore) GetMeetingByKey(ctx context.Context, meetingKey string) (*transcript.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.meetings[meetingKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMeetingNotFound, meetingKey)
	}
	cp := *m
	return &cp, nil
}

// UpdateMeetingStatus implements Store.UpdateMeetingStatus.
func (s *MemoryStore) UpdateMeetingStatus(ctx context.Context, meetingID uuid.UUID, status transcript.MeetingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.meetings {
		if m.ID == meetingID {
			m.Status = status
			now := time.Now()
			switch status {
			case transcript.StatusOngoing:
				m.StartedAt = &now
			case transcript.StatusCompleted, transcript.StatusFailed:
				m.EndedAt = &now
			}
			return nil
		}
	}
	return fmt.Errorf("%w: id %s", ErrMeetingNotFound, meetingID)
}

// GetOrCreateSpeaker implements Store.GetOrCreateSpeaker.
func (s *MemoryStore) GetOrCreateSpeaker(ctx context.Context, meetingID uuid.UUID, participantID string) (*transcript.Speaker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byParticipant, ok := s.speakers[meetingID]
	if !ok {
		byParticipant = make(map[string]*transcript.Speaker)
		s.speakers[meetingID] = byParticipant
	}

	if sp, ok := byParticipant[participantID]; ok {
		cp := *sp
		return &cp, nil
	}

	sp := &transcript.Speaker{
		ID:            uuid.New(),
		MeetingID:     meetingID,
		ParticipantID: participantID,
		DisplayName:   participantID,
		CreatedAt:     time.Now(),
	}
	byParticipant[participantID] = sp
	cp := *sp
	return &cp, nil
}

// InsertSegments implements Store.InsertSegments.
func (s *MemoryStore) InsertSegments(ctx context.Context, segments []*transcript.Segment) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWrite != nil {
		return 0, s.failWrite
	}

	var inserted int64
	for _, seg := range segments {
		bySeq, ok := s.segments[seg.MeetingID]
		if !ok {
			bySeq = make(map[int64]*transcript.Segment)
			s.segments[seg.MeetingID] = bySeq
		}
		if _, exists := bySeq[seg.Sequence]; exists {
			continue // duplicate absorbed, same as ON CONFLICT DO NOTHING
		}
		cp := *seg
		if cp.ID == uuid.Nil {
			cp.ID = uuid.New()
		}
		cp.CreatedAt = time.Now()
		bySeq[seg.Sequence] = &cp
		inserted++
	}
	return inserted, nil
}

// MaxSequence implements Store.MaxSequence.
func (s *MemoryStore) MaxSequence(ctx context.Context, meetingID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max int64
	for seq := range s.segments[meetingID] {
		if seq > max {
			max = seq
		}
	}
	return max, nil
}

// Ping implements Store.Ping.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// SetWriteError makes subsequent InsertSegments calls fail with err; pass
// nil to heal. Test hook for storage-failure paths.
func (s *MemoryStore) SetWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrite = err
}

// SegmentsByStart returns all persisted segments for a meeting ordered by
// start offset, then sequence. Test helper.
func (s *MemoryStore) SegmentsByStart(meetingID uuid.UUID) []*transcript.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*transcript.Segment, 0, len(s.segments[meetingID]))
	for _, seg := range s.segments[meetingID] {
		cp := *seg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartMs != out[j].StartMs {
			return out[i].StartMs < out[j].StartMs
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

// SegmentCount returns the number of persisted segments for a meeting.
// Test helper.
func (s *MemoryStore) SegmentCount(meetingID uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.segments[meetingID])
}
