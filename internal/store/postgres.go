package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/meetscribe/transcript-gateway/internal/transcript"
)

// ErrMeetingNotFound is returned when a meeting key has never been seen.
var ErrMeetingNotFound = errors.New("meeting not found")

// PostgresStore is the GORM-backed durable store.
type PostgresStore struct {
	db *gorm.DB
}

// OpenPostgres connects to Postgres and migrates the schema.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := db.AutoMigrate(&transcript.Meeting{}, &transcript.Speaker{}, &transcript.Segment{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// EnsureMeeting implements Store.EnsureMeeting.
func (s *PostgresStore) EnsureMeeting(ctx context.Context, meetingKey string) (*transcript.Meeting, error) {
	meeting := &transcript.Meeting{
		ID:         uuid.New(),
		MeetingKey: meetingKey,
		Status:     transcript.StatusPending,
	}

	// Concurrent ensures for the same key race benignly: the unique index
	// on meeting_key makes the insert a no-op for the loser.
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "meeting_key"}},
			DoNothing: true,
		}).
		Create(meeting).Error
	if err != nil {
		return nil, fmt.Errorf("failed to ensure meeting %s: %w", meetingKey, err)
	}

	return s.GetMeetingByKey(ctx, meetingKey)
}

// GetMeetingByKey implements Store.GetMeetingByKey.
func (s *PostgresStore) GetMeetingByKey(ctx context.Context, meetingKey string) (*transcript.Meeting, error) {
	var meeting transcript.Meeting
	err := s.db.WithContext(ctx).
		Where("meeting_key = ?", meetingKey).
		First(&meeting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrMeetingNotFound, meetingKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load meeting %s: %w", meetingKey, err)
	}
	return &meeting, nil
}

// UpdateMeetingStatus implements Store.UpdateMeetingStatus.
func (s *PostgresStore) UpdateMeetingStatus(ctx context.Context, meetingID uuid.UUID, status transcript.MeetingStatus) error {
	updates := map[string]interface{}{"status": status}
	now := time.Now()
	switch status {
	case transcript.StatusOngoing:
		updates["started_at"] = &now
	case transcript.StatusCompleted, transcript.StatusFailed:
		updates["ended_at"] = &now
	}

	err := s.db.WithContext(ctx).
		Model(&transcript.Meeting{}).
		Where("id = ?", meetingID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to update meeting %s status to %s: %w", meetingID, status, err)
	}
	return nil
}

// GetOrCreateSpeaker implements Store.GetOrCreateSpeaker.
func (s *PostgresStore) GetOrCreateSpeaker(ctx context.Context, meetingID uuid.UUID, participantID string) (*transcript.Speaker, error) {
	speaker := &transcript.Speaker{
		ID:            uuid.New(),
		MeetingID:     meetingID,
		ParticipantID: participantID,
		DisplayName:   participantID,
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "meeting_id"}, {Name: "participant_id"}},
			DoNothing: true,
		}).
		Create(speaker).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create speaker %s: %w", participantID, err)
	}

	var existing transcript.Speaker
	err = s.db.WithContext(ctx).
		Where("meeting_id = ? AND participant_id = ?", meetingID, participantID).
		First(&existing).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load speaker %s: %w", participantID, err)
	}
	return &existing, nil
}

// InsertSegments implements Store.InsertSegments. Duplicate (meeting_id,
// sequence) rows are silently ignored, which makes redelivery after
// reconnects and late buffer releases safe.
func (s *PostgresStore) InsertSegments(ctx context.Context, segments []*transcript.Segment) (int64, error) {
	if len(segments) == 0 {
		return 0, nil
	}

	for _, seg := range segments {
		if seg.ID == uuid.Nil {
			seg.ID = uuid.New()
		}
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "meeting_id"}, {Name: "sequence"}},
			DoNothing: true,
		}).
		Create(&segments)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to insert segment batch: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// MaxSequence implements Store.MaxSequence.
func (s *PostgresStore) MaxSequence(ctx context.Context, meetingID uuid.UUID) (int64, error) {
	var max int64
	err := s.db.WithContext(ctx).
		Model(&transcript.Segment{}).
		Where("meeting_id = ?", meetingID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, fmt.Errorf("failed to query max sequence for %s: %w", meetingID, err)
	}
	return max, nil
}

// Ping implements Store.Ping.
func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to access underlying db: %w", err)
	}
	return sqlDB.PingContext(ctx)
}
