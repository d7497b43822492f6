package writer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meetscribe/transcript-gateway/internal/store"
	"github.com/meetscribe/transcript-gateway/internal/transcript"
)

func testConfig() Config {
	return Config{
		MaxBatch:      4,
		FlushInterval: 20 * time.Millisecond,
		WriteTimeout:  time.Second,
		RetryAttempts: 3,
		RetryBackoff:  5 * time.Millisecond,
		HoldMax:       8,
	}
}

func seg(meetingID uuid.UUID, sequence, startMs int64) *transcript.Segment {
	return &transcript.Segment{
		MeetingID: meetingID,
		Sequence:  sequence,
		StartMs:   startMs,
		EndMs:     startMs + 100,
		Text:      "text",
	}
}

func waitDone(t *testing.T, b *Batch) {
	t.Helper()
	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Writer did not stop in time")
	}
}

func TestBatch_FlushesOnSizeThreshold(t *testing.T) {
	st := store.NewMemoryStore()
	b := NewBatch(testConfig(), st, zerolog.Nop())
	meetingID := uuid.New()

	go b.Run(context.Background())

	for i := int64(1); i <= 4; i++ {
		b.Submit(seg(meetingID, i, i*100))
	}

	// Size threshold is 4; the batch should land without waiting for Stop.
	deadline := time.Now().Add(time.Second)
	for st.SegmentCount(meetingID) < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := st.SegmentCount(meetingID); got != 4 {
		t.Errorf("Expected 4 persisted segments, got %d", got)
	}

	b.Stop()
	waitDone(t, b)
}

func TestBatch_FlushesOnTimer(t *testing.T) {
	st := store.NewMemoryStore()
	b := NewBatch(testConfig(), st, zerolog.Nop())
	meetingID := uuid.New()

	go b.Run(context.Background())

	b.Submit(seg(meetingID, 1, 100))

	// One segment is below the size threshold; the ticker must flush it.
	deadline := time.Now().Add(time.Second)
	for st.SegmentCount(meetingID) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := st.SegmentCount(meetingID); got != 1 {
		t.Errorf("Expected timer flush of 1 segment, got %d", got)
	}

	b.Stop()
	waitDone(t, b)
}

func TestBatch_StopFlushesPending(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := testConfig()
	cfg.FlushInterval = time.Hour // timer never fires
	b := NewBatch(cfg, st, zerolog.Nop())
	meetingID := uuid.New()

	go b.Run(context.Background())

	b.Submit(seg(meetingID, 1, 100))
	b.Submit(seg(meetingID, 2, 200))
	b.Stop()
	waitDone(t, b)

	if got := st.SegmentCount(meetingID); got != 2 {
		t.Errorf("Expected 2 segments flushed on stop, got %d", got)
	}
}

func TestBatch_PreservesReleaseOrder(t *testing.T) {
	st := store.NewMemoryStore()
	b := NewBatch(testConfig(), st, zerolog.Nop())
	meetingID := uuid.New()

	go b.Run(context.Background())

	starts := []int64{400, 800, 1200, 1600, 2000, 2400}
	for i, s := range starts {
		b.Submit(seg(meetingID, int64(i+1), s))
	}
	b.Stop()
	waitDone(t, b)

	persisted := st.SegmentsByStart(meetingID)
	if len(persisted) != len(starts) {
		t.Fatalf("Expected %d segments, got %d", len(starts), len(persisted))
	}
	for i, s := range persisted {
		if s.StartMs != starts[i] {
			t.Errorf("Position %d: expected start %d, got %d", i, starts[i], s.StartMs)
		}
	}
}

func TestBatch_DuplicatesAbsorbed(t *testing.T) {
	st := store.NewMemoryStore()
	b := NewBatch(testConfig(), st, zerolog.Nop())
	meetingID := uuid.New()

	go b.Run(context.Background())

	// Redelivery after reconnect: sequence 5 arrives twice.
	b.Submit(seg(meetingID, 5, 500))
	b.Submit(seg(meetingID, 5, 500))
	b.Stop()
	waitDone(t, b)

	if got := st.SegmentCount(meetingID); got != 1 {
		t.Errorf("Expected exactly one row for duplicated sequence, got %d", got)
	}
}

func TestBatch_RetriesTransientFailure(t *testing.T) {
	st := store.NewMemoryStore()
	b := NewBatch(testConfig(), st, zerolog.Nop())
	meetingID := uuid.New()

	st.SetWriteError(errors.New("connection refused"))

	go b.Run(context.Background())
	b.Submit(seg(meetingID, 1, 100))

	// Heal storage while retries are in flight.
	time.Sleep(10 * time.Millisecond)
	st.SetWriteError(nil)

	b.Stop()
	waitDone(t, b)

	if got := st.SegmentCount(meetingID); got != 1 {
		t.Errorf("Expected segment persisted after retry, got %d rows", got)
	}
}

func TestBatch_HeldBatchesRetryWhileStreamQuiet(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := testConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	b := NewBatch(cfg, st, zerolog.Nop())
	meetingID := uuid.New()

	st.SetWriteError(errors.New("storage down"))

	go b.Run(context.Background())
	b.Submit(seg(meetingID, 1, 100))

	// Retries exhaust and the batch goes on hold.
	time.Sleep(150 * time.Millisecond)
	if got := st.SegmentCount(meetingID); got != 0 {
		t.Fatalf("Expected nothing persisted while storage is down, got %d", got)
	}

	// Heal during a silent stretch: no new segments, no Stop. The ticker
	// alone must land the held batch.
	st.SetWriteError(nil)

	deadline := time.Now().Add(time.Second)
	for st.SegmentCount(meetingID) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := st.SegmentCount(meetingID); got != 1 {
		t.Errorf("Expected held batch persisted without new traffic, got %d rows", got)
	}

	b.Stop()
	waitDone(t, b)
}

func TestBatch_HoldsBatchAfterExhaustedRetries(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := testConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	b := NewBatch(cfg, st, zerolog.Nop())
	meetingID := uuid.New()

	st.SetWriteError(errors.New("storage down"))

	go b.Run(context.Background())
	b.Submit(seg(meetingID, 1, 100))

	// Let retries exhaust while storage is down; ingestion must continue.
	time.Sleep(150 * time.Millisecond)
	b.Submit(seg(meetingID, 2, 200))

	// Heal; held batches must land ahead of newer data, in order.
	st.SetWriteError(nil)
	b.Stop()
	waitDone(t, b)

	persisted := st.SegmentsByStart(meetingID)
	if len(persisted) != 2 {
		t.Fatalf("Expected both segments persisted after heal, got %d", len(persisted))
	}
	if persisted[0].Sequence != 1 || persisted[1].Sequence != 2 {
		t.Errorf("Expected held batch flushed first, got sequences %d,%d",
			persisted[0].Sequence, persisted[1].Sequence)
	}
}
