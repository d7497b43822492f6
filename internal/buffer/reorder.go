// Package buffer absorbs out-of-order delivery from the upstream stream and
// presents a locally-ordered, duplicate-free segment sequence downstream.
package buffer

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetscribe/transcript-gateway/internal/observability"
	"github.com/meetscribe/transcript-gateway/internal/transcript"
)

// Config tunes one reorder buffer.
type Config struct {
	// Window is the reorder window, measured against segment start
	// offsets and against wall-clock hold time on sweeps. Correctness
	// holds for any value; only latency and reorder tolerance change.
	Window time.Duration

	// MaxSegments caps held segments. Above it the oldest entries are
	// released eagerly: bounded memory beats strict ordering at extreme
	// volume.
	MaxSegments int
}

type entry struct {
	seg       *transcript.Segment
	heldSince time.Time
}

// Reorder is the per-meeting reorder/dedupe buffer. Segments are held for
// at most one window, released in non-decreasing start-offset order, and
// deduplicated on sequence number across everything buffered or already
// released. Arrivals whose window has already closed are released
// immediately, flagged late, for downstream idempotent handling.
type Reorder struct {
	cfg    Config
	logger zerolog.Logger

	mu           sync.Mutex
	pending      []entry // sorted by (StartMs, Sequence)
	seen         map[int64]struct{}
	maxStartSeen int64
	duplicates   int64
}

// NewReorder creates a buffer for one meeting.
func NewReorder(cfg Config, logger zerolog.Logger) *Reorder {
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = 512
	}
	return &Reorder{
		cfg:    cfg,
		logger: logger,
		seen:   make(map[int64]struct{}),
	}
}

// Add offers one normalized segment and returns whatever the buffer can
// release as a consequence, in release order.
func (r *Reorder) Add(seg *transcript.Segment) []*transcript.Segment {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.seen[seg.Sequence]; dup {
		r.duplicates++
		observability.RecordSegmentDropped("duplicate")
		r.logger.Debug().Int64("sequence", seg.Sequence).Msg("Duplicate segment dropped")
		return nil
	}
	r.seen[seg.Sequence] = struct{}{}

	if seg.StartMs > r.maxStartSeen {
		r.maxStartSeen = seg.StartMs
	}

	// Window already closed for this slot: release immediately, out of
	// order, flagged for the storage layer's unique constraint to absorb.
	if seg.StartMs+r.windowMs() < r.maxStartSeen {
		seg.Late = true
		observability.RecordSegmentReleased("late")
		r.logger.Debug().
			Int64("sequence", seg.Sequence).
			Int64("start_ms", seg.StartMs).
			Msg("Late segment released out of order")
		released := []*transcript.Segment{seg}
		return append(released, r.releaseLocked(time.Time{})...)
	}

	r.insertLocked(entry{seg: seg, heldSince: time.Now()})
	return r.releaseLocked(time.Time{})
}

// Sweep releases segments that have been held longer than the window in
// wall-clock time, so the tail of a quiet stream still drains. Driven by a
// periodic timer owned by the pipeline.
func (r *Reorder) Sweep(now time.Time) []*transcript.Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseLocked(now)
}

// Flush releases everything still held, in order. Used on meeting stop.
func (r *Reorder) Flush() []*transcript.Segment {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*transcript.Segment, 0, len(r.pending))
	for _, e := range r.pending {
		out = append(out, e.seg)
	}
	r.pending = r.pending[:0]
	for range out {
		observability.RecordSegmentReleased("in_order")
	}
	return out
}

// Len reports how many segments are currently held.
func (r *Reorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Duplicates reports how many duplicate arrivals were dropped.
func (r *Reorder) Duplicates() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.duplicates
}

func (r *Reorder) windowMs() int64 {
	return r.cfg.Window.Milliseconds()
}

func (r *Reorder) insertLocked(e entry) {
	i := sort.Search(len(r.pending), func(i int) bool {
		p := r.pending[i]
		if p.seg.StartMs != e.seg.StartMs {
			return p.seg.StartMs > e.seg.StartMs
		}
		return p.seg.Sequence > e.seg.Sequence
	})
	r.pending = append(r.pending, entry{})
	copy(r.pending[i+1:], r.pending[i:])
	r.pending[i] = e
}

// releaseLocked pops every held segment whose window has expired, either
// because a newer start offset moved past it or (when now is non-zero)
// because it has been held too long. It then enforces the size cap.
func (r *Reorder) releaseLocked(now time.Time) []*transcript.Segment {
	var out []*transcript.Segment

	for len(r.pending) > 0 {
		front := r.pending[0]
		expired := front.seg.StartMs+r.windowMs() < r.maxStartSeen
		if !expired && !now.IsZero() {
			expired = now.Sub(front.heldSince) > r.cfg.Window
		}
		if !expired {
			break
		}
		r.pending = r.pending[1:]
		observability.RecordSegmentReleased("in_order")
		out = append(out, front.seg)
	}

	// Size cap: eager release of the oldest entries, still in order.
	for len(r.pending) > r.cfg.MaxSegments {
		front := r.pending[0]
		r.pending = r.pending[1:]
		observability.RecordSegmentReleased("in_order")
		out = append(out, front.seg)
	}

	return out
}
