// Package writer turns the released-segment stream into batched durable
// writes without reordering and without letting storage failures kill
// ingestion.
package writer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetscribe/transcript-gateway/internal/observability"
	"github.com/meetscribe/transcript-gateway/internal/resilience"
	"github.com/meetscribe/transcript-gateway/internal/store"
	"github.com/meetscribe/transcript-gateway/internal/transcript"
)

// Config tunes one batch writer.
type Config struct {
	MaxBatch      int           // Flush when a batch reaches this many segments
	FlushInterval time.Duration // Flush a partial batch at least this often
	WriteTimeout  time.Duration // Deadline per durable-store call
	RetryAttempts int           // Bounded retries per batch
	RetryBackoff  time.Duration // Initial retry backoff
	HoldMax       int           // Failed batches held in memory before dropping the oldest
}

// Batch is the per-meeting persistence writer. Segments are accumulated in
// arrival order and flushed when either the size or the time threshold is
// hit. Writes are upsert-or-ignore on (meeting, sequence), so duplicate and
// late segments are absorbed by the store. A batch whose retries are
// exhausted is held in memory and retried ahead of newer batches; losing
// the process is never an acceptable outcome of a storage failure.
type Batch struct {
	cfg    Config
	store  store.Store
	logger zerolog.Logger

	in      chan *transcript.Segment
	done    chan struct{}
	pending []*transcript.Segment
	held    [][]*transcript.Segment // FIFO of batches that exhausted retries
}

// NewBatch creates a writer for one meeting. Call Run to start it.
func NewBatch(cfg Config, st store.Store, logger zerolog.Logger) *Batch {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 250 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.HoldMax <= 0 {
		cfg.HoldMax = 32
	}
	return &Batch{
		cfg:    cfg,
		store:  st,
		logger: logger,
		in:     make(chan *transcript.Segment, cfg.MaxBatch*2),
		done:   make(chan struct{}),
	}
}

// Submit queues one released segment for persistence. Blocks only when the
// writer's own queue is full, never on other meetings.
func (b *Batch) Submit(seg *transcript.Segment) {
	b.in <- seg
}

// Stop closes the intake. Run flushes whatever is pending and exits; wait
// on Done with a deadline.
func (b *Batch) Stop() {
	close(b.in)
}

// Done is closed once Run has flushed and exited.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Run consumes the intake until Stop or context cancellation, flushing on
// the size threshold and on a ticker, whichever comes first.
func (b *Batch) Run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case seg, ok := <-b.in:
			if !ok {
				b.flush(ctx)
				return
			}
			b.pending = append(b.pending, seg)
			if len(b.pending) >= b.cfg.MaxBatch {
				b.flush(ctx)
			}

		case <-ticker.C:
			// Held batches retry on the ticker too: a storage outage over
			// a quiet stretch of the meeting must not park them until the
			// next segment arrives.
			if len(b.pending) > 0 || len(b.held) > 0 {
				b.flush(ctx)
			}

		case <-ctx.Done():
			b.flush(context.Background()) // last chance, not bound to the dead ctx
			return
		}
	}
}

// flush writes held batches first (oldest wins, order preserved), then the
// current batch. On exhausted retries the batch joins the hold queue.
func (b *Batch) flush(ctx context.Context) {
	if len(b.pending) > 0 {
		b.held = append(b.held, b.pending)
		b.pending = nil
	}

	for len(b.held) > 0 {
		batch := b.held[0]
		if err := b.writeBatch(ctx, batch); err != nil {
			// Keep the queue bounded; the unique constraint makes any
			// re-send of dropped data safe, but the data itself is lost.
			if len(b.held) > b.cfg.HoldMax {
				dropped := b.held[0]
				b.held = b.held[1:]
				b.logger.Error().
					Int("segments", len(dropped)).
					Msg("Dropping oldest held batch over hold cap")
				observability.RecordError("held_batch_dropped", "writer")
			}
			observability.SetHeldBatches(len(b.held))
			return
		}
		b.held = b.held[1:]
	}
	observability.SetHeldBatches(0)
}

func (b *Batch) writeBatch(ctx context.Context, batch []*transcript.Segment) error {
	start := time.Now()

	retryCfg := &resilience.RetryConfig{
		MaxAttempts:       b.cfg.RetryAttempts,
		InitialBackoff:    b.cfg.RetryBackoff,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}

	attempt := 0
	err := resilience.Retry(ctx, func() error {
		if attempt > 0 {
			observability.RecordStorageRetry()
		}
		attempt++

		writeCtx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
		defer cancel()

		inserted, err := b.store.InsertSegments(writeCtx, batch)
		if err != nil {
			return err
		}
		observability.RecordSegmentsPersisted(int(inserted))
		return nil
	}, retryCfg, nil)

	observability.RecordBatchFlush(len(batch), time.Since(start), err == nil)
	if err != nil {
		b.logger.Error().
			Err(err).
			Int("segments", len(batch)).
			Int("attempts", attempt).
			Msg("Batch write failed after retries, holding in memory")
		observability.RecordError("storage_write_failed", "writer")
		return err
	}

	b.logger.Debug().
		Int("segments", len(batch)).
		Dur("latency", time.Since(start)).
		Msg("Batch flushed")
	return nil
}
