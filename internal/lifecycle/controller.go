package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetscribe/transcript-gateway/internal/buffer"
	"github.com/meetscribe/transcript-gateway/internal/hub"
	"github.com/meetscribe/transcript-gateway/internal/observability"
	"github.com/meetscribe/transcript-gateway/internal/store"
	"github.com/meetscribe/transcript-gateway/internal/stream"
	"github.com/meetscribe/transcript-gateway/internal/transcript"
	"github.com/meetscribe/transcript-gateway/internal/writer"
)

// Config wires pipeline tuning through to the per-meeting components.
type Config struct {
	Stream        stream.Config
	Buffer        buffer.Config
	Writer        writer.Config
	SweepInterval time.Duration
	DrainTimeout  time.Duration
}

// Controller owns one ingestion pipeline per active meeting: stream
// client, normalizer, reorder buffer, batch writer, and the broadcast
// fan-out. Start and stop are idempotent per meeting key.
type Controller struct {
	cfg      Config
	store    store.Store
	hub      *hub.Hub
	provider stream.Provider
	logger   zerolog.Logger

	mu        sync.Mutex
	pipelines map[string]*pipeline
}

// pipeline is the running machinery behind one ongoing meeting.
type pipeline struct {
	meeting *transcript.Meeting
	client  *stream.Client
	batch   *writer.Batch
	metrics *observability.MeetingMetrics
	cancel  context.CancelFunc

	ongoingOnce sync.Once // first successful connect marks the meeting ongoing

	streamDone chan struct{} // closed after client.Run returns
	done       chan struct{} // closed after the pipeline fully drained
	runErr     error         // valid once streamDone is closed
}

// NewController creates a controller with no active meetings.
func NewController(cfg Config, st store.Store, h *hub.Hub, provider stream.Provider, logger zerolog.Logger) *Controller {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 250 * time.Millisecond
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	return &Controller{
		cfg:       cfg,
		store:     st,
		hub:       h,
		provider:  provider,
		logger:    logger,
		pipelines: make(map[string]*pipeline),
	}
}

// StartMeeting begins ingestion for a meeting key. Starting an already
// ongoing meeting is a no-op. The durable meeting record is created
// synchronously; connection and ingestion proceed in the background.
func (c *Controller) StartMeeting(ctx context.Context, meetingKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, running := c.pipelines[meetingKey]; running {
		c.logger.Debug().Str("meeting_key", meetingKey).Msg("Meeting already ongoing, ignoring start")
		return nil
	}

	meeting, err := c.store.EnsureMeeting(ctx, meetingKey)
	if err != nil {
		return fmt.Errorf("ensure meeting %s: %w", meetingKey, err)
	}

	// Resume past persisted sequences so a restarted meeting never
	// collides with rows already on disk.
	lastSeq, err := c.store.MaxSequence(ctx, meeting.ID)
	if err != nil {
		return fmt.Errorf("resume point for %s: %w", meetingKey, err)
	}

	logger := observability.WithMeeting(meetingKey)

	runCtx, cancel := context.WithCancel(context.Background())

	p := &pipeline{
		meeting:    meeting,
		metrics:    observability.NewMeetingMetrics(meetingKey),
		cancel:     cancel,
		streamDone: make(chan struct{}),
		done:       make(chan struct{}),
	}

	normalizer := transcript.NewNormalizer(meeting.ID, meetingKey, c.store, logger)
	normalizer.ResumeFrom(lastSeq)

	reorder := buffer.NewReorder(c.cfg.Buffer, logger)
	p.batch = writer.NewBatch(c.cfg.Writer, c.store, logger)
	p.client = stream.NewClient(c.cfg.Stream, c.provider, meetingKey, func(s stream.State) {
		logger.Debug().Str("state", s.String()).Msg("Meeting stream transition")
		// Viewers see mid-meeting connection trouble instead of a
		// silently stalling transcript. Terminal status comes from
		// finishMeeting, not from here.
		switch s {
		case stream.StateConnected:
			// The meeting turns ongoing on the first successful connect,
			// not on the start signal; StartedAt marks real ingestion.
			p.ongoingOnce.Do(func() {
				statusCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := c.store.UpdateMeetingStatus(statusCtx, meeting.ID, transcript.StatusOngoing); err != nil {
					logger.Error().Err(err).Msg("Failed to mark meeting ongoing")
				}
			})
			c.hub.BroadcastStatus(meetingKey, string(transcript.StatusOngoing))
		case stream.StateDisconnected:
			c.hub.BroadcastStatus(meetingKey, "reconnecting")
		}
	}, logger)

	c.pipelines[meetingKey] = p

	go p.batch.Run(runCtx)
	go func() {
		p.runErr = p.client.Run(runCtx)
		close(p.streamDone)
	}()
	go c.runPipeline(runCtx, p, normalizer, reorder, logger)

	logger.Info().Int64("resume_after", lastSeq).Msg("Meeting ingestion started")
	return nil
}

// runPipeline is the single consumer of the stream's event channel. One
// goroutine handles both arrivals and sweep ticks, so segments reach the
// writer and the hub in exactly the release order the buffer decided.
func (c *Controller) runPipeline(ctx context.Context, p *pipeline, normalizer *transcript.Normalizer, reorder *buffer.Reorder, logger zerolog.Logger) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	events := p.client.Events()
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			seg, err := normalizer.Normalize(ctx, ev)
			if err != nil {
				observability.RecordSegmentDropped("malformed")
				logger.Warn().Err(err).Msg("Dropping malformed transcript event")
				continue
			}
			observability.RecordSegmentIngested()
			if !ev.ReceivedAt.IsZero() {
				observability.ObserveSegmentLatency(time.Since(ev.ReceivedAt))
			}
			c.dispatch(p, reorder.Add(seg))
			observability.SetBufferOccupancy(reorder.Len())

		case <-ticker.C:
			c.dispatch(p, reorder.Sweep(time.Now()))
			observability.SetBufferOccupancy(reorder.Len())
		}
	}

	// Stream is done: flush everything still buffered, then let the
	// writer land it before the meeting is declared over.
	c.dispatch(p, reorder.Flush())
	observability.SetBufferOccupancy(0)

	p.batch.Stop()
	select {
	case <-p.batch.Done():
	case <-time.After(c.cfg.DrainTimeout):
		logger.Warn().Msg("Drain deadline exceeded, abandoning unflushed batches")
		p.cancel()
	}

	<-p.streamDone
	c.finishMeeting(p, logger)
}

// dispatch hands released segments to the writer and the hub in order.
func (c *Controller) dispatch(p *pipeline, segs []*transcript.Segment) {
	for _, seg := range segs {
		p.batch.Submit(seg)
		c.hub.BroadcastSegment(hub.NewSegmentMessage(seg))
	}
}

// finishMeeting records the terminal status once ingestion has drained.
// A stream that exhausted its reconnect budget fails the meeting; every
// other exit is a normal completion.
func (c *Controller) finishMeeting(p *pipeline, logger zerolog.Logger) {
	status := transcript.StatusCompleted
	if p.runErr != nil && errors.Is(p.runErr, stream.ErrStreamFailed) {
		status = transcript.StatusFailed
		observability.RecordError("stream_failed", "lifecycle")
		logger.Error().Err(p.runErr).Msg("Meeting failed, upstream could not be restored")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.UpdateMeetingStatus(ctx, p.meeting.ID, status); err != nil {
		logger.Error().Err(err).Msg("Failed to record terminal meeting status")
	}

	p.metrics.RecordMeetingEnd()
	p.cancel()

	c.mu.Lock()
	delete(c.pipelines, p.meeting.MeetingKey)
	c.mu.Unlock()

	c.hub.BroadcastStatus(p.meeting.MeetingKey, string(status))
	logger.Info().Str("status", string(status)).Msg("Meeting ingestion finished")
	close(p.done)
}

// StopMeeting drains and completes an ongoing meeting: intake stops,
// buffered segments flush through the writer, and the terminal status is
// broadcast. Stopping an unknown or already stopped meeting is a no-op.
func (c *Controller) StopMeeting(ctx context.Context, meetingKey string) error {
	c.mu.Lock()
	p, running := c.pipelines[meetingKey]
	c.mu.Unlock()

	if !running {
		// A stop may race a crash or arrive twice; settle the durable
		// record if it was left ongoing, otherwise do nothing.
		meeting, err := c.store.GetMeetingByKey(ctx, meetingKey)
		if err != nil {
			if errors.Is(err, store.ErrMeetingNotFound) {
				return nil
			}
			return err
		}
		if meeting.Status == transcript.StatusOngoing {
			return c.store.UpdateMeetingStatus(ctx, meeting.ID, transcript.StatusCompleted)
		}
		return nil
	}

	p.client.Drain()

	select {
	case <-p.done:
		return nil
	case <-time.After(c.cfg.DrainTimeout + time.Second):
		return fmt.Errorf("meeting %s did not drain in time", meetingKey)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MeetingStatus reports a meeting's current lifecycle status. Satisfies
// the hub's subscribe-time status lookup.
func (c *Controller) MeetingStatus(ctx context.Context, meetingKey string) (string, error) {
	meeting, err := c.store.GetMeetingByKey(ctx, meetingKey)
	if err != nil {
		if errors.Is(err, store.ErrMeetingNotFound) {
			return string(transcript.StatusPending), nil
		}
		return "", err
	}
	return string(meeting.Status), nil
}

// ActiveMeetings returns the number of running pipelines.
func (c *Controller) ActiveMeetings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pipelines)
}

// Shutdown drains every active meeting, bounded by the drain timeout.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	keys := make([]string, 0, len(c.pipelines))
	for key := range c.pipelines {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			if err := c.StopMeeting(ctx, key); err != nil {
				c.logger.Error().Err(err).Str("meeting_key", key).Msg("Meeting did not stop cleanly")
			}
		}(key)
	}
	wg.Wait()
}
