package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetscribe/transcript-gateway/internal/observability"
	"github.com/meetscribe/transcript-gateway/internal/resilience"
	"github.com/meetscribe/transcript-gateway/internal/transcript"
)

// Config tunes one stream client.
type Config struct {
	ReconnectMaxAttempts int
	ReconnectBackoff     time.Duration
	ReconnectMaxBackoff  time.Duration
	QueueSize            int // events channel depth

	// Circuit breaker guarding connection attempts
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
}

// TransitionFunc observes connection state transitions so meeting status
// can propagate to the lifecycle controller and viewers.
type TransitionFunc func(state State)

// Client owns one inbound connection per active meeting and runs the
// disconnected -> connecting -> connected -> draining -> closed state
// machine. On unexpected disconnects it reconnects with exponential
// backoff plus jitter, bounded by a maximum attempt count, after which the
// stream is failed.
type Client struct {
	cfg        Config
	provider   Provider
	meetingKey string
	logger     zerolog.Logger
	breaker    *resilience.CircuitBreaker

	events       chan *transcript.RawEvent
	onTransition TransitionFunc

	mu      sync.RWMutex
	state   State
	conn    Conn
	lastSeq int64
}

// NewClient creates a stream client for one meeting. Call Run to connect.
func NewClient(cfg Config, provider Provider, meetingKey string, onTransition TransitionFunc, logger zerolog.Logger) *Client {
	if cfg.ReconnectMaxAttempts <= 0 {
		cfg.ReconnectMaxAttempts = 5
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = time.Second
	}
	if cfg.ReconnectMaxBackoff <= 0 {
		cfg.ReconnectMaxBackoff = 30 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerResetTimeout <= 0 {
		cfg.BreakerResetTimeout = 30 * time.Second
	}
	return &Client{
		cfg:          cfg,
		provider:     provider,
		meetingKey:   meetingKey,
		logger:       logger,
		breaker:      resilience.NewCircuitBreaker("stream:"+meetingKey, cfg.BreakerMaxFailures, cfg.BreakerResetTimeout),
		events:       make(chan *transcript.RawEvent, cfg.QueueSize),
		onTransition: onTransition,
		state:        StateDisconnected,
	}
}

// Events is the inbound event stream. Closed when the client closes.
func (c *Client) Events() <-chan *transcript.RawEvent {
	return c.events
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastSequence is the highest provider-assigned sequence seen, used as the
// resume point after reconnects.
func (c *Client) LastSequence() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeq
}

// Drain stops accepting new inbound events while in-flight segments flush.
// The run loop observes the state change and closes.
func (c *Client) Drain() {
	c.mu.Lock()
	if c.state == StateDraining || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateDraining)
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close() // unblocks Recv
	}
}

// Run connects and pumps inbound events until Drain, context cancellation,
// or exhausted reconnects. The events channel is closed on exit. Returns
// ErrStreamFailed when the upstream could not be kept alive.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)
	defer c.setState(StateClosed)

	// The initial connect gets the same bounded retry budget as any later
	// disconnect; a meeting whose stream never comes up fails the same way
	// one whose stream drops mid-meeting does.
	if err := c.connect(ctx); err != nil {
		c.setState(StateDisconnected)
		c.logger.Warn().Err(err).Msg("Initial connect failed, retrying")
		observability.RecordError("connect_failed", "stream")
		if err := c.reconnect(ctx); err != nil {
			return err
		}
	}

	for {
		c.mu.RLock()
		conn := c.conn
		draining := c.state == StateDraining
		c.mu.RUnlock()

		if draining || ctx.Err() != nil {
			return nil
		}

		ev, err := conn.Recv()
		if err != nil {
			if c.State() == StateDraining || ctx.Err() != nil {
				return nil
			}

			c.setState(StateDisconnected)
			c.logger.Warn().Err(err).Msg("Upstream disconnected, reconnecting")
			observability.RecordError("upstream_disconnect", "stream")

			if err := c.reconnect(ctx); err != nil {
				return err
			}
			continue
		}

		if ev == nil {
			continue
		}
		if ev.Sequence != nil {
			c.mu.Lock()
			if *ev.Sequence > c.lastSeq {
				c.lastSeq = *ev.Sequence
			}
			c.mu.Unlock()
		}

		select {
		case c.events <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

// connect performs one connection attempt through the circuit breaker.
func (c *Client) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	err := c.breaker.Call(func() error {
		conn, err := c.provider.Connect(ctx, c.meetingKey, c.LastSequence())
		if err != nil {
			return err
		}
		c.mu.Lock()
		// Drain may have landed while the dial was in flight; the fresh
		// connection has no owner to close it later, so close it now.
		if c.state == StateDraining || c.state == StateClosed {
			c.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		c.conn = conn
		c.mu.Unlock()
		return nil
	})
	observability.UpdateCircuitBreakerState("stream", int(c.breaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("stream")
		return fmt.Errorf("connect %s: %w", c.meetingKey, err)
	}

	c.setState(StateConnected)
	return nil
}

// reconnect retries connect with exponential backoff plus jitter, bounded
// by the configured attempt budget. Exhaustion fails the stream.
func (c *Client) reconnect(ctx context.Context) error {
	reconnectCfg := &resilience.ReconnectConfig{
		MaxAttempts: c.cfg.ReconnectMaxAttempts,
		Backoff:     c.cfg.ReconnectBackoff,
		Multiplier:  2.0,
		MaxBackoff:  c.cfg.ReconnectMaxBackoff,
	}

	err := resilience.Reconnect(ctx, c.logger, func() error {
		if c.State() == StateDraining {
			return nil // stop signal won the race; nothing to restore
		}
		err := c.connect(ctx)
		observability.RecordStreamReconnect(err == nil)
		return err
	}, reconnectCfg)
	if err != nil {
		c.logger.Error().
			Err(err).
			Int("max_attempts", c.cfg.ReconnectMaxAttempts).
			Msg("Reconnect budget exhausted, failing stream")
		return fmt.Errorf("%w: %s: %v", ErrStreamFailed, c.meetingKey, err)
	}
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.setStateLocked(s)
	c.mu.Unlock()
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	// closed is terminal, and draining only yields to closed: a reconnect
	// racing a stop signal must not resurrect the stream.
	if c.state == StateClosed || (c.state == StateDraining && s != StateClosed) {
		return
	}
	c.state = s
	c.logger.Debug().Str("state", s.String()).Msg("Stream state changed")
	if c.onTransition != nil {
		go c.onTransition(s)
	}
}
