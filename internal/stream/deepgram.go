package stream

import (
	"context"
	"fmt"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/meetscribe/transcript-gateway/internal/observability"
	"github.com/meetscribe/transcript-gateway/internal/transcript"
)

// DeepgramProvider opens live transcription sessions against Deepgram's
// streaming API. Deepgram assigns no sequence numbers and cannot replay,
// so resume relies entirely on downstream dedupe.
type DeepgramProvider struct {
	apiKey   string
	model    string
	language string
	logger   zerolog.Logger
}

// NewDeepgramProvider creates a provider from API credentials.
func NewDeepgramProvider(apiKey, model, language string, logger zerolog.Logger) *DeepgramProvider {
	return &DeepgramProvider{
		apiKey:   apiKey,
		model:    model,
		language: language,
		logger:   logger,
	}
}

// deepgramConn adapts the SDK's callback delivery to the blocking Conn
// interface: the callback pushes events onto a channel that Recv drains.
type deepgramConn struct {
	client *listenClient.WSCallback
	events chan *transcript.RawEvent
	errs   chan error
	done   chan struct{}
}

// messageCallbackHandler implements the LiveMessageCallback interface.
// It embeds the default handler and overrides only the methods we need.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	onMessage func(*msginterfaces.MessageResponse)
	onError   func(*msginterfaces.ErrorResponse) error
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.onMessage(message)
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.onError != nil {
		return m.onError(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// Connect implements Provider. The SDK performs the websocket handshake
// and auth; transcription options follow the meeting audio profile.
func (p *DeepgramProvider) Connect(ctx context.Context, meetingKey string, resumeAfter int64) (Conn, error) {
	conn := &deepgramConn{
		events: make(chan *transcript.RawEvent, 64),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          p.model,
		Language:       p.language,
		Punctuate:      true,
		InterimResults: true,
		Diarize:        true, // speaker attribution for Speaker records
		VadEvents:      true,
		UtteranceEndMs: "1000",
	}

	logger := p.logger.With().Str("meeting_key", meetingKey).Logger()

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		onMessage: func(msg *msginterfaces.MessageResponse) {
			if ev := toRawEvent(msg); ev != nil {
				conn.push(ev, logger)
			}
		},
		onError: func(errResp *msginterfaces.ErrorResponse) error {
			logger.Warn().
				Str("err_code", errResp.ErrCode).
				Str("err_msg", errResp.ErrMsg).
				Msg("Deepgram stream error")
			select {
			case conn.errs <- fmt.Errorf("deepgram stream error: %s", errResp.ErrMsg):
			default:
			}
			return nil
		},
	}

	client, err := listenClient.NewWSUsingCallback(ctx, p.apiKey, nil, tOptions, callback)
	if err != nil {
		return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	conn.client = client

	logger.Info().
		Str("model", p.model).
		Str("language", p.language).
		Int64("resume_after", resumeAfter).
		Msg("Deepgram live transcription session opened")
	return conn, nil
}

// toRawEvent maps a final Deepgram result onto the canonical raw event
// shape. Interim results are skipped: only finals become segments.
func toRawEvent(msg *msginterfaces.MessageResponse) *transcript.RawEvent {
	if msg == nil || !msg.IsFinal {
		return nil
	}
	if len(msg.Channel.Alternatives) == 0 {
		return nil
	}
	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}

	startSec := msg.Start
	durationSec := msg.Duration
	if len(alt.Words) > 0 && durationSec == 0 {
		startSec = alt.Words[0].Start
		durationSec = alt.Words[len(alt.Words)-1].End - startSec
	}

	ev := &transcript.RawEvent{
		Text:          alt.Transcript,
		StartOffsetMs: int64(startSec * 1000),
		EndOffsetMs:   int64((startSec + durationSec) * 1000),
		ReceivedAt:    time.Now(),
	}
	if alt.Confidence > 0 {
		conf := alt.Confidence
		ev.Confidence = &conf
	}
	// Deepgram carries speaker labels per word under diarization; the
	// event-level participant stays empty and attribution falls back to
	// the platform's participant identifiers when the bot supplies them.
	return ev
}

// push hands a transcript event to Recv without ever blocking the SDK's
// callback goroutine. A full queue drops the event, counted.
func (c *deepgramConn) push(ev *transcript.RawEvent, logger zerolog.Logger) {
	select {
	case c.events <- ev:
	case <-c.done:
	default:
		observability.RecordSegmentDropped("queue_full")
		logger.Warn().Msg("Deepgram event queue full, dropping transcript event")
	}
}

// Recv implements Conn.
func (c *deepgramConn) Recv() (*transcript.RawEvent, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case err := <-c.errs:
		return nil, err
	case <-c.done:
		return nil, fmt.Errorf("deepgram connection closed")
	}
}

// Close implements Conn.
func (c *deepgramConn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	close(c.done)
	c.client.Finish()
	return nil
}
