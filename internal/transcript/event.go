package transcript

import "time"

// RawEvent is one inbound transcript event from the upstream media-stream
// provider, before normalization. Sequence and Confidence are optional:
// not every provider assigns them.
type RawEvent struct {
	Text          string
	StartOffsetMs int64
	EndOffsetMs   int64
	ParticipantID string
	Sequence      *int64
	Confidence    *float64
	ReceivedAt    time.Time
}
