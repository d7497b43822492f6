package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Meeting metrics
	activeMeetings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcript_gateway_active_meetings",
		Help: "Number of meetings with a live ingestion pipeline",
	})

	totalMeetings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcript_gateway_meetings_total",
		Help: "Total number of meetings ingested",
	})

	meetingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcript_gateway_meeting_duration_seconds",
		Help:    "Duration of ingested meetings in seconds",
		Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400},
	})

	// Segment pipeline metrics
	segmentsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcript_gateway_segments_ingested_total",
		Help: "Raw provider events accepted by the normalizer",
	})

	segmentsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_gateway_segments_dropped_total",
		Help: "Segments dropped before release",
	}, []string{"reason"}) // reason: "malformed", "duplicate"

	segmentsReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_gateway_segments_released_total",
		Help: "Segments released by the reorder buffer",
	}, []string{"timing"}) // timing: "in_order" or "late"

	segmentsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcript_gateway_segments_persisted_total",
		Help: "Segments durably written (duplicates absorbed by the store excluded)",
	})

	bufferOccupancy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcript_gateway_buffer_segments",
		Help: "Segments currently held in reorder buffers across all meetings",
	})

	segmentLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcript_gateway_segment_latency_seconds",
		Help:    "Arrival-to-broadcast latency per segment",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	})

	// Writer metrics
	batchFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_gateway_batch_flushes_total",
		Help: "Batch writer flushes",
	}, []string{"status"}) // status: "success" or "error"

	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcript_gateway_batch_size_segments",
		Help:    "Segments per durable write batch",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 200},
	})

	batchFlushLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcript_gateway_batch_flush_seconds",
		Help:    "Durable write latency per batch",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	})

	storageRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcript_gateway_storage_retries_total",
		Help: "Retried durable-store writes",
	})

	heldBatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcript_gateway_held_batches",
		Help: "Batches held in memory after exhausted storage retries",
	})

	// Stream client metrics
	streamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_gateway_stream_reconnects_total",
		Help: "Upstream stream reconnect attempts",
	}, []string{"status"}) // status: "success" or "error"

	// Broadcast hub metrics
	activeViewers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcript_gateway_active_viewers",
		Help: "Currently subscribed live viewer connections",
	})

	viewerDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_gateway_viewer_drops_total",
		Help: "Viewer connections dropped by the hub",
	}, []string{"reason"}) // reason: "slow", "ping_timeout", "write_error", "closed"

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transcript_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// RecordSegmentIngested counts a raw event accepted by the normalizer.
func RecordSegmentIngested() {
	segmentsIngested.Inc()
}

// RecordSegmentDropped counts a segment dropped before release.
// Reason is "malformed" or "duplicate".
func RecordSegmentDropped(reason string) {
	segmentsDropped.WithLabelValues(reason).Inc()
}

// RecordSegmentReleased counts a buffer release. Timing is "in_order" or "late".
func RecordSegmentReleased(timing string) {
	segmentsReleased.WithLabelValues(timing).Inc()
}

// RecordSegmentsPersisted counts durably written segments.
func RecordSegmentsPersisted(n int) {
	segmentsPersisted.Add(float64(n))
}

// SetBufferOccupancy updates the global buffered-segment gauge.
func SetBufferOccupancy(n int) {
	bufferOccupancy.Set(float64(n))
}

// ObserveSegmentLatency records arrival-to-broadcast latency for one segment.
func ObserveSegmentLatency(d time.Duration) {
	segmentLatency.Observe(d.Seconds())
}

// RecordBatchFlush records one writer flush attempt.
func RecordBatchFlush(size int, latency time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	batchFlushes.WithLabelValues(status).Inc()
	batchSize.Observe(float64(size))
	batchFlushLatency.Observe(latency.Seconds())
}

// RecordStorageRetry counts one retried durable write.
func RecordStorageRetry() {
	storageRetries.Inc()
}

// SetHeldBatches updates the exhausted-retry hold gauge.
func SetHeldBatches(n int) {
	heldBatches.Set(float64(n))
}

// RecordStreamReconnect counts one reconnect attempt outcome.
func RecordStreamReconnect(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	streamReconnects.WithLabelValues(status).Inc()
}

// RecordViewerSubscribed tracks a viewer joining the hub.
func RecordViewerSubscribed() {
	activeViewers.Inc()
}

// RecordViewerRemoved tracks a viewer leaving the hub.
// Reason is "slow", "ping_timeout", "write_error", or "closed".
func RecordViewerRemoved(reason string) {
	activeViewers.Dec()
	viewerDrops.WithLabelValues(reason).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

// MeetingMetrics tracks metrics for a single meeting's pipeline
type MeetingMetrics struct {
	meetingKey string
	startTime  time.Time
	mu         sync.Mutex
	ended      bool
}

// NewMeetingMetrics creates a metrics tracker for one meeting and records its start.
func NewMeetingMetrics(meetingKey string) *MeetingMetrics {
	activeMeetings.Inc()
	totalMeetings.Inc()
	return &MeetingMetrics{
		meetingKey: meetingKey,
		startTime:  time.Now(),
	}
}

// RecordMeetingEnd records the end of a meeting's pipeline. Safe to call more than once.
func (m *MeetingMetrics) RecordMeetingEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeMeetings.Dec()
	meetingDuration.Observe(time.Since(m.startTime).Seconds())
}
