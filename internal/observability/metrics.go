package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks the number of stream keys with a live encoder.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livebridge_ingest_active_sessions",
			Help: "Number of stream sessions with a running encoder",
		},
	)

	// SessionsStarted tracks the total number of encoder sessions created.
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livebridge_ingest_sessions_started_total",
			Help: "Total number of ingest sessions started",
		},
	)

	// SessionsEnded tracks session teardown by reason.
	SessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livebridge_ingest_sessions_ended_total",
			Help: "Total number of ingest sessions ended",
		},
		[]string{"reason"},
	)

	// ChunksIngested tracks forwarded chunks.
	ChunksIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livebridge_ingest_chunks_total",
			Help: "Total number of chunks forwarded to encoders",
		},
	)

	// BytesIngested tracks forwarded bytes.
	BytesIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livebridge_ingest_bytes_total",
			Help: "Total number of bytes forwarded to encoders",
		},
	)

	// EncoderFailures tracks encoder failures by kind.
	EncoderFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livebridge_encoder_failures_total",
			Help: "Total number of encoder spawn, write and exit failures",
		},
		[]string{"kind"},
	)

	// ChunkWriteDuration tracks how long a chunk write to the encoder pipe takes.
	ChunkWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "livebridge_ingest_chunk_write_duration_seconds",
			Help:    "Duration of chunk writes to the encoder input",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// ConnectionAttempts tracks realtime room join attempts by outcome code.
	ConnectionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livebridge_realtime_connection_attempts_total",
			Help: "Total number of realtime room join attempts",
		},
		[]string{"code"},
	)

	// TokensIssued tracks realtime viewer tokens minted by the connect endpoint.
	TokensIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livebridge_realtime_tokens_issued_total",
			Help: "Total number of realtime access tokens issued",
		},
	)

	// HealthChecks tracks diagnostics checks by resulting status.
	HealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livebridge_diagnostics_checks_total",
			Help: "Total number of stream health checks",
		},
		[]string{"status"},
	)
)

// RecordSessionStarted increments session creation metrics.
func RecordSessionStarted() {
	SessionsStarted.Inc()
	ActiveSessions.Inc()
}

// RecordSessionEnded increments session teardown metrics.
func RecordSessionEnded(reason string) {
	SessionsEnded.WithLabelValues(reason).Inc()
	ActiveSessions.Dec()
}

// RecordChunk records a forwarded chunk.
func RecordChunk(size int) {
	ChunksIngested.Inc()
	BytesIngested.Add(float64(size))
}
