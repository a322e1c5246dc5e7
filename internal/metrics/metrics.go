// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CapturePacketsTotal counts frames read from the capture source
	CapturePacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmgmeter_capture_packets_total",
			Help: "Total number of frames captured",
		},
		[]string{"source"},
	)

	// CaptureDropsTotal counts frames dropped before processing
	CaptureDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmgmeter_capture_drops_total",
			Help: "Total number of frames dropped before processing",
		},
		[]string{"stage"},
	)

	// DecodeErrorsTotal counts frames rejected by the L2-L4 decoder
	DecodeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmgmeter_decode_errors_total",
			Help: "Total number of frames rejected during link, IP or TCP decoding",
		},
		[]string{"reason"},
	)

	// DefragActiveGroups tracks IP datagrams awaiting more fragments
	DefragActiveGroups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmgmeter_defrag_active_groups",
			Help: "Number of fragmented IP datagrams awaiting reassembly",
		},
	)

	// DefragExpiredTotal counts fragment groups discarded after the idle timeout
	DefragExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmgmeter_defrag_expired_total",
			Help: "Total number of fragment groups dropped after the idle timeout",
		},
	)

	// SessionLocksTotal counts session locks by matcher
	SessionLocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmgmeter_session_locks_total",
			Help: "Total number of game sessions identified, by signature",
		},
		[]string{"matcher"},
	)

	// SessionTeardownsTotal counts sessions torn down, by reason
	SessionTeardownsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmgmeter_session_teardowns_total",
			Help: "Total number of tracked sessions discarded",
		},
		[]string{"reason"},
	)

	// SegmentsTotal counts TCP segments seen by the reassembler, by outcome
	SegmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmgmeter_tcp_segments_total",
			Help: "Total number of TCP segments handled by the reassembler",
		},
		[]string{"outcome"},
	)

	// FramesTotal counts application frames extracted from the stream
	FramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmgmeter_frames_total",
			Help: "Total number of application frames extracted",
		},
	)

	// StreamCorruptionsTotal counts oversized or undersized length prefixes
	StreamCorruptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmgmeter_stream_corruptions_total",
			Help: "Total number of corrupt frame length prefixes, by policy applied",
		},
		[]string{"policy"},
	)

	// EventsTotal counts routed combat events by kind
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmgmeter_events_total",
			Help: "Total number of combat events routed",
		},
		[]string{"kind", "outcome"},
	)

	// ViewersConnected tracks connected websocket viewers
	ViewersConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmgmeter_viewers_connected",
			Help: "Number of connected live viewers",
		},
	)

	// PersistWritesTotal counts file writes by the async writer
	PersistWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmgmeter_persist_writes_total",
			Help: "Total number of persisted file writes, by result",
		},
		[]string{"result"},
	)

	// ExportsTotal counts archived sessions published to Kafka, by result
	ExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmgmeter_exports_total",
			Help: "Total number of archived sessions exported, by result",
		},
		[]string{"result"},
	)

	// ProcessLatencySeconds measures per-frame processing latency
	ProcessLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dmgmeter_process_latency_seconds",
			Help:    "Latency of processing one captured frame in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1us to ~1s
		},
	)
)
