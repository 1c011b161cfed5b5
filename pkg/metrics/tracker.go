package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TrackerMetrics contains Prometheus metrics for the ingestion engine.
type TrackerMetrics struct {
	EventsReceived       prometheus.Counter
	EventsRejected       *prometheus.CounterVec
	EventsQueued         prometheus.Counter
	PendingQueueDepth    prometheus.Gauge
	HistorySize          prometheus.Gauge
	DevicesKnown         prometheus.Gauge
	ModeTransitions      *prometheus.CounterVec
	ConnectionState      prometheus.Gauge
	ReconnectAttempts    prometheus.Counter
	MalformedFrames      prometheus.Counter
	HeartbeatTimeouts    prometheus.Counter
	QueryDuration        *prometheus.HistogramVec
	QueryFailures        *prometheus.CounterVec
	QueriesSuperseded    prometheus.Counter
	ViolationTransitions *prometheus.CounterVec
	OracleFailures       prometheus.Counter
}

// NewTrackerMetrics creates and registers tracker metrics on reg,
// or on the global Registry when reg is nil.
func NewTrackerMetrics(namespace string, reg prometheus.Registerer) *TrackerMetrics {
	m := &TrackerMetrics{
		EventsReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tracker",
				Name:      "events_received_total",
				Help:      "Total number of location events delivered by the transport",
			},
		),
		EventsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tracker",
				Name:      "events_rejected_total",
				Help:      "Total number of location events rejected by validation",
			},
			[]string{"field"},
		),
		EventsQueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tracker",
				Name:      "events_queued_total",
				Help:      "Total number of live events diverted to the pending queue in history mode",
			},
		),
		PendingQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "tracker",
				Name:      "pending_queue_depth",
				Help:      "Live events waiting for the return to live mode",
			},
		),
		HistorySize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "tracker",
				Name:      "history_size",
				Help:      "Number of locations in the current history",
			},
		),
		DevicesKnown: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "tracker",
				Name:      "devices_known",
				Help:      "Number of devices in the registry",
			},
		),
		ModeTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tracker",
				Name:      "mode_transitions_total",
				Help:      "Total number of mode transitions by target mode",
			},
			[]string{"to"},
		),
		ConnectionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "state",
				Help:      "Current connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=failed)",
			},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of scheduled reconnection attempts",
			},
		),
		MalformedFrames: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "malformed_frames_total",
				Help:      "Total number of inbound frames dropped because they could not be decoded",
			},
		),
		HeartbeatTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "heartbeat_timeouts_total",
				Help:      "Total number of connections closed because a ping went unanswered",
			},
		),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "duration_seconds",
				Help:      "Duration of query service requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		QueryFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "failures_total",
				Help:      "Total number of failed query service requests",
			},
			[]string{"kind"},
		),
		QueriesSuperseded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "superseded_total",
				Help:      "Total number of query results ignored because a newer request replaced them",
			},
		),
		ViolationTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "geofence",
				Name:      "transitions_total",
				Help:      "Total number of geofence enter/exit transitions",
			},
			[]string{"kind"},
		),
		OracleFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "geofence",
				Name:      "oracle_failures_total",
				Help:      "Total number of containment checks skipped because the oracle was unavailable",
			},
		),
	}

	registererOrDefault(reg).MustRegister(
		m.EventsReceived,
		m.EventsRejected,
		m.EventsQueued,
		m.PendingQueueDepth,
		m.HistorySize,
		m.DevicesKnown,
		m.ModeTransitions,
		m.ConnectionState,
		m.ReconnectAttempts,
		m.MalformedFrames,
		m.HeartbeatTimeouts,
		m.QueryDuration,
		m.QueryFailures,
		m.QueriesSuperseded,
		m.ViolationTransitions,
		m.OracleFailures,
	)

	return m
}
