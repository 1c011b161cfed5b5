package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MQMetrics contains Prometheus metrics for the MQ publisher.
type MQMetrics struct {
	MessagesPushed    *prometheus.CounterVec
	PushFailures      *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	PushDuration      *prometheus.HistogramVec
	ConnectionStatus  prometheus.Gauge
}

// NewMQMetrics creates and registers MQ publisher metrics on reg,
// or on the global Registry when reg is nil.
func NewMQMetrics(namespace string, reg prometheus.Registerer) *MQMetrics {
	m := &MQMetrics{
		MessagesPushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "messages_pushed_total",
				Help:      "Total number of messages pushed to RabbitMQ",
			},
			[]string{"queue"},
		),
		PushFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "push_failures_total",
				Help:      "Total number of failed message pushes",
			},
			[]string{"queue", "reason"},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of reconnection attempts",
			},
		),
		PushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "push_duration_seconds",
				Help:      "Duration of message push operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		ConnectionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "connection_status",
				Help:      "Current connection status (1=connected, 0=disconnected)",
			},
		),
	}

	registererOrDefault(reg).MustRegister(
		m.MessagesPushed,
		m.PushFailures,
		m.ReconnectAttempts,
		m.PushDuration,
		m.ConnectionStatus,
	)

	return m
}

// NotifierMetrics contains Prometheus metrics for the transition notifier.
type NotifierMetrics struct {
	Published *prometheus.CounterVec
	Failed    *prometheus.CounterVec
	Backlog   prometheus.Gauge
}

// NewNotifierMetrics creates and registers notifier metrics on reg,
// or on the global Registry when reg is nil.
func NewNotifierMetrics(namespace string, reg prometheus.Registerer) *NotifierMetrics {
	m := &NotifierMetrics{
		Published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "transitions_published_total",
				Help:      "Total number of geofence transitions published",
			},
			[]string{"kind"},
		),
		Failed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "transitions_failed_total",
				Help:      "Total number of geofence transitions that could not be published",
			},
			[]string{"kind"},
		),
		Backlog: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "backlog",
				Help:      "Number of transitions waiting to be published",
			},
		),
	}

	registererOrDefault(reg).MustRegister(m.Published, m.Failed, m.Backlog)

	return m
}
