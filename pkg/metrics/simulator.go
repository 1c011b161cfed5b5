package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SimulatorMetrics contains Prometheus metrics for the simulated backend.
type SimulatorMetrics struct {
	LocationsGenerated prometheus.Counter
	DevicesSimulated   prometheus.Gauge
	LocationsStored    prometheus.Gauge
	ClientsConnected   prometheus.Gauge
	BroadcastFailures  prometheus.Counter
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
}

// NewSimulatorMetrics creates and registers simulator metrics on reg,
// or on the global Registry when reg is nil.
func NewSimulatorMetrics(namespace string, reg prometheus.Registerer) *SimulatorMetrics {
	m := &SimulatorMetrics{
		LocationsGenerated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "locations_generated_total",
				Help:      "Total number of location events generated",
			},
		),
		DevicesSimulated: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "devices",
				Help:      "Number of simulated devices",
			},
		),
		LocationsStored: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "locations_stored",
				Help:      "Number of location events held in the store",
			},
		),
		ClientsConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "clients_connected",
				Help:      "Number of connected stream clients",
			},
		),
		BroadcastFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "broadcast_failures_total",
				Help:      "Total number of frames that could not be delivered to a client",
			},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"route", "status_code"},
		),
		APIRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Duration of API requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}

	registererOrDefault(reg).MustRegister(
		m.LocationsGenerated,
		m.DevicesSimulated,
		m.LocationsStored,
		m.ClientsConnected,
		m.BroadcastFailures,
		m.APIRequestsTotal,
		m.APIRequestDuration,
	)

	return m
}
