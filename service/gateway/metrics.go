package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "signgate"

// Metrics are the gateway's Prometheus collectors.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	Rejected          prometheus.Counter
	Evicted           prometheus.Counter
	AuthFailures      prometheus.Counter
	EventsReceived    *prometheus.CounterVec
	PublishErrors     prometheus.Counter
}

// NewMetrics registers the collectors with reg. A nil reg yields unregistered
// collectors, which keeps independent gateways in tests from colliding.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_connections",
			Help:      "Connections currently held in the registry.",
		}),
		Rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_rejected_total",
			Help:      "Connections refused because the gateway was at capacity.",
		}),
		Evicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_evicted_total",
			Help:      "Connections closed by the inactivity monitor.",
		}),
		AuthFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "auth_failures_total",
			Help:      "Handshakes whose credential failed verification.",
		}),
		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_received_total",
			Help:      "Inbound application events by name; unrecognised names count as other.",
		}, []string{"event"}),
		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fanout_publish_errors_total",
			Help:      "Room publishes the fan-out backend failed to accept.",
		}),
	}
}
