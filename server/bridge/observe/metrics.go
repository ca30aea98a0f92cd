package observe

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the Prometheus instruments for the bridge worker.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	OutboundSends     *prometheus.CounterVec
	SuppressedSends   *prometheus.CounterVec
	DeadLetters       *prometheus.CounterVec
	InboundEvents     prometheus.Counter
	ReconnectAttempts prometheus.Counter
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live connection handles owned by this instance.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		OutboundSends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_sends_total",
			Help:      "Outbound sends by content type and status.",
		}, []string{"type", "status"}),
		SuppressedSends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suppressed_sends_total",
			Help:      "Sends dropped by a rate window, by scope.",
		}, []string{"scope"}),
		DeadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Jobs archived after exhausting their attempts, by queue.",
		}, []string{"queue"}),
		InboundEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Inbound events forwarded to the downstream queue.",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts after non-logout disconnects.",
		}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
