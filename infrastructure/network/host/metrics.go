package host

import (
	m "github.com/gnutd/gnutd/infrastructure/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the counters shared by every Host and ConnectionEngine.
type Metrics struct {
	// all metrics fields must be exported
	// to be able to return them by Metrics()
	// using reflection
	ReceivedMessages *prometheus.CounterVec
	DroppedMessages  *prometheus.CounterVec
	SentMessages     prometheus.Counter
	SendErrors       prometheus.Counter
	ClosedByError    prometheus.Counter
}

// NewMetrics returns a new Metrics.
func NewMetrics() *Metrics {
	subsystem := "host"

	return &Metrics{
		ReceivedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "received_messages_count",
			Help:      "Number of well formed messages received, by payload type.",
		}, []string{"type"}),
		DroppedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "dropped_messages_count",
			Help:      "Number of received messages dropped before routing, by reason.",
		}, []string{"reason"}),
		SentMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "sent_messages_count",
			Help:      "Number of messages written to connections.",
		}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "send_errors_count",
			Help:      "Number of connections closed because a write failed.",
		}),
		ClosedByError: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "read_errors_count",
			Help:      "Number of connections closed because their read loop failed.",
		}),
	}
}

// Metrics returns the prometheus collectors of metrics.
func (metrics *Metrics) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(metrics)
}
