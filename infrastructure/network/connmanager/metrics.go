package connmanager

import (
	m "github.com/gnutd/gnutd/infrastructure/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	// all metrics fields must be exported
	// to be able to return them by Metrics()
	// using reflection
	OutgoingAttempts  *prometheus.CounterVec
	IncomingAttempts  *prometheus.CounterVec
	QuietDisconnects  prometheus.Counter
	ConnectedHosts    *prometheus.GaugeVec
	AttemptsInFlight  prometheus.Gauge
	BusyHostsRecorded prometheus.Counter
}

func newMetrics() metrics {
	subsystem := "connmanager"

	return metrics{
		OutgoingAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "outgoing_attempts_count",
			Help:      "Number of outgoing connection attempts, by result.",
		}, []string{"result"}),
		IncomingAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "incoming_attempts_count",
			Help:      "Number of incoming connections, by result.",
		}, []string{"result"}),
		QuietDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "quiet_disconnects_count",
			Help:      "Number of connections closed because they stayed quiet after a ping probe.",
		}),
		ConnectedHosts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "connected_hosts",
			Help:      "Number of connected hosts, by role.",
		}, []string{"role"}),
		AttemptsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "attempts_in_flight",
			Help:      "Number of outgoing connection attempts in progress.",
		}),
		BusyHostsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "busy_hosts_count",
			Help:      "Number of hosts that refused a connection as busy.",
		}),
	}
}

// Metrics returns the prometheus collectors of the connection manager.
func (c *ConnectionManager) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(c.metrics)
}
