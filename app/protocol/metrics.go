package protocol

import (
	m "github.com/gnutd/gnutd/infrastructure/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	// all metrics fields must be exported
	// to be able to return them by Metrics()
	// using reflection
	PingsReceived          prometheus.Counter
	PongsReceived          prometheus.Counter
	LocalPongsReceived     prometheus.Counter
	CachedPongsSent        prometheus.Counter
	PingsForwarded         prometheus.Counter
	QueriesReceived        prometheus.Counter
	QueryHitsSent          prometheus.Counter
	LocalQueryHitsReceived prometheus.Counter
	LocalPushesReceived    prometheus.Counter
	RouteTablesInstalled   prometheus.Counter
	ByesReceived           prometheus.Counter
	QueriesForwarded       *prometheus.CounterVec
}

func newMetrics() metrics {
	subsystem := "protocol"

	return metrics{
		PingsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "pings_received_count",
			Help:      "Number of pings received.",
		}),
		PongsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "pongs_received_count",
			Help:      "Number of pongs received.",
		}),
		LocalPongsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "local_pongs_received_count",
			Help:      "Number of pongs answering pings of this node.",
		}),
		CachedPongsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "cached_pongs_sent_count",
			Help:      "Number of pongs answered from the pong cache.",
		}),
		PingsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "pings_forwarded_count",
			Help:      "Number of pings forwarded to other hosts.",
		}),
		QueriesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "queries_received_count",
			Help:      "Number of queries received.",
		}),
		QueryHitsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "query_hits_sent_count",
			Help:      "Number of query hits answering queries from the shared file index.",
		}),
		LocalQueryHitsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "local_query_hits_received_count",
			Help:      "Number of query hits answering queries of this node.",
		}),
		LocalPushesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "local_pushes_received_count",
			Help:      "Number of push requests addressed to this node.",
		}),
		RouteTablesInstalled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "route_tables_installed_count",
			Help:      "Number of query routing tables installed for leaves.",
		}),
		ByesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "byes_received_count",
			Help:      "Number of bye messages received.",
		}),
		QueriesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "queries_forwarded_count",
			Help:      "Number of queries forwarded, by kind of target.",
		}, []string{"target"}),
	}
}

// Metrics returns the prometheus collectors of the protocol manager.
func (manager *Manager) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(manager.metrics)
}
