package bootstrap

import (
	m "github.com/gnutd/gnutd/infrastructure/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	// all metrics fields must be exported
	// to be able to return them by Metrics()
	// using reflection
	CacheRequests  *prometheus.CounterVec
	HostsLearned   *prometheus.CounterVec
	EndpointsCount prometheus.GaugeFunc
}

func newMetrics(pool *EndpointPool) metrics {
	subsystem := "bootstrap"

	return metrics{
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "cache_requests_count",
			Help:      "Number of GWebCache requests, by operation and result.",
		}, []string{"operation", "result"}),
		HostsLearned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "hosts_learned_count",
			Help:      "Number of hosts added to the caught host cache, by source.",
		}, []string{"source"}),
		EndpointsCount: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "cache_endpoints",
			Help:      "Number of known GWebCache endpoints.",
		}, func() float64 {
			return float64(pool.Len())
		}),
	}
}

// Metrics returns the prometheus collectors of the bootstrapper.
func (b *Bootstrapper) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(b.metrics)
}
