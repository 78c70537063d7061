package debugapi

import (
	"github.com/gnutd/gnutd/infrastructure/metrics"
	"github.com/gnutd/gnutd/version"
	"github.com/prometheus/client_golang/prometheus"
)

func newMetricsRegistry(components ...metrics.Collector) (*prometheus.Registry, error) {
	registry, err := metrics.NewRegistry(components...)
	if err != nil {
		return nil, err
	}

	// register standard metrics
	standard := []prometheus.Collector{
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{
			Namespace: metrics.Namespace,
		}),
		prometheus.NewGoCollector(),
		prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Name:      "info",
			Help:      "Gnutd information.",
			ConstLabels: prometheus.Labels{
				"version": version.Version(),
			},
		}),
	}
	for _, collector := range standard {
		err := registry.Register(collector)
		if err != nil {
			return nil, err
		}
	}
	return registry, nil
}
