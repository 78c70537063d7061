package metrics

import (
	"reflect"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace is prefixed before every metric. If it is changed, it must be done
// before any metrics collector is registered.
var Namespace = "gnutd"

// Collector is implemented by components that export prometheus metrics.
type Collector interface {
	Metrics() []prometheus.Collector
}

// PrometheusCollectorsFromFields returns every exported field of the struct
// pointed to by i that implements prometheus.Collector.
func PrometheusCollectorsFromFields(i interface{}) (cs []prometheus.Collector) {
	v := reflect.Indirect(reflect.ValueOf(i))
	for i := 0; i < v.NumField(); i++ {
		if !v.Field(i).CanInterface() {
			continue
		}
		if u, ok := v.Field(i).Interface().(prometheus.Collector); ok {
			cs = append(cs, u)
		}
	}
	return cs
}

// NewRegistry returns a registry with every collector of the given
// components registered.
func NewRegistry(components ...Collector) (*prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	for _, component := range components {
		for _, collector := range component.Metrics() {
			err := registry.Register(collector)
			if err != nil {
				return nil, err
			}
		}
	}
	return registry, nil
}
