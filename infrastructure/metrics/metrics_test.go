package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

type testMetrics struct {
	Requests prometheus.Counter
	Size     prometheus.Gauge
	Name     string
	hidden   prometheus.Counter
}

type testComponent struct {
	metrics testMetrics
}

func (c *testComponent) Metrics() []prometheus.Collector {
	return PrometheusCollectorsFromFields(c.metrics)
}

func newTestComponent(subsystem string) *testComponent {
	return &testComponent{metrics: testMetrics{
		Requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: subsystem, Name: "requests", Help: "requests",
		}),
		Size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: subsystem, Name: "size", Help: "size",
		}),
		Name: "ignored",
		hidden: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: subsystem, Name: "hidden", Help: "hidden",
		}),
	}}
}

func TestPrometheusCollectorsFromFields(t *testing.T) {
	component := newTestComponent("a")
	collectors := component.Metrics()
	if len(collectors) != 2 {
		t.Fatalf("got %d collectors, want the 2 exported ones", len(collectors))
	}
}

func TestNewRegistry(t *testing.T) {
	_, err := NewRegistry(newTestComponent("a"), newTestComponent("b"))
	if err != nil {
		t.Fatalf("NewRegistry: %s", err)
	}
	_, err = NewRegistry(newTestComponent("a"), newTestComponent("a"))
	if err == nil {
		t.Fatalf("registering the same metrics twice should fail")
	}
}
