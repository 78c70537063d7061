package messagerouter

import (
	m "github.com/gnutd/gnutd/infrastructure/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	// all metrics fields must be exported
	// to be able to return them by Metrics()
	// using reflection
	DispatchedMessages *prometheus.CounterVec
	DuplicateRequests  prometheus.Counter
	RoutedReplies      prometheus.Counter
	LocalReplies       prometheus.Counter
	OrphanedReplies    prometheus.Counter
	ExpiredReplies     prometheus.Counter
}

func newMetrics() metrics {
	subsystem := "router"

	return metrics{
		DispatchedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "dispatched_messages_count",
			Help:      "Number of messages dispatched, by payload type.",
		}, []string{"type"}),
		DuplicateRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "duplicate_requests_count",
			Help:      "Number of pings and queries suppressed because their GUID was already routed.",
		}),
		RoutedReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "routed_replies_count",
			Help:      "Number of replies forwarded toward their requester.",
		}),
		LocalReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "local_replies_count",
			Help:      "Number of replies to requests originated by this node.",
		}),
		OrphanedReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "orphaned_replies_count",
			Help:      "Number of replies dropped because no route was found.",
		}),
		ExpiredReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "expired_replies_count",
			Help:      "Number of replies dropped because their TTL ran out before reaching the requester.",
		}),
	}
}

// Metrics returns the prometheus collectors of the router.
func (r *Router) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(r.metrics)
}
