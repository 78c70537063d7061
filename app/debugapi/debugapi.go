// Package debugapi exposes the metrics of the node, snapshots of its
// connections and caught hosts, and the Go profiler over HTTP.
package debugapi

import (
	"net/http"

	"github.com/gnutd/gnutd/infrastructure/metrics"
	"github.com/gnutd/gnutd/infrastructure/network/addressmanager"
	"github.com/gnutd/gnutd/infrastructure/network/connmanager"
	"github.com/gnutd/gnutd/infrastructure/network/host"
	"github.com/gnutd/gnutd/wire"
	"github.com/prometheus/client_golang/prometheus"
)

// Connections is the view of the connection manager the debug API
// reports and controls.
type Connections interface {
	ConnectedHosts() []*host.Host
	RoleCounts() connmanager.RoleCounts
	IsUltrapeer() bool
	LocalAddress() *wire.NetAddress
	AddConnectionRequest(address string, isPermanent bool)
	RemoveConnectionRequest(address string)
}

// HostCache reports the sizes of the caught host cache.
type HostCache interface {
	Stats() *addressmanager.Stats
}

// Service implements http.Handler interface to be used in HTTP server.
type Service struct {
	connections     Connections
	hostCache       HostCache
	defaultPort     string
	metricsRegistry *prometheus.Registry
	handler         http.Handler
}

// New creates a new debug API Service. The metrics of components are
// served next to the standard process and Go runtime metrics.
func New(connections Connections, hostCache HostCache, defaultPort string,
	components ...metrics.Collector) (*Service, error) {

	registry, err := newMetricsRegistry(components...)
	if err != nil {
		return nil, err
	}
	s := &Service{
		connections:     connections,
		hostCache:       hostCache,
		defaultPort:     defaultPort,
		metricsRegistry: registry,
	}
	s.handler = s.newRouter()
	return s, nil
}

// ServeHTTP implements http.Handler interface.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
