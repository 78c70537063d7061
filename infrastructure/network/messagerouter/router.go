package messagerouter

import (
	"time"

	"github.com/gnutd/gnutd/wire"
	"github.com/pkg/errors"
)

// Peer is a connection messages can be routed to.
type Peer interface {
	QueueMessage(msg wire.Message)
	IsConnected() bool
	String() string
}

// Handler receives the messages the router does not route by itself.
// Every method is called from the read loop of the source connection.
type Handler interface {
	// HandlePing and HandleQuery receive requests whose GUID was seen for
	// the first time. They decide whether to answer and fan out.
	HandlePing(ping *wire.MsgPing, source Peer)
	HandleQuery(query *wire.MsgQuery, source Peer)

	// HandlePong receives every pong before it is routed, to learn the
	// hosts it announces.
	HandlePong(pong *wire.MsgPong, source Peer)

	// HandleLocalPong, HandleLocalQueryHit and HandleLocalPush receive
	// replies addressed to the local node.
	HandleLocalPong(pong *wire.MsgPong, source Peer)
	HandleLocalQueryHit(hit *wire.MsgQueryHit, source Peer)
	HandleLocalPush(push *wire.MsgPush, source Peer)

	HandleBye(bye *wire.MsgBye, source Peer)
	HandleVendor(vendor *wire.MsgVendor, source Peer)
	HandleRouteTableUpdate(update *wire.MsgRouteTableUpdate, source Peer)
}

// Config configures the route tables of a Router.
type Config struct {
	RouteLifetime time.Duration
	MaxRoutes     int
}

// Default route table settings.
const (
	DefaultRouteLifetime = 10 * time.Minute
	DefaultMaxRoutes     = 100000
)

// DefaultConfig returns the default router configuration.
func DefaultConfig() *Config {
	return &Config{
		RouteLifetime: DefaultRouteLifetime,
		MaxRoutes:     DefaultMaxRoutes,
	}
}

// Router routes replies back along the path of their requests and hands
// everything else to its Handler.
//
// Pings and queries are routed by message GUID. Pushes are routed by the
// servent id the target announced in a query hit, so every query hit that
// passes through also records a push route.
type Router struct {
	hosts       *hostRegistry
	pingRoutes  *RouteTable
	queryRoutes *RouteTable
	pushRoutes  *RouteTable

	localServentID wire.GUID
	handler        Handler
	metrics        metrics
}

// New returns a new Router. The handler must be set with SetHandler before
// messages are dispatched.
func New(cfg *Config, localServentID wire.GUID) *Router {
	hosts := newHostRegistry()
	return &Router{
		hosts:          hosts,
		pingRoutes:     newRouteTable("ping", cfg.RouteLifetime, cfg.MaxRoutes, hosts),
		queryRoutes:    newRouteTable("query", cfg.RouteLifetime, cfg.MaxRoutes, hosts),
		pushRoutes:     newRouteTable("push", cfg.RouteLifetime, cfg.MaxRoutes, hosts),
		localServentID: localServentID,
		metrics:        newMetrics(),
	}
}

// SetHandler sets the handler of non-routed messages.
func (r *Router) SetHandler(handler Handler) {
	r.handler = handler
}

// LocalServentID returns the servent id of the local node.
func (r *Router) LocalServentID() wire.GUID {
	return r.localServentID
}

// DispatchMessage routes msg, which arrived from source. A nil source
// means the message was originated locally. Duplicate requests and
// orphaned replies are dropped silently.
func (r *Router) DispatchMessage(msg wire.Message, source Peer) error {
	header := msg.Header()
	r.metrics.DispatchedMessages.WithLabelValues(header.PayloadType.String()).Inc()

	switch msg := msg.(type) {
	case *wire.MsgPing:
		if !r.pingRoutes.CheckAndAddRoute(header.GUID, source) {
			r.dropDuplicate(msg, source)
			return nil
		}
		r.handler.HandlePing(msg, source)

	case *wire.MsgQuery:
		if !r.queryRoutes.CheckAndAddRoute(header.GUID, source) {
			r.dropDuplicate(msg, source)
			return nil
		}
		r.handler.HandleQuery(msg, source)

	case *wire.MsgPong:
		r.handler.HandlePong(msg, source)
		r.routeReply(msg, source, r.pingRoutes, header.GUID, func(local Peer) {
			r.handler.HandleLocalPong(msg, local)
		})

	case *wire.MsgQueryHit:
		if msg.ServentID != r.localServentID {
			r.pushRoutes.CheckAndAddRoute(msg.ServentID, source)
		}
		r.routeReply(msg, source, r.queryRoutes, header.GUID, func(local Peer) {
			r.handler.HandleLocalQueryHit(msg, local)
		})

	case *wire.MsgPush:
		if msg.ServentID == r.localServentID {
			r.metrics.LocalReplies.Inc()
			r.handler.HandleLocalPush(msg, source)
			return nil
		}
		r.routeReply(msg, source, r.pushRoutes, msg.ServentID, func(local Peer) {
			r.handler.HandleLocalPush(msg, local)
		})

	case *wire.MsgBye:
		r.handler.HandleBye(msg, source)

	case *wire.MsgVendor:
		r.handler.HandleVendor(msg, source)

	case *wire.MsgRouteTableUpdate:
		r.handler.HandleRouteTableUpdate(msg, source)

	default:
		return errors.Errorf("no route for message of type %T", msg)
	}
	return nil
}

func (r *Router) dropDuplicate(msg wire.Message, source Peer) {
	r.metrics.DuplicateRequests.Inc()
	log.Tracef("Dropping duplicate %s from %s", msg.Header(), peerString(source))
}

func (r *Router) routeReply(msg wire.Message, source Peer, table *RouteTable, key wire.GUID,
	deliverLocally func(source Peer)) {

	peer, isLocal, found := table.FindRoute(key)
	switch {
	case !found:
		r.metrics.OrphanedReplies.Inc()
		log.Tracef("Dropping orphaned %s from %s", msg.Header(), peerString(source))
	case isLocal:
		r.metrics.LocalReplies.Inc()
		deliverLocally(source)
	case peer == source:
		log.Debugf("Dropping %s routed back to its own source %s", msg.Header(), peerString(source))
	case msg.Header().TTL == 0:
		r.metrics.ExpiredReplies.Inc()
		log.Tracef("Dropping %s from %s with no TTL left", msg.Header(), peerString(source))
	default:
		r.metrics.RoutedReplies.Inc()
		peer.QueueMessage(msg)
	}
}

// AddLocalPingRoute records that the ping with the given GUID was
// originated locally, so its pongs are delivered to the Handler.
func (r *Router) AddLocalPingRoute(guid wire.GUID) bool {
	return r.pingRoutes.CheckAndAddRoute(guid, nil)
}

// AddLocalQueryRoute records that the query with the given GUID was
// originated locally, so its hits are delivered to the Handler.
func (r *Router) AddLocalQueryRoute(guid wire.GUID) bool {
	return r.queryRoutes.CheckAndAddRoute(guid, nil)
}

// RemoveHost forgets peer. Routes pointing at it become orphaned. peer
// must already report !IsConnected so that late dispatches from it are not
// registered again.
func (r *Router) RemoveHost(peer Peer) {
	r.hosts.remove(peer)
}

// RouteTableSizes returns the number of entries in the ping, query and push
// route tables.
func (r *Router) RouteTableSizes() (ping, query, push int) {
	return r.pingRoutes.Size(), r.queryRoutes.Size(), r.pushRoutes.Size()
}

func peerString(peer Peer) string {
	if peer == nil {
		return "local node"
	}
	return peer.String()
}
