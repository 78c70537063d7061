package protocol

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gnutd/gnutd/app/protocol/qrp"
	"github.com/gnutd/gnutd/infrastructure/network/addressmanager"
	"github.com/gnutd/gnutd/infrastructure/network/handshake"
	"github.com/gnutd/gnutd/infrastructure/network/host"
	"github.com/gnutd/gnutd/infrastructure/network/messagerouter"
	"github.com/gnutd/gnutd/wire"
	"github.com/pkg/errors"
)

// ConnectionState is what the protocol handlers need to know about the
// connections of the node.
type ConnectionState interface {
	ConnectedHosts() []*host.Host
	IsUltrapeer() bool
	LocalAddress() *wire.NetAddress
}

// HostCache receives the hosts learned from pongs.
type HostCache interface {
	AddCaughtHost(host *addressmanager.CaughtHost, priority addressmanager.Priority) bool
}

// QueryHitConsumer receives the hits answering locally submitted queries.
type QueryHitConsumer interface {
	HandleQueryHit(hit *wire.MsgQueryHit)
}

// PushConsumer receives the push requests addressed to this node.
type PushConsumer interface {
	HandlePush(push *wire.MsgPush)
}

// SharedFileIndex answers incoming queries from the files this node
// shares. Its Keywords also make up the query routing table sent to
// ultrapeers.
type SharedFileIndex interface {
	qrp.KeywordProvider
	Search(keywords []string) []*wire.QueryHitRecord
	SharedCounts() (files uint32, kilobytes uint32)
}

// Config configures the protocol Manager.
type Config struct {
	MaxNetworkTTL byte
	QueryTTL      byte

	// PingTTL is the TTL of the pings sent to refresh the pong cache.
	PingTTL      byte
	PingInterval time.Duration

	PongCacheSize   int
	PongCacheMaxAge time.Duration
	PongsPerPing    int

	// Speed is the announced upload speed in kbit/s, carried in query
	// hits.
	Speed uint32
}

// Default protocol settings.
const (
	DefaultQueryTTL        = 3
	DefaultPingTTL         = 3
	DefaultPingInterval    = time.Minute
	DefaultPongCacheSize   = 100
	DefaultPongCacheMaxAge = 5 * time.Minute
	DefaultPongsPerPing    = 10
)

// DefaultConfig returns the default protocol configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxNetworkTTL:   wire.DefaultMaxNetworkTTL,
		QueryTTL:        DefaultQueryTTL,
		PingTTL:         DefaultPingTTL,
		PingInterval:    DefaultPingInterval,
		PongCacheSize:   DefaultPongCacheSize,
		PongCacheMaxAge: DefaultPongCacheMaxAge,
		PongsPerPing:    DefaultPongsPerPing,
	}
}

// Manager implements the Gnutella protocol on top of the message router:
// it answers pings from its pong cache, forwards queries, installs the
// query routing tables of leaves and handles vendor messages.
type Manager struct {
	cfg         *Config
	router      *messagerouter.Router
	connections ConnectionState
	hostCache   HostCache
	pongCache   *pongCache

	hostStatesLock sync.RWMutex
	hostStates     map[uint64]*hostState

	consumersLock    sync.RWMutex
	queryHitConsumer QueryHitConsumer
	pushConsumer     PushConsumer
	sharedFiles      SharedFileIndex

	metrics metrics

	started, isClosed uint32
	quit              chan struct{}
	wg                sync.WaitGroup
}

// hostState is what the Manager remembers about a connected host.
type hostState struct {
	lock              sync.Mutex
	routeTable        *qrp.Table
	messagesSupported []wire.VendorMessageType
}

// NewManager creates a new instance of the protocol Manager and installs
// it as the handler of router.
func NewManager(cfg *Config, router *messagerouter.Router, connections ConnectionState,
	hostCache HostCache) (*Manager, error) {

	pongCache, err := newPongCache(cfg.PongCacheSize, cfg.PongCacheMaxAge)
	if err != nil {
		return nil, err
	}
	manager := &Manager{
		cfg:         cfg,
		router:      router,
		connections: connections,
		hostCache:   hostCache,
		pongCache:   pongCache,
		hostStates:  make(map[uint64]*hostState),
		metrics:     newMetrics(),
		quit:        make(chan struct{}),
	}
	router.SetHandler(manager)
	return manager, nil
}

// SetQueryHitConsumer sets the receiver of hits to local queries.
func (m *Manager) SetQueryHitConsumer(consumer QueryHitConsumer) {
	m.consumersLock.Lock()
	defer m.consumersLock.Unlock()
	m.queryHitConsumer = consumer
}

// SetPushConsumer sets the receiver of push requests.
func (m *Manager) SetPushConsumer(consumer PushConsumer) {
	m.consumersLock.Lock()
	defer m.consumersLock.Unlock()
	m.pushConsumer = consumer
}

// SetSharedFileIndex sets the index incoming queries are answered from.
func (m *Manager) SetSharedFileIndex(index SharedFileIndex) {
	m.consumersLock.Lock()
	defer m.consumersLock.Unlock()
	m.sharedFiles = index
}

// Start starts the periodic pinging of connected ultrapeers.
func (m *Manager) Start() {
	if atomic.AddUint32(&m.started, 1) != 1 {
		return
	}
	if m.cfg.PingInterval <= 0 {
		return
	}
	m.wg.Add(1)
	spawn("Manager.pingLoop", func() {
		defer m.wg.Done()
		m.pingLoop()
	})
}

// Close stops the Manager.
func (m *Manager) Close() {
	if !atomic.CompareAndSwapUint32(&m.isClosed, 0, 1) {
		panic(errors.New("The protocol manager was already closed"))
	}
	close(m.quit)
	m.wg.Wait()
}

// HostConnected introduces this node to h.
// This is part of the connmanager.HostListener interface implementation.
func (m *Manager) HostConnected(h *host.Host) {
	m.hostStatesLock.Lock()
	m.hostStates[h.ID()] = &hostState{}
	m.hostStatesLock.Unlock()

	if h.SupportsVendorMessages() {
		h.QueueMessage(wire.NewMsgMessagesSupported(supportedVendorMessages))
	}
	if !h.IsLeaf() {
		m.sendPing(h, m.cfg.PingTTL)
	}
	if h.Role() == handshake.RoleLeafToUltrapeer {
		m.sendRouteTable(h)
	}
}

// HostDisconnected forgets h.
// This is part of the connmanager.HostListener interface implementation.
func (m *Manager) HostDisconnected(h *host.Host) {
	m.hostStatesLock.Lock()
	delete(m.hostStates, h.ID())
	m.hostStatesLock.Unlock()
	m.router.RemoveHost(h)
}

func (m *Manager) hostState(h *host.Host) *hostState {
	m.hostStatesLock.RLock()
	defer m.hostStatesLock.RUnlock()
	return m.hostStates[h.ID()]
}

// HandleBye logs the farewell of the source host and disconnects it.
// This is part of the messagerouter.Handler interface implementation.
func (m *Manager) HandleBye(bye *wire.MsgBye, source messagerouter.Peer) {
	h, ok := source.(*host.Host)
	if !ok {
		return
	}
	log.Infof("%s said goodbye: %d %s", h, bye.Code, bye.Reason)
	m.metrics.ByesReceived.Inc()
	h.Disconnect("remote host said goodbye")
}

// hostOf returns the host a message arrived from. Locally originated
// messages have no host.
func hostOf(source messagerouter.Peer) (*host.Host, bool) {
	if source == nil {
		return nil, false
	}
	h, ok := source.(*host.Host)
	return h, ok
}
