package connmanager

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/p2p/netutil"
	"github.com/gnutd/gnutd/infrastructure/network/addressmanager"
	"github.com/gnutd/gnutd/infrastructure/network/handshake"
	"github.com/gnutd/gnutd/infrastructure/network/host"
	"github.com/gnutd/gnutd/version"
	"github.com/gnutd/gnutd/wire"
	"github.com/pkg/errors"
	uberatomic "go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// HostCache is where candidate addresses come from and connection
// outcomes go to.
type HostCache interface {
	GetNext() *addressmanager.CaughtHost
	AddAddress(address *wire.NetAddress, priority addressmanager.Priority) bool
	ReportConnectionSuccess(address *wire.NetAddress)
	ReportConnectionFailure(address *wire.NetAddress)
	ReadyLen() int
	ReputationHosts() []*addressmanager.CaughtHost
}

// Bootstrapper finds more hosts when the host cache runs low.
type Bootstrapper interface {
	QueryMoreHostsAsync() bool
}

// HostListener is told about hosts that completed their handshake, and
// about the same hosts once they disconnect.
type HostListener interface {
	HostConnected(h *host.Host)
	HostDisconnected(h *host.Host)
}

// ConnectionManager keeps the node connected: it opens outgoing
// connections until the targets of the current role are met, accepts
// incoming connections while slots are free, and runs the read loop of
// every connected host.
type ConnectionManager struct {
	cfg             *Config
	roleManager     *HostRoleManager
	handshakeEngine *handshake.Engine
	hostCache       HostCache
	dispatcher      host.MessageDispatcher
	prefs           host.Preferences
	filter          wire.AddressFilter
	hostConfig      *host.Config
	sendPool        host.SendPool

	bootstrapper Bootstrapper
	hostListener HostListener

	hosts *hostSet
	busy  *busyHosts

	attempts         *semaphore.Weighted
	attemptsInFlight uberatomic.Int32

	subnetsLock     sync.Mutex
	outgoingSubnets *netutil.DistinctNetSet
	subnetMembers   map[uint64]net.IP

	activeRequested        map[string]*connectionRequest
	pendingRequested       map[string]*connectionRequest
	connectionRequestsLock sync.Mutex

	externalIP atomic.Value
	listenPort uberatomic.Uint32

	netListeners  []net.Listener
	acceptLimiter *rate.Limiter
	observer      *connectionObserver

	metrics metrics

	started, stop uint32
	quit          chan struct{}
	wg            sync.WaitGroup
	resetLoopChan chan struct{}
	loopTicker    *time.Ticker
}

// New instantiates a new instance of a ConnectionManager. filter may be
// nil.
func New(cfg *Config, hostCache HostCache, dispatcher host.MessageDispatcher, prefs host.Preferences,
	filter wire.AddressFilter, hostConfig *host.Config, sendPool host.SendPool) (*ConnectionManager, error) {

	busy, err := newBusyHosts(cfg.BusyHostsSize)
	if err != nil {
		return nil, err
	}
	if cfg.Dial == nil {
		return nil, errors.New("no dial function configured")
	}

	c := &ConnectionManager{
		cfg:              cfg,
		roleManager:      NewHostRoleManager(&cfg.Role),
		hostCache:        hostCache,
		dispatcher:       dispatcher,
		prefs:            prefs,
		filter:           filter,
		hostConfig:       hostConfig,
		sendPool:         sendPool,
		hosts:            newHostSet(),
		busy:             busy,
		outgoingSubnets:  &netutil.DistinctNetSet{Subnet: 24, Limit: cfg.OutgoingSubnetLimit},
		subnetMembers:    make(map[uint64]net.IP),
		activeRequested:  make(map[string]*connectionRequest),
		pendingRequested: make(map[string]*connectionRequest),
		acceptLimiter:    newAcceptLimiter(cfg.AcceptRate, cfg.AcceptBurst),
		metrics:          newMetrics(),
		quit:             make(chan struct{}),
		resetLoopChan:    make(chan struct{}),
	}
	c.attempts = semaphore.NewWeighted(int64(c.roleManager.MaxConnectAttempts()))
	c.handshakeEngine = handshake.New(&cfg.Handshake, c, hostCache)
	c.observer = newConnectionObserver(c, cfg.ObserverInterval, cfg.ObserverGrace)

	connectPeers := cfg.AddPeers
	if len(cfg.ConnectPeers) > 0 {
		connectPeers = cfg.ConnectPeers
	}
	for _, connectPeer := range connectPeers {
		c.pendingRequested[connectPeer] = &connectionRequest{
			address:     connectPeer,
			isPermanent: true,
		}
	}
	return c, nil
}

// SetBootstrapper sets what is asked for hosts when the host cache runs
// low.
func (c *ConnectionManager) SetBootstrapper(bootstrapper Bootstrapper) {
	c.bootstrapper = bootstrapper
}

// SetHostListener sets the listener of connection events. It must be set
// before Start.
func (c *ConnectionManager) SetHostListener(listener HostListener) {
	c.hostListener = listener
}

// RoleManager returns the HostRoleManager of the node.
func (c *ConnectionManager) RoleManager() *HostRoleManager {
	return c.roleManager
}

// Start opens the listeners and begins the operation of the
// ConnectionManager.
func (c *ConnectionManager) Start() error {
	if atomic.AddUint32(&c.started, 1) != 1 {
		return errors.New("connection manager already started")
	}

	for _, address := range c.cfg.Listeners {
		listener, err := c.listen(address)
		if err != nil {
			c.closeListeners()
			return err
		}
		c.netListeners = append(c.netListeners, listener)
	}
	for _, listener := range c.netListeners {
		listener := listener
		c.wg.Add(1)
		spawn("ConnectionManager.acceptLoop", func() {
			defer c.wg.Done()
			c.acceptLoop(listener)
		})
	}

	c.loopTicker = time.NewTicker(c.cfg.CheckInterval)
	c.wg.Add(2)
	spawn("ConnectionManager.connectionsLoop", func() {
		defer c.wg.Done()
		c.connectionsLoop()
	})
	spawn("ConnectionManager.observer", func() {
		defer c.wg.Done()
		c.observer.run(c.quit)
	})
	return nil
}

// Stop halts the operation of the ConnectionManager and says goodbye to
// every connected host.
func (c *ConnectionManager) Stop() {
	if atomic.AddUint32(&c.stop, 1) != 1 {
		return
	}
	close(c.quit)
	c.closeListeners()

	for _, h := range c.hosts.all() {
		if h.IsConnected() {
			h.SendByeAndDisconnect(200, "Shutting down")
		} else {
			h.Disconnect("shutting down")
		}
	}
	c.wg.Wait()
	if c.loopTicker != nil {
		c.loopTicker.Stop()
	}
}

func (c *ConnectionManager) isStopping() bool {
	return atomic.LoadUint32(&c.stop) != 0
}

// run triggers an iteration of the connections loop without waiting for
// the ticker.
func (c *ConnectionManager) run() {
	select {
	case c.resetLoopChan <- struct{}{}:
	default:
	}
}

func (c *ConnectionManager) connectionsLoop() {
	for !c.isStopping() {
		c.checkRequestedConnections()
		c.checkOutgoingConnections()
		c.checkIncomingConnections()
		c.updateConnectedMetrics()

		if !c.waitTillNextIteration() {
			return
		}
	}
}

func (c *ConnectionManager) waitTillNextIteration() bool {
	select {
	case <-c.quit:
		return false
	case <-c.resetLoopChan:
		c.loopTicker.Reset(c.cfg.CheckInterval)
	case <-c.loopTicker.C:
	}
	return true
}

func (c *ConnectionManager) updateConnectedMetrics() {
	counts := c.hosts.roleCounts()
	c.metrics.ConnectedHosts.WithLabelValues(handshake.RoleNormal.String()).Set(float64(counts.Normal))
	c.metrics.ConnectedHosts.WithLabelValues(handshake.RoleLeafToUltrapeer.String()).Set(float64(counts.LeafToUltrapeer))
	c.metrics.ConnectedHosts.WithLabelValues(handshake.RoleUltrapeerToUltrapeer.String()).
		Set(float64(counts.UltrapeerToUltrapeer))
	c.metrics.ConnectedHosts.WithLabelValues(handshake.RoleUltrapeerToLeaf.String()).Set(float64(counts.UltrapeerToLeaf))
	c.metrics.AttemptsInFlight.Set(float64(c.attemptsInFlight.Load()))
}

// ConnectedHosts returns the hosts that completed their handshake and are
// still connected.
func (c *ConnectionManager) ConnectedHosts() []*host.Host {
	return c.hosts.connected()
}

// ConnectionCount returns the number of connected hosts.
func (c *ConnectionManager) ConnectionCount() int {
	return len(c.hosts.connected())
}

// RoleCounts returns the number of connected hosts per role.
func (c *ConnectionManager) RoleCounts() RoleCounts {
	return c.hosts.roleCounts()
}

// IsUltrapeer returns whether this node currently acts as an ultrapeer.
func (c *ConnectionManager) IsUltrapeer() bool {
	return c.roleManager.IsUltrapeer(c.hosts.roleCounts())
}

// LocalAddress returns the address other hosts can reach this node at, or
// nil if it isn't known yet.
func (c *ConnectionManager) LocalAddress() *wire.NetAddress {
	ip, _ := c.externalIP.Load().(net.IP)
	port := c.listenPort.Load()
	if ip == nil || port == 0 {
		return nil
	}
	return wire.NewNetAddressIPPort(ip, uint16(port))
}

func (c *ConnectionManager) noteExternalIP(ip net.IP) {
	if ip == nil || ip.IsUnspecified() || ip.IsLoopback() {
		return
	}
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	previous, _ := c.externalIP.Load().(net.IP)
	if !ip.Equal(previous) {
		log.Infof("Remote host reports our address as %s", ip)
		c.externalIP.Store(ip)
	}
}

// LocalCapabilities returns what this node advertises in handshakes.
// This is part of the handshake.Negotiator interface implementation.
func (c *ConnectionManager) LocalCapabilities() *handshake.Capabilities {
	ultrapeer := c.IsUltrapeer()
	capabilities := &handshake.Capabilities{
		UserAgent:             version.UserAgent(),
		HasUltrapeerHeader:    true,
		IsUltrapeer:           ultrapeer,
		VendorMessages:        true,
		GGEP:                  true,
		PongCaching:           true,
		QueryRouting:          true,
		UltrapeerQueryRouting: ultrapeer,
		MaxTTL:                int(c.prefs.MaxNetworkTTL()),
		ListenAddress:         c.LocalAddress(),
	}
	if ultrapeer {
		capabilities.Degree = c.cfg.Role.Up2UpConnections
	}
	return capabilities
}

// HasSlot returns whether a connection with the given role can be
// accepted now.
// This is part of the handshake.Negotiator interface implementation.
func (c *ConnectionManager) HasSlot(role handshake.Role, remote *handshake.Capabilities) bool {
	if c.isStopping() {
		return false
	}
	return c.roleManager.HasSlot(role, c.hosts.roleCounts())
}

// TryHosts returns connected ultrapeers and hosts with a good
// reputation, to hand out in handshakes.
// This is part of the handshake.Negotiator interface implementation.
func (c *ConnectionManager) TryHosts() (ultrapeers []*wire.NetAddress, others []*wire.NetAddress) {
	for _, h := range c.hosts.connected() {
		if len(ultrapeers) >= c.cfg.TryHostsCount {
			break
		}
		if !h.IsUltrapeer() {
			continue
		}
		if h.IsIncoming() {
			capabilities := h.Capabilities()
			if capabilities == nil || capabilities.ListenAddress == nil {
				continue
			}
			ultrapeers = append(ultrapeers, capabilities.ListenAddress)
			continue
		}
		ultrapeers = append(ultrapeers, h.Address())
	}

	for _, caughtHost := range c.hostCache.ReputationHosts() {
		if len(others) >= c.cfg.TryHostsCount {
			break
		}
		others = append(others, caughtHost.Address)
	}
	return ultrapeers, others
}

// addressDenier is implemented by filters that can learn new addresses to
// block.
type addressDenier interface {
	Deny(cidr string, strongly bool) error
}

// Ban disconnects h and, if the address filter supports it, prevents its
// address from connecting again.
func (c *ConnectionManager) Ban(h *host.Host, reason string) {
	log.Infof("Banning %s: %s", h, reason)
	if denier, ok := c.filter.(addressDenier); ok {
		err := denier.Deny(h.Address().IP.String(), true)
		if err != nil {
			log.Warnf("Couldn't ban %s: %s", h, err)
		}
	}
	h.Disconnect("banned: " + reason)
}
