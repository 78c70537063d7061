package connmanager

import (
	"net"

	"github.com/gnutd/gnutd/infrastructure/network/addressmanager"
	"github.com/gnutd/gnutd/infrastructure/network/handshake"
	"github.com/gnutd/gnutd/infrastructure/network/host"
	"github.com/gnutd/gnutd/wire"
	"github.com/pkg/errors"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"
)

// newAcceptLimiter returns the limiter of accepted sockets. A
// non-positive rate disables the limit.
func newAcceptLimiter(acceptRate float64, burst int) *rate.Limiter {
	if acceptRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(acceptRate), burst)
}

func (c *ConnectionManager) listen(address string) (net.Listener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't listen on %s", address)
	}
	if tcpAddress, ok := listener.Addr().(*net.TCPAddr); ok {
		c.listenPort.CAS(0, uint32(tcpAddress.Port))
	}
	log.Infof("Listening on %s", listener.Addr())
	if c.cfg.MaxIncoming > 0 {
		listener = netutil.LimitListener(listener, c.cfg.MaxIncoming)
	}
	return listener, nil
}

func (c *ConnectionManager) closeListeners() {
	for _, listener := range c.netListeners {
		err := listener.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			log.Warnf("Error closing listener %s: %s", listener.Addr(), err)
		}
	}
}

// ListenAddresses returns the addresses the ConnectionManager accepts
// connections on.
func (c *ConnectionManager) ListenAddresses() []net.Addr {
	addresses := make([]net.Addr, 0, len(c.netListeners))
	for _, listener := range c.netListeners {
		addresses = append(addresses, listener.Addr())
	}
	return addresses
}

func (c *ConnectionManager) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if c.isStopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warnf("Error accepting connection on %s: %s", listener.Addr(), err)
			continue
		}

		c.wg.Add(1)
		spawn("ConnectionManager.handleIncoming", func() {
			defer c.wg.Done()
			err := c.handleIncoming(conn)
			if err != nil {
				log.Debugf("Incoming connection from %s failed: %s", conn.RemoteAddr(), err)
			}
		})
	}
}

func (c *ConnectionManager) handleIncoming(conn net.Conn) error {
	if c.isStopping() {
		conn.Close()
		return errors.New("connection manager is stopping")
	}
	if !c.acceptLimiter.Allow() {
		c.metrics.IncomingAttempts.WithLabelValues("rate_limited").Inc()
		conn.Close()
		return errors.New("too many incoming connections")
	}
	tcpAddress, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		conn.Close()
		return errors.Errorf("unexpected remote address %s", conn.RemoteAddr())
	}
	if c.filter != nil && c.filter.IsAddressBlocked(tcpAddress.IP) {
		c.metrics.IncomingAttempts.WithLabelValues("blocked").Inc()
		conn.Close()
		return errors.Errorf("address %s is blocked", tcpAddress.IP)
	}

	h := host.New(wire.NewNetAddress(tcpAddress), true, c.hostConfig, c.sendPool)
	if !c.hosts.add(h) {
		c.metrics.IncomingAttempts.WithLabelValues("duplicate").Inc()
		conn.Close()
		return errors.Errorf("a connection from %s already exists", tcpAddress)
	}
	h.OnDisconnect(c.hostDisconnected)
	h.OnDisconnect(func(*host.Host) {
		conn.Close()
	})
	if !tcpAddress.IP.IsLoopback() {
		c.roleManager.NoteIncomingConnection()
	}

	result, err := c.handshakeEngine.Incoming(conn)
	if err != nil {
		if _, ok := handshake.IsRejected(err); ok {
			c.metrics.IncomingAttempts.WithLabelValues("rejected").Inc()
		} else {
			c.metrics.IncomingAttempts.WithLabelValues("handshake_failed").Inc()
		}
		h.DisconnectWithError(err)
		return err
	}
	if listenAddress := result.Remote.ListenAddress; listenAddress != nil {
		c.hostCache.AddAddress(listenAddress, addressmanager.PriorityNormal)
	}
	c.metrics.IncomingAttempts.WithLabelValues("connected").Inc()
	return c.runHost(h, result)
}

// checkIncomingConnections disconnects incoming hosts beyond the limit of
// their role. This happens when the node is demoted from ultrapeer to
// leaf, which leaves no room for leaves of its own.
func (c *ConnectionManager) checkIncomingConnections() {
	counts := c.hosts.roleCounts()
	leafLimit := c.cfg.Role.Up2LeafConnections
	if counts.LeafToUltrapeer > 0 {
		leafLimit = 0
	}
	excess := counts.UltrapeerToLeaf - leafLimit
	if excess <= 0 {
		return
	}
	for _, h := range c.hosts.connected() {
		if excess == 0 {
			return
		}
		if !h.IsIncoming() || h.Role() != handshake.RoleUltrapeerToLeaf {
			continue
		}
		h.SendByeAndDisconnect(handshake.StatusBusy, "Too many leaves")
		excess--
	}
}
