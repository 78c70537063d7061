package connmanager

import (
	"github.com/gnutd/gnutd/infrastructure/network/addressmanager"
	"github.com/gnutd/gnutd/infrastructure/network/handshake"
	"github.com/gnutd/gnutd/infrastructure/network/host"
	"github.com/gnutd/gnutd/wire"
	"github.com/pkg/errors"
)

// checkOutgoingConnections starts as many connection attempts as the
// current role is missing connections, within the attempt limit.
func (c *ConnectionManager) checkOutgoingConnections() {
	if len(c.cfg.ConnectPeers) > 0 {
		return
	}

	if c.hostCache.ReadyLen() < c.cfg.MinReadyHosts && c.bootstrapper != nil {
		if c.bootstrapper.QueryMoreHostsAsync() {
			log.Debugf("Host cache is running low, querying for more hosts")
		}
	}

	toStart := c.roleManager.AttemptsToStart(c.hosts.roleCounts(), int(c.attemptsInFlight.Load()))
	for i := 0; i < toStart; i++ {
		candidate := c.nextCandidate()
		if candidate == nil {
			return
		}
		if !c.attempts.TryAcquire(1) {
			c.releaseCandidate(candidate)
			return
		}
		c.attemptsInFlight.Inc()

		c.wg.Add(1)
		spawn("ConnectionManager.connect", func() {
			defer c.wg.Done()
			defer c.attemptsInFlight.Dec()
			defer c.attempts.Release(1)

			err := c.connect(candidate.host)
			if err != nil {
				log.Debugf("Couldn't connect to %s: %s", candidate.host, err)
			}
		})
	}
}

type outgoingCandidate struct {
	host *host.Host
}

// nextCandidate takes addresses off the host cache until one is found
// that isn't connected, busy, ourselves or in a /24 that already has
// enough outgoing connections. The returned host is already in the host
// set and holds a subnet slot.
func (c *ConnectionManager) nextCandidate() *outgoingCandidate {
	local := c.LocalAddress()
	for {
		caughtHost := c.hostCache.GetNext()
		if caughtHost == nil {
			return nil
		}
		address := caughtHost.Address
		if local != nil && local.Equal(address) {
			continue
		}
		if c.busy.isBusy(address.String()) {
			log.Tracef("Skipping busy host %s", address)
			continue
		}

		h := host.New(address, false, c.hostConfig, c.sendPool)
		if !c.reserveSubnet(h) {
			log.Tracef("Skipping %s: too many outgoing connections in its subnet", address)
			continue
		}
		if !c.hosts.add(h) {
			c.releaseSubnet(h)
			continue
		}
		h.OnDisconnect(c.hostDisconnected)
		return &outgoingCandidate{host: h}
	}
}

func (c *ConnectionManager) releaseCandidate(candidate *outgoingCandidate) {
	c.hostCache.AddAddress(candidate.host.Address(), addressmanager.PriorityHigh)
	candidate.host.Disconnect("no attempt slot")
}

func (c *ConnectionManager) reserveSubnet(h *host.Host) bool {
	c.subnetsLock.Lock()
	defer c.subnetsLock.Unlock()
	if !c.outgoingSubnets.Add(h.Address().IP) {
		return false
	}
	c.subnetMembers[h.ID()] = h.Address().IP
	return true
}

func (c *ConnectionManager) releaseSubnet(h *host.Host) {
	c.subnetsLock.Lock()
	defer c.subnetsLock.Unlock()
	ip, ok := c.subnetMembers[h.ID()]
	if !ok {
		return
	}
	delete(c.subnetMembers, h.ID())
	c.outgoingSubnets.Remove(ip)
}

// connectAddress creates a host for address and connects to it.
func (c *ConnectionManager) connectAddress(address *wire.NetAddress) error {
	h := host.New(address, false, c.hostConfig, c.sendPool)
	if !c.hosts.add(h) {
		return errors.Errorf("a connection to %s already exists", address)
	}
	h.OnDisconnect(c.hostDisconnected)
	return c.connect(h)
}

// connect dials h, runs the handshake and starts the read loop. h must
// already be in the host set.
func (c *ConnectionManager) connect(h *host.Host) error {
	address := h.Address()
	log.Debugf("Connecting to %s", address)

	conn, err := c.cfg.Dial("tcp", address.String(), c.cfg.ConnectTimeout)
	if err != nil {
		c.metrics.OutgoingAttempts.WithLabelValues("dial_failed").Inc()
		c.hostCache.ReportConnectionFailure(address)
		err = errors.Wrapf(err, "error dialing %s", address)
		h.DisconnectWithError(err)
		return err
	}
	if c.isStopping() {
		conn.Close()
		h.Disconnect("shutting down")
		return errors.New("connection manager is stopping")
	}
	h.OnDisconnect(func(*host.Host) {
		conn.Close()
	})

	result, err := c.handshakeEngine.Outgoing(conn)
	if err != nil {
		if rejected, ok := handshake.IsRejected(err); ok && rejected.IsBusy() {
			c.metrics.OutgoingAttempts.WithLabelValues("busy").Inc()
			c.metrics.BusyHostsRecorded.Inc()
			c.busy.markBusy(address.String(), rejected.RetryAfter)
		} else {
			c.metrics.OutgoingAttempts.WithLabelValues("handshake_failed").Inc()
			c.hostCache.ReportConnectionFailure(address)
		}
		h.DisconnectWithError(err)
		return err
	}
	c.metrics.OutgoingAttempts.WithLabelValues("connected").Inc()
	return c.runHost(h, result)
}

// runHost attaches a completed handshake to h and starts its read loop.
func (c *ConnectionManager) runHost(h *host.Host, result *handshake.Result) error {
	err := h.SetConnection(result)
	if err != nil {
		h.Disconnect("connection lost during handshake")
		return err
	}
	c.noteExternalIP(result.RemoteIP)
	if !h.IsIncoming() {
		c.hostCache.ReportConnectionSuccess(h.Address())
	}
	log.Infof("Connected to %s (%s, %s)", h, result.Role, result.Remote.UserAgent)

	if c.hostListener != nil {
		c.hostListener.HostConnected(h)
	}

	engine := host.NewConnectionEngine(h, c.prefs, c.dispatcher, c.filter)
	c.wg.Add(1)
	spawn("ConnectionManager.runHost", func() {
		defer c.wg.Done()
		err := engine.Run()
		if err != nil {
			log.Debugf("Connection to %s ended: %s", h, err)
		}
	})
	c.run()
	return nil
}

// hostDisconnected is registered as a disconnect listener of every host
// the ConnectionManager creates.
func (c *ConnectionManager) hostDisconnected(h *host.Host) {
	c.hosts.remove(h)
	c.releaseSubnet(h)

	if h.Conn() != nil && c.hostListener != nil {
		c.hostListener.HostDisconnected(h)
	}
	_, message := h.Status()
	log.Debugf("Disconnected from %s: %s", h, message)
	c.run()
}
