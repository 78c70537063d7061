package protocol

import (
	"net"
	"time"

	"github.com/gnutd/gnutd/infrastructure/network/addressmanager"
	"github.com/gnutd/gnutd/infrastructure/network/handshake"
	"github.com/gnutd/gnutd/infrastructure/network/host"
	"github.com/gnutd/gnutd/infrastructure/network/messagerouter"
	"github.com/gnutd/gnutd/version"
	"github.com/gnutd/gnutd/wire"
)

// HandlePing answers ping with the pong of this node and, on ultrapeers,
// with pongs from the pong cache, then forwards it while it has TTL left.
// This is part of the messagerouter.Handler interface implementation.
func (m *Manager) HandlePing(ping *wire.MsgPing, source messagerouter.Peer) {
	h, ok := hostOf(source)
	if !ok {
		return
	}
	header := ping.Header()
	m.metrics.PingsReceived.Inc()

	// The hop count includes the last hop, so it's exactly the TTL the
	// pongs need to get back to the origin.
	ttl := header.Hops
	keepAlive := header.TTL == 0 && header.Hops == 1
	own := m.ownPong(header.GUID, ttl)
	if own == nil && keepAlive {
		// Keep-alive pings must be answered even when the address of
		// this node isn't known.
		own = wire.NewMsgPong(header.GUID, ttl, wire.NewNetAddressIPPort(net.IPv4zero, 0), 0, 0)
	}
	if own != nil {
		h.QueueMessage(own)
	}
	if keepAlive {
		return
	}
	if m.connections.IsUltrapeer() {
		for _, pong := range m.pongCache.answers(header.GUID, ttl, h.ID(), m.cfg.PongsPerPing) {
			h.QueueMessage(pong)
			m.metrics.CachedPongsSent.Inc()
		}
	}

	if h.Role() == handshake.RoleLeafToUltrapeer {
		// Leaves don't forward pings.
		return
	}
	m.forwardPing(ping, h)
}

// forwardPing sends ping to every connected ultrapeer and normal host but
// source. Leaves are answered from the pong cache instead.
func (m *Manager) forwardPing(ping *wire.MsgPing, source *host.Host) int {
	if ping.Header().TTL == 0 {
		return 0
	}
	var sent int
	for _, h := range m.connections.ConnectedHosts() {
		if h == source || h.IsLeaf() {
			continue
		}
		h.QueueMessage(wire.ForwardCopy(ping))
		m.metrics.PingsForwarded.Inc()
		sent++
	}
	return sent
}

// ownPong returns a pong announcing this node, or nil if its address
// isn't known.
func (m *Manager) ownPong(guid wire.GUID, ttl byte) *wire.MsgPong {
	address := m.connections.LocalAddress()
	if address == nil {
		return nil
	}
	var files, kilobytes uint32
	if index := m.sharedFileIndex(); index != nil {
		files, kilobytes = index.SharedCounts()
	}
	pong := wire.NewMsgPong(guid, ttl, address, files, kilobytes)
	pong.GGEP.Set(wire.GGEPVendorCode, []byte(version.VendorCode))
	if m.connections.IsUltrapeer() {
		pong.GGEP.Set(wire.GGEPUltrapeer, nil)
	}
	return pong
}

// HandlePong learns the hosts pong announces and, on ultrapeers, caches
// it.
// This is part of the messagerouter.Handler interface implementation.
func (m *Manager) HandlePong(pong *wire.MsgPong, source messagerouter.Peer) {
	h, ok := hostOf(source)
	if !ok {
		return
	}
	m.metrics.PongsReceived.Inc()

	caughtHost := addressmanager.NewCaughtHost(pong.Address())
	caughtHost.IsUltrapeer = pong.IsUltrapeer()
	if uptime, ok := pong.DailyUptime(); ok {
		caughtHost.DailyUptime = int(uptime)
	}
	if vendor, ok := pong.VendorCode(); ok {
		caughtHost.Vendor = vendor
	}
	priority := addressmanager.PriorityNormal
	if caughtHost.IsUltrapeer {
		priority = addressmanager.PriorityHigh
	}
	if m.hostCache.AddCaughtHost(caughtHost, priority) && m.connections.IsUltrapeer() {
		m.pongCache.add(pong, h.ID())
	}

	packedHosts, err := pong.PackedHosts()
	if err != nil {
		log.Debugf("Ignoring packed hosts in pong from %s: %s", h, err)
		return
	}
	for _, address := range packedHosts {
		m.hostCache.AddCaughtHost(addressmanager.NewCaughtHost(address), addressmanager.PriorityNormal)
	}
}

// HandleLocalPong receives the pongs answering pings of this node. The
// hosts they announce were already learned by HandlePong.
// This is part of the messagerouter.Handler interface implementation.
func (m *Manager) HandleLocalPong(pong *wire.MsgPong, source messagerouter.Peer) {
	m.metrics.LocalPongsReceived.Inc()
	log.Tracef("Received pong for %s from %s", pong.Address(), source)
}

// sendPing sends a ping originated by this node to h.
func (m *Manager) sendPing(h *host.Host, ttl byte) {
	ping := wire.NewMsgPing(ttl)
	if h.SupportsGGEP() {
		ping.GGEP.Set(wire.GGEPSupportsCachedPongs, nil)
	}
	m.router.AddLocalPingRoute(ping.Header().GUID)
	h.QueueMessage(ping)
}

// pingLoop periodically pings the connected ultrapeers to keep the pong
// cache and the host cache fresh.
func (m *Manager) pingLoop() {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
			for _, h := range m.connections.ConnectedHosts() {
				if !h.IsLeaf() {
					m.sendPing(h, m.cfg.PingTTL)
				}
			}
		}
	}
}
