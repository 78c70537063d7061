package protocol

import (
	"github.com/gnutd/gnutd/app/protocol/qrp"
	"github.com/gnutd/gnutd/infrastructure/network/handshake"
	"github.com/gnutd/gnutd/infrastructure/network/host"
	"github.com/gnutd/gnutd/infrastructure/network/messagerouter"
	"github.com/gnutd/gnutd/infrastructure/network/protocolerrors"
	"github.com/gnutd/gnutd/wire"
)

type noKeywords struct{}

func (noKeywords) Keywords() []string {
	return nil
}

// sendRouteTable sends the query routing table of this node to the
// ultrapeer h.
func (m *Manager) sendRouteTable(h *host.Host) {
	var provider qrp.KeywordProvider = noKeywords{}
	if index := m.sharedFileIndex(); index != nil {
		provider = index
	}
	updates, err := qrp.BuildTable(provider).Updates()
	if err != nil {
		log.Errorf("Couldn't build the query routing table: %s", err)
		return
	}
	for _, update := range updates {
		h.QueueMessage(update)
	}
	log.Debugf("Sent query routing table to %s in %d messages", h, len(updates))
}

// HandleRouteTableUpdate installs the query routing table of a leaf.
// Tables from hosts that aren't leaves of this node are ignored.
// This is part of the messagerouter.Handler interface implementation.
func (m *Manager) HandleRouteTableUpdate(update *wire.MsgRouteTableUpdate, source messagerouter.Peer) {
	h, ok := hostOf(source)
	if !ok {
		return
	}
	if h.Role() != handshake.RoleUltrapeerToLeaf {
		log.Debugf("Ignoring route table update from %s, which isn't a leaf", h)
		return
	}
	state := m.hostState(h)
	if state == nil {
		return
	}

	state.lock.Lock()
	if state.routeTable == nil {
		state.routeTable = &qrp.Table{}
	}
	completed, err := state.routeTable.ApplyUpdate(update)
	if err != nil {
		state.routeTable = nil
	}
	state.lock.Unlock()

	if err != nil {
		h.DisconnectWithError(protocolerrors.Wrapf(false, err, "bad route table update from %s", h))
		return
	}
	if completed {
		m.metrics.RouteTablesInstalled.Inc()
		log.Debugf("Installed query routing table of %s", h)
	}
}
