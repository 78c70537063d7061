package protocol

import (
	"github.com/gnutd/gnutd/infrastructure/network/handshake"
	"github.com/gnutd/gnutd/infrastructure/network/host"
	"github.com/gnutd/gnutd/infrastructure/network/messagerouter"
	"github.com/gnutd/gnutd/wire"
)

// supportedVendorMessages are announced in Messages Supported.
var supportedVendorMessages = []wire.VendorMessageType{
	wire.VendorHopsFlow,
}

// HandleVendor handles Messages Supported and Hops Flow vendor messages.
// Other vendor messages are ignored.
// This is part of the messagerouter.Handler interface implementation.
func (m *Manager) HandleVendor(vendor *wire.MsgVendor, source messagerouter.Peer) {
	h, ok := hostOf(source)
	if !ok {
		return
	}
	switch {
	case vendor.IsType(wire.VendorMessagesSupported):
		m.handleMessagesSupported(vendor, h)

	case vendor.IsType(wire.VendorHopsFlow):
		maxHops, err := vendor.HopsFlow()
		if err != nil {
			log.Debugf("Ignoring malformed hops flow from %s: %s", h, err)
			return
		}
		log.Debugf("%s asked for queries of at most %d hops", h, maxHops)
		h.SetHopsFlow(maxHops)

	default:
		log.Tracef("Ignoring unsupported vendor message %v from %s", vendor.VendorMessageType, h)
	}
}

func (m *Manager) handleMessagesSupported(vendor *wire.MsgVendor, h *host.Host) {
	supported, err := vendor.MessagesSupported()
	if err != nil {
		log.Debugf("Ignoring malformed messages supported from %s: %s", h, err)
		return
	}
	state := m.hostState(h)
	if state == nil {
		return
	}
	state.lock.Lock()
	state.messagesSupported = supported
	state.lock.Unlock()

	// A leaf that shares nothing doesn't need to see any query.
	if h.Role() == handshake.RoleLeafToUltrapeer && m.supports(h, wire.VendorHopsFlow) &&
		m.sharedFileIndex() == nil {
		h.QueueMessage(wire.NewMsgHopsFlow(0))
	}
}

// supports returns whether h announced support for messageType.
func (m *Manager) supports(h *host.Host, messageType wire.VendorMessageType) bool {
	state := m.hostState(h)
	if state == nil {
		return false
	}
	state.lock.Lock()
	defer state.lock.Unlock()
	for _, supported := range state.messagesSupported {
		if supported.VendorID == messageType.VendorID && supported.Selector == messageType.Selector {
			return true
		}
	}
	return false
}
