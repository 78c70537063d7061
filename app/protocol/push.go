package protocol

import (
	"github.com/gnutd/gnutd/infrastructure/network/messagerouter"
	"github.com/gnutd/gnutd/wire"
	"github.com/pkg/errors"
)

// HandleLocalPush hands push requests addressed to this node to the
// PushConsumer.
// This is part of the messagerouter.Handler interface implementation.
func (m *Manager) HandleLocalPush(push *wire.MsgPush, source messagerouter.Peer) {
	m.metrics.LocalPushesReceived.Inc()

	m.consumersLock.RLock()
	consumer := m.pushConsumer
	m.consumersLock.RUnlock()
	if consumer == nil {
		log.Debugf("Dropping push for file %d from %s: nobody is listening", push.FileIndex, source)
		return
	}
	consumer.HandlePush(push)
}

// SendPush asks the servent that announced hit to connect back to this
// node for the file at fileIndex. It is routed along the path the hit
// came from.
func (m *Manager) SendPush(hit *wire.MsgQueryHit, fileIndex uint32) error {
	address := m.connections.LocalAddress()
	if address == nil {
		return errors.New("the address of this node is unknown")
	}
	push := wire.NewMsgPush(m.cfg.MaxNetworkTTL, hit.ServentID, fileIndex, address)
	return m.router.DispatchMessage(push, nil)
}
