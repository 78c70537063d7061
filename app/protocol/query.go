package protocol

import (
	"github.com/gnutd/gnutd/infrastructure/network/handshake"
	"github.com/gnutd/gnutd/infrastructure/network/host"
	"github.com/gnutd/gnutd/infrastructure/network/messagerouter"
	"github.com/gnutd/gnutd/wire"
	"github.com/pkg/errors"
)

// ErrNotConnected is returned when a query can't be sent to anyone.
var ErrNotConnected = errors.New("not connected to any host")

// HandleQuery answers query from the shared file index and forwards it.
// Queries are forwarded to ultrapeers and normal hosts while they have TTL
// left, and to leaves whose query routing table matches every keyword,
// even on their last hop.
// This is part of the messagerouter.Handler interface implementation.
func (m *Manager) HandleQuery(query *wire.MsgQuery, source messagerouter.Peer) {
	h, ok := hostOf(source)
	if !ok {
		return
	}
	m.metrics.QueriesReceived.Inc()
	m.answerQuery(query, h)

	if h.Role() == handshake.RoleLeafToUltrapeer {
		// Leaves don't forward queries.
		return
	}
	m.forwardQuery(query, h)
}

func (m *Manager) answerQuery(query *wire.MsgQuery, source *host.Host) {
	index := m.sharedFileIndex()
	if index == nil {
		return
	}
	address := m.connections.LocalAddress()
	if address == nil {
		return
	}
	records := index.Search(query.Keywords())
	if len(records) == 0 {
		return
	}
	header := query.Header()
	hit := wire.NewMsgQueryHit(header.GUID, header.Hops, address, m.cfg.Speed, m.router.LocalServentID(), records)
	source.QueueMessage(hit)
	m.metrics.QueryHitsSent.Inc()
}

// forwardQuery sends query to every suitable connected host but source.
// A nil source means the query was originated locally. Each host gets its
// own copy of the header.
func (m *Manager) forwardQuery(query *wire.MsgQuery, source *host.Host) int {
	header := query.Header()
	keywords := query.Keywords()
	var sent int
	for _, h := range m.connections.ConnectedHosts() {
		if h == source {
			continue
		}
		if h.IsLeaf() {
			if !m.leafMatches(h, keywords) {
				continue
			}
			h.QueueMessage(wire.ForwardCopy(query))
			m.metrics.QueriesForwarded.WithLabelValues("leaf").Inc()
			sent++
			continue
		}
		if header.TTL == 0 {
			continue
		}
		if header.Hops >= h.HopsFlow() {
			continue
		}
		h.QueueMessage(wire.ForwardCopy(query))
		m.metrics.QueriesForwarded.WithLabelValues("peer").Inc()
		sent++
	}
	return sent
}

func (m *Manager) leafMatches(h *host.Host, keywords []string) bool {
	state := m.hostState(h)
	if state == nil {
		return false
	}
	state.lock.Lock()
	defer state.lock.Unlock()
	return state.routeTable != nil && state.routeTable.ContainsAll(keywords)
}

// SubmitQuery originates a query for searchString. Its hits are delivered
// to the QueryHitConsumer.
func (m *Manager) SubmitQuery(searchString string) (wire.GUID, error) {
	if len(wire.SplitKeywords(searchString)) == 0 {
		return wire.GUID{}, errors.Errorf("search string %q has no keywords", searchString)
	}
	query := wire.NewMsgQuery(m.cfg.QueryTTL, searchString)
	guid := query.Header().GUID
	m.router.AddLocalQueryRoute(guid)

	sent := m.forwardQuery(query, nil)
	if sent == 0 {
		return guid, ErrNotConnected
	}
	log.Debugf("Sent query %s for %q to %d hosts", guid, searchString, sent)
	return guid, nil
}

// HandleLocalQueryHit hands hits to local queries to the
// QueryHitConsumer.
// This is part of the messagerouter.Handler interface implementation.
func (m *Manager) HandleLocalQueryHit(hit *wire.MsgQueryHit, source messagerouter.Peer) {
	m.metrics.LocalQueryHitsReceived.Inc()

	m.consumersLock.RLock()
	consumer := m.queryHitConsumer
	m.consumersLock.RUnlock()
	if consumer == nil {
		log.Debugf("Dropping query hit from %s: nobody is listening", source)
		return
	}
	consumer.HandleQueryHit(hit)
}

func (m *Manager) sharedFileIndex() SharedFileIndex {
	m.consumersLock.RLock()
	defer m.consumersLock.RUnlock()
	return m.sharedFiles
}
