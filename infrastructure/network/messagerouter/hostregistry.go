package messagerouter

import (
	"sync"
)

// hostID identifies a peer in the route tables. Route entries store ids
// rather than peers so that a disconnected peer is forgotten in O(1)
// without walking the tables.
type hostID uint32

// selfHostID is the id of routes to the local node. goneHostID is never
// allocated: routes to it are orphaned from the start.
const (
	selfHostID hostID = 0
	goneHostID hostID = ^hostID(0)
)

type hostRegistry struct {
	lock   sync.Mutex
	nextID hostID
	ids    map[Peer]hostID
	peers  map[hostID]Peer
}

func newHostRegistry() *hostRegistry {
	return &hostRegistry{
		nextID: selfHostID + 1,
		ids:    make(map[Peer]hostID),
		peers:  make(map[hostID]Peer),
	}
}

// id returns the id of peer, allocating one on first use. A nil peer is
// the local node. A peer that is no longer connected gets goneHostID, so
// messages still dispatched from it after its removal allocate nothing.
// Peers are disconnected before they are removed.
func (r *hostRegistry) id(peer Peer) hostID {
	if peer == nil {
		return selfHostID
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	if id, ok := r.ids[peer]; ok {
		return id
	}
	if !peer.IsConnected() {
		return goneHostID
	}
	id := r.nextID
	r.nextID++
	for r.nextID == selfHostID || r.nextID == goneHostID {
		r.nextID++
	}
	r.ids[peer] = id
	r.peers[id] = peer
	return id
}

// peer returns the peer with the given id. ok is false when the peer has
// been removed.
func (r *hostRegistry) peer(id hostID) (peer Peer, ok bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	peer, ok = r.peers[id]
	return peer, ok
}

func (r *hostRegistry) remove(peer Peer) {
	r.lock.Lock()
	defer r.lock.Unlock()
	id, ok := r.ids[peer]
	if !ok {
		return
	}
	delete(r.ids, peer)
	delete(r.peers, id)
}

func (r *hostRegistry) len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.ids)
}
