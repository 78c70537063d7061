package messagerouter

import (
	"sync"
	"time"

	"github.com/gnutd/gnutd/wire"
	"go.uber.org/atomic"
)

// generation is one half of a RouteTable.
type generation struct {
	entries sync.Map // wire.GUID -> hostID
	size    atomic.Int64
}

// RouteTable maps request GUIDs to the peer the request came from.
//
// Entries are kept in two generations. Lookups check the current and then
// the last generation. When the current generation is older than lifetime
// or holds maxSize entries, the last generation is dropped and the current
// one takes its place. An entry therefore lives between lifetime and twice
// lifetime, and the table never holds more than 2*maxSize entries.
type RouteTable struct {
	name     string
	lifetime time.Duration
	maxSize  int64
	hosts    *hostRegistry

	// rotationLock is held for reading by every lookup and insertion and
	// for writing by rotation.
	rotationLock sync.RWMutex
	current      *generation
	last         *generation
	lastRotation time.Time

	now func() time.Time
}

func newRouteTable(name string, lifetime time.Duration, maxSize int, hosts *hostRegistry) *RouteTable {
	return &RouteTable{
		name:         name,
		lifetime:     lifetime,
		maxSize:      int64(maxSize),
		hosts:        hosts,
		current:      &generation{},
		last:         &generation{},
		lastRotation: time.Now(),
		now:          time.Now,
	}
}

func (rt *RouteTable) needsRotation() bool {
	return rt.now().Sub(rt.lastRotation) >= rt.lifetime || rt.current.size.Load() >= rt.maxSize
}

func (rt *RouteTable) rotateIfNeeded() {
	rt.rotationLock.RLock()
	needed := rt.needsRotation()
	rt.rotationLock.RUnlock()
	if !needed {
		return
	}

	rt.rotationLock.Lock()
	defer rt.rotationLock.Unlock()
	if !rt.needsRotation() {
		return
	}
	log.Debugf("Rotating %s route table, dropping %d entries", rt.name, rt.last.size.Load())
	rt.last = rt.current
	rt.current = &generation{}
	rt.lastRotation = rt.now()
}

// CheckAndAddRoute adds a route from guid to peer unless guid is already
// routed. It returns true if the route was added. A nil peer routes to the
// local node.
//
// Concurrent calls for the same GUID are linearizable: exactly one of them
// returns true.
func (rt *RouteTable) CheckAndAddRoute(guid wire.GUID, peer Peer) bool {
	rt.rotateIfNeeded()
	id := rt.hosts.id(peer)

	rt.rotationLock.RLock()
	defer rt.rotationLock.RUnlock()

	if _, ok := rt.last.entries.Load(guid); ok {
		return false
	}
	if _, loaded := rt.current.entries.LoadOrStore(guid, id); loaded {
		return false
	}
	rt.current.size.Inc()
	return true
}

// FindRoute returns the peer a reply with the given GUID should be sent
// to. isLocal is true when the request was originated by the local node.
// found is false when the GUID is unknown, expired, or its peer has
// disconnected.
func (rt *RouteTable) FindRoute(guid wire.GUID) (peer Peer, isLocal bool, found bool) {
	rt.rotateIfNeeded()

	rt.rotationLock.RLock()
	value, ok := rt.current.entries.Load(guid)
	if !ok {
		value, ok = rt.last.entries.Load(guid)
	}
	rt.rotationLock.RUnlock()
	if !ok {
		return nil, false, false
	}

	id := value.(hostID)
	if id == selfHostID {
		return nil, true, true
	}
	peer, ok = rt.hosts.peer(id)
	if !ok {
		return nil, false, false
	}
	return peer, false, true
}

// Size returns the number of entries in both generations.
func (rt *RouteTable) Size() int {
	rt.rotationLock.RLock()
	defer rt.rotationLock.RUnlock()
	return int(rt.current.size.Load() + rt.last.size.Load())
}
