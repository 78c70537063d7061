package connmanager

import (
	"sync"

	"github.com/gnutd/gnutd/infrastructure/network/handshake"
	"github.com/gnutd/gnutd/infrastructure/network/host"
)

// hostSet holds the hosts of the ConnectionManager, connected or not,
// keyed by address.
type hostSet struct {
	lock  sync.RWMutex
	hosts map[string]*host.Host
}

func newHostSet() *hostSet {
	return &hostSet{hosts: make(map[string]*host.Host)}
}

// add adds h. It returns false if a host with the same address is
// already in the set.
func (hs *hostSet) add(h *host.Host) bool {
	hs.lock.Lock()
	defer hs.lock.Unlock()
	key := h.Address().String()
	if _, ok := hs.hosts[key]; ok {
		return false
	}
	hs.hosts[key] = h
	return true
}

func (hs *hostSet) remove(h *host.Host) {
	hs.lock.Lock()
	defer hs.lock.Unlock()
	key := h.Address().String()
	if hs.hosts[key] == h {
		delete(hs.hosts, key)
	}
}

func (hs *hostSet) get(address string) (*host.Host, bool) {
	hs.lock.RLock()
	defer hs.lock.RUnlock()
	h, ok := hs.hosts[address]
	return h, ok
}

func (hs *hostSet) len() int {
	hs.lock.RLock()
	defer hs.lock.RUnlock()
	return len(hs.hosts)
}

// connected returns the connected hosts.
func (hs *hostSet) connected() []*host.Host {
	hs.lock.RLock()
	defer hs.lock.RUnlock()
	hosts := make([]*host.Host, 0, len(hs.hosts))
	for _, h := range hs.hosts {
		if h.IsConnected() {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// all returns every host in the set.
func (hs *hostSet) all() []*host.Host {
	hs.lock.RLock()
	defer hs.lock.RUnlock()
	hosts := make([]*host.Host, 0, len(hs.hosts))
	for _, h := range hs.hosts {
		hosts = append(hosts, h)
	}
	return hosts
}

// roleCounts counts the connected hosts per role.
func (hs *hostSet) roleCounts() RoleCounts {
	var counts RoleCounts
	for _, h := range hs.connected() {
		switch h.Role() {
		case handshake.RoleNormal:
			counts.Normal++
		case handshake.RoleLeafToUltrapeer:
			counts.LeafToUltrapeer++
		case handshake.RoleUltrapeerToUltrapeer:
			counts.UltrapeerToUltrapeer++
		case handshake.RoleUltrapeerToLeaf:
			counts.UltrapeerToLeaf++
		}
	}
	return counts
}
