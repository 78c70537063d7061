package app

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gnutd/gnutd/wire"
	"github.com/pkg/errors"
)

type fakeUpdater struct {
	lock      sync.Mutex
	announced []*wire.NetAddress
	err       error
}

func (f *fakeUpdater) UpdateRemoteCache(_ context.Context, self *wire.NetAddress) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.err != nil {
		return f.err
	}
	f.announced = append(f.announced, self)
	return nil
}

func (f *fakeUpdater) count() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.announced)
}

type fakeNode struct {
	ultrapeer bool
	local     *wire.NetAddress
}

func (f *fakeNode) IsUltrapeer() bool              { return f.ultrapeer }
func (f *fakeNode) LocalAddress() *wire.NetAddress { return f.local }

func TestCacheAnnouncerAnnounce(t *testing.T) {
	local := wire.NewNetAddressIPPort(net.ParseIP("1.2.3.4"), 6346)
	tests := []struct {
		name             string
		node             *fakeNode
		updateErr        error
		expectedAnnounce bool
	}{
		{name: "leaf", node: &fakeNode{ultrapeer: false, local: local}},
		{name: "unknown local address", node: &fakeNode{ultrapeer: true}},
		{name: "failed update", node: &fakeNode{ultrapeer: true, local: local}, updateErr: errors.New("no cache")},
		{name: "reachable ultrapeer", node: &fakeNode{ultrapeer: true, local: local}, expectedAnnounce: true},
	}

	for _, test := range tests {
		updater := &fakeUpdater{err: test.updateErr}
		announcer := newCacheAnnouncer(updater, test.node, time.Hour)
		announced := announcer.announce()
		if announced != test.expectedAnnounce {
			t.Errorf("%s: expected announce %t, got %t", test.name, test.expectedAnnounce, announced)
		}
		if test.expectedAnnounce && (updater.count() != 1 || updater.announced[0] != local) {
			t.Errorf("%s: expected %s to be announced, got %v", test.name, local, updater.announced)
		}
	}
}

func TestCacheAnnouncerLoop(t *testing.T) {
	updater := &fakeUpdater{}
	node := &fakeNode{ultrapeer: true, local: wire.NewNetAddressIPPort(net.ParseIP("1.2.3.4"), 6346)}
	announcer := newCacheAnnouncer(updater, node, 10*time.Millisecond)
	announcer.start()

	deadline := time.Now().Add(5 * time.Second)
	for updater.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for announcements")
		}
		time.Sleep(5 * time.Millisecond)
	}
	announcer.stop()

	count := updater.count()
	time.Sleep(50 * time.Millisecond)
	if updater.count() != count {
		t.Fatalf("Announcements continued after stop")
	}
}
