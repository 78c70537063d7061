// Copyright (c) 2013-2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addressmanager

import (
	"fmt"
	"math/rand"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gnutd/gnutd/wire"
	"github.com/pkg/errors"
)

func newCacheForTest(maxReady, maxReputation int) *CaughtHostCache {
	cfg := &Config{
		MaxReadyHosts:      maxReady,
		MaxReputationHosts: maxReputation,
		SaveInterval:       time.Minute,
	}
	return New(cfg, NewValidator(nil, true), nil)
}

func testAddress(i int) *wire.NetAddress {
	return wire.NewNetAddressIPPort(net.IPv4(8, 1, byte(i>>8), byte(i)).To4(), 6346)
}

func TestGetNextPriorityOrder(t *testing.T) {
	cache := newCacheForTest(100, 100)

	low := wire.NewNetAddressIPPort(net.ParseIP("192.168.1.1"), 6346)
	normal1 := testAddress(1)
	normal2 := testAddress(2)
	high := testAddress(3)

	// Private addresses are demoted to the low tier whatever was asked.
	if !cache.AddAddress(low, PriorityHigh) {
		t.Fatalf("AddAddress unexpectedly refused %s", low)
	}
	cache.AddAddress(normal1, PriorityNormal)
	cache.AddAddress(high, PriorityHigh)
	cache.AddAddress(normal2, PriorityNormal)

	expectedOrder := []*wire.NetAddress{high, normal2, normal1, low}
	for i, expected := range expectedOrder {
		next := cache.GetNext()
		if next == nil {
			t.Fatalf("GetNext #%d unexpectedly returned nil", i)
		}
		if !next.Address.Equal(expected) {
			t.Fatalf("GetNext #%d: expected %s, got %s", i, expected, next.Address)
		}
	}
	if cache.ReadyLen() != 0 {
		t.Fatalf("expected the ready tiers to be empty, got %d hosts", cache.ReadyLen())
	}
}

func TestAddCaughtHostRejects(t *testing.T) {
	filter, err := NewIPAccessFilter([]string{"9.9.9.0/24"}, nil)
	if err != nil {
		t.Fatalf("NewIPAccessFilter: %s", err)
	}
	cache := New(DefaultConfig(), NewValidator(filter, false), nil)

	rejected := []*wire.NetAddress{
		wire.NewNetAddressIPPort(net.ParseIP("127.0.0.1"), 6346),
		wire.NewNetAddressIPPort(net.ParseIP("10.0.0.1"), 6346),
		wire.NewNetAddressIPPort(net.ParseIP("9.9.9.9"), 6346),
		wire.NewNetAddressIPPort(net.ParseIP("8.8.8.8"), 0),
	}
	for _, address := range rejected {
		if cache.AddAddress(address, PriorityNormal) {
			t.Errorf("AddAddress unexpectedly accepted %s", address)
		}
	}
	if cache.ReadyLen() != 0 || cache.ReputationLen() != 0 {
		t.Fatalf("expected an empty cache, got %s", spew.Sdump(cache.Stats()))
	}
}

func TestReadyTierEviction(t *testing.T) {
	// 10 ready hosts: 2 high, 5 normal, 3 low.
	cache := newCacheForTest(10, 100)

	for i := 0; i < 8; i++ {
		cache.AddAddress(testAddress(i), PriorityNormal)
	}
	if cache.ReadyLen() != 5 {
		t.Fatalf("expected the normal tier to hold 5 hosts, got %d", cache.ReadyLen())
	}

	// The three oldest were evicted, and the tier is LIFO.
	for i := 7; i >= 3; i-- {
		next := cache.GetNext()
		if next == nil || !next.Address.Equal(testAddress(i)) {
			t.Fatalf("expected %s, got %s", testAddress(i), spew.Sdump(next))
		}
	}

	// Evicted hosts are still known to the reputation set.
	if cache.ReputationLen() != 8 {
		t.Fatalf("expected 8 hosts in the reputation set, got %d", cache.ReputationLen())
	}
}

func TestReAddPromotesPriority(t *testing.T) {
	cache := newCacheForTest(100, 100)

	cache.AddAddress(testAddress(1), PriorityNormal)
	cache.AddAddress(testAddress(2), PriorityNormal)
	cache.AddAddress(testAddress(1), PriorityHigh)
	// A lower priority doesn't demote.
	cache.AddAddress(testAddress(1), PriorityLow)

	stats := cache.Stats()
	expectedReady := map[string]int{"low": 0, "normal": 1, "high": 1}
	if !reflect.DeepEqual(stats.Ready, expectedReady) {
		t.Fatalf("unexpected tier sizes. Want: %v, got: %v", expectedReady, stats.Ready)
	}

	next := cache.GetNext()
	if !next.Address.Equal(testAddress(1)) {
		t.Fatalf("expected the promoted host first, got %s", next.Address)
	}
	next = cache.GetNext()
	if !next.Address.Equal(testAddress(2)) {
		t.Fatalf("expected %s, got %s", testAddress(2), next.Address)
	}
	if next = cache.GetNext(); next == nil {
		t.Fatalf("expected the tiers to be replenished from the reputation set")
	}
}

func TestRemove(t *testing.T) {
	cache := newCacheForTest(100, 100)

	cache.AddAddress(testAddress(1), PriorityNormal)
	cache.AddAddress(testAddress(2), PriorityNormal)

	err := cache.Remove(testAddress(1))
	if err != nil {
		t.Fatalf("Remove: %s", err)
	}
	err = cache.Remove(testAddress(1))
	if !errors.Is(err, ErrAddressNotFound) {
		t.Fatalf("expected ErrAddressNotFound, got %v", err)
	}
	if cache.ReadyLen() != 1 || cache.ReputationLen() != 1 {
		t.Fatalf("unexpected cache sizes: %s", spew.Sdump(cache.Stats()))
	}

	next := cache.GetNext()
	if !next.Address.Equal(testAddress(2)) {
		t.Fatalf("expected %s, got %s", testAddress(2), next.Address)
	}
}

func TestReputationOrder(t *testing.T) {
	cache := newCacheForTest(100, 100)

	neverTried := testAddress(1)
	failed := testAddress(2)
	succeeded := testAddress(3)
	highUptime := testAddress(4)

	cache.AddAddress(neverTried, PriorityNormal)
	cache.AddAddress(failed, PriorityNormal)
	cache.AddAddress(succeeded, PriorityNormal)
	host := NewCaughtHost(highUptime)
	host.DailyUptime = 3600
	cache.AddCaughtHost(host, PriorityNormal)

	cache.ReportConnectionFailure(failed)
	cache.ReportConnectionSuccess(succeeded)

	hosts := cache.ReputationHosts()
	order := make([]string, len(hosts))
	for i, host := range hosts {
		order[i] = host.Address.String()
	}
	expectedOrder := []string{succeeded.String(), highUptime.String(), neverTried.String(), failed.String()}
	if !reflect.DeepEqual(order, expectedOrder) {
		t.Fatalf("unexpected reputation order. Want: %v, got: %v", expectedOrder, order)
	}

	err := cache.CheckConsistency()
	if err != nil {
		t.Fatalf("CheckConsistency: %s", err)
	}
}

func TestReputationBounded(t *testing.T) {
	cache := newCacheForTest(1000, 10)

	for i := 0; i < 10; i++ {
		cache.AddAddress(testAddress(i), PriorityNormal)
		cache.ReportConnectionSuccess(testAddress(i))
	}
	// Hosts without history are worse than any successful one, so they're
	// the ones dropped.
	for i := 10; i < 20; i++ {
		cache.AddAddress(testAddress(i), PriorityNormal)
	}
	if cache.ReputationLen() != 10 {
		t.Fatalf("expected 10 hosts in the reputation set, got %d", cache.ReputationLen())
	}
	for _, host := range cache.ReputationHosts() {
		if host.LastSuccessful.IsZero() {
			t.Fatalf("host %s without success survived the bound", host)
		}
	}
	err := cache.CheckConsistency()
	if err != nil {
		t.Fatalf("CheckConsistency: %s", err)
	}
}

func TestReputationConsistencyRandomOperations(t *testing.T) {
	cache := newCacheForTest(50, 40)
	random := rand.New(rand.NewSource(1))

	for i := 0; i < 5000; i++ {
		address := testAddress(random.Intn(100))
		switch random.Intn(5) {
		case 0:
			host := NewCaughtHost(address)
			host.DailyUptime = random.Intn(86400)
			host.IsUltrapeer = random.Intn(2) == 0
			cache.AddCaughtHost(host, Priority(random.Intn(int(numberOfPriorities))))
		case 1:
			_ = cache.Remove(address)
		case 2:
			cache.ReportConnectionSuccess(address)
		case 3:
			cache.ReportConnectionFailure(address)
		case 4:
			cache.GetNext()
		}

		err := cache.CheckConsistency()
		if err != nil {
			t.Fatalf("operation #%d: %s", i, err)
		}
		if cache.ReputationLen() > 40 {
			t.Fatalf("operation #%d: reputation set grew to %d", i, cache.ReputationLen())
		}
		if cache.ReadyLen() > 50 {
			t.Fatalf("operation #%d: ready tiers grew to %d", i, cache.ReadyLen())
		}
	}
}

func TestReplenishSkipsRecentFailures(t *testing.T) {
	cache := newCacheForTest(100, 100)

	for i := 0; i < 3; i++ {
		cache.AddAddress(testAddress(i), PriorityNormal)
	}
	for i := 0; i < 3; i++ {
		cache.GetNext()
	}
	cache.ReportConnectionFailure(testAddress(0))
	cache.ReportConnectionFailure(testAddress(1))

	next := cache.GetNext()
	if next == nil || !next.Address.Equal(testAddress(2)) {
		t.Fatalf("expected only %s to be replenished, got %s", testAddress(2), spew.Sdump(next))
	}
	// A second replenish hands out the same host again.
	if next = cache.GetNext(); next == nil || !next.Address.Equal(testAddress(2)) {
		t.Fatalf("expected %s again, got %s", testAddress(2), spew.Sdump(next))
	}
}

func ExampleCaughtHostCache_GetNext() {
	cache := New(DefaultConfig(), NewValidator(nil, false), nil)
	cache.AddAddress(wire.NewNetAddressIPPort(net.ParseIP("8.8.4.4"), 6346), PriorityNormal)
	cache.AddAddress(wire.NewNetAddressIPPort(net.ParseIP("8.8.8.8"), 6346), PriorityHigh)

	fmt.Println(cache.GetNext())
	fmt.Println(cache.GetNext())
	// Output:
	// 8.8.8.8:6346
	// 8.8.4.4:6346
}
