package bootstrap

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gnutd/gnutd/infrastructure/network/addressmanager"
	"github.com/gnutd/gnutd/wire"
	"github.com/pkg/errors"
)

type recordingFeeder struct {
	lock      sync.Mutex
	addresses map[string]addressmanager.Priority
}

func newRecordingFeeder() *recordingFeeder {
	return &recordingFeeder{addresses: make(map[string]addressmanager.Priority)}
}

func (f *recordingFeeder) AddAddress(address *wire.NetAddress, priority addressmanager.Priority) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	if _, ok := f.addresses[address.String()]; ok {
		return false
	}
	f.addresses[address.String()] = priority
	return true
}

func (f *recordingFeeder) len() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.addresses)
}

// fakeCache is a GWebCache serving fixed answers.
type fakeCache struct {
	lock     sync.Mutex
	requests int
	updates  []string
	hosts    []string
	urls     []string
	broken   bool
	block    chan struct{}
}

func (c *fakeCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.lock.Lock()
	c.requests++
	broken := c.broken
	block := c.block
	c.lock.Unlock()

	if block != nil {
		<-block
	}
	if r.URL.Query().Get("client") != "TEST" {
		fmt.Fprintln(w, "ERROR missing client")
		return
	}
	if broken {
		fmt.Fprintln(w, "ERROR")
		return
	}

	query := r.URL.Query()
	switch {
	case query.Get("ping") == "1":
		fmt.Fprintln(w, "PONG fakecache 1.0")
	case query.Get("hostfile") == "1":
		for _, host := range c.hosts {
			fmt.Fprintln(w, host)
		}
	case query.Get("urlfile") == "1":
		for _, url := range c.urls {
			fmt.Fprintln(w, url)
		}
	case query.Get("ip") != "" || query.Get("url") != "":
		c.lock.Lock()
		c.updates = append(c.updates, r.URL.RawQuery)
		c.lock.Unlock()
		fmt.Fprintln(w, "OK")
		fmt.Fprintln(w, "WARNING: You came back too early")
	default:
		fmt.Fprintln(w, "ERROR unknown request")
	}
}

func (c *fakeCache) requestCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.requests
}

func newTestBootstrapper(feeder HostFeeder, urls ...string) *Bootstrapper {
	cfg := &Config{
		Attempts:       DefaultAttempts,
		RequestTimeout: 5 * time.Second,
		ClientID:       "TEST",
		Version:        "1.0",
		UDPTimeout:     time.Second,
	}
	b := New(cfg, feeder)
	for _, url := range urls {
		b.pool.Add(url)
	}
	return b
}

func TestQueryMoreHosts(t *testing.T) {
	cache := &fakeCache{hosts: []string{"1.2.3.4:6346", "5.6.7.8:6347|g1", "garbage", "host.example.com:6346"}}
	server := httptest.NewServer(cache)
	defer server.Close()

	feeder := newRecordingFeeder()
	b := newTestBootstrapper(feeder, server.URL)
	count, err := b.QueryMoreHosts(context.Background())
	if err != nil {
		t.Fatalf("QueryMoreHosts: %+v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 hosts, got %d", count)
	}
	for _, address := range []string{"1.2.3.4:6346", "5.6.7.8:6347"} {
		if priority, ok := feeder.addresses[address]; !ok || priority != addressmanager.PriorityNormal {
			t.Errorf("%s not fed at normal priority", address)
		}
	}
	if b.pool.Endpoints()[0].IsBad() {
		t.Errorf("a working cache was marked bad")
	}
}

func TestQueryMoreHostsSkipsBadCache(t *testing.T) {
	broken := &fakeCache{broken: true}
	brokenServer := httptest.NewServer(broken)
	defer brokenServer.Close()
	empty := &fakeCache{}
	emptyServer := httptest.NewServer(empty)
	defer emptyServer.Close()
	working := &fakeCache{hosts: []string{"1.2.3.4:6346"}}
	workingServer := httptest.NewServer(working)
	defer workingServer.Close()

	feeder := newRecordingFeeder()
	b := newTestBootstrapper(feeder, brokenServer.URL, emptyServer.URL, workingServer.URL)
	count, err := b.QueryMoreHosts(context.Background())
	if err != nil {
		t.Fatalf("QueryMoreHosts: %+v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 host, got %d", count)
	}

	for _, endpoint := range b.pool.Endpoints() {
		normalized, _ := NormalizeEndpointURL(workingServer.URL)
		tried := !endpoint.LastRequest.IsZero()
		if endpoint.URL == normalized {
			if endpoint.IsBad() {
				t.Errorf("working cache marked bad")
			}
			continue
		}
		if tried && !endpoint.IsBad() {
			t.Errorf("failing cache %s wasn't marked bad", endpoint)
		}
	}
}

func TestQueryMoreHostsAttemptLimit(t *testing.T) {
	var caches []*fakeCache
	var urls []string
	for i := 0; i < DefaultAttempts+3; i++ {
		cache := &fakeCache{broken: true}
		server := httptest.NewServer(cache)
		defer server.Close()
		caches = append(caches, cache)
		urls = append(urls, server.URL)
	}

	b := newTestBootstrapper(newRecordingFeeder(), urls...)
	_, err := b.QueryMoreHosts(context.Background())
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("expected ErrAttemptsExhausted, got %+v", err)
	}
	requests := 0
	for _, cache := range caches {
		requests += cache.requestCount()
	}
	if requests != DefaultAttempts {
		t.Errorf("expected %d requests, got %d", DefaultAttempts, requests)
	}
}

func TestQueryMoreHostsNoEndpoint(t *testing.T) {
	b := newTestBootstrapper(newRecordingFeeder())
	_, err := b.QueryMoreHosts(context.Background())
	if !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("expected ErrNoEndpoint, got %+v", err)
	}
}

func TestQueryMoreCaches(t *testing.T) {
	alive := httptest.NewServer(&fakeCache{})
	defer alive.Close()
	dead := httptest.NewServer(&fakeCache{})
	dead.Close()

	cache := &fakeCache{urls: []string{alive.URL, dead.URL, "ftp://bad.example.com/"}}
	server := httptest.NewServer(cache)
	defer server.Close()

	b := newTestBootstrapper(newRecordingFeeder(), server.URL)
	count, err := b.QueryMoreCaches(context.Background())
	if err != nil {
		t.Fatalf("QueryMoreCaches: %+v", err)
	}
	if count != 1 || b.pool.Len() != 2 {
		t.Fatalf("expected 1 new cache and 2 in the pool, got %d and %d", count, b.pool.Len())
	}
	if !b.pool.Contains(alive.URL) {
		t.Fatalf("the cache that answered the ping wasn't added")
	}
	if b.pool.Contains(dead.URL) {
		t.Fatalf("a cache that didn't answer the ping was added")
	}
	if _, ok := b.pool.GoodURL(""); !ok {
		t.Errorf("no cache ranks as answered")
	}

	// Known caches aren't pinged again.
	requests := cache.requestCount()
	count, err = b.QueryMoreCaches(context.Background())
	if err != nil {
		t.Fatalf("QueryMoreCaches: %+v", err)
	}
	if count != 0 || b.pool.Len() != 2 {
		t.Fatalf("expected no new cache, got %d and %d in the pool", count, b.pool.Len())
	}
	if cache.requestCount() != requests+1 {
		t.Errorf("expected a single urlfile request, got %d", cache.requestCount()-requests)
	}
}

func TestUpdateRemoteCache(t *testing.T) {
	cache := &fakeCache{}
	server := httptest.NewServer(cache)
	defer server.Close()

	b := newTestBootstrapper(newRecordingFeeder(), server.URL)
	self := wire.NewNetAddressIPPort(net.ParseIP("1.2.3.4"), 6346)
	err := b.UpdateRemoteCache(context.Background(), self)
	if err != nil {
		t.Fatalf("UpdateRemoteCache: %+v", err)
	}
	cache.lock.Lock()
	updates := len(cache.updates)
	cache.lock.Unlock()
	if updates != 1 {
		t.Fatalf("expected one update, got %d", updates)
	}
}

func TestQueryMoreHostsAsyncInFlight(t *testing.T) {
	cache := &fakeCache{hosts: []string{"1.2.3.4:6346"}, block: make(chan struct{})}
	server := httptest.NewServer(cache)
	defer server.Close()

	feeder := newRecordingFeeder()
	b := newTestBootstrapper(feeder, server.URL)
	if !b.QueryMoreHostsAsync() {
		t.Fatalf("first query wasn't started")
	}
	if b.QueryMoreHostsAsync() {
		t.Fatalf("a second query was started while the first is in flight")
	}
	if !b.IsQueryInFlight() {
		t.Fatalf("query isn't reported in flight")
	}
	close(cache.block)

	deadline := time.Now().Add(5 * time.Second)
	for b.IsQueryInFlight() {
		if time.Now().After(deadline) {
			t.Fatalf("query didn't finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if feeder.len() != 1 {
		t.Errorf("expected 1 host fed, got %d", feeder.len())
	}
	if !b.QueryMoreHostsAsync() {
		t.Errorf("query couldn't be started again after the first finished")
	}
	err := b.Stop()
	if err != nil {
		t.Errorf("Stop: %+v", err)
	}
	if b.QueryMoreHostsAsync() {
		t.Errorf("query started after Stop")
	}
}

func TestQueryMoreHostsAsyncFindsMoreCaches(t *testing.T) {
	working := &fakeCache{hosts: []string{"1.2.3.4:6346"}}
	workingServer := httptest.NewServer(working)
	defer workingServer.Close()
	// The only known cache has no hosts but knows the working one.
	empty := &fakeCache{urls: []string{workingServer.URL}}
	emptyServer := httptest.NewServer(empty)
	defer emptyServer.Close()

	feeder := newRecordingFeeder()
	b := newTestBootstrapper(feeder, emptyServer.URL)
	if !b.QueryMoreHostsAsync() {
		t.Fatalf("query wasn't started")
	}
	deadline := time.Now().Add(5 * time.Second)
	for b.IsQueryInFlight() {
		if time.Now().After(deadline) {
			t.Fatalf("query didn't finish")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !b.pool.Contains(workingServer.URL) {
		t.Fatalf("the learned cache wasn't added to the pool")
	}
	if feeder.len() != 1 {
		t.Fatalf("expected 1 host fed from the learned cache, got %d", feeder.len())
	}
	err := b.Stop()
	if err != nil {
		t.Errorf("Stop: %+v", err)
	}
}
