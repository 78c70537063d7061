package debugapi

import (
	"encoding/json"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/gnutd/gnutd/infrastructure/metrics"
	"github.com/gnutd/gnutd/infrastructure/network/addressmanager"
	"github.com/gnutd/gnutd/infrastructure/network/connmanager"
	"github.com/gnutd/gnutd/infrastructure/network/flowcontrol"
	"github.com/gnutd/gnutd/infrastructure/network/host"
	"github.com/gnutd/gnutd/wire"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeConnections struct {
	hosts     []*host.Host
	counts    connmanager.RoleCounts
	ultrapeer bool
	local     *wire.NetAddress
	requested map[string]bool
	removed   []string
}

func (f *fakeConnections) ConnectedHosts() []*host.Host       { return f.hosts }
func (f *fakeConnections) RoleCounts() connmanager.RoleCounts { return f.counts }
func (f *fakeConnections) IsUltrapeer() bool                  { return f.ultrapeer }
func (f *fakeConnections) LocalAddress() *wire.NetAddress     { return f.local }

func (f *fakeConnections) RemoveConnectionRequest(address string) {
	f.removed = append(f.removed, address)
}

func (f *fakeConnections) AddConnectionRequest(address string, isPermanent bool) {
	f.requested[address] = isPermanent
}

type fakeHostCache struct {
	stats *addressmanager.Stats
}

func (f *fakeHostCache) Stats() *addressmanager.Stats { return f.stats }

type fakeComponent struct {
	counter prometheus.Counter
}

func (f *fakeComponent) Metrics() []prometheus.Collector {
	return []prometheus.Collector{f.counter}
}

func newTestService(t *testing.T) (*Service, *fakeConnections) {
	hostConfig := &host.Config{
		FlowControl: flowcontrol.DefaultClassConfigs(),
		Metrics:     host.NewMetrics(),
	}
	connections := &fakeConnections{
		hosts: []*host.Host{
			host.New(wire.NewNetAddressIPPort(net.ParseIP("10.0.0.1"), 6346), false, hostConfig, nil),
			host.New(wire.NewNetAddressIPPort(net.ParseIP("10.0.0.2"), 6347), true, hostConfig, nil),
		},
		counts:    connmanager.RoleCounts{UltrapeerToUltrapeer: 1, UltrapeerToLeaf: 1},
		ultrapeer: true,
		local:     wire.NewNetAddressIPPort(net.ParseIP("1.2.3.4"), 6346),
		requested: make(map[string]bool),
	}
	hostCache := &fakeHostCache{stats: &addressmanager.Stats{
		Ready:      map[string]int{"ultrapeer": 3, "normal": 5},
		Reputation: 2,
	}}
	component := &fakeComponent{counter: prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "test",
		Name:      "events",
		Help:      "Test events.",
	})}
	component.counter.Add(3)

	s, err := New(connections, hostCache, "6346", component)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	return s, connections
}

func doRequest(t *testing.T, s *Service, method string, path string) (int, []byte) {
	server := httptest.NewServer(s)
	defer server.Close()

	req, err := http.NewRequest(method, server.URL+path, nil)
	if err != nil {
		t.Fatalf("NewRequest: %s", err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %s", method, path, err)
	}
	defer res.Body.Close()
	body, err := ioutil.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Failed reading the response body: %s", err)
	}
	return res.StatusCode, body
}

func TestHealth(t *testing.T) {
	s, _ := newTestService(t)
	code, body := doRequest(t, s, http.MethodGet, "/health")
	if code != http.StatusOK {
		t.Fatalf("Unexpected status code %d", code)
	}
	var response statusResponse
	err := json.Unmarshal(body, &response)
	if err != nil {
		t.Fatalf("Unmarshal: %s", err)
	}
	if response.Status != "ok" || response.Version == "" {
		t.Fatalf("Unexpected health response %s", spew.Sdump(response))
	}
}

func TestHosts(t *testing.T) {
	s, _ := newTestService(t)
	code, body := doRequest(t, s, http.MethodGet, "/hosts")
	if code != http.StatusOK {
		t.Fatalf("Unexpected status code %d", code)
	}
	var response hostsResponse
	err := json.Unmarshal(body, &response)
	if err != nil {
		t.Fatalf("Unmarshal: %s", err)
	}
	if !response.Ultrapeer {
		t.Errorf("Expected the node to be reported as an ultrapeer")
	}
	if response.LocalAddress != "1.2.3.4:6346" {
		t.Errorf("Unexpected local address %q", response.LocalAddress)
	}
	expectedCounts := roleCountsResponse{UltrapeerToUltrapeer: 1, UltrapeerToLeaf: 1}
	if response.RoleCounts != expectedCounts {
		t.Errorf("Unexpected role counts %s", spew.Sdump(response.RoleCounts))
	}
	if len(response.Hosts) != 2 {
		t.Fatalf("Expected 2 hosts, got %d", len(response.Hosts))
	}
	if response.Hosts[0].Address != "10.0.0.1:6346" || response.Hosts[0].Incoming {
		t.Errorf("Unexpected first host %s", spew.Sdump(response.Hosts[0]))
	}
	if response.Hosts[1].Address != "10.0.0.2:6347" || !response.Hosts[1].Incoming {
		t.Errorf("Unexpected second host %s", spew.Sdump(response.Hosts[1]))
	}
}

func TestCaughtHosts(t *testing.T) {
	s, _ := newTestService(t)
	code, body := doRequest(t, s, http.MethodGet, "/caughthosts")
	if code != http.StatusOK {
		t.Fatalf("Unexpected status code %d", code)
	}
	var response addressmanager.Stats
	err := json.Unmarshal(body, &response)
	if err != nil {
		t.Fatalf("Unmarshal: %s", err)
	}
	expected := addressmanager.Stats{
		Ready:      map[string]int{"ultrapeer": 3, "normal": 5},
		Reputation: 2,
	}
	if !reflect.DeepEqual(response, expected) {
		t.Fatalf("Unexpected caught hosts stats.\nWant: %s\nGot: %s", spew.Sdump(expected), spew.Sdump(response))
	}
}

func TestConnect(t *testing.T) {
	s, connections := newTestService(t)

	code, _ := doRequest(t, s, http.MethodPost, "/connect/5.6.7.8")
	if code != http.StatusOK {
		t.Fatalf("Unexpected status code %d", code)
	}
	isPermanent, ok := connections.requested["5.6.7.8:6346"]
	if !ok || isPermanent {
		t.Fatalf("Expected a non permanent request for 5.6.7.8:6346, got %v", connections.requested)
	}

	code, _ = doRequest(t, s, http.MethodDelete, "/connect/5.6.7.8:6346")
	if code != http.StatusOK {
		t.Fatalf("Unexpected status code %d", code)
	}
	if !reflect.DeepEqual(connections.removed, []string{"5.6.7.8:6346"}) {
		t.Fatalf("Unexpected removed requests %v", connections.removed)
	}

	code, body := doRequest(t, s, http.MethodPost, "/connect/1.2.3.4:notaport")
	if code != http.StatusBadRequest {
		t.Fatalf("Expected a bad request, got %d: %s", code, body)
	}
}

func TestMetrics(t *testing.T) {
	s, _ := newTestService(t)
	code, body := doRequest(t, s, http.MethodGet, "/metrics")
	if code != http.StatusOK {
		t.Fatalf("Unexpected status code %d", code)
	}
	for _, expected := range []string{"gnutd_test_events 3", "gnutd_info{version=", "go_goroutines"} {
		if !strings.Contains(string(body), expected) {
			t.Errorf("Expected %q in the metrics output", expected)
		}
	}
}

func TestNotFound(t *testing.T) {
	s, _ := newTestService(t)
	code, _ := doRequest(t, s, http.MethodGet, "/nothing")
	if code != http.StatusNotFound {
		t.Fatalf("Unexpected status code %d", code)
	}
}
