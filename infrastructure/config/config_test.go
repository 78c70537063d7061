package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gnutd/gnutd/infrastructure/network/flowcontrol"
	"github.com/jessevdk/go-flags"
)

func TestCreateDefaultConfigFile(t *testing.T) {
	tmpDir, err := ioutil.TempDir("", "gnutd")
	if err != nil {
		t.Fatalf("Failed creating a temporary directory: %v", err)
	}
	defer os.RemoveAll(tmpDir)
	testpath := filepath.Join(tmpDir, "nested", "test.conf")

	err = createDefaultConfigFile(testpath)
	if err != nil {
		t.Fatalf("Failed to create a default config file: %v", err)
	}

	content, err := ioutil.ReadFile(testpath)
	if err != nil {
		t.Fatalf("Failed reading the created config file: %v", err)
	}
	if string(content) != sampleConfig {
		t.Fatalf("The created config file doesn't match the sample")
	}

	// The sample has every option commented out, so parsing it must keep
	// the defaults.
	cfgFlags := defaultFlags()
	parser := newConfigParser(cfgFlags, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(testpath)
	if err != nil {
		t.Fatalf("Failed parsing the sample config file: %v", err)
	}
	if !reflect.DeepEqual(cfgFlags, defaultFlags()) {
		t.Fatalf("Parsing the sample config file changed the defaults: %s", spew.Sdump(cfgFlags))
	}
}

func TestResolveNetwork(t *testing.T) {
	parser := flags.NewParser(&NetworkFlags{}, flags.None)

	public := &NetworkFlags{}
	err := public.ResolveNetwork(parser)
	if err != nil {
		t.Fatalf("ResolveNetwork: %s", err)
	}
	if public.NetworkProfile() != &PublicNetwork {
		t.Fatalf("Expected the public network, got %s", spew.Sdump(public.NetworkProfile()))
	}

	private := &NetworkFlags{PrivateNetwork: "lab"}
	err = private.ResolveNetwork(parser)
	if err != nil {
		t.Fatalf("ResolveNetwork: %s", err)
	}
	expected := &NetworkProfile{
		Name:                 "private-lab",
		ProtocolName:         "LAB",
		DefaultPort:          "6346",
		HostsFilename:        "private_lab_hosts.cfg",
		EndpointsFilename:    "private_lab_gwebcaches.cfg",
		AllowPublicBootstrap: false,
	}
	if !reflect.DeepEqual(private.NetworkProfile(), expected) {
		t.Fatalf("Unexpected private network profile.\nWant: %s\nGot: %s",
			spew.Sdump(expected), spew.Sdump(private.NetworkProfile()))
	}

	invalid := &NetworkFlags{PrivateNetwork: "a/b"}
	err = invalid.ResolveNetwork(flags.NewParser(&NetworkFlags{}, flags.None))
	if err == nil {
		t.Fatalf("Expected an error for an invalid private network name")
	}
}

func testConfig(modify func(cfg *Config)) *Config {
	cfg := DefaultConfig()
	modify(cfg)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(cfg *Config)
		expectErr bool
	}{
		{name: "defaults", modify: func(cfg *Config) {}},
		{name: "zero max ttl", modify: func(cfg *Config) { cfg.MaxNetworkTTLFlag = 0 }, expectErr: true},
		{name: "huge max ttl", modify: func(cfg *Config) { cfg.MaxNetworkTTLFlag = 100 }, expectErr: true},
		{name: "tiny max message length", modify: func(cfg *Config) { cfg.MaxMessageLen = 10 }, expectErr: true},
		{name: "short read timeout", modify: func(cfg *Config) { cfg.ReadTimeoutFlag = time.Millisecond }, expectErr: true},
		{name: "no leaf connections", modify: func(cfg *Config) { cfg.Leaf2Up = 0 }, expectErr: true},
		{name: "negative up2leaf", modify: func(cfg *Config) { cfg.Up2Leaf = -1 }, expectErr: true},
		{name: "no connect attempts", modify: func(cfg *Config) { cfg.MaxConnectAttempts = 0 }, expectErr: true},
		{name: "unknown hosts store", modify: func(cfg *Config) { cfg.HostsStore = "memory" }, expectErr: true},
		{name: "bad flow policy", modify: func(cfg *Config) { cfg.FlowPolicies = []string{"query"} }, expectErr: true},
		{name: "unknown flow class", modify: func(cfg *Config) { cfg.FlowPolicies = []string{"chat=fifo"} }, expectErr: true},
		{
			name: "addpeer and connect",
			modify: func(cfg *Config) {
				cfg.AddPeers = []string{"1.2.3.4"}
				cfg.ConnectPeers = []string{"5.6.7.8"}
			},
			expectErr: true,
		},
		{name: "tor isolation without proxy", modify: func(cfg *Config) { cfg.TorIsolation = true }, expectErr: true},
		{name: "invalid proxy", modify: func(cfg *Config) { cfg.Proxy = "localhost" }, expectErr: true},
		{name: "invalid debuglisten", modify: func(cfg *Config) { cfg.DebugListen = "6060" }, expectErr: true},
	}

	for _, test := range tests {
		cfg := testConfig(test.modify)
		err := cfg.validate("test")
		if test.expectErr && err == nil {
			t.Errorf("%s: expected an error", test.name)
		}
		if !test.expectErr && err != nil {
			t.Errorf("%s: unexpected error: %s", test.name, err)
		}
	}
}

func TestValidateDerivedOptions(t *testing.T) {
	cfg := testConfig(func(cfg *Config) {
		cfg.AddPeers = []string{"1.2.3.4", "1.2.3.4:6346", "5.6.7.8:1000"}
		cfg.FlowPolicies = []string{"query=fifo", "QueryHit = lifo"}
	})
	err := cfg.validate("test")
	if err != nil {
		t.Fatalf("validate: %s", err)
	}

	expectedListeners := []string{":6346"}
	if !reflect.DeepEqual(cfg.Listeners, expectedListeners) {
		t.Errorf("Unexpected listeners. Want: %v, got: %v", expectedListeners, cfg.Listeners)
	}
	expectedPeers := []string{"1.2.3.4:6346", "5.6.7.8:1000"}
	if !reflect.DeepEqual(cfg.AddPeers, expectedPeers) {
		t.Errorf("Unexpected addpeers. Want: %v, got: %v", expectedPeers, cfg.AddPeers)
	}
	expectedPolicies := map[flowcontrol.MessageClass]flowcontrol.OrderingPolicy{
		flowcontrol.ClassQuery:    flowcontrol.FIFO,
		flowcontrol.ClassQueryHit: flowcontrol.LIFO,
	}
	if !reflect.DeepEqual(cfg.FlowPolicyOverrides, expectedPolicies) {
		t.Errorf("Unexpected flow policies. Want: %s, got: %s",
			spew.Sdump(expectedPolicies), spew.Sdump(cfg.FlowPolicyOverrides))
	}
	if cfg.DisableBootstrap {
		t.Errorf("Bootstrap must stay enabled on the public network without --connect")
	}

	connectOnly := testConfig(func(cfg *Config) {
		cfg.ConnectPeers = []string{"1.2.3.4"}
	})
	err = connectOnly.validate("test")
	if err != nil {
		t.Fatalf("validate: %s", err)
	}
	if !connectOnly.DisableListen || connectOnly.Listeners != nil {
		t.Errorf("--connect without --listen must disable listening, got listeners %v", connectOnly.Listeners)
	}
	if !connectOnly.DisableBootstrap {
		t.Errorf("--connect must disable bootstrapping")
	}

	private := testConfig(func(cfg *Config) {
		profile, err := NewPrivateNetwork("lab")
		if err != nil {
			t.Fatalf("NewPrivateNetwork: %s", err)
		}
		cfg.ActiveNetworkProfile = profile
	})
	err = private.validate("test")
	if err != nil {
		t.Fatalf("validate: %s", err)
	}
	if !private.DisableBootstrap {
		t.Errorf("Private networks must not bootstrap from public caches")
	}

	proxied := testConfig(func(cfg *Config) {
		cfg.Proxy = "127.0.0.1:9050"
	})
	err = proxied.validate("test")
	if err != nil {
		t.Fatalf("validate: %s", err)
	}
	if !proxied.DisableListen {
		t.Errorf("--proxy without --listen must disable listening")
	}
	if proxied.Dial == nil {
		t.Errorf("Expected a proxy dial function")
	}
}

func TestPreferences(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxNetworkTTL() != 7 {
		t.Errorf("Unexpected default max network TTL %d", cfg.MaxNetworkTTL())
	}
	if cfg.MaxMessageLength() != 65536 {
		t.Errorf("Unexpected default max message length %d", cfg.MaxMessageLength())
	}
	if cfg.ReadTimeout() != time.Minute {
		t.Errorf("Unexpected default read timeout %s", cfg.ReadTimeout())
	}
}
