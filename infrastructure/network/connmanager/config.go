package connmanager

import (
	"net"
	"runtime"
	"time"

	"github.com/gnutd/gnutd/infrastructure/network/handshake"
)

// DialFunc opens an outgoing connection.
type DialFunc func(network, address string, timeout time.Duration) (net.Conn, error)

// Config configures a ConnectionManager.
type Config struct {
	Role      RoleConfig
	Handshake handshake.Config

	// Listeners are the addresses to accept connections on. Empty
	// disables incoming connections.
	Listeners []string

	// MaxIncoming bounds the simultaneously open incoming sockets,
	// handshaking or connected.
	MaxIncoming int

	// AcceptRate and AcceptBurst limit the rate of accepted sockets.
	AcceptRate  float64
	AcceptBurst int

	Dial           DialFunc
	ConnectTimeout time.Duration

	// ConnectPeers are the only hosts connected to when set. AddPeers
	// are connected to in addition to the automatically chosen ones.
	ConnectPeers []string
	AddPeers     []string

	CheckInterval time.Duration

	// MinReadyHosts is the caught host count under which bootstrapping
	// starts.
	MinReadyHosts int

	// OutgoingSubnetLimit is the number of outgoing connections allowed
	// into a single /24.
	OutgoingSubnetLimit uint

	TryHostsCount int
	BusyHostsSize int

	ObserverInterval time.Duration
	ObserverGrace    time.Duration
}

// Default connection settings.
const (
	DefaultLeaf2UpConnections  = 3
	DefaultUp2UpConnections    = 32
	DefaultUp2LeafConnections  = 30
	DefaultCheckInterval       = 2 * time.Second
	DefaultConnectTimeout      = 30 * time.Second
	DefaultMaxIncoming         = 100
	DefaultAcceptRate          = 10
	DefaultAcceptBurst         = 20
	DefaultMinReadyHosts       = 20
	DefaultOutgoingSubnetLimit = 2
	DefaultTryHostsCount       = 10
	DefaultBusyHostsSize       = 1000
	DefaultObserverInterval    = 30 * time.Second
	DefaultObserverGrace       = 15 * time.Second
	DefaultMinUpstreamKBps     = 10
	DefaultMinDownstreamKBps   = 20
	DefaultMinUltrapeerUptime  = 3 * time.Hour
)

// DefaultMaxConnectAttempts returns the default limit of concurrent
// outgoing connection attempts for the running OS. Desktop Windows
// throttles half open sockets.
func DefaultMaxConnectAttempts() int {
	if runtime.GOOS == "windows" {
		return 4
	}
	return 8
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Role: RoleConfig{
			Leaf2UpConnections: DefaultLeaf2UpConnections,
			Up2UpConnections:   DefaultUp2UpConnections,
			Up2LeafConnections: DefaultUp2LeafConnections,
			MaxConnectAttempts: DefaultMaxConnectAttempts(),
			AllowUltrapeer:     true,
			OSUltrapeerCapable: runtime.GOOS != "windows",
			MinUpstreamKBps:    DefaultMinUpstreamKBps,
			MinDownstreamKBps:  DefaultMinDownstreamKBps,
			MinUltrapeerUptime: DefaultMinUltrapeerUptime,
		},
		Handshake: handshake.Config{
			ProtocolName: "GNUTELLA",
			Timeout:      DefaultConnectTimeout,
			AllowDeflate: true,
		},
		MaxIncoming:         DefaultMaxIncoming,
		AcceptRate:          DefaultAcceptRate,
		AcceptBurst:         DefaultAcceptBurst,
		Dial:                net.DialTimeout,
		ConnectTimeout:      DefaultConnectTimeout,
		CheckInterval:       DefaultCheckInterval,
		MinReadyHosts:       DefaultMinReadyHosts,
		OutgoingSubnetLimit: DefaultOutgoingSubnetLimit,
		TryHostsCount:       DefaultTryHostsCount,
		BusyHostsSize:       DefaultBusyHostsSize,
		ObserverInterval:    DefaultObserverInterval,
		ObserverGrace:       DefaultObserverGrace,
	}
}
