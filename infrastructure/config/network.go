package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
)

// NetworkProfile describes a Gnutella network gnutd can join.
type NetworkProfile struct {
	// Name namespaces the data and log directories.
	Name string

	// ProtocolName starts handshake greetings and status lines.
	ProtocolName string

	DefaultPort string

	HostsFilename     string
	EndpointsFilename string

	// AllowPublicBootstrap is false for networks that must not learn
	// hosts from the public GWebCaches and UDP host caches.
	AllowPublicBootstrap bool
}

// PublicNetwork is the public Gnutella network.
var PublicNetwork = NetworkProfile{
	Name:                 "public",
	ProtocolName:         "GNUTELLA",
	DefaultPort:          "6346",
	HostsFilename:        "hosts.cfg",
	EndpointsFilename:    "gwebcaches.cfg",
	AllowPublicBootstrap: true,
}

// NewPrivateNetwork returns the profile of the private network called
// name. Private networks greet with their upper-cased name, so hosts of
// different networks refuse each other during the handshake.
func NewPrivateNetwork(name string) (*NetworkProfile, error) {
	if name == "" || strings.ContainsAny(name, " \t/\\:") {
		return nil, errors.Errorf("invalid private network name %q", name)
	}
	return &NetworkProfile{
		Name:                 "private-" + name,
		ProtocolName:         strings.ToUpper(name),
		DefaultPort:          PublicNetwork.DefaultPort,
		HostsFilename:        fmt.Sprintf("private_%s_hosts.cfg", name),
		EndpointsFilename:    fmt.Sprintf("private_%s_gwebcaches.cfg", name),
		AllowPublicBootstrap: false,
	}, nil
}

// NetworkFlags holds the network configuration, that is which network is selected.
type NetworkFlags struct {
	PrivateNetwork string `long:"privatenet" description:"Join the named private network instead of the public one"`

	ActiveNetworkProfile *NetworkProfile
}

// ResolveNetwork parses the network command line argument and sets
// ActiveNetworkProfile accordingly.
func (networkFlags *NetworkFlags) ResolveNetwork(parser *flags.Parser) error {
	networkFlags.ActiveNetworkProfile = &PublicNetwork
	if networkFlags.PrivateNetwork == "" {
		return nil
	}

	profile, err := NewPrivateNetwork(networkFlags.PrivateNetwork)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return err
	}
	networkFlags.ActiveNetworkProfile = profile
	return nil
}

// NetworkProfile returns the ActiveNetworkProfile
func (networkFlags *NetworkFlags) NetworkProfile() *NetworkProfile {
	return networkFlags.ActiveNetworkProfile
}
