package handshake

import (
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/gnutd/gnutd/util/network"
	"github.com/gnutd/gnutd/wire"
)

// Handshake header names.
const (
	headerUserAgent             = "User-Agent"
	headerUltrapeer             = "X-Ultrapeer"
	headerQueryRouting          = "X-Query-Routing"
	headerUltrapeerQueryRouting = "X-Ultrapeer-Query-Routing"
	headerVendorMessage         = "Vendor-Message"
	headerGGEP                  = "GGEP"
	headerPongCaching           = "Pong-Caching"
	headerMaxTTL                = "X-Max-TTL"
	headerDegree                = "X-Degree"
	headerAcceptEncoding        = "Accept-Encoding"
	headerContentEncoding       = "Content-Encoding"
	headerListenIP              = "Listen-IP"
	headerRemoteIP              = "Remote-IP"
	headerTry                   = "X-Try"
	headerTryUltrapeers         = "X-Try-Ultrapeers"
	headerRetryAfter            = "Retry-After"
)

const deflateEncoding = "deflate"

// Capabilities is what a host advertises in its handshake headers.
type Capabilities struct {
	UserAgent string

	// HasUltrapeerHeader is false for hosts that predate the
	// leaf/ultrapeer split.
	HasUltrapeerHeader bool
	IsUltrapeer        bool

	VendorMessages        bool
	GGEP                  bool
	PongCaching           bool
	QueryRouting          bool
	UltrapeerQueryRouting bool

	// MaxTTL and Degree are zero when not advertised.
	MaxTTL int
	Degree int

	AcceptsDeflate bool

	// ListenAddress is where the host accepts connections, if it said so.
	ListenAddress *wire.NetAddress
}

// Copy returns a copy of c.
func (c *Capabilities) Copy() *Capabilities {
	copied := *c
	return &copied
}

func parseCapabilities(header textproto.MIMEHeader) *Capabilities {
	capabilities := &Capabilities{
		UserAgent:             header.Get(headerUserAgent),
		VendorMessages:        header.Get(headerVendorMessage) != "",
		GGEP:                  header.Get(headerGGEP) != "",
		PongCaching:           header.Get(headerPongCaching) != "",
		QueryRouting:          header.Get(headerQueryRouting) != "",
		UltrapeerQueryRouting: header.Get(headerUltrapeerQueryRouting) != "",
		MaxTTL:                parseInt(header.Get(headerMaxTTL)),
		Degree:                parseInt(header.Get(headerDegree)),
		AcceptsDeflate:        hasToken(header.Get(headerAcceptEncoding), deflateEncoding),
	}

	ultrapeer := strings.TrimSpace(header.Get(headerUltrapeer))
	capabilities.HasUltrapeerHeader = ultrapeer != ""
	capabilities.IsUltrapeer = strings.EqualFold(ultrapeer, "true")

	if listenIP := strings.TrimSpace(header.Get(headerListenIP)); listenIP != "" {
		ip, port, err := network.ParseIPPort(listenIP)
		if err == nil {
			capabilities.ListenAddress = wire.NewNetAddressIPPort(ip, port)
		}
	}
	return capabilities
}

func parseInt(value string) int {
	i, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || i < 0 {
		return 0
	}
	return i
}

func hasToken(value string, token string) bool {
	for _, field := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(field), token) {
			return true
		}
	}
	return false
}

// headerBlock accumulates handshake lines.
type headerBlock struct {
	builder strings.Builder
}

func (b *headerBlock) line(line string) {
	b.builder.WriteString(line)
	b.builder.WriteString("\r\n")
}

func (b *headerBlock) header(name string, value string) {
	b.line(name + ": " + value)
}

func (b *headerBlock) bytes() []byte {
	b.builder.WriteString("\r\n")
	return []byte(b.builder.String())
}

func (c *Capabilities) writeHeaders(b *headerBlock) {
	if c.UserAgent != "" {
		b.header(headerUserAgent, c.UserAgent)
	}
	if c.ListenAddress != nil {
		b.header(headerListenIP, c.ListenAddress.String())
	}
	if c.HasUltrapeerHeader {
		if c.IsUltrapeer {
			b.header(headerUltrapeer, "True")
		} else {
			b.header(headerUltrapeer, "False")
		}
	}
	if c.QueryRouting {
		b.header(headerQueryRouting, "0.1")
	}
	if c.UltrapeerQueryRouting {
		b.header(headerUltrapeerQueryRouting, "0.1")
	}
	if c.VendorMessages {
		b.header(headerVendorMessage, "0.1")
	}
	if c.GGEP {
		b.header(headerGGEP, "0.5")
	}
	if c.PongCaching {
		b.header(headerPongCaching, "0.1")
	}
	if c.MaxTTL > 0 {
		b.header(headerMaxTTL, strconv.Itoa(c.MaxTTL))
	}
	if c.Degree > 0 {
		b.header(headerDegree, strconv.Itoa(c.Degree))
	}
	if c.AcceptsDeflate {
		b.header(headerAcceptEncoding, deflateEncoding)
	}
}

func writeTryHeaders(b *headerBlock, ultrapeers []*wire.NetAddress, others []*wire.NetAddress) {
	if len(ultrapeers) > 0 {
		b.header(headerTryUltrapeers, joinAddresses(ultrapeers))
	}
	if len(others) > 0 {
		b.header(headerTry, joinAddresses(others))
	}
}

func joinAddresses(addresses []*wire.NetAddress) string {
	strs := make([]string, len(addresses))
	for i, address := range addresses {
		strs[i] = address.String()
	}
	return strings.Join(strs, ",")
}

// parseTryHeader parses an X-Try style header value. Some servents append
// a timestamp to each entry, separated by a space.
func parseTryHeader(values []string) []*wire.NetAddress {
	var addresses []*wire.NetAddress
	for _, value := range values {
		for _, entry := range strings.Split(value, ",") {
			fields := strings.Fields(entry)
			if len(fields) == 0 {
				continue
			}
			ip, port, err := network.ParseIPPort(fields[0])
			if err != nil {
				log.Tracef("Ignoring try entry %q: %s", entry, err)
				continue
			}
			addresses = append(addresses, wire.NewNetAddressIPPort(ip, port))
		}
	}
	return addresses
}

func remoteIPOf(conn net.Conn) string {
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return ""
	}
	return tcpAddr.IP.String()
}

// Role is the relationship negotiated between the two ends of a
// connection, seen from this node.
type Role int

// Connection roles.
const (
	// RoleNormal is a connection to a host that doesn't take part in the
	// leaf/ultrapeer split.
	RoleNormal Role = iota

	// RoleLeafToUltrapeer is a connection from this node, as a leaf, to
	// an ultrapeer.
	RoleLeafToUltrapeer

	// RoleUltrapeerToUltrapeer is a connection between two ultrapeers.
	RoleUltrapeerToUltrapeer

	// RoleUltrapeerToLeaf is a connection from this node, as an
	// ultrapeer, to one of its leaves.
	RoleUltrapeerToLeaf
)

var roleStrings = map[Role]string{
	RoleNormal:               "normal",
	RoleLeafToUltrapeer:      "leaf-to-ultrapeer",
	RoleUltrapeerToUltrapeer: "ultrapeer-to-ultrapeer",
	RoleUltrapeerToLeaf:      "ultrapeer-to-leaf",
}

func (r Role) String() string {
	if s, ok := roleStrings[r]; ok {
		return s
	}
	return fmt.Sprintf("Unknown Role (%d)", int(r))
}

// IsRemoteLeaf returns whether the remote end of a connection with this
// role is a leaf of this node.
func (r Role) IsRemoteLeaf() bool {
	return r == RoleUltrapeerToLeaf
}

// IsRemoteUltrapeer returns whether the remote end of a connection with
// this role is an ultrapeer.
func (r Role) IsRemoteUltrapeer() bool {
	return r == RoleLeafToUltrapeer || r == RoleUltrapeerToUltrapeer
}

// decideRole derives the connection role from both sides' X-Ultrapeer
// headers. It returns false if the two ends can't be connected, which is
// the case for two leaves.
func decideRole(localIsUltrapeer bool, remote *Capabilities) (Role, bool) {
	if !remote.HasUltrapeerHeader {
		return RoleNormal, true
	}
	switch {
	case localIsUltrapeer && remote.IsUltrapeer:
		return RoleUltrapeerToUltrapeer, true
	case localIsUltrapeer && !remote.IsUltrapeer:
		return RoleUltrapeerToLeaf, true
	case !localIsUltrapeer && remote.IsUltrapeer:
		return RoleLeafToUltrapeer, true
	}
	return RoleNormal, false
}
