package addressmanager

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gnutd/gnutd/util/mstime"
	"github.com/gnutd/gnutd/util/network"
	"github.com/gnutd/gnutd/wire"
	"github.com/pkg/errors"
)

// Priority is the tier a caught host is queued in while it waits for a
// connection attempt.
type Priority int

// Caught host priorities, lowest first.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	numberOfPriorities
)

var priorityStrings = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
}

func (p Priority) String() string {
	if s, ok := priorityStrings[p]; ok {
		return s
	}
	return fmt.Sprintf("Unknown Priority (%d)", int(p))
}

// CaughtHost is an address a connection may be attempted to, together with
// what is known about its past behaviour.
type CaughtHost struct {
	Address        *wire.NetAddress
	LastFailed     time.Time
	LastSuccessful time.Time

	// DailyUptime is the average number of seconds per day the host is
	// online, as reported in its pongs.
	DailyUptime int

	Vendor      string
	VendorMajor int
	VendorMinor int
	IsUltrapeer bool
}

// NewCaughtHost returns a CaughtHost without any history.
func NewCaughtHost(address *wire.NetAddress) *CaughtHost {
	return &CaughtHost{Address: address}
}

// Copy returns a deep copy of ch.
func (ch *CaughtHost) Copy() *CaughtHost {
	copied := *ch
	ip := make(net.IP, len(ch.Address.IP))
	copy(ip, ch.Address.IP)
	copied.Address = wire.NewNetAddressIPPort(ip, ch.Address.Port)
	return &copied
}

func (ch *CaughtHost) hasHistory() bool {
	return !ch.LastFailed.IsZero() || !ch.LastSuccessful.IsZero() || ch.DailyUptime != 0
}

func (ch *CaughtHost) hasVendor() bool {
	return ch.Vendor != "" || ch.VendorMajor != 0 || ch.VendorMinor != 0 || ch.IsUltrapeer
}

func (ch *CaughtHost) String() string {
	return ch.Address.String()
}

// SerializeLine encodes ch in the hosts file line format:
// ip:port[,lastFailed,lastSuccessful,dailyUptime[,vendor,vendorMajor,vendorMinor,isUltrapeer]]
// Timestamps are unix milliseconds.
func (ch *CaughtHost) SerializeLine() string {
	var builder strings.Builder
	builder.WriteString(ch.Address.String())
	if !ch.hasHistory() && !ch.hasVendor() {
		return builder.String()
	}

	fmt.Fprintf(&builder, ",%d,%d,%d",
		mstime.TimeToUnixMilli(ch.LastFailed),
		mstime.TimeToUnixMilli(ch.LastSuccessful),
		ch.DailyUptime)
	if !ch.hasVendor() {
		return builder.String()
	}

	vendor := strings.NewReplacer(",", "", "\n", "", "\r", "").Replace(ch.Vendor)
	fmt.Fprintf(&builder, ",%s,%d,%d,%t", vendor, ch.VendorMajor, ch.VendorMinor, ch.IsUltrapeer)
	return builder.String()
}

// ParseCaughtHostLine decodes a line written by SerializeLine.
func ParseCaughtHostLine(line string) (*CaughtHost, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 1 && len(fields) != 4 && len(fields) != 8 {
		return nil, errors.Errorf("caught host line %q has %d fields", line, len(fields))
	}

	ip, port, err := network.ParseIPPort(fields[0])
	if err != nil {
		return nil, errors.Wrapf(err, "caught host line %q", line)
	}
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	host := NewCaughtHost(wire.NewNetAddressIPPort(ip, port))
	if len(fields) == 1 {
		return host, nil
	}

	lastFailed, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "caught host line %q: lastFailed", line)
	}
	lastSuccessful, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "caught host line %q: lastSuccessful", line)
	}
	host.DailyUptime, err = strconv.Atoi(fields[3])
	if err != nil {
		return nil, errors.Wrapf(err, "caught host line %q: dailyUptime", line)
	}
	host.LastFailed = mstime.UnixMilliToTime(lastFailed)
	host.LastSuccessful = mstime.UnixMilliToTime(lastSuccessful)
	if len(fields) == 4 {
		return host, nil
	}

	host.Vendor = fields[4]
	host.VendorMajor, err = strconv.Atoi(fields[5])
	if err != nil {
		return nil, errors.Wrapf(err, "caught host line %q: vendorMajor", line)
	}
	host.VendorMinor, err = strconv.Atoi(fields[6])
	if err != nil {
		return nil, errors.Wrapf(err, "caught host line %q: vendorMinor", line)
	}
	host.IsUltrapeer, err = strconv.ParseBool(fields[7])
	if err != nil {
		return nil, errors.Wrapf(err, "caught host line %q: isUltrapeer", line)
	}
	return host, nil
}

// addressKey represents a pair of IP and port, the IP is always in V6 representation
type addressKey struct {
	port    uint16
	address [net.IPv6len]byte
}

// netAddressKey returns a key of the ip address to use it in maps.
func netAddressKey(netAddress *wire.NetAddress) addressKey {
	key := addressKey{port: netAddress.Port}
	// all IPv4 can be represented as IPv6.
	copy(key.address[:], netAddress.IP.To16())
	return key
}
