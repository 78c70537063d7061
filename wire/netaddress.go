package wire

import (
	"encoding/binary"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// packedAddressSize is the size of an IPv4 address followed by a little
// endian port, the layout used by pongs, pushes, query hits and the GGEP
// IPP extension.
const packedAddressSize = 6

// NetAddress is an IP address and port of a Gnutella host.
type NetAddress struct {
	IP   net.IP
	Port uint16
}

// NewNetAddressIPPort returns a new NetAddress using the provided IP and port.
func NewNetAddressIPPort(ip net.IP, port uint16) *NetAddress {
	return &NetAddress{IP: ip, Port: port}
}

// NewNetAddress returns a new NetAddress using the provided TCP address.
func NewNetAddress(addr *net.TCPAddr) *NetAddress {
	return NewNetAddressIPPort(addr.IP, uint16(addr.Port))
}

// TCPAddress converts the NetAddress to *net.TCPAddr
func (na *NetAddress) TCPAddress() *net.TCPAddr {
	return &net.TCPAddr{
		IP:   na.IP,
		Port: int(na.Port),
	}
}

// String returns the address in ip:port form.
func (na *NetAddress) String() string {
	return net.JoinHostPort(na.IP.String(), strconv.Itoa(int(na.Port)))
}

// Equal returns whether na and other denote the same host.
func (na *NetAddress) Equal(other *NetAddress) bool {
	return na.Port == other.Port && na.IP.Equal(other.IP)
}

func readPackedAddress(b []byte) *NetAddress {
	ip := make(net.IP, net.IPv4len)
	copy(ip, b[:net.IPv4len])
	return &NetAddress{
		IP:   ip,
		Port: binary.LittleEndian.Uint16(b[net.IPv4len:]),
	}
}

func writePackedAddress(b []byte, na *NetAddress) {
	copy(b[:net.IPv4len], ipv4Bytes(na.IP))
	binary.LittleEndian.PutUint16(b[net.IPv4len:], na.Port)
}

func ipv4Bytes(ip net.IP) []byte {
	ip4 := ip.To4()
	if ip4 == nil {
		return make([]byte, net.IPv4len)
	}
	return ip4
}

// ParsePackedAddresses decodes a sequence of 6 byte IPv4 address/port
// records.
func ParsePackedAddresses(b []byte) ([]*NetAddress, error) {
	if len(b)%packedAddressSize != 0 {
		return nil, errors.Errorf("packed addresses length %d is not a multiple of %d",
			len(b), packedAddressSize)
	}
	addresses := make([]*NetAddress, 0, len(b)/packedAddressSize)
	for offset := 0; offset < len(b); offset += packedAddressSize {
		addresses = append(addresses, readPackedAddress(b[offset:offset+packedAddressSize]))
	}
	return addresses, nil
}

// PackAddresses encodes the IPv4 addresses in addresses as 6 byte records.
// Non IPv4 addresses are skipped.
func PackAddresses(addresses []*NetAddress) []byte {
	packed := make([]byte, 0, len(addresses)*packedAddressSize)
	for _, address := range addresses {
		if address.IP.To4() == nil {
			continue
		}
		var record [packedAddressSize]byte
		writePackedAddress(record[:], address)
		packed = append(packed, record[:]...)
	}
	return packed
}
