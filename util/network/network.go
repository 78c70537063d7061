package network

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// NormalizeAddresses returns a new slice with all the passed peer addresses
// normalized with the given default port, and all duplicates removed.
func NormalizeAddresses(addrs []string, defaultPort string) ([]string, error) {
	normalized := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		normalizedAddr, err := NormalizeAddress(addr, defaultPort)
		if err != nil {
			return nil, err
		}
		normalized = append(normalized, normalizedAddr)
	}

	return removeDuplicateAddresses(normalized), nil
}

// NormalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func NormalizeAddress(addr, defaultPort string) (string, error) {
	_, _, err := net.SplitHostPort(addr)
	// net.SplitHostPort returns an error if the given host is missing a
	// port, but theoretically it can return an error for other reasons,
	// and this is why we check addrWithPort for validity.
	if err != nil {
		addrWithPort := net.JoinHostPort(addr, defaultPort)
		_, _, err := net.SplitHostPort(addrWithPort)
		if err != nil {
			return "", err
		}

		return addrWithPort, nil
	}
	return addr, nil
}

// ParseIPPort splits a literal "ip:port" string. Host names are not
// resolved: addresses learned from the network must be literal.
func ParseIPPort(addr string) (net.IP, uint16, error) {
	host, portString, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "invalid address %s", addr)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, errors.Errorf("address %s does not contain a literal IP", addr)
	}
	port, err := strconv.ParseUint(portString, 10, 16)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "invalid port in address %s", addr)
	}
	if port == 0 {
		return nil, 0, errors.Errorf("address %s has port 0", addr)
	}
	return ip, uint16(port), nil
}

// removeDuplicateAddresses returns a new slice with all duplicate entries in
// addrs removed.
func removeDuplicateAddresses(addrs []string) []string {
	result := make([]string, 0, len(addrs))
	seen := map[string]struct{}{}
	for _, val := range addrs {
		if _, ok := seen[val]; !ok {
			result = append(result, val)
			seen[val] = struct{}{}
		}
	}
	return result
}
