package addressmanager

import (
	"fmt"
	"net"
	"sync"

	"github.com/ethereum/go-ethereum/p2p/netutil"
	"github.com/gnutd/gnutd/wire"
	"github.com/pkg/errors"
)

// AccessResult is the verdict of a SecurityFilter on an address.
type AccessResult int

// Access results, from most to least permissive.
const (
	AccessGranted AccessResult = iota
	AccessDenied
	AccessStronglyDenied
)

var accessResultStrings = map[AccessResult]string{
	AccessGranted:        "granted",
	AccessDenied:         "denied",
	AccessStronglyDenied: "strongly denied",
}

func (r AccessResult) String() string {
	if s, ok := accessResultStrings[r]; ok {
		return s
	}
	return fmt.Sprintf("Unknown AccessResult (%d)", int(r))
}

// SecurityFilter decides whether a discovered or connecting address may
// be used at all.
type SecurityFilter interface {
	ControlAddressAccess(ip net.IP) AccessResult
}

// IPAccessFilter is a SecurityFilter backed by two lists of CIDR ranges.
// Addresses in the strongly denied list are additionally refused on the
// wire: messages advertising them are dropped by the codec.
type IPAccessFilter struct {
	lock           sync.RWMutex
	denied         netutil.Netlist
	stronglyDenied netutil.Netlist
}

// NewIPAccessFilter returns an IPAccessFilter for the given CIDR ranges.
func NewIPAccessFilter(denied []string, stronglyDenied []string) (*IPAccessFilter, error) {
	filter := &IPAccessFilter{}
	for _, cidr := range denied {
		err := filter.Deny(cidr, false)
		if err != nil {
			return nil, err
		}
	}
	for _, cidr := range stronglyDenied {
		err := filter.Deny(cidr, true)
		if err != nil {
			return nil, err
		}
	}
	return filter, nil
}

// Deny adds cidr to the denied ranges. A bare IP address denies that
// single address.
func (f *IPAccessFilter) Deny(cidr string, strongly bool) error {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		ip := net.ParseIP(cidr)
		if ip == nil {
			return errors.Errorf("invalid address range %q", cidr)
		}
		bits := net.IPv6len * 8
		if ip4 := ip.To4(); ip4 != nil {
			ip = ip4
			bits = net.IPv4len * 8
		}
		ipNet = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
	}

	f.lock.Lock()
	defer f.lock.Unlock()
	if strongly {
		f.stronglyDenied = append(f.stronglyDenied, *ipNet)
	} else {
		f.denied = append(f.denied, *ipNet)
	}
	return nil
}

// ControlAddressAccess implements SecurityFilter.
func (f *IPAccessFilter) ControlAddressAccess(ip net.IP) AccessResult {
	f.lock.RLock()
	defer f.lock.RUnlock()
	if f.stronglyDenied.Contains(ip) {
		return AccessStronglyDenied
	}
	if f.denied.Contains(ip) {
		return AccessDenied
	}
	return AccessGranted
}

// IsAddressBlocked implements wire.AddressFilter.
func (f *IPAccessFilter) IsAddressBlocked(ip net.IP) bool {
	return f.ControlAddressAccess(ip) == AccessStronglyDenied
}

// AddressClass is the classification of a candidate address.
type AddressClass int

// Address classes.
const (
	// ClassRoutable addresses are public and usable.
	ClassRoutable AddressClass = iota

	// ClassPrivate addresses belong to a LAN range. They are usable only
	// at low priority, and only when private addresses are allowed.
	ClassPrivate

	// ClassLocal addresses point at this node.
	ClassLocal

	// ClassInvalid addresses can never be connected to.
	ClassInvalid

	// ClassBanned addresses are refused by the security filter.
	ClassBanned
)

var addressClassStrings = map[AddressClass]string{
	ClassRoutable: "routable",
	ClassPrivate:  "private",
	ClassLocal:    "local",
	ClassInvalid:  "invalid",
	ClassBanned:   "banned",
}

func (c AddressClass) String() string {
	if s, ok := addressClassStrings[c]; ok {
		return s
	}
	return fmt.Sprintf("Unknown AddressClass (%d)", int(c))
}

// Validator classifies candidate addresses.
type Validator struct {
	filter       SecurityFilter
	allowPrivate bool

	localAddressesLock sync.RWMutex
	localAddresses     map[addressKey]struct{}
}

// NewValidator returns a Validator that consults filter. A nil filter
// grants access to every address.
func NewValidator(filter SecurityFilter, allowPrivate bool) *Validator {
	return &Validator{
		filter:         filter,
		allowPrivate:   allowPrivate,
		localAddresses: make(map[addressKey]struct{}),
	}
}

// AddLocalAddress registers an address this node is reachable at, so
// that it is never handed out as a connection candidate.
func (v *Validator) AddLocalAddress(address *wire.NetAddress) {
	v.localAddressesLock.Lock()
	defer v.localAddressesLock.Unlock()
	v.localAddresses[netAddressKey(address)] = struct{}{}
}

func (v *Validator) isLocalAddress(address *wire.NetAddress) bool {
	v.localAddressesLock.RLock()
	defer v.localAddressesLock.RUnlock()
	_, ok := v.localAddresses[netAddressKey(address)]
	return ok
}

// Classify returns the class of address.
func (v *Validator) Classify(address *wire.NetAddress) AddressClass {
	ip := address.IP
	if address.Port == 0 || ip == nil || len(ip) == 0 || ip.IsUnspecified() ||
		ip.IsMulticast() || ip.Equal(net.IPv4bcast) {
		return ClassInvalid
	}
	if ip.IsLoopback() || v.isLocalAddress(address) {
		return ClassLocal
	}
	if v.filter != nil && v.filter.ControlAddressAccess(ip) != AccessGranted {
		return ClassBanned
	}
	if netutil.IsLAN(ip) {
		return ClassPrivate
	}
	if netutil.IsSpecialNetwork(ip) {
		return ClassInvalid
	}
	return ClassRoutable
}

// IsAcceptable returns whether address may be stored as a connection
// candidate.
func (v *Validator) IsAcceptable(address *wire.NetAddress) bool {
	switch v.Classify(address) {
	case ClassRoutable:
		return true
	case ClassPrivate:
		return v.allowPrivate
	default:
		return false
	}
}
