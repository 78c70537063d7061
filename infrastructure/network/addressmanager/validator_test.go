package addressmanager

import (
	"net"
	"testing"

	"github.com/gnutd/gnutd/wire"
)

func TestClassify(t *testing.T) {
	filter, err := NewIPAccessFilter([]string{"9.9.9.0/24"}, []string{"6.6.6.6"})
	if err != nil {
		t.Fatalf("NewIPAccessFilter: %s", err)
	}
	validator := NewValidator(filter, false)
	validator.AddLocalAddress(wire.NewNetAddressIPPort(net.ParseIP("8.8.4.4"), 6346))

	tests := []struct {
		address        string
		port           uint16
		expectedClass  AddressClass
		expectedAccept bool
	}{
		{"8.8.8.8", 6346, ClassRoutable, true},
		{"2001:4860:4860::8888", 6346, ClassRoutable, true},
		{"8.8.8.8", 0, ClassInvalid, false},
		{"0.0.0.0", 6346, ClassInvalid, false},
		{"255.255.255.255", 6346, ClassInvalid, false},
		{"224.0.0.1", 6346, ClassInvalid, false},
		{"192.0.2.1", 6346, ClassInvalid, false},
		{"127.0.0.1", 6346, ClassLocal, false},
		{"::1", 6346, ClassLocal, false},
		{"8.8.4.4", 6346, ClassLocal, false},
		{"8.8.4.4", 6347, ClassRoutable, true},
		{"10.1.2.3", 6346, ClassPrivate, false},
		{"172.16.0.1", 6346, ClassPrivate, false},
		{"192.168.0.1", 6346, ClassPrivate, false},
		{"9.9.9.9", 6346, ClassBanned, false},
		{"6.6.6.6", 6346, ClassBanned, false},
	}

	for _, test := range tests {
		address := wire.NewNetAddressIPPort(net.ParseIP(test.address), test.port)
		class := validator.Classify(address)
		if class != test.expectedClass {
			t.Errorf("Classify(%s): expected %s, got %s", address, test.expectedClass, class)
		}
		accept := validator.IsAcceptable(address)
		if accept != test.expectedAccept {
			t.Errorf("IsAcceptable(%s): expected %t, got %t", address, test.expectedAccept, accept)
		}
	}

	if !NewValidator(nil, true).IsAcceptable(wire.NewNetAddressIPPort(net.ParseIP("10.1.2.3"), 6346)) {
		t.Errorf("private addresses should be acceptable when allowed")
	}
}

func TestIPAccessFilter(t *testing.T) {
	filter, err := NewIPAccessFilter([]string{"9.9.9.0/24"}, []string{"6.6.6.0/24"})
	if err != nil {
		t.Fatalf("NewIPAccessFilter: %s", err)
	}

	tests := []struct {
		ip              string
		expectedResult  AccessResult
		expectedBlocked bool
	}{
		{"1.1.1.1", AccessGranted, false},
		{"9.9.9.1", AccessDenied, false},
		{"6.6.6.1", AccessStronglyDenied, true},
	}
	for _, test := range tests {
		ip := net.ParseIP(test.ip)
		result := filter.ControlAddressAccess(ip)
		if result != test.expectedResult {
			t.Errorf("ControlAddressAccess(%s): expected %s, got %s", ip, test.expectedResult, result)
		}
		if filter.IsAddressBlocked(ip) != test.expectedBlocked {
			t.Errorf("IsAddressBlocked(%s): expected %t", ip, test.expectedBlocked)
		}
	}

	_, err = NewIPAccessFilter([]string{"not an address"}, nil)
	if err == nil {
		t.Errorf("NewIPAccessFilter unexpectedly accepted a malformed range")
	}
}
