package wire

import "fmt"

// PayloadType is the message type carried in byte 16 of the message header.
type PayloadType byte

// Payload types understood by this package.
const (
	PayloadPing             PayloadType = 0x00
	PayloadPong             PayloadType = 0x01
	PayloadBye              PayloadType = 0x02
	PayloadRouteTableUpdate PayloadType = 0x30
	PayloadVendor           PayloadType = 0x31
	PayloadStandardVendor   PayloadType = 0x32
	PayloadPush             PayloadType = 0x40
	PayloadQuery            PayloadType = 0x80
	PayloadQueryHit         PayloadType = 0x81
)

var payloadTypeStrings = map[PayloadType]string{
	PayloadPing:             "Ping",
	PayloadPong:             "Pong",
	PayloadBye:              "Bye",
	PayloadRouteTableUpdate: "RouteTableUpdate",
	PayloadVendor:           "Vendor",
	PayloadStandardVendor:   "StandardVendor",
	PayloadPush:             "Push",
	PayloadQuery:            "Query",
	PayloadQueryHit:         "QueryHit",
}

// String returns the PayloadType in human-readable form.
func (t PayloadType) String() string {
	if s, ok := payloadTypeStrings[t]; ok {
		return s
	}
	return fmt.Sprintf("Unknown PayloadType (0x%02x)", byte(t))
}

const (
	// MessageHeaderSize is the number of bytes in a message header.
	// GUID 16 bytes + payload type 1 byte + TTL 1 byte + hops 1 byte +
	// payload length 4 bytes.
	MessageHeaderSize = GUIDSize + 7

	// DefaultMaxMessageLength is the default upper bound of a payload
	// length accepted from the network.
	DefaultMaxMessageLength = 64 * 1024

	// DefaultMaxNetworkTTL is the default upper bound of TTL plus hops.
	DefaultMaxNetworkTTL = 7
)
