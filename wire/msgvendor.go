package wire

import (
	"encoding/binary"
	"io"
)

// vendorFixedLength is vendor id 4 bytes + selector 2 bytes + version 2 bytes.
const vendorFixedLength = 8

// VendorMessageType identifies the kind of a vendor message.
type VendorMessageType struct {
	VendorID [4]byte
	Selector uint16
	Version  uint16
}

// Well known vendor message types.
var (
	// VendorMessagesSupported lists the vendor messages a host understands.
	VendorMessagesSupported = VendorMessageType{VendorID: [4]byte{0, 0, 0, 0}, Selector: 0, Version: 1}

	// VendorHopsFlow asks the receiver to only send queries that traveled
	// fewer hops than the given limit.
	VendorHopsFlow = VendorMessageType{VendorID: [4]byte{'B', 'E', 'A', 'R'}, Selector: 4, Version: 1}
)

// MsgVendor is a vendor specific message, payload type 0x31 or 0x32. It is
// never forwarded.
type MsgVendor struct {
	baseMessage
	VendorMessageType
	Data []byte
}

// GnutellaDecode decodes the payload into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgVendor) GnutellaDecode(payload []byte) error {
	if len(payload) < vendorFixedLength {
		return messageErrorf("MsgVendor.GnutellaDecode", "vendor message payload is %d bytes, "+
			"expected at least %d", len(payload), vendorFixedLength)
	}
	copy(msg.VendorID[:], payload[0:4])
	msg.Selector = binary.LittleEndian.Uint16(payload[4:6])
	msg.Version = binary.LittleEndian.Uint16(payload[6:8])
	msg.Data = nil
	if len(payload) > vendorFixedLength {
		msg.Data = append([]byte(nil), payload[vendorFixedLength:]...)
	}
	return nil
}

// GnutellaEncode encodes the receiver to w.
// This is part of the Message interface implementation.
func (msg *MsgVendor) GnutellaEncode(w io.Writer) error {
	var fixed [vendorFixedLength]byte
	copy(fixed[0:4], msg.VendorID[:])
	binary.LittleEndian.PutUint16(fixed[4:6], msg.Selector)
	binary.LittleEndian.PutUint16(fixed[6:8], msg.Version)
	_, err := w.Write(fixed[:])
	if err != nil {
		return err
	}
	_, err = w.Write(msg.Data)
	return err
}

// IsType returns whether the message is of the given type, any version.
func (msg *MsgVendor) IsType(messageType VendorMessageType) bool {
	return msg.VendorID == messageType.VendorID && msg.Selector == messageType.Selector
}

// NewMsgVendor returns a new vendor message with TTL 1.
func NewMsgVendor(messageType VendorMessageType, data []byte) *MsgVendor {
	return &MsgVendor{
		baseMessage:       baseMessage{header: NewMessageHeader(NewGUID(), PayloadVendor, 1)},
		VendorMessageType: messageType,
		Data:              data,
	}
}

// NewMsgMessagesSupported returns a Messages Supported vendor message
// listing the given types.
func NewMsgMessagesSupported(supported []VendorMessageType) *MsgVendor {
	data := make([]byte, 2, 2+len(supported)*vendorFixedLength)
	binary.LittleEndian.PutUint16(data, uint16(len(supported)))
	for _, messageType := range supported {
		var entry [vendorFixedLength]byte
		copy(entry[0:4], messageType.VendorID[:])
		binary.LittleEndian.PutUint16(entry[4:6], messageType.Selector)
		binary.LittleEndian.PutUint16(entry[6:8], messageType.Version)
		data = append(data, entry[:]...)
	}
	return NewMsgVendor(VendorMessagesSupported, data)
}

// MessagesSupported decodes the types listed in a Messages Supported
// vendor message.
func (msg *MsgVendor) MessagesSupported() ([]VendorMessageType, error) {
	const funcName = "MsgVendor.MessagesSupported"
	if !msg.IsType(VendorMessagesSupported) {
		return nil, messageError(funcName, "not a messages supported vendor message")
	}
	if len(msg.Data) < 2 {
		return nil, messageError(funcName, "messages supported data is missing its count")
	}
	count := int(binary.LittleEndian.Uint16(msg.Data[0:2]))
	if len(msg.Data) < 2+count*vendorFixedLength {
		return nil, messageErrorf(funcName, "messages supported declares %d entries but has %d bytes",
			count, len(msg.Data)-2)
	}
	supported := make([]VendorMessageType, count)
	for i := range supported {
		entry := msg.Data[2+i*vendorFixedLength:]
		copy(supported[i].VendorID[:], entry[0:4])
		supported[i].Selector = binary.LittleEndian.Uint16(entry[4:6])
		supported[i].Version = binary.LittleEndian.Uint16(entry[6:8])
	}
	return supported, nil
}

// NewMsgHopsFlow returns a Hops Flow vendor message with the given hop
// limit.
func NewMsgHopsFlow(maxHops byte) *MsgVendor {
	return NewMsgVendor(VendorHopsFlow, []byte{maxHops})
}

// HopsFlow returns the hop limit carried by a Hops Flow vendor message.
func (msg *MsgVendor) HopsFlow() (byte, error) {
	if !msg.IsType(VendorHopsFlow) || len(msg.Data) < 1 {
		return 0, messageError("MsgVendor.HopsFlow", "not a hops flow vendor message")
	}
	return msg.Data[0], nil
}
