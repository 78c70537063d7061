package wire

import (
	"encoding/binary"
	"io"
	"net"
)

// pushFixedLength is servent id 16 bytes + file index 4 bytes + IP 4 bytes +
// port 2 bytes.
const pushFixedLength = GUIDSize + 10

// MsgPush asks a firewalled host to open a connection to the requester.
// It is routed by ServentID, which the target announced in a query hit.
type MsgPush struct {
	baseMessage
	ServentID GUID
	FileIndex uint32
	IP        net.IP
	Port      uint16
	GGEP      GGEPBlock
}

// GnutellaDecode decodes the payload into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgPush) GnutellaDecode(payload []byte) error {
	if len(payload) < pushFixedLength {
		return messageErrorf("MsgPush.GnutellaDecode", "push payload is %d bytes, expected at least %d",
			len(payload), pushFixedLength)
	}
	copy(msg.ServentID[:], payload[:GUIDSize])
	msg.FileIndex = binary.LittleEndian.Uint32(payload[GUIDSize : GUIDSize+4])
	msg.IP = make(net.IP, net.IPv4len)
	copy(msg.IP, payload[GUIDSize+4:GUIDSize+8])
	msg.Port = binary.LittleEndian.Uint16(payload[GUIDSize+8 : GUIDSize+10])

	msg.GGEP = nil
	if len(payload) > pushFixedLength && payload[pushFixedLength] == GGEPMagic {
		block, _, err := ParseGGEP(payload[pushFixedLength:])
		if err != nil {
			return err
		}
		msg.GGEP = block
	}
	return nil
}

// GnutellaEncode encodes the receiver to w.
// This is part of the Message interface implementation.
func (msg *MsgPush) GnutellaEncode(w io.Writer) error {
	var fixed [pushFixedLength]byte
	copy(fixed[:GUIDSize], msg.ServentID[:])
	binary.LittleEndian.PutUint32(fixed[GUIDSize:GUIDSize+4], msg.FileIndex)
	copy(fixed[GUIDSize+4:GUIDSize+8], ipv4Bytes(msg.IP))
	binary.LittleEndian.PutUint16(fixed[GUIDSize+8:GUIDSize+10], msg.Port)
	_, err := w.Write(fixed[:])
	if err != nil {
		return err
	}
	ggepBytes, err := msg.GGEP.Bytes()
	if err != nil {
		return err
	}
	_, err = w.Write(ggepBytes)
	return err
}

// Address returns the address the target should connect to.
func (msg *MsgPush) Address() *NetAddress {
	return NewNetAddressIPPort(msg.IP, msg.Port)
}

// NewMsgPush returns a new push with a fresh GUID.
func NewMsgPush(ttl byte, serventID GUID, fileIndex uint32, address *NetAddress) *MsgPush {
	return &MsgPush{
		baseMessage: baseMessage{header: NewMessageHeader(NewGUID(), PayloadPush, ttl)},
		ServentID:   serventID,
		FileIndex:   fileIndex,
		IP:          address.IP,
		Port:        address.Port,
	}
}
