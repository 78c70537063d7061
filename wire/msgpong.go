package wire

import (
	"encoding/binary"
	"io"
	"net"
)

// minPongPayloadLength is port 2 bytes + IP 4 bytes + shared files 4 bytes +
// shared kilobytes 4 bytes.
const minPongPayloadLength = 14

// MsgPong announces a host. Pongs are replies to pings and are routed back
// along the path of the ping with the same GUID.
type MsgPong struct {
	baseMessage
	Port        uint16
	IP          net.IP
	SharedFiles uint32
	SharedKB    uint32
	GGEP        GGEPBlock
}

// GnutellaDecode decodes the payload into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgPong) GnutellaDecode(payload []byte) error {
	if len(payload) < minPongPayloadLength {
		return messageErrorf("MsgPong.GnutellaDecode", "pong payload is %d bytes, expected at least %d",
			len(payload), minPongPayloadLength)
	}
	msg.Port = binary.LittleEndian.Uint16(payload[0:2])
	msg.IP = make(net.IP, net.IPv4len)
	copy(msg.IP, payload[2:6])
	msg.SharedFiles = binary.LittleEndian.Uint32(payload[6:10])
	msg.SharedKB = binary.LittleEndian.Uint32(payload[10:14])

	msg.GGEP = nil
	if len(payload) > minPongPayloadLength && payload[minPongPayloadLength] == GGEPMagic {
		block, _, err := ParseGGEP(payload[minPongPayloadLength:])
		if err != nil {
			return err
		}
		msg.GGEP = block
	}
	return nil
}

// GnutellaEncode encodes the receiver to w.
// This is part of the Message interface implementation.
func (msg *MsgPong) GnutellaEncode(w io.Writer) error {
	var fixed [minPongPayloadLength]byte
	binary.LittleEndian.PutUint16(fixed[0:2], msg.Port)
	copy(fixed[2:6], ipv4Bytes(msg.IP))
	binary.LittleEndian.PutUint32(fixed[6:10], msg.SharedFiles)
	binary.LittleEndian.PutUint32(fixed[10:14], msg.SharedKB)
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

// Address returns the address the pong announces.
func (msg *MsgPong) Address() *NetAddress {
	return NewNetAddressIPPort(msg.IP, msg.Port)
}

// IsUltrapeer returns whether the announced host claims to be an ultrapeer.
func (msg *MsgPong) IsUltrapeer() bool {
	return msg.GGEP.Has(GGEPUltrapeer)
}

// DailyUptime returns the announced average daily uptime in seconds.
func (msg *MsgPong) DailyUptime() (uint32, bool) {
	data, ok := msg.GGEP.Get(GGEPDailyUptime)
	if !ok {
		return 0, false
	}
	return decodeGGEPInteger(data)
}

// SetDailyUptime sets the announced average daily uptime in seconds.
func (msg *MsgPong) SetDailyUptime(seconds uint32) {
	msg.GGEP.Set(GGEPDailyUptime, encodeGGEPInteger(seconds))
}

// VendorCode returns the four letter vendor code of the announced host.
func (msg *MsgPong) VendorCode() (string, bool) {
	data, ok := msg.GGEP.Get(GGEPVendorCode)
	if !ok || len(data) < 4 {
		return "", false
	}
	return string(data[:4]), true
}

// PackedHosts returns the additional hosts carried in the IPP extension.
func (msg *MsgPong) PackedHosts() ([]*NetAddress, error) {
	data, ok := msg.GGEP.Get(GGEPPackedIPPorts)
	if !ok {
		return nil, nil
	}
	return ParsePackedAddresses(data)
}

// NewMsgPong returns a pong answering the ping with the given GUID. The TTL
// is usually the hop count of that ping.
func NewMsgPong(guid GUID, ttl byte, address *NetAddress, sharedFiles, sharedKB uint32) *MsgPong {
	return &MsgPong{
		baseMessage: baseMessage{header: NewMessageHeader(guid, PayloadPong, ttl)},
		Port:        address.Port,
		IP:          address.IP,
		SharedFiles: sharedFiles,
		SharedKB:    sharedKB,
	}
}
