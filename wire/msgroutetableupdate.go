package wire

import (
	"encoding/binary"
	"io"
)

// Route table update variants.
const (
	RouteTableReset byte = 0x00
	RouteTablePatch byte = 0x01
)

// Route table patch compressors.
const (
	PatchCompressorNone byte = 0x00
	PatchCompressorZlib byte = 0x01
)

// MsgRouteTableUpdate carries a Query Routing Protocol table from a leaf to
// its ultrapeer, either as a reset or as one chunk of a patch. It is never
// forwarded.
type MsgRouteTableUpdate struct {
	baseMessage
	Variant byte

	// Reset fields.
	TableLength uint32
	Infinity    byte

	// Patch fields.
	SequenceNumber byte
	SequenceSize   byte
	Compressor     byte
	EntryBits      byte
	Data           []byte
}

// GnutellaDecode decodes the payload into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgRouteTableUpdate) GnutellaDecode(payload []byte) error {
	const funcName = "MsgRouteTableUpdate.GnutellaDecode"
	if len(payload) < 1 {
		return messageError(funcName, "route table update payload is empty")
	}
	msg.Variant = payload[0]
	switch msg.Variant {
	case RouteTableReset:
		if len(payload) < 6 {
			return messageErrorf(funcName, "reset payload is %d bytes, expected 6", len(payload))
		}
		msg.TableLength = binary.LittleEndian.Uint32(payload[1:5])
		msg.Infinity = payload[5]
	case RouteTablePatch:
		if len(payload) < 5 {
			return messageErrorf(funcName, "patch payload is %d bytes, expected at least 5", len(payload))
		}
		msg.SequenceNumber = payload[1]
		msg.SequenceSize = payload[2]
		msg.Compressor = payload[3]
		msg.EntryBits = payload[4]
		msg.Data = append([]byte(nil), payload[5:]...)
		if msg.SequenceNumber == 0 || msg.SequenceNumber > msg.SequenceSize {
			return messageErrorf(funcName, "patch sequence number %d is out of range 1..%d",
				msg.SequenceNumber, msg.SequenceSize)
		}
	default:
		return messageErrorf(funcName, "unknown route table update variant 0x%02x", msg.Variant)
	}
	return nil
}

// GnutellaEncode encodes the receiver to w.
// This is part of the Message interface implementation.
func (msg *MsgRouteTableUpdate) GnutellaEncode(w io.Writer) error {
	var payload []byte
	switch msg.Variant {
	case RouteTableReset:
		payload = make([]byte, 6)
		payload[0] = RouteTableReset
		binary.LittleEndian.PutUint32(payload[1:5], msg.TableLength)
		payload[5] = msg.Infinity
	case RouteTablePatch:
		payload = make([]byte, 5, 5+len(msg.Data))
		payload[0] = RouteTablePatch
		payload[1] = msg.SequenceNumber
		payload[2] = msg.SequenceSize
		payload[3] = msg.Compressor
		payload[4] = msg.EntryBits
		payload = append(payload, msg.Data...)
	default:
		return messageErrorf("MsgRouteTableUpdate.GnutellaEncode", "unknown route table update "+
			"variant 0x%02x", msg.Variant)
	}
	_, err := w.Write(payload)
	return err
}

// NewMsgRouteTableReset returns a reset message for a table of the given
// length.
func NewMsgRouteTableReset(tableLength uint32, infinity byte) *MsgRouteTableUpdate {
	return &MsgRouteTableUpdate{
		baseMessage: baseMessage{header: NewMessageHeader(NewGUID(), PayloadRouteTableUpdate, 1)},
		Variant:     RouteTableReset,
		TableLength: tableLength,
		Infinity:    infinity,
	}
}

// NewMsgRouteTablePatch returns one chunk of a patch.
func NewMsgRouteTablePatch(sequenceNumber, sequenceSize, compressor, entryBits byte,
	data []byte) *MsgRouteTableUpdate {

	return &MsgRouteTableUpdate{
		baseMessage:    baseMessage{header: NewMessageHeader(NewGUID(), PayloadRouteTableUpdate, 1)},
		Variant:        RouteTablePatch,
		SequenceNumber: sequenceNumber,
		SequenceSize:   sequenceSize,
		Compressor:     compressor,
		EntryBits:      entryBits,
		Data:           data,
	}
}
