package wire

import (
	"io"
)

// MsgPing is a request for pongs. Its payload is empty or carries a GGEP
// block.
type MsgPing struct {
	baseMessage
	GGEP GGEPBlock
}

// GnutellaDecode decodes the payload into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgPing) GnutellaDecode(payload []byte) error {
	msg.GGEP = nil
	if len(payload) == 0 || payload[0] != GGEPMagic {
		// Some servents pad pings with garbage. It carries nothing.
		return nil
	}
	block, _, err := ParseGGEP(payload)
	if err != nil {
		return err
	}
	msg.GGEP = block
	return nil
}

// GnutellaEncode encodes the receiver to w.
// This is part of the Message interface implementation.
func (msg *MsgPing) GnutellaEncode(w io.Writer) error {
	ggepBytes, err := msg.GGEP.Bytes()
	if err != nil {
		return err
	}
	_, err = w.Write(ggepBytes)
	return err
}

// NewMsgPing returns a new ping with a fresh GUID.
func NewMsgPing(ttl byte) *MsgPing {
	return &MsgPing{baseMessage: baseMessage{header: NewMessageHeader(NewGUID(), PayloadPing, ttl)}}
}
