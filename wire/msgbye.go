package wire

import (
	"encoding/binary"
	"io"
	"strings"
)

// Common bye codes.
const (
	ByeCodeShutdown        uint16 = 200
	ByeCodeIdle            uint16 = 201
	ByeCodeProtocolError   uint16 = 400
	ByeCodeTooManyDups     uint16 = 401
	ByeCodeMessageTooLarge uint16 = 406
	ByeCodeInternalError   uint16 = 500
	ByeCodeTimeout         uint16 = 502
)

// MsgBye is sent right before closing a connection. It must not be
// forwarded, so it is always sent with TTL 1.
type MsgBye struct {
	baseMessage
	Code   uint16
	Reason string
}

// GnutellaDecode decodes the payload into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgBye) GnutellaDecode(payload []byte) error {
	if len(payload) < 2 {
		return messageErrorf("MsgBye.GnutellaDecode", "bye payload is %d bytes, expected at least 2",
			len(payload))
	}
	msg.Code = binary.LittleEndian.Uint16(payload[0:2])
	reason := string(payload[2:])
	if end := strings.IndexByte(reason, 0); end >= 0 {
		reason = reason[:end]
	}
	msg.Reason = strings.TrimRight(reason, "\r\n")
	return nil
}

// GnutellaEncode encodes the receiver to w.
// This is part of the Message interface implementation.
func (msg *MsgBye) GnutellaEncode(w io.Writer) error {
	payload := make([]byte, 2, 2+len(msg.Reason)+1)
	binary.LittleEndian.PutUint16(payload, msg.Code)
	payload = append(payload, msg.Reason...)
	payload = append(payload, 0)
	_, err := w.Write(payload)
	return err
}

// NewMsgBye returns a new bye message.
func NewMsgBye(code uint16, reason string) *MsgBye {
	return &MsgBye{
		baseMessage: baseMessage{header: NewMessageHeader(NewGUID(), PayloadBye, 1)},
		Code:        code,
		Reason:      reason,
	}
}
