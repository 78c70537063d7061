package wire

import (
	"bytes"
	"io"
	"net"

	"github.com/pkg/errors"
)

// Message is implemented by every Gnutella message. The header is owned by
// the message and travels with it through routing and queueing.
type Message interface {
	Header() *MessageHeader
	GnutellaDecode(payload []byte) error
	GnutellaEncode(w io.Writer) error
}

// AddressFilter is consulted while decoding messages that carry a host
// address, such as pongs, pushes and query hits.
type AddressFilter interface {
	IsAddressBlocked(ip net.IP) bool
}

// ErrBlockedAddress is returned when a decoded message carries an address
// rejected by the AddressFilter.
var ErrBlockedAddress = errors.New("message carries a blocked address")

type baseMessage struct {
	header *MessageHeader
}

// Header returns the message header.
func (m *baseMessage) Header() *MessageHeader {
	return m.header
}

// ForwardCopy returns a copy of msg with a header of its own, so each host
// a message is forwarded to gets its own header. The payload is shared and
// must not be modified.
func ForwardCopy(msg Message) Message {
	base := baseMessage{header: msg.Header().Copy()}
	switch msg := msg.(type) {
	case *MsgPing:
		msgCopy := *msg
		msgCopy.baseMessage = base
		return &msgCopy
	case *MsgPong:
		msgCopy := *msg
		msgCopy.baseMessage = base
		return &msgCopy
	case *MsgBye:
		msgCopy := *msg
		msgCopy.baseMessage = base
		return &msgCopy
	case *MsgRouteTableUpdate:
		msgCopy := *msg
		msgCopy.baseMessage = base
		return &msgCopy
	case *MsgVendor:
		msgCopy := *msg
		msgCopy.baseMessage = base
		return &msgCopy
	case *MsgPush:
		msgCopy := *msg
		msgCopy.baseMessage = base
		return &msgCopy
	case *MsgQuery:
		msgCopy := *msg
		msgCopy.baseMessage = base
		return &msgCopy
	case *MsgQueryHit:
		msgCopy := *msg
		msgCopy.baseMessage = base
		return &msgCopy
	default:
		return msg
	}
}

func makeEmptyMessage(header *MessageHeader) (Message, error) {
	base := baseMessage{header: header}
	switch header.PayloadType {
	case PayloadPing:
		return &MsgPing{baseMessage: base}, nil
	case PayloadPong:
		return &MsgPong{baseMessage: base}, nil
	case PayloadBye:
		return &MsgBye{baseMessage: base}, nil
	case PayloadRouteTableUpdate:
		return &MsgRouteTableUpdate{baseMessage: base}, nil
	case PayloadVendor, PayloadStandardVendor:
		return &MsgVendor{baseMessage: base}, nil
	case PayloadPush:
		return &MsgPush{baseMessage: base}, nil
	case PayloadQuery:
		return &MsgQuery{baseMessage: base}, nil
	case PayloadQueryHit:
		return &MsgQueryHit{baseMessage: base}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownPayloadType, "payload type 0x%02x", byte(header.PayloadType))
	}
}

// ReadMessageBody reads the payload announced by header from r and decodes
// it.
//
// The payload length is checked against maxLength before anything is read
// or allocated, and ErrPacketTooBig is returned when it is exceeded. For an
// unknown payload type the payload is consumed and ErrUnknownPayloadType is
// returned, so the stream stays framed. Payloads that don't decode yield an
// error matching ErrInvalidMessage.
func ReadMessageBody(r io.Reader, header *MessageHeader, maxLength uint32, filter AddressFilter) (Message, error) {
	if header.PayloadLength > maxLength {
		return nil, errors.Wrapf(ErrPacketTooBig, "%s declares a payload of %d bytes, the maximum is %d",
			header.PayloadType, header.PayloadLength, maxLength)
	}

	payload := make([]byte, header.PayloadLength)
	_, err := io.ReadFull(r, payload)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errors.Wrapf(ErrConnectionClosed, "stream closed while reading %s payload: %s",
				header.PayloadType, err)
		}
		return nil, errors.WithStack(err)
	}

	msg, err := makeEmptyMessage(header)
	if err != nil {
		return nil, err
	}
	err = msg.GnutellaDecode(payload)
	if err != nil {
		return nil, err
	}

	if filter != nil {
		if addressed, ok := msg.(addressCarrier); ok {
			address := addressed.Address()
			if address != nil && filter.IsAddressBlocked(address.IP) {
				return nil, errors.Wrapf(ErrBlockedAddress, "%s from %s", header.PayloadType, address)
			}
		}
	}
	return msg, nil
}

type addressCarrier interface {
	Address() *NetAddress
}

// ReadMessage reads a header and its payload from r.
func ReadMessage(r io.Reader, maxLength uint32, filter AddressFilter) (Message, error) {
	header, err := ReadMessageHeader(r)
	if err != nil {
		return nil, err
	}
	return ReadMessageBody(r, header, maxLength, filter)
}

// EncodeMessage serializes msg, header first, with the payload length of
// the encoded payload. The header of msg is only read, so a message queued
// on several hosts can be encoded concurrently.
func EncodeMessage(msg Message) ([]byte, error) {
	var payload bytes.Buffer
	err := msg.GnutellaEncode(&payload)
	if err != nil {
		return nil, err
	}
	header := *msg.Header()
	header.PayloadLength = uint32(payload.Len())

	encoded := make([]byte, 0, MessageHeaderSize+payload.Len())
	encoded = append(encoded, serializeMessageHeader(&header)...)
	encoded = append(encoded, payload.Bytes()...)
	return encoded, nil
}

// WriteMessage writes msg to w with a single Write call.
func WriteMessage(w io.Writer, msg Message) error {
	encoded, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(encoded)
	return errors.WithStack(err)
}

// readCString returns the bytes of b up to the first NUL and the offset
// right after that NUL.
func readCString(b []byte, offset int) (string, int, bool) {
	end := bytes.IndexByte(b[offset:], 0)
	if end < 0 {
		return "", 0, false
	}
	return string(b[offset : offset+end]), offset + end + 1, true
}
