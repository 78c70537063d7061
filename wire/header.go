package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/gnutd/gnutd/util/mstime"
	"github.com/pkg/errors"
)

// MessageHeader is the fixed 23 byte header that precedes every message
// payload on the wire.
//
// TTL and Hops are signed bytes on the wire. A value of 0x80 or above is
// negative and makes the message invalid, see HasNegativeTTLOrHops.
type MessageHeader struct {
	GUID          GUID
	PayloadType   PayloadType
	TTL           byte
	Hops          byte
	PayloadLength uint32

	// Timestamp is the time the header was created locally or read from
	// the network. It is not transmitted.
	Timestamp time.Time
}

// NewMessageHeader returns a header for a message originated locally.
func NewMessageHeader(guid GUID, payloadType PayloadType, ttl byte) *MessageHeader {
	return &MessageHeader{
		GUID:        guid,
		PayloadType: payloadType,
		TTL:         ttl,
		Timestamp:   mstime.Now(),
	}
}

// HasNegativeTTLOrHops returns whether the TTL or the hops, read as signed
// bytes, are negative.
func (h *MessageHeader) HasNegativeTTLOrHops() bool {
	return int8(h.TTL) < 0 || int8(h.Hops) < 0
}

// CountHop increments the hop count and decrements the TTL of a message
// that was received and is about to be processed.
func (h *MessageHeader) CountHop() {
	h.Hops++
	if h.TTL > 0 {
		h.TTL--
	}
}

// Copy returns a copy of the header.
func (h *MessageHeader) Copy() *MessageHeader {
	headerCopy := *h
	return &headerCopy
}

func (h *MessageHeader) String() string {
	return fmt.Sprintf("%s [GUID: %s, TTL: %d, hops: %d, length: %d]",
		h.PayloadType, h.GUID, h.TTL, h.Hops, h.PayloadLength)
}

// ReadMessageHeader reads exactly MessageHeaderSize bytes from r and parses
// them. If the stream closes before the header is complete,
// ErrConnectionClosed is returned.
func ReadMessageHeader(r io.Reader) (*MessageHeader, error) {
	var headerBytes [MessageHeaderSize]byte
	_, err := io.ReadFull(r, headerBytes[:])
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errors.Wrapf(ErrConnectionClosed, "stream closed while reading message header: %s", err)
		}
		return nil, errors.WithStack(err)
	}
	return parseMessageHeader(headerBytes[:]), nil
}

func parseMessageHeader(headerBytes []byte) *MessageHeader {
	header := &MessageHeader{
		PayloadType:   PayloadType(headerBytes[GUIDSize]),
		TTL:           headerBytes[GUIDSize+1],
		Hops:          headerBytes[GUIDSize+2],
		PayloadLength: binary.LittleEndian.Uint32(headerBytes[GUIDSize+3:]),
		Timestamp:     mstime.Now(),
	}
	copy(header.GUID[:], headerBytes[:GUIDSize])
	return header
}

func serializeMessageHeader(h *MessageHeader) []byte {
	headerBytes := make([]byte, MessageHeaderSize)
	copy(headerBytes, h.GUID[:])
	headerBytes[GUIDSize] = byte(h.PayloadType)
	headerBytes[GUIDSize+1] = h.TTL
	headerBytes[GUIDSize+2] = h.Hops
	binary.LittleEndian.PutUint32(headerBytes[GUIDSize+3:], h.PayloadLength)
	return headerBytes
}

// WriteMessageHeader writes the header to w.
func WriteMessageHeader(w io.Writer, h *MessageHeader) error {
	_, err := w.Write(serializeMessageHeader(h))
	return errors.WithStack(err)
}
