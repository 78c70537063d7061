package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"unicode"
)

// extensionSeparator separates HUGE and GGEP blocks in the extension area
// of queries and query hit records.
const extensionSeparator = 0x1C

// MsgQuery is a search request. It is flooded to neighbours subject to its
// TTL and answered by query hits with the same GUID.
type MsgQuery struct {
	baseMessage
	MinSpeed     uint16
	SearchString string
	URNs         []string
	GGEP         GGEPBlock
}

// GnutellaDecode decodes the payload into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgQuery) GnutellaDecode(payload []byte) error {
	const funcName = "MsgQuery.GnutellaDecode"
	if len(payload) < 3 {
		return messageErrorf(funcName, "query payload is %d bytes, expected at least 3", len(payload))
	}
	msg.MinSpeed = binary.LittleEndian.Uint16(payload[0:2])
	searchString, offset, ok := readCString(payload, 2)
	if !ok {
		return messageError(funcName, "query search string is not NUL terminated")
	}
	msg.SearchString = searchString
	msg.URNs = nil
	msg.GGEP = nil

	extensions := payload[offset:]
	for len(extensions) > 0 && extensions[0] != 0 {
		if extensions[0] == GGEPMagic {
			block, consumed, err := ParseGGEP(extensions)
			if err != nil {
				return err
			}
			msg.GGEP = block
			extensions = extensions[consumed:]
		} else {
			end := bytes.IndexAny(extensions, "\x1c\x00")
			if end < 0 {
				end = len(extensions)
			}
			part := string(extensions[:end])
			if strings.HasPrefix(strings.ToLower(part), "urn:") {
				msg.URNs = append(msg.URNs, part)
			}
			extensions = extensions[end:]
		}
		if len(extensions) > 0 && extensions[0] == extensionSeparator {
			extensions = extensions[1:]
		}
	}
	return nil
}

// GnutellaEncode encodes the receiver to w.
// This is part of the Message interface implementation.
func (msg *MsgQuery) GnutellaEncode(w io.Writer) error {
	var buf bytes.Buffer
	var minSpeed [2]byte
	binary.LittleEndian.PutUint16(minSpeed[:], msg.MinSpeed)
	buf.Write(minSpeed[:])
	buf.WriteString(msg.SearchString)
	buf.WriteByte(0)

	extensions := make([][]byte, 0, len(msg.URNs)+1)
	for _, urn := range msg.URNs {
		extensions = append(extensions, []byte(urn))
	}
	ggepBytes, err := msg.GGEP.Bytes()
	if err != nil {
		return err
	}
	if len(ggepBytes) > 0 {
		extensions = append(extensions, ggepBytes)
	}
	if len(extensions) > 0 {
		buf.Write(bytes.Join(extensions, []byte{extensionSeparator}))
		buf.WriteByte(0)
	}
	_, err = w.Write(buf.Bytes())
	return err
}

// Keywords returns the lower-cased words of the search string.
func (msg *MsgQuery) Keywords() []string {
	return SplitKeywords(msg.SearchString)
}

// SplitKeywords splits s into lower-cased keywords on every rune that is
// neither a letter nor a digit.
func SplitKeywords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// NewMsgQuery returns a new query with a fresh GUID.
func NewMsgQuery(ttl byte, searchString string) *MsgQuery {
	return &MsgQuery{
		baseMessage:  baseMessage{header: NewMessageHeader(NewGUID(), PayloadQuery, ttl)},
		SearchString: searchString,
	}
}
