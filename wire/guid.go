package wire

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// GUIDSize is the size of a message GUID in bytes.
const GUIDSize = 16

// GUID identifies a logical request on the network. Replies carry the GUID
// of the request they answer, which is what reply routing is keyed by.
type GUID [GUIDSize]byte

// NewGUID returns a fresh random GUID. Byte 8 is set to 0xff and byte 15 to
// 0x00, the marker modern servents put on GUIDs they generate.
func NewGUID() GUID {
	var guid GUID
	copy(guid[:], uuidBytes())
	guid[8] = 0xff
	guid[15] = 0x00
	return guid
}

func uuidBytes() []byte {
	id := uuid.New()
	return id[:]
}

// String returns the GUID as upper-case hex.
func (guid GUID) String() string {
	return strings.ToUpper(hex.EncodeToString(guid[:]))
}

// IsEqual returns whether guid equals other.
func (guid GUID) IsEqual(other GUID) bool {
	return guid == other
}

// NewGUIDFromString parses a GUID from its hex representation.
func NewGUIDFromString(s string) (GUID, error) {
	var guid GUID
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return guid, errors.Wrapf(err, "invalid GUID %s", s)
	}
	if len(decoded) != GUIDSize {
		return guid, errors.Errorf("GUID %s has %d bytes, expected %d", s, len(decoded), GUIDSize)
	}
	copy(guid[:], decoded)
	return guid, nil
}
