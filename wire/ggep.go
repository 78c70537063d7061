package wire

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

// GGEPMagic is the first byte of a GGEP block.
const GGEPMagic = 0xC3

const (
	ggepFlagLast       = 0x80
	ggepFlagEncoded    = 0x40
	ggepFlagCompressed = 0x20
	ggepFlagReserved   = 0x10
	ggepIDLengthMask   = 0x0F

	ggepLengthMore = 0x80
	ggepLengthLast = 0x40
	ggepLengthMask = 0x3F

	maxGGEPDataLength = 1<<18 - 1
)

// Well known GGEP extension IDs.
const (
	GGEPUltrapeer           = "UP"
	GGEPDailyUptime         = "DU"
	GGEPVendorCode          = "VC"
	GGEPPackedIPPorts       = "IPP"
	GGEPSupportsCachedPongs = "SCP"
	GGEPPushProxies         = "PUSH"
)

// GGEPExtension is a single extension in a GGEP block.
type GGEPExtension struct {
	ID   string
	Data []byte
}

// GGEPBlock is an ordered list of GGEP extensions.
type GGEPBlock []*GGEPExtension

// Get returns the data of the extension with the given id.
func (block GGEPBlock) Get(id string) ([]byte, bool) {
	for _, extension := range block {
		if extension.ID == id {
			return extension.Data, true
		}
	}
	return nil, false
}

// Has returns whether the block contains an extension with the given id.
func (block GGEPBlock) Has(id string) bool {
	_, ok := block.Get(id)
	return ok
}

// Set adds an extension, replacing any extension with the same id.
func (block *GGEPBlock) Set(id string, data []byte) {
	for _, extension := range *block {
		if extension.ID == id {
			extension.Data = data
			return
		}
	}
	*block = append(*block, &GGEPExtension{ID: id, Data: data})
}

// ParseGGEP parses a GGEP block starting at b[0], which must be GGEPMagic.
// It returns the block and the number of bytes it occupied.
func ParseGGEP(b []byte) (GGEPBlock, int, error) {
	if len(b) == 0 || b[0] != GGEPMagic {
		return nil, 0, messageError("ParseGGEP", "missing GGEP magic byte")
	}
	var block GGEPBlock
	offset := 1
	for {
		if offset >= len(b) {
			return nil, 0, messageError("ParseGGEP", "GGEP block ended before its last extension")
		}
		flags := b[offset]
		offset++
		if flags&ggepFlagReserved != 0 {
			return nil, 0, messageError("ParseGGEP", "reserved GGEP flag is set")
		}
		idLength := int(flags & ggepIDLengthMask)
		if idLength == 0 {
			return nil, 0, messageError("ParseGGEP", "GGEP extension id is empty")
		}
		if offset+idLength > len(b) {
			return nil, 0, messageError("ParseGGEP", "GGEP extension id is truncated")
		}
		id := string(b[offset : offset+idLength])
		offset += idLength

		dataLength, lengthBytes, err := parseGGEPDataLength(b[offset:])
		if err != nil {
			return nil, 0, err
		}
		offset += lengthBytes
		if offset+dataLength > len(b) {
			return nil, 0, messageErrorf("ParseGGEP", "GGEP extension %s declares %d bytes of data "+
				"but only %d remain", id, dataLength, len(b)-offset)
		}
		data := b[offset : offset+dataLength]
		offset += dataLength

		if flags&ggepFlagEncoded != 0 {
			return nil, 0, messageErrorf("ParseGGEP", "COBS encoded GGEP extension %s is not supported", id)
		}
		if flags&ggepFlagCompressed != 0 {
			data, err = inflate(data)
			if err != nil {
				return nil, 0, messageErrorf("ParseGGEP", "failed to inflate GGEP extension %s: %s", id, err)
			}
		} else {
			dataCopy := make([]byte, len(data))
			copy(dataCopy, data)
			data = dataCopy
		}
		block = append(block, &GGEPExtension{ID: id, Data: data})

		if flags&ggepFlagLast != 0 {
			return block, offset, nil
		}
	}
}

func parseGGEPDataLength(b []byte) (int, int, error) {
	length := 0
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, messageError("parseGGEPDataLength", "GGEP data length is truncated")
		}
		lengthByte := b[i]
		length = length<<6 | int(lengthByte&ggepLengthMask)
		if lengthByte&ggepLengthLast != 0 {
			return length, i + 1, nil
		}
		if lengthByte&ggepLengthMore == 0 {
			return 0, 0, messageError("parseGGEPDataLength", "GGEP data length byte has no continuation flag")
		}
	}
	return 0, 0, messageError("parseGGEPDataLength", "GGEP data length is longer than 3 bytes")
}

func inflate(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(io.LimitReader(reader, maxGGEPDataLength+1))
}

// Bytes serializes the block. Extensions are written uncompressed.
func (block GGEPBlock) Bytes() ([]byte, error) {
	if len(block) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	buf.WriteByte(GGEPMagic)
	for i, extension := range block {
		if len(extension.ID) == 0 || len(extension.ID) > ggepIDLengthMask {
			return nil, errors.Errorf("GGEP extension id %q must be 1 to %d bytes long",
				extension.ID, ggepIDLengthMask)
		}
		if len(extension.Data) > maxGGEPDataLength {
			return nil, errors.Errorf("GGEP extension %s has %d bytes of data, more than the maximum %d",
				extension.ID, len(extension.Data), maxGGEPDataLength)
		}
		flags := byte(len(extension.ID))
		if i == len(block)-1 {
			flags |= ggepFlagLast
		}
		buf.WriteByte(flags)
		buf.WriteString(extension.ID)
		buf.Write(encodeGGEPDataLength(len(extension.Data)))
		buf.Write(extension.Data)
	}
	return buf.Bytes(), nil
}

func encodeGGEPDataLength(length int) []byte {
	switch {
	case length < 1<<6:
		return []byte{ggepLengthLast | byte(length)}
	case length < 1<<12:
		return []byte{
			ggepLengthMore | byte(length>>6&ggepLengthMask),
			ggepLengthLast | byte(length&ggepLengthMask),
		}
	default:
		return []byte{
			ggepLengthMore | byte(length>>12&ggepLengthMask),
			ggepLengthMore | byte(length>>6&ggepLengthMask),
			ggepLengthLast | byte(length&ggepLengthMask),
		}
	}
}

// decodeGGEPInteger decodes the little endian variable length integers used
// by extensions such as DU.
func decodeGGEPInteger(data []byte) (uint32, bool) {
	if len(data) == 0 || len(data) > 4 {
		return 0, false
	}
	var value uint32
	for i := len(data) - 1; i >= 0; i-- {
		value = value<<8 | uint32(data[i])
	}
	return value, true
}

// encodeGGEPInteger encodes value in the least number of little endian
// bytes, at least one.
func encodeGGEPInteger(value uint32) []byte {
	encoded := []byte{byte(value)}
	for value >>= 8; value != 0; value >>= 8 {
		encoded = append(encoded, byte(value))
	}
	return encoded
}
