package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
)

const (
	// queryHitFixedLength is hit count 1 byte + port 2 bytes + IP 4 bytes +
	// speed 4 bytes.
	queryHitFixedLength = 11

	// queryHitRecordFixedLength is file index 4 bytes + file size 4 bytes.
	queryHitRecordFixedLength = 8

	// qhdMinLength is vendor code 4 bytes + open data size 1 byte.
	qhdMinLength = 5
)

// QueryHitRecord is a single result in a query hit.
type QueryHitRecord struct {
	FileIndex uint32
	FileSize  uint32
	FileName  string
	Extension []byte
}

// MsgQueryHit is a reply to a query, routed back along the path of the
// query with the same GUID.
type MsgQueryHit struct {
	baseMessage
	Port    uint16
	IP      net.IP
	Speed   uint32
	Records []*QueryHitRecord

	// The query hit descriptor is optional. HasQHD tells whether the
	// fields below it were present.
	HasQHD      bool
	VendorCode  [4]byte
	OpenData    []byte
	PrivateData []byte

	ServentID GUID
}

// GnutellaDecode decodes the payload into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgQueryHit) GnutellaDecode(payload []byte) error {
	const funcName = "MsgQueryHit.GnutellaDecode"
	if len(payload) < queryHitFixedLength+GUIDSize {
		return messageErrorf(funcName, "query hit payload is %d bytes, expected at least %d",
			len(payload), queryHitFixedLength+GUIDSize)
	}
	hitCount := int(payload[0])
	msg.Port = binary.LittleEndian.Uint16(payload[1:3])
	msg.IP = make(net.IP, net.IPv4len)
	copy(msg.IP, payload[3:7])
	msg.Speed = binary.LittleEndian.Uint32(payload[7:11])

	body := payload[:len(payload)-GUIDSize]
	copy(msg.ServentID[:], payload[len(payload)-GUIDSize:])

	offset := queryHitFixedLength
	msg.Records = make([]*QueryHitRecord, 0, hitCount)
	for i := 0; i < hitCount; i++ {
		if offset+queryHitRecordFixedLength > len(body) {
			return messageErrorf(funcName, "query hit record %d of %d is truncated", i+1, hitCount)
		}
		record := &QueryHitRecord{
			FileIndex: binary.LittleEndian.Uint32(body[offset : offset+4]),
			FileSize:  binary.LittleEndian.Uint32(body[offset+4 : offset+8]),
		}
		var ok bool
		record.FileName, offset, ok = readCString(body, offset+queryHitRecordFixedLength)
		if !ok {
			return messageErrorf(funcName, "file name of query hit record %d is not NUL terminated", i+1)
		}
		end := bytes.IndexByte(body[offset:], 0)
		if end < 0 {
			return messageErrorf(funcName, "extension of query hit record %d is not NUL terminated", i+1)
		}
		if end > 0 {
			record.Extension = append([]byte(nil), body[offset:offset+end]...)
		}
		offset += end + 1
		msg.Records = append(msg.Records, record)
	}

	msg.HasQHD = false
	msg.VendorCode = [4]byte{}
	msg.OpenData = nil
	msg.PrivateData = nil
	qhd := body[offset:]
	if len(qhd) >= qhdMinLength {
		msg.HasQHD = true
		copy(msg.VendorCode[:], qhd[:4])
		openDataSize := int(qhd[4])
		if qhdMinLength+openDataSize > len(qhd) {
			return messageErrorf(funcName, "query hit descriptor declares %d bytes of open data but "+
				"only %d remain", openDataSize, len(qhd)-qhdMinLength)
		}
		if openDataSize > 0 {
			msg.OpenData = append([]byte(nil), qhd[qhdMinLength:qhdMinLength+openDataSize]...)
		}
		if private := qhd[qhdMinLength+openDataSize:]; len(private) > 0 {
			msg.PrivateData = append([]byte(nil), private...)
		}
	}
	return nil
}

// GnutellaEncode encodes the receiver to w.
// This is part of the Message interface implementation.
func (msg *MsgQueryHit) GnutellaEncode(w io.Writer) error {
	if len(msg.Records) > 255 {
		return messageErrorf("MsgQueryHit.GnutellaEncode", "too many records in query hit [count %d, max 255]",
			len(msg.Records))
	}
	if len(msg.OpenData) > 255 {
		return messageErrorf("MsgQueryHit.GnutellaEncode", "query hit open data is %d bytes, max 255",
			len(msg.OpenData))
	}
	var buf bytes.Buffer
	var fixed [queryHitFixedLength]byte
	fixed[0] = byte(len(msg.Records))
	binary.LittleEndian.PutUint16(fixed[1:3], msg.Port)
	copy(fixed[3:7], ipv4Bytes(msg.IP))
	binary.LittleEndian.PutUint32(fixed[7:11], msg.Speed)
	buf.Write(fixed[:])

	for _, record := range msg.Records {
		var recordFixed [queryHitRecordFixedLength]byte
		binary.LittleEndian.PutUint32(recordFixed[0:4], record.FileIndex)
		binary.LittleEndian.PutUint32(recordFixed[4:8], record.FileSize)
		buf.Write(recordFixed[:])
		buf.WriteString(record.FileName)
		buf.WriteByte(0)
		buf.Write(record.Extension)
		buf.WriteByte(0)
	}

	if msg.HasQHD {
		buf.Write(msg.VendorCode[:])
		buf.WriteByte(byte(len(msg.OpenData)))
		buf.Write(msg.OpenData)
		buf.Write(msg.PrivateData)
	}
	buf.Write(msg.ServentID[:])
	_, err := w.Write(buf.Bytes())
	return err
}

// Address returns the address of the host that has the files.
func (msg *MsgQueryHit) Address() *NetAddress {
	return NewNetAddressIPPort(msg.IP, msg.Port)
}

// NewMsgQueryHit returns a query hit answering the query with the given
// GUID.
func NewMsgQueryHit(guid GUID, ttl byte, address *NetAddress, speed uint32, serventID GUID,
	records []*QueryHitRecord) *MsgQueryHit {

	return &MsgQueryHit{
		baseMessage: baseMessage{header: NewMessageHeader(guid, PayloadQueryHit, ttl)},
		Port:        address.Port,
		IP:          address.IP,
		Speed:       speed,
		Records:     records,
		ServentID:   serventID,
	}
}
