package wire

import (
	"bytes"
	"net"
	"reflect"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
)

func writeAndRead(t *testing.T, msg Message) Message {
	var buf bytes.Buffer
	err := WriteMessage(&buf, msg)
	if err != nil {
		t.Fatalf("WriteMessage: %s", err)
	}
	written := buf.Len()
	read, err := ReadMessage(&buf, DefaultMaxMessageLength, nil)
	if err != nil {
		t.Fatalf("ReadMessage: %s", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("%d bytes were left unread", buf.Len())
	}
	if written != MessageHeaderSize+int(read.Header().PayloadLength) {
		t.Fatalf("wrote %d bytes for a payload length of %d", written, read.Header().PayloadLength)
	}
	// Timestamps are local and not transmitted. The payload length is
	// only known to the encoded copy of the header.
	read.Header().Timestamp = msg.Header().Timestamp
	read.Header().PayloadLength = msg.Header().PayloadLength
	return read
}

func TestMessageRoundTrips(t *testing.T) {
	pingWithGGEP := NewMsgPing(1)
	pingWithGGEP.GGEP.Set(GGEPSupportsCachedPongs, []byte{})

	pong := NewMsgPong(NewGUID(), 3, NewNetAddressIPPort(net.ParseIP("1.2.3.4").To4(), 6346), 10, 2048)
	pong.GGEP.Set(GGEPUltrapeer, []byte{1, 2, 3})
	pong.SetDailyUptime(3600)

	query := NewMsgQuery(7, "free music")
	query.URNs = []string{"urn:sha1:PLSTHIPQGSSZTS5FJUPAKUZWUGYQYPFB"}
	query.GGEP.Set("M", []byte{0x04})

	hit := NewMsgQueryHit(query.Header().GUID, 5, NewNetAddressIPPort(net.ParseIP("5.6.7.8").To4(), 1234),
		400, NewGUID(), []*QueryHitRecord{
			{FileIndex: 1, FileSize: 5000, FileName: "free music.mp3"},
			{FileIndex: 2, FileSize: 6000, FileName: "more.ogg", Extension: []byte("urn:sha1:X")},
		})
	hit.HasQHD = true
	hit.VendorCode = [4]byte{'G', 'N', 'T', 'D'}
	hit.OpenData = []byte{0x01, 0x1c}
	hit.PrivateData = []byte{0xAA}

	push := NewMsgPush(6, NewGUID(), 99, NewNetAddressIPPort(net.ParseIP("9.8.7.6").To4(), 6347))

	bye := NewMsgBye(ByeCodeShutdown, "Servent shutdown")

	hopsFlow := NewMsgHopsFlow(4)

	reset := NewMsgRouteTableReset(65536, 7)
	patch := NewMsgRouteTablePatch(1, 2, PatchCompressorZlib, 4, []byte{1, 2, 3})

	tests := []struct {
		name string
		msg  Message
	}{
		{"empty ping", NewMsgPing(7)},
		{"ping with GGEP", pingWithGGEP},
		{"pong", pong},
		{"query", query},
		{"plain query", NewMsgQuery(3, "linux iso")},
		{"query hit", hit},
		{"push", push},
		{"bye", bye},
		{"hops flow", hopsFlow},
		{"route table reset", reset},
		{"route table patch", patch},
	}

	for _, test := range tests {
		read := writeAndRead(t, test.msg)
		if !reflect.DeepEqual(read, test.msg) {
			t.Errorf("%s: round trip mismatch - got %s, want %s", test.name,
				spew.Sdump(read), spew.Sdump(test.msg))
		}
	}
}

func TestReadMessageUnknownTypeKeepsFraming(t *testing.T) {
	var buf bytes.Buffer
	unknown := &MessageHeader{GUID: NewGUID(), PayloadType: PayloadType(0x77), TTL: 1, PayloadLength: 3}
	_ = WriteMessageHeader(&buf, unknown)
	buf.Write([]byte{1, 2, 3})
	ping := NewMsgPing(1)
	err := WriteMessage(&buf, ping)
	if err != nil {
		t.Fatalf("WriteMessage: %s", err)
	}

	_, err = ReadMessage(&buf, DefaultMaxMessageLength, nil)
	if !errors.Is(err, ErrUnknownPayloadType) {
		t.Fatalf("got error %v, want ErrUnknownPayloadType", err)
	}
	next, err := ReadMessage(&buf, DefaultMaxMessageLength, nil)
	if err != nil {
		t.Fatalf("reading the message after the unknown one: %s", err)
	}
	if next.Header().GUID != ping.Header().GUID {
		t.Fatalf("read the wrong message after the unknown one")
	}
}

func TestReadMessageMalformed(t *testing.T) {
	tests := []struct {
		name        string
		payloadType PayloadType
		payload     []byte
	}{
		{"short pong", PayloadPong, []byte{1, 2, 3}},
		{"unterminated query", PayloadQuery, []byte{0, 0, 'a', 'b'}},
		{"short push", PayloadPush, make([]byte, 10)},
		{"short bye", PayloadBye, []byte{1}},
		{"short vendor", PayloadVendor, []byte{'B', 'E', 'A', 'R'}},
		{"truncated query hit", PayloadQueryHit, append([]byte{3, 0, 0, 1, 2, 3, 4, 0, 0, 0, 0},
			make([]byte, GUIDSize)...)},
		{"bad route table variant", PayloadRouteTableUpdate, []byte{9}},
		{"bad ping GGEP", PayloadPing, []byte{GGEPMagic, 0x82, 'X'}},
	}

	for _, test := range tests {
		var buf bytes.Buffer
		header := &MessageHeader{GUID: NewGUID(), PayloadType: test.payloadType, TTL: 1,
			PayloadLength: uint32(len(test.payload))}
		_ = WriteMessageHeader(&buf, header)
		buf.Write(test.payload)
		_, err := ReadMessage(&buf, DefaultMaxMessageLength, nil)
		if !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("%s: got error %v, want ErrInvalidMessage", test.name, err)
		}
	}
}

func TestReadMessageClosedMidPayload(t *testing.T) {
	var buf bytes.Buffer
	header := &MessageHeader{GUID: NewGUID(), PayloadType: PayloadPong, TTL: 1, PayloadLength: 14}
	_ = WriteMessageHeader(&buf, header)
	buf.Write([]byte{1, 2, 3})
	_, err := ReadMessage(&buf, DefaultMaxMessageLength, nil)
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("got error %v, want ErrConnectionClosed", err)
	}
}

type blockList []net.IP

func (b blockList) IsAddressBlocked(ip net.IP) bool {
	for _, blocked := range b {
		if blocked.Equal(ip) {
			return true
		}
	}
	return false
}

func TestReadMessageAddressFilter(t *testing.T) {
	blocked := net.ParseIP("6.6.6.6")
	pong := NewMsgPong(NewGUID(), 1, NewNetAddressIPPort(blocked, 6346), 0, 0)
	var buf bytes.Buffer
	_ = WriteMessage(&buf, pong)
	_, err := ReadMessage(&buf, DefaultMaxMessageLength, blockList{blocked})
	if !errors.Is(err, ErrBlockedAddress) {
		t.Fatalf("got error %v, want ErrBlockedAddress", err)
	}

	ping := NewMsgPing(1)
	buf.Reset()
	_ = WriteMessage(&buf, ping)
	_, err = ReadMessage(&buf, DefaultMaxMessageLength, blockList{blocked})
	if err != nil {
		t.Fatalf("a message without an address was filtered: %s", err)
	}
}

func TestPongAccessors(t *testing.T) {
	pong := NewMsgPong(NewGUID(), 1, NewNetAddressIPPort(net.ParseIP("1.1.1.1"), 1), 0, 0)
	if pong.IsUltrapeer() {
		t.Fatalf("a pong without UP claims to be an ultrapeer")
	}
	if _, ok := pong.DailyUptime(); ok {
		t.Fatalf("a pong without DU has an uptime")
	}
	hosts := []*NetAddress{
		NewNetAddressIPPort(net.ParseIP("10.0.0.1").To4(), 6346),
		NewNetAddressIPPort(net.ParseIP("10.0.0.2").To4(), 6347),
	}
	pong.GGEP.Set(GGEPPackedIPPorts, PackAddresses(hosts))
	pong.GGEP.Set(GGEPVendorCode, []byte("GTKG1"))
	pong.GGEP.Set(GGEPUltrapeer, nil)
	pong.SetDailyUptime(70000)

	packed, err := pong.PackedHosts()
	if err != nil {
		t.Fatalf("PackedHosts: %s", err)
	}
	if !reflect.DeepEqual(packed, hosts) {
		t.Fatalf("got %s, want %s", spew.Sdump(packed), spew.Sdump(hosts))
	}
	vendor, ok := pong.VendorCode()
	if !ok || vendor != "GTKG" {
		t.Fatalf("got vendor %q", vendor)
	}
	uptime, ok := pong.DailyUptime()
	if !ok || uptime != 70000 {
		t.Fatalf("got uptime %d", uptime)
	}
	if !pong.IsUltrapeer() {
		t.Fatalf("a pong with UP is not an ultrapeer")
	}
}

func TestMessagesSupported(t *testing.T) {
	supported := []VendorMessageType{VendorMessagesSupported, VendorHopsFlow}
	msg := NewMsgMessagesSupported(supported)
	read := writeAndRead(t, msg).(*MsgVendor)
	decoded, err := read.MessagesSupported()
	if err != nil {
		t.Fatalf("MessagesSupported: %s", err)
	}
	if !reflect.DeepEqual(decoded, supported) {
		t.Fatalf("got %v, want %v", decoded, supported)
	}
	if _, err := read.HopsFlow(); err == nil {
		t.Fatalf("a messages supported message decoded as hops flow")
	}
}

func TestQueryKeywords(t *testing.T) {
	query := NewMsgQuery(1, "The Free-Music  archive_2")
	expected := []string{"the", "free", "music", "archive", "2"}
	if !reflect.DeepEqual(query.Keywords(), expected) {
		t.Fatalf("got %v, want %v", query.Keywords(), expected)
	}
}

func TestEncodeMessageLeavesHeader(t *testing.T) {
	query := NewMsgQuery(3, "free song")
	before := *query.Header()

	encoded, err := EncodeMessage(query)
	if err != nil {
		t.Fatalf("EncodeMessage: %s", err)
	}
	if !reflect.DeepEqual(*query.Header(), before) {
		t.Errorf("EncodeMessage modified the header: got %s, want %s", query.Header(), &before)
	}
	header, err := ReadMessageHeader(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("ReadMessageHeader: %s", err)
	}
	if int(header.PayloadLength) != len(encoded)-MessageHeaderSize {
		t.Errorf("encoded payload length %d, payload is %d bytes", header.PayloadLength,
			len(encoded)-MessageHeaderSize)
	}
}

func TestForwardCopy(t *testing.T) {
	messages := []Message{
		NewMsgPing(3),
		NewMsgQuery(3, "free song"),
		NewMsgPush(3, NewGUID(), 1, NewNetAddressIPPort(net.ParseIP("1.2.3.4"), 6346)),
		NewMsgBye(ByeCodeShutdown, "bye"),
		NewMsgHopsFlow(2),
	}
	for _, msg := range messages {
		msgCopy := ForwardCopy(msg)
		if reflect.TypeOf(msgCopy) != reflect.TypeOf(msg) {
			t.Errorf("copy of %T is a %T", msg, msgCopy)
			continue
		}
		if msgCopy.Header() == msg.Header() {
			t.Errorf("copy of %T shares its header", msg)
		}
		if !reflect.DeepEqual(msgCopy, msg) {
			t.Errorf("copy of %T differs: %s", msg, spew.Sdump(msgCopy))
		}
		msgCopy.Header().Hops = 6
		if msg.Header().Hops == 6 {
			t.Errorf("changing the header of the copy of %T changed the original", msg)
		}
	}
}
