package host

import (
	"net"
	"testing"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/gnutd/gnutd/infrastructure/network/flowcontrol"
	"github.com/gnutd/gnutd/infrastructure/network/handshake"
	"github.com/gnutd/gnutd/infrastructure/network/messagerouter"
	"github.com/gnutd/gnutd/infrastructure/network/protocolerrors"
	"github.com/gnutd/gnutd/wire"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const testTimeout = 5 * time.Second

type testPreferences struct {
	maxTTL    byte
	maxLength uint32
}

func (p *testPreferences) MaxNetworkTTL() byte        { return p.maxTTL }
func (p *testPreferences) MaxMessageLength() uint32   { return p.maxLength }
func (p *testPreferences) ReadTimeout() time.Duration { return 0 }

var defaultTestPreferences = &testPreferences{maxTTL: wire.DefaultMaxNetworkTTL, maxLength: 1024}

type dispatcherFunc func(msg wire.Message, source messagerouter.Peer) error

func (f dispatcherFunc) DispatchMessage(msg wire.Message, source messagerouter.Peer) error {
	return f(msg, source)
}

func channelDispatcher() (dispatcherFunc, chan wire.Message) {
	received := make(chan wire.Message, 100)
	return func(msg wire.Message, source messagerouter.Peer) error {
		received <- msg
		return nil
	}, received
}

// newConnectedHost returns a connected Host and the remote end of its
// connection.
func newConnectedHost(t *testing.T) (*Host, net.Conn) {
	pool := workerpool.New(2)
	t.Cleanup(pool.StopWait)

	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})

	cfg := &Config{
		FlowControl: flowcontrol.DefaultClassConfigs(),
		Metrics:     NewMetrics(),
	}
	host := New(wire.NewNetAddressIPPort(net.ParseIP("10.0.0.1"), 6346), false, cfg, pool)
	err := host.SetConnection(&handshake.Result{
		Role:   handshake.RoleNormal,
		Remote: &handshake.Capabilities{UserAgent: "test/1.0"},
		Conn:   handshake.NewPlainConn(local),
	})
	if err != nil {
		t.Fatalf("SetConnection: %s", err)
	}
	return host, remote
}

func runEngine(host *Host, dispatcher MessageDispatcher) chan error {
	engine := NewConnectionEngine(host, defaultTestPreferences, dispatcher, nil)
	done := make(chan error, 1)
	go func() {
		done <- engine.Run()
	}()
	return done
}

// writeFrame writes a raw header and payload, bypassing any validation.
func writeFrame(conn net.Conn, payloadType wire.PayloadType, ttl, hops byte, payload []byte) error {
	header := &wire.MessageHeader{
		GUID:          wire.NewGUID(),
		PayloadType:   payloadType,
		TTL:           ttl,
		Hops:          hops,
		PayloadLength: uint32(len(payload)),
	}
	err := wire.WriteMessageHeader(conn, header)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err = conn.Write(payload)
	return err
}

func receive(t *testing.T, received chan wire.Message) wire.Message {
	select {
	case msg := <-received:
		return msg
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for a dispatched message")
	}
	return nil
}

func TestConnectionEngineCountsHop(t *testing.T) {
	host, remote := newConnectedHost(t)
	dispatcher, received := channelDispatcher()
	runEngine(host, dispatcher)

	go writeFrame(remote, wire.PayloadPing, 5, 1, nil)

	msg := receive(t, received)
	header := msg.Header()
	if header.TTL != 4 || header.Hops != 2 {
		t.Errorf("unexpected TTL/hops %d/%d, want 4/2", header.TTL, header.Hops)
	}
	if _, ok := msg.(*wire.MsgPing); !ok {
		t.Errorf("expected a ping, got %T", msg)
	}
}

func TestConnectionEngineClampsTTL(t *testing.T) {
	host, remote := newConnectedHost(t)
	dispatcher, received := channelDispatcher()
	runEngine(host, dispatcher)

	go writeFrame(remote, wire.PayloadPing, 50, 3, nil)

	header := receive(t, received).Header()
	if int(header.TTL)+int(header.Hops) > wire.DefaultMaxNetworkTTL {
		t.Errorf("TTL %d + hops %d exceed %d", header.TTL, header.Hops, wire.DefaultMaxNetworkTTL)
	}
	if header.Hops != 4 || header.TTL != 3 {
		t.Errorf("unexpected TTL/hops %d/%d, want 3/4", header.TTL, header.Hops)
	}
}

func TestConnectionEngineDispatchesExhaustedTTL(t *testing.T) {
	host, remote := newConnectedHost(t)
	dispatcher, received := channelDispatcher()
	runEngine(host, dispatcher)

	go writeFrame(remote, wire.PayloadPing, 0, 3, nil)

	header := receive(t, received).Header()
	if header.TTL != 0 || header.Hops != 4 {
		t.Errorf("unexpected TTL/hops %d/%d, want 0/4", header.TTL, header.Hops)
	}
	if host.StatsSnapshot().ReceivedDropCount != 0 {
		t.Errorf("a message without TTL left must not be dropped by the read loop")
	}
}

func TestConnectionEngineDropsAndContinues(t *testing.T) {
	host, remote := newConnectedHost(t)
	dispatcher, received := channelDispatcher()
	runEngine(host, dispatcher)

	go func() {
		frames := []struct {
			payloadType wire.PayloadType
			ttl, hops   byte
			payload     []byte
		}{
			{wire.PayloadPing, 3, 0x80, nil},
			{wire.PayloadPing, 0x90, 1, nil},
			{wire.PayloadPing, 1, wire.DefaultMaxNetworkTTL + 1, nil},
			{wire.PayloadType(0x99), 3, 0, []byte{1, 2, 3}},
			{wire.PayloadPong, 3, 0, []byte{0x55}},
		}
		for _, frame := range frames {
			err := writeFrame(remote, frame.payloadType, frame.ttl, frame.hops, frame.payload)
			if err != nil {
				return
			}
		}
		writeFrame(remote, wire.PayloadPing, 2, 0, nil)
	}()

	msg := receive(t, received)
	if msg.Header().TTL != 1 || msg.Header().Hops != 1 {
		t.Errorf("unexpected message dispatched: %s", msg.Header())
	}
	select {
	case msg := <-received:
		t.Fatalf("unexpected second message %s", msg.Header())
	default:
	}

	if host.ReceivedCount() != 6 {
		t.Errorf("ReceivedCount: got %d, want 6", host.ReceivedCount())
	}
	snap := host.StatsSnapshot()
	if snap.ReceivedDropCount != 5 {
		t.Errorf("ReceivedDropCount: got %d, want 5", snap.ReceivedDropCount)
	}
	if snap.ReceiveQuality >= 1 {
		t.Errorf("receive quality wasn't lowered by drops: %f", snap.ReceiveQuality)
	}
	dropped := testutil.ToFloat64(host.cfg.Metrics.DroppedMessages.WithLabelValues(dropTooManyHops))
	if dropped != 1 {
		t.Errorf("drops for too many hops: got %f, want 1", dropped)
	}
	if !host.IsConnected() {
		t.Errorf("host disconnected after recoverable drops")
	}
}

func TestConnectionEngineOversizedPacket(t *testing.T) {
	host, remote := newConnectedHost(t)
	dispatcher, received := channelDispatcher()
	done := runEngine(host, dispatcher)

	go func() {
		header := &wire.MessageHeader{
			GUID:          wire.NewGUID(),
			PayloadType:   wire.PayloadQuery,
			TTL:           3,
			PayloadLength: defaultTestPreferences.maxLength + 1,
		}
		wire.WriteMessageHeader(remote, header)
	}()

	var err error
	select {
	case err = <-done:
	case <-time.After(testTimeout):
		t.Fatalf("read loop didn't end on an oversized packet")
	}
	if !errors.Is(err, wire.ErrPacketTooBig) {
		t.Errorf("expected ErrPacketTooBig, got %+v", err)
	}
	if !protocolerrors.ShouldBan(err) {
		t.Errorf("an oversized packet should be a banning protocol error")
	}
	status, _ := host.Status()
	if status != StatusError {
		t.Errorf("status: got %s, want %s", status, StatusError)
	}
	if len(received) != 0 {
		t.Errorf("oversized packet was dispatched")
	}
	if closed := testutil.ToFloat64(host.cfg.Metrics.ClosedByError); closed < 1 {
		t.Errorf("ClosedByError wasn't incremented")
	}
}

func TestConnectionEngineRemoteClose(t *testing.T) {
	host, remote := newConnectedHost(t)
	dispatcher, _ := channelDispatcher()
	done := runEngine(host, dispatcher)

	remote.Close()

	select {
	case err := <-done:
		if !errors.Is(err, wire.ErrConnectionClosed) {
			t.Errorf("expected ErrConnectionClosed, got %+v", err)
		}
	case <-time.After(testTimeout):
		t.Fatalf("read loop didn't end after the remote closed")
	}
	status, _ := host.Status()
	if status != StatusDisconnected {
		t.Errorf("status: got %s, want %s", status, StatusDisconnected)
	}
}

func TestSendEngineKeepsOrder(t *testing.T) {
	host, remote := newConnectedHost(t)

	const count = 20
	for i := 0; i < count; i++ {
		host.QueueMessage(wire.NewMsgHopsFlow(byte(i)))
	}

	remote.SetReadDeadline(time.Now().Add(testTimeout))
	for i := 0; i < count; i++ {
		msg, err := wire.ReadMessage(remote, wire.DefaultMaxMessageLength, nil)
		if err != nil {
			t.Fatalf("ReadMessage: %+v", err)
		}
		vendor, ok := msg.(*wire.MsgVendor)
		if !ok {
			t.Fatalf("expected a vendor message, got %T", msg)
		}
		maxHops, err := vendor.HopsFlow()
		if err != nil {
			t.Fatalf("HopsFlow: %s", err)
		}
		if maxHops != byte(i) {
			t.Fatalf("message %d carries hops flow %d", i, maxHops)
		}
	}

	deadline := time.Now().Add(testTimeout)
	for host.SentCount() != count {
		if time.Now().After(deadline) {
			t.Fatalf("SentCount: got %d, want %d", host.SentCount(), count)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSendErrorDisconnects(t *testing.T) {
	host, remote := newConnectedHost(t)
	disconnected := make(chan *Host, 1)
	host.OnDisconnect(func(h *Host) {
		disconnected <- h
	})

	remote.Close()
	host.QueueMessage(wire.NewMsgPing(1))

	select {
	case h := <-disconnected:
		if h != host {
			t.Errorf("listener got another host")
		}
	case <-time.After(testTimeout):
		t.Fatalf("host wasn't disconnected by a failed write")
	}
	status, _ := host.Status()
	if !status.IsTerminal() {
		t.Errorf("status %s isn't terminal", status)
	}

	// Queueing to a disconnected host is a no-op.
	host.QueueMessage(wire.NewMsgPing(1))
	if host.QueueLen() != 0 {
		t.Errorf("message queued to a disconnected host")
	}
}

func TestSendByeAndDisconnect(t *testing.T) {
	host, remote := newConnectedHost(t)

	go host.SendByeAndDisconnect(200, "shutting down")

	remote.SetReadDeadline(time.Now().Add(testTimeout))
	msg, err := wire.ReadMessage(remote, wire.DefaultMaxMessageLength, nil)
	if err != nil {
		t.Fatalf("ReadMessage: %+v", err)
	}
	bye, ok := msg.(*wire.MsgBye)
	if !ok {
		t.Fatalf("expected a bye, got %T", msg)
	}
	if bye.Code != 200 || bye.Reason != "shutting down" {
		t.Errorf("unexpected bye %d %q", bye.Code, bye.Reason)
	}
	host.WaitForDisconnect()
	status, message := host.Status()
	if status != StatusDisconnected || message != "200 shutting down" {
		t.Errorf("unexpected status %s %q", status, message)
	}
}

func TestStatusTransitions(t *testing.T) {
	pool := workerpool.New(1)
	defer pool.StopWait()
	cfg := &Config{FlowControl: flowcontrol.DefaultClassConfigs()}
	host := New(wire.NewNetAddressIPPort(net.ParseIP("10.0.0.2"), 6346), true, cfg, pool)

	if status, _ := host.Status(); status != StatusAccepting {
		t.Fatalf("new incoming host in status %s", status)
	}
	if host.SetStatus(StatusAccepting, "") {
		t.Errorf("transition to the same status was allowed")
	}
	host.DisconnectWithError(errors.New("handshake failed"))
	if host.SetStatus(StatusConnected, "") {
		t.Errorf("a terminal status was left")
	}
	host.Disconnect("again")
	status, message := host.Status()
	if status != StatusError || message != "handshake failed" {
		t.Errorf("unexpected status %s %q", status, message)
	}
	err := host.SetConnection(&handshake.Result{Conn: handshake.NewPlainConn(nil)})
	if err == nil {
		t.Errorf("a disconnected host accepted a connection")
	}
}

func TestStatsSnapshot(t *testing.T) {
	host, _ := newConnectedHost(t)

	snap := host.StatsSnapshot()
	if snap.ID != host.ID() || snap.Address != "10.0.0.1:6346" || snap.Incoming {
		t.Errorf("unexpected identity in snapshot %+v", snap)
	}
	if snap.Status != StatusConnected.String() || snap.UserAgent != "test/1.0" {
		t.Errorf("unexpected connection in snapshot %+v", snap)
	}
	if snap.ConnectedSince.IsZero() || snap.LastReceived.IsZero() {
		t.Errorf("connection times weren't set: %+v", snap)
	}
	if snap.ReceiveQuality != 1 || snap.SendQuality != 1 || snap.Inflating || snap.Deflating {
		t.Errorf("unexpected initial quality or compression: %+v", snap)
	}
	if host.HopsFlow() != noHopsFlow {
		t.Errorf("default hops flow: got %d", host.HopsFlow())
	}
}

type localPongHandler struct {
	messagerouter.Handler
	localPongs chan *wire.MsgPong
}

func (h *localPongHandler) HandlePong(pong *wire.MsgPong, source messagerouter.Peer) {}

func (h *localPongHandler) HandleLocalPong(pong *wire.MsgPong, source messagerouter.Peer) {
	h.localPongs <- pong
}

func TestConnectionEngineRoutesToLocalNode(t *testing.T) {
	host, remote := newConnectedHost(t)
	router := messagerouter.New(messagerouter.DefaultConfig(), wire.NewGUID())
	handler := &localPongHandler{localPongs: make(chan *wire.MsgPong, 1)}
	router.SetHandler(handler)
	runEngine(host, router)

	ping := wire.NewMsgPing(3)
	if !router.AddLocalPingRoute(ping.Header().GUID) {
		t.Fatalf("AddLocalPingRoute: route already exists")
	}
	host.QueueMessage(ping)

	remote.SetReadDeadline(time.Now().Add(testTimeout))
	msg, err := wire.ReadMessage(remote, wire.DefaultMaxMessageLength, nil)
	if err != nil {
		t.Fatalf("ReadMessage: %+v", err)
	}
	pong := wire.NewMsgPong(msg.Header().GUID, 3, wire.NewNetAddressIPPort(net.ParseIP("10.0.0.1"), 6346), 10, 1000)
	go wire.WriteMessage(remote, pong)

	select {
	case received := <-handler.localPongs:
		if received.Header().GUID != ping.Header().GUID {
			t.Errorf("pong routed with GUID %s, want %s", received.Header().GUID, ping.Header().GUID)
		}
		if received.Header().Hops != 1 {
			t.Errorf("pong hops: got %d, want 1", received.Header().Hops)
		}
	case <-time.After(testTimeout):
		t.Fatalf("pong wasn't delivered to the local node")
	}
}
