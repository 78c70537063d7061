package host

import (
	"fmt"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gnutd/gnutd/infrastructure/logger"
	"github.com/gnutd/gnutd/infrastructure/network/flowcontrol"
	"github.com/gnutd/gnutd/infrastructure/network/handshake"
	"github.com/gnutd/gnutd/util/mstime"
	"github.com/gnutd/gnutd/wire"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// qualityWeight is the weight of the newest sample in the exponentially
// weighted quality scores.
const qualityWeight = 0.05

// noHopsFlow is the hops flow value of a host that never sent one.
const noHopsFlow = 0xff

var nextID atomic.Uint64

// SendPool runs the send engines of all hosts.
type SendPool interface {
	Submit(task func())
}

// Config holds the settings shared by every Host.
type Config struct {
	FlowControl  map[flowcontrol.MessageClass]flowcontrol.ClassConfig
	WriteTimeout time.Duration
	Metrics      *Metrics
}

// Host is one live or pending connection to another servent.
//
// A Host starts out in StatusConnecting or StatusAccepting, becomes
// StatusConnected once its handshake succeeds and ends in
// StatusDisconnected or StatusError.
type Host struct {
	id       uint64
	address  *wire.NetAddress
	incoming bool
	cfg      *Config
	pool     SendPool

	statusLock    sync.Mutex
	status        Status
	statusMessage string
	statusTime    time.Time

	// These fields are set once by SetConnection and never modified.
	conn         *handshake.Conn
	role         handshake.Role
	capabilities *handshake.Capabilities
	connected    time.Time

	queue         *flowcontrol.MessageQueue
	sendScheduled atomic.Bool
	writeLock     sync.Mutex

	receivedCount     atomic.Uint64
	receivedDropCount atomic.Uint64
	sentCount         atomic.Uint64
	lastReceived      atomic.Int64
	lastSent          atomic.Int64
	hopsFlow          atomic.Uint32

	qualityLock    sync.Mutex
	receiveQuality float64
	sendQuality    float64

	disconnectListenersLock sync.Mutex
	disconnectListeners     []func(*Host)
	disconnectOnce          sync.Once
	quit                    chan struct{}
}

// New returns a Host for a connection to or from address. Outgoing hosts
// start in StatusConnecting and incoming ones in StatusAccepting.
func New(address *wire.NetAddress, incoming bool, cfg *Config, pool SendPool) *Host {
	h := &Host{
		id:             nextID.Inc(),
		address:        address,
		incoming:       incoming,
		cfg:            cfg,
		pool:           pool,
		statusTime:     mstime.Now(),
		queue:          flowcontrol.NewMessageQueue(cfg.FlowControl),
		receiveQuality: 1,
		sendQuality:    1,
		quit:           make(chan struct{}),
	}
	h.hopsFlow.Store(noHopsFlow)
	if incoming {
		h.status = StatusAccepting
	} else {
		h.status = StatusConnecting
	}
	return h
}

// ID returns the process unique id of the host.
func (h *Host) ID() uint64 {
	return h.id
}

// Address returns the remote address of the host.
func (h *Host) Address() *wire.NetAddress {
	return h.address
}

// IsIncoming returns whether the remote host opened the connection.
func (h *Host) IsIncoming() bool {
	return h.incoming
}

// String returns the host's address and directionality as a human-readable
// string.
func (h *Host) String() string {
	return fmt.Sprintf("%s (%s)", h.address, logger.DirectionString(h.incoming))
}

// Status returns the current status of the host and its message.
func (h *Host) Status() (Status, string) {
	h.statusLock.Lock()
	defer h.statusLock.Unlock()
	return h.status, h.statusMessage
}

// SetStatus moves the host to status. It returns false if the transition
// isn't allowed from the current status.
func (h *Host) SetStatus(status Status, message string) bool {
	h.statusLock.Lock()
	defer h.statusLock.Unlock()

	if !isAllowedTransition(h.status, status) {
		return false
	}
	log.Debugf("Host %s: %s -> %s %s", h, h.status, status, message)
	h.status = status
	h.statusMessage = message
	h.statusTime = mstime.Now()
	return true
}

// IsConnected returns whether the handshake completed and the host was
// not disconnected since.
func (h *Host) IsConnected() bool {
	status, _ := h.Status()
	return status == StatusConnected
}

// SetConnection attaches the result of a successful handshake and moves
// the host to StatusConnected.
func (h *Host) SetConnection(result *handshake.Result) error {
	h.statusLock.Lock()
	if h.conn != nil {
		h.statusLock.Unlock()
		return errors.Errorf("host %s already has a connection", h)
	}
	if h.status.IsTerminal() {
		status := h.status
		h.statusLock.Unlock()
		return errors.Errorf("host %s can't be connected from status %s", h, status)
	}
	h.conn = result.Conn
	h.role = result.Role
	h.capabilities = result.Remote
	h.connected = mstime.Now()
	h.statusLock.Unlock()

	if !h.SetStatus(StatusConnected, "") {
		status, _ := h.Status()
		return errors.Errorf("host %s can't be connected from status %s", h, status)
	}
	now := mstime.TimeToUnixMilli(h.connected)
	h.lastReceived.Store(now)
	h.lastSent.Store(now)
	return nil
}

// Conn returns the negotiated connection, or nil before the handshake
// completed.
func (h *Host) Conn() *handshake.Conn {
	h.statusLock.Lock()
	defer h.statusLock.Unlock()
	return h.conn
}

// Role returns the role negotiated for the connection.
func (h *Host) Role() handshake.Role {
	h.statusLock.Lock()
	defer h.statusLock.Unlock()
	return h.role
}

// Capabilities returns what the remote host advertised in its handshake,
// or nil before the handshake completed.
func (h *Host) Capabilities() *handshake.Capabilities {
	h.statusLock.Lock()
	defer h.statusLock.Unlock()
	return h.capabilities
}

// IsLeaf returns whether the remote host is a leaf of this node.
func (h *Host) IsLeaf() bool {
	return h.Role().IsRemoteLeaf()
}

// IsUltrapeer returns whether the remote host is an ultrapeer.
func (h *Host) IsUltrapeer() bool {
	return h.Role().IsRemoteUltrapeer()
}

// SupportsVendorMessages returns whether the remote host advertised
// vendor message support.
func (h *Host) SupportsVendorMessages() bool {
	capabilities := h.Capabilities()
	return capabilities != nil && capabilities.VendorMessages
}

// SupportsGGEP returns whether the remote host advertised GGEP support.
func (h *Host) SupportsGGEP() bool {
	capabilities := h.Capabilities()
	return capabilities != nil && capabilities.GGEP
}

// HopsFlow returns the largest hop count of queries the remote host wants
// to receive.
func (h *Host) HopsFlow() byte {
	return byte(h.hopsFlow.Load())
}

// SetHopsFlow records the hops flow announced by the remote host.
func (h *Host) SetHopsFlow(maxHops byte) {
	h.hopsFlow.Store(uint32(maxHops))
}

// ReceivedCount returns the number of messages read from the host,
// dropped ones included.
func (h *Host) ReceivedCount() uint64 {
	return h.receivedCount.Load()
}

// SentCount returns the number of messages written to the host.
func (h *Host) SentCount() uint64 {
	return h.sentCount.Load()
}

// LastReceived returns the time the last message was read from the host.
func (h *Host) LastReceived() time.Time {
	return mstime.UnixMilliToTime(h.lastReceived.Load())
}

// LastSent returns the time the last message was written to the host.
func (h *Host) LastSent() time.Time {
	return mstime.UnixMilliToTime(h.lastSent.Load())
}

func updateQuality(quality float64, good bool) float64 {
	sample := 0.0
	if good {
		sample = 1
	}
	return quality*(1-qualityWeight) + sample*qualityWeight
}

func (h *Host) recordReceived(dropped bool) {
	h.receivedCount.Inc()
	h.lastReceived.Store(mstime.TimeToUnixMilli(mstime.Now()))
	if dropped {
		h.receivedDropCount.Inc()
	}

	h.qualityLock.Lock()
	defer h.qualityLock.Unlock()
	h.receiveQuality = updateQuality(h.receiveQuality, !dropped)
}

func (h *Host) recordSent(sent int, dropped int) {
	h.sentCount.Add(uint64(sent))
	if sent > 0 {
		h.lastSent.Store(mstime.TimeToUnixMilli(mstime.Now()))
	}

	h.qualityLock.Lock()
	defer h.qualityLock.Unlock()
	for i := 0; i < sent; i++ {
		h.sendQuality = updateQuality(h.sendQuality, true)
	}
	for i := 0; i < dropped; i++ {
		h.sendQuality = updateQuality(h.sendQuality, false)
	}
}

// QueueMessage queues msg for sending. It never blocks: the flow control
// queue evicts the oldest message of msg's class when full. Messages
// queued to a host that isn't connected are discarded.
func (h *Host) QueueMessage(msg wire.Message) {
	if h.isQuitting() {
		return
	}
	h.queue.AddMessage(msg)
	h.scheduleSend()
}

// QueueLen returns the number of messages waiting to be sent.
func (h *Host) QueueLen() int {
	return h.queue.Len()
}

// OnDisconnect registers f to be called once the host is disconnected.
func (h *Host) OnDisconnect(f func(*Host)) {
	h.disconnectListenersLock.Lock()
	defer h.disconnectListenersLock.Unlock()
	h.disconnectListeners = append(h.disconnectListeners, f)
}

func (h *Host) isQuitting() bool {
	select {
	case <-h.quit:
		return true
	default:
		return false
	}
}

// Disconnect closes the connection and moves the host to
// StatusDisconnected, unless it already ended in StatusError. It is safe
// to call more than once.
func (h *Host) Disconnect(reason string) {
	h.SetStatus(StatusDisconnected, reason)
	h.close()
}

// DisconnectWithError closes the connection and moves the host to
// StatusError.
func (h *Host) DisconnectWithError(err error) {
	h.SetStatus(StatusError, err.Error())
	h.close()
}

// SendByeAndDisconnect writes a Bye message directly, bypassing the flow
// control queue, and disconnects.
func (h *Host) SendByeAndDisconnect(code uint16, reason string) {
	if h.IsConnected() {
		err := h.writeMessage(wire.NewMsgBye(code, reason))
		if err != nil {
			log.Debugf("Couldn't send bye to %s: %s", h, err)
		}
	}
	h.Disconnect(fmt.Sprintf("%d %s", code, reason))
}

func (h *Host) close() {
	h.disconnectOnce.Do(func() {
		close(h.quit)
		if conn := h.Conn(); conn != nil {
			err := conn.Close()
			if err != nil {
				log.Tracef("Error closing connection to %s: %s", h, err)
			}
		}

		h.disconnectListenersLock.Lock()
		listeners := h.disconnectListeners
		h.disconnectListenersLock.Unlock()
		for _, listener := range listeners {
			listener(h)
		}
	})
}

// WaitForDisconnect blocks until the host is disconnected.
func (h *Host) WaitForDisconnect() {
	<-h.quit
}

// StatsSnap is a snapshot of host statistics at a point in time.
type StatsSnap struct {
	ID                uint64    `json:"id"`
	Address           string    `json:"address"`
	Incoming          bool      `json:"incoming"`
	Status            string    `json:"status"`
	StatusMessage     string    `json:"statusMessage,omitempty"`
	Role              string    `json:"role"`
	UserAgent         string    `json:"userAgent,omitempty"`
	ConnectedSince    time.Time `json:"connectedSince"`
	ReceivedCount     uint64    `json:"receivedCount"`
	ReceivedDropCount uint64    `json:"receivedDropCount"`
	SentCount         uint64    `json:"sentCount"`
	SendDropCount     uint64    `json:"sendDropCount"`
	QueueLength       int       `json:"queueLength"`
	ReceiveQuality    float64   `json:"receiveQuality"`
	SendQuality       float64   `json:"sendQuality"`
	LastReceived      time.Time `json:"lastReceived"`
	LastSent          time.Time `json:"lastSent"`
	Inflating         bool      `json:"inflating"`
	Deflating         bool      `json:"deflating"`
}

// StatsSnapshot returns a snapshot of the current host statistics.
//
// This function is safe for concurrent access.
func (h *Host) StatsSnapshot() *StatsSnap {
	h.statusLock.Lock()
	snap := &StatsSnap{
		ID:             h.id,
		Address:        h.address.String(),
		Incoming:       h.incoming,
		Status:         h.status.String(),
		StatusMessage:  h.statusMessage,
		Role:           h.role.String(),
		ConnectedSince: h.connected,
	}
	if h.capabilities != nil {
		snap.UserAgent = h.capabilities.UserAgent
	}
	if h.conn != nil {
		snap.Inflating = h.conn.IsInflating()
		snap.Deflating = h.conn.IsDeflating()
	}
	h.statusLock.Unlock()

	h.qualityLock.Lock()
	snap.ReceiveQuality = h.receiveQuality
	snap.SendQuality = h.sendQuality
	h.qualityLock.Unlock()

	snap.ReceivedCount = h.ReceivedCount()
	snap.ReceivedDropCount = h.receivedDropCount.Load()
	snap.SentCount = h.SentCount()
	snap.SendDropCount = h.queue.DropCount()
	snap.QueueLength = h.queue.Len()
	snap.LastReceived = h.LastReceived()
	snap.LastSent = h.LastSent()
	return snap
}

func (h *Host) writeMessage(msg wire.Message) error {
	conn := h.Conn()
	if conn == nil {
		return errors.Errorf("host %s has no connection", h)
	}

	log.Tracef("%s", logger.NewLogClosure(func() string {
		return fmt.Sprintf("Sending %s to %s: %s", msg.Header().PayloadType, h, spew.Sdump(msg))
	}))

	h.writeLock.Lock()
	defer h.writeLock.Unlock()
	if h.cfg.WriteTimeout > 0 {
		err := conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return wire.WriteMessage(conn, msg)
}
