package handshake

import (
	"bufio"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gnutd/gnutd/infrastructure/network/addressmanager"
	"github.com/gnutd/gnutd/wire"
	"github.com/pkg/errors"
)

const protocolVersion = "0.6"

// State is the progress of a single handshake.
type State int32

// Handshake states.
const (
	StateIdle State = iota
	StateSendingGreeting
	StateAwaitingHeaders
	StateNegotiatingCapabilities
	StateAccepted
	StateRejected
)

var stateStrings = map[State]string{
	StateIdle:                    "idle",
	StateSendingGreeting:         "sending greeting",
	StateAwaitingHeaders:         "awaiting headers",
	StateNegotiatingCapabilities: "negotiating capabilities",
	StateAccepted:                "accepted",
	StateRejected:                "rejected",
}

func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("Unknown State (%d)", int(s))
}

// Negotiator is the local policy a handshake consults.
type Negotiator interface {
	// LocalCapabilities returns what this node advertises.
	LocalCapabilities() *Capabilities

	// HasSlot returns whether a connection with the given role can be
	// accepted right now.
	HasSlot(role Role, remote *Capabilities) bool

	// TryHosts returns the addresses to hand out in X-Try-Ultrapeers and
	// X-Try headers.
	TryHosts() (ultrapeers []*wire.NetAddress, others []*wire.NetAddress)
}

// HostFeeder receives the addresses learned from X-Try headers.
type HostFeeder interface {
	AddAddress(address *wire.NetAddress, priority addressmanager.Priority) bool
}

// Config holds the handshake settings.
type Config struct {
	// ProtocolName is the word that starts greetings and status lines,
	// "GNUTELLA" on the public network.
	ProtocolName string

	Timeout time.Duration

	// AllowDeflate enables link compression when the remote side
	// supports it too.
	AllowDeflate bool
}

// Result is the outcome of a successful handshake.
type Result struct {
	Role   Role
	Local  *Capabilities
	Remote *Capabilities

	// RemoteIP is the address the remote host sees this node at, if it
	// told.
	RemoteIP net.IP

	// Conn is the connection to exchange messages over.
	Conn *Conn
}

// Engine runs Gnutella 0.6 handshakes.
type Engine struct {
	cfg        *Config
	negotiator Negotiator
	feeder     HostFeeder
}

// New returns a new Engine. feeder may be nil.
func New(cfg *Config, negotiator Negotiator, feeder HostFeeder) *Engine {
	return &Engine{
		cfg:        cfg,
		negotiator: negotiator,
		feeder:     feeder,
	}
}

// Handshake is a single connection's handshake.
type Handshake struct {
	engine   *Engine
	conn     net.Conn
	outgoing bool
	state    int32

	limiter *limitedReader
	reader  *bufio.Reader
	text    *textproto.Reader

	local    *Capabilities
	remote   *Capabilities
	remoteIP net.IP
	role     Role

	inflate bool
	deflate bool
}

// NewHandshake prepares a handshake over conn. outgoing is true when this
// node opened the connection.
func (e *Engine) NewHandshake(conn net.Conn, outgoing bool) *Handshake {
	limiter := &limitedReader{reader: conn, remaining: maxHandshakeSize}
	reader := bufio.NewReader(limiter)
	return &Handshake{
		engine:   e,
		conn:     conn,
		outgoing: outgoing,
		limiter:  limiter,
		reader:   reader,
		text:     textproto.NewReader(reader),
	}
}

// Outgoing runs the handshake of a connection this node opened.
func (e *Engine) Outgoing(conn net.Conn) (*Result, error) {
	return e.NewHandshake(conn, true).Run()
}

// Incoming runs the handshake of an accepted connection.
func (e *Engine) Incoming(conn net.Conn) (*Result, error) {
	return e.NewHandshake(conn, false).Run()
}

// State returns the current state of the handshake.
func (h *Handshake) State() State {
	return State(atomic.LoadInt32(&h.state))
}

func (h *Handshake) setState(state State) {
	atomic.StoreInt32(&h.state, int32(state))
}

// Run performs the handshake. Any error aborts the connection; the caller
// is responsible for closing it.
func (h *Handshake) Run() (*Result, error) {
	h.local = h.engine.negotiator.LocalCapabilities()
	h.local.AcceptsDeflate = h.engine.cfg.AllowDeflate

	if h.engine.cfg.Timeout > 0 {
		err := h.conn.SetDeadline(time.Now().Add(h.engine.cfg.Timeout))
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}

	var err error
	if h.outgoing {
		err = h.runOutgoing()
	} else {
		err = h.runIncoming()
	}
	if err != nil {
		h.setState(StateRejected)
		return nil, err
	}

	if h.engine.cfg.Timeout > 0 {
		err := h.conn.SetDeadline(time.Time{})
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}
	h.limiter.remaining = -1
	h.setState(StateAccepted)

	log.Debugf("Handshake with %s accepted as %s (inflate: %t, deflate: %t)",
		h.conn.RemoteAddr(), h.role, h.inflate, h.deflate)
	return &Result{
		Role:     h.role,
		Local:    h.local,
		Remote:   h.remote,
		RemoteIP: h.remoteIP,
		Conn:     newConn(h.conn, h.reader, h.inflate, h.deflate),
	}, nil
}

func (h *Handshake) runOutgoing() error {
	h.setState(StateSendingGreeting)
	greeting := &headerBlock{}
	greeting.line(fmt.Sprintf("%s CONNECT/%s", h.engine.cfg.ProtocolName, protocolVersion))
	h.local.writeHeaders(greeting)
	if remoteIP := remoteIPOf(h.conn); remoteIP != "" {
		greeting.header(headerRemoteIP, remoteIP)
	}
	err := h.write(greeting)
	if err != nil {
		return err
	}

	h.setState(StateAwaitingHeaders)
	header, err := h.readStatus()
	if err != nil {
		return err
	}

	h.setState(StateNegotiatingCapabilities)
	role, accepted := h.negotiate(header)
	// The remote host compresses its output if it said so in its
	// response, which it only does if we accept deflate.
	h.inflate = h.local.AcceptsDeflate && hasToken(header.Get(headerContentEncoding), deflateEncoding)

	final := &headerBlock{}
	if !accepted {
		final.line(h.statusLine(StatusBusy, "Service unavailable"))
		h.writeTryHosts(final)
		err := h.write(final)
		if err != nil {
			return err
		}
		return &RejectedError{StatusCode: StatusBusy, Message: "no slot for " + role.String(), Local: true}
	}

	h.deflate = h.local.AcceptsDeflate && h.remote.AcceptsDeflate
	final.line(h.statusLine(200, "OK"))
	if h.deflate {
		final.header(headerContentEncoding, deflateEncoding)
	}
	h.role = role
	return h.write(final)
}

func (h *Handshake) runIncoming() error {
	h.setState(StateAwaitingHeaders)
	header, err := h.readGreeting()
	if err != nil {
		return err
	}

	h.setState(StateNegotiatingCapabilities)
	role, accepted := h.negotiate(header)

	h.setState(StateSendingGreeting)
	response := &headerBlock{}
	if !accepted {
		response.line(h.statusLine(StatusBusy, "Service unavailable"))
		h.local.writeHeaders(response)
		h.writeTryHosts(response)
		err := h.write(response)
		if err != nil {
			return err
		}
		return &RejectedError{StatusCode: StatusBusy, Message: "no slot for " + role.String(), Local: true}
	}

	h.deflate = h.local.AcceptsDeflate && h.remote.AcceptsDeflate
	response.line(h.statusLine(200, "OK"))
	h.local.writeHeaders(response)
	if remoteIP := remoteIPOf(h.conn); remoteIP != "" {
		response.header(headerRemoteIP, remoteIP)
	}
	if h.deflate {
		response.header(headerContentEncoding, deflateEncoding)
	}
	h.writeTryHosts(response)
	err = h.write(response)
	if err != nil {
		return err
	}

	h.setState(StateAwaitingHeaders)
	ack, err := h.readStatus()
	if err != nil {
		return err
	}
	h.inflate = h.local.AcceptsDeflate && hasToken(ack.Get(headerContentEncoding), deflateEncoding)
	h.role = role
	return nil
}

// negotiate records the remote capabilities and decides whether the
// connection can be accepted, and with which role.
func (h *Handshake) negotiate(header textproto.MIMEHeader) (Role, bool) {
	h.remote = parseCapabilities(header)
	if remoteIP := net.ParseIP(strings.TrimSpace(header.Get(headerRemoteIP))); remoteIP != nil {
		h.remoteIP = remoteIP
	}
	h.feedTryHosts(header)

	role, ok := decideRole(h.local.IsUltrapeer, h.remote)
	if !ok {
		log.Debugf("Refusing %s: both ends are leaves", h.conn.RemoteAddr())
		return role, false
	}
	if !h.engine.negotiator.HasSlot(role, h.remote) {
		log.Debugf("Refusing %s: no free %s slot", h.conn.RemoteAddr(), role)
		return role, false
	}
	return role, true
}

func (h *Handshake) feedTryHosts(header textproto.MIMEHeader) {
	if h.engine.feeder == nil {
		return
	}
	fed := 0
	for _, address := range parseTryHeader(header.Values(headerTryUltrapeers)) {
		if h.engine.feeder.AddAddress(address, addressmanager.PriorityHigh) {
			fed++
		}
	}
	for _, address := range parseTryHeader(header.Values(headerTry)) {
		if h.engine.feeder.AddAddress(address, addressmanager.PriorityNormal) {
			fed++
		}
	}
	if fed > 0 {
		log.Tracef("Learned %d hosts from the handshake with %s", fed, h.conn.RemoteAddr())
	}
}

func (h *Handshake) writeTryHosts(b *headerBlock) {
	ultrapeers, others := h.engine.negotiator.TryHosts()
	writeTryHeaders(b, ultrapeers, others)
}

func (h *Handshake) statusLine(code int, message string) string {
	return fmt.Sprintf("%s/%s %d %s", h.engine.cfg.ProtocolName, protocolVersion, code, message)
}

func (h *Handshake) write(b *headerBlock) error {
	_, err := h.conn.Write(b.bytes())
	return errors.WithStack(err)
}

func (h *Handshake) readHeaders() (textproto.MIMEHeader, error) {
	header, err := h.text.ReadMIMEHeader()
	if err != nil {
		if _, ok := err.(textproto.ProtocolError); ok {
			return nil, errors.Wrapf(ErrMalformedHandshake, "%s", err)
		}
		return nil, errors.WithStack(err)
	}
	return header, nil
}

func (h *Handshake) readGreeting() (textproto.MIMEHeader, error) {
	line, err := h.text.ReadLine()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	expected := fmt.Sprintf("%s CONNECT/", h.engine.cfg.ProtocolName)
	if !strings.HasPrefix(line, expected) {
		return nil, errors.Wrapf(ErrMalformedHandshake, "unexpected greeting %q", line)
	}
	version := strings.TrimPrefix(line, expected)
	if version != protocolVersion {
		return nil, errors.Wrapf(ErrMalformedHandshake, "unsupported protocol version %q", version)
	}
	return h.readHeaders()
}

// readStatus reads a status line and its headers. A non-2xx status is
// returned as a RejectedError.
func (h *Handshake) readStatus() (textproto.MIMEHeader, error) {
	line, err := h.text.ReadLine()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	code, message, err := h.parseStatusLine(line)
	if err != nil {
		return nil, err
	}
	header, err := h.readHeaders()
	if err != nil {
		return nil, err
	}

	if code < 200 || code > 299 {
		// A rejection may still carry hosts to try instead.
		h.feedTryHosts(header)
		rejectedErr := &RejectedError{StatusCode: code, Message: message}
		if retryAfter := parseInt(header.Get(headerRetryAfter)); retryAfter > 0 {
			rejectedErr.RetryAfter = time.Duration(retryAfter) * time.Second
		}
		return nil, rejectedErr
	}
	return header, nil
}

func (h *Handshake) parseStatusLine(line string) (int, string, error) {
	fields := strings.SplitN(line, " ", 3)
	expected := fmt.Sprintf("%s/%s", h.engine.cfg.ProtocolName, protocolVersion)
	if len(fields) < 2 || fields[0] != expected {
		return 0, "", errors.Wrapf(ErrMalformedHandshake, "unexpected status line %q", line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, "", errors.Wrapf(ErrMalformedHandshake, "unexpected status code in %q", line)
	}
	message := ""
	if len(fields) == 3 {
		message = fields[2]
	}
	return code, message, nil
}
