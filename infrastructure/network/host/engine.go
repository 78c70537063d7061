package host

import (
	"fmt"
	"io"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gnutd/gnutd/infrastructure/logger"
	"github.com/gnutd/gnutd/infrastructure/network/messagerouter"
	"github.com/gnutd/gnutd/infrastructure/network/protocolerrors"
	"github.com/gnutd/gnutd/wire"
	"github.com/pkg/errors"
)

// Preferences are the tunables the read loop consults for every message.
type Preferences interface {
	MaxNetworkTTL() byte
	MaxMessageLength() uint32
	ReadTimeout() time.Duration
}

// MessageDispatcher receives the messages that passed validation.
type MessageDispatcher interface {
	DispatchMessage(msg wire.Message, source messagerouter.Peer) error
}

// Drop reasons, used as metric labels.
const (
	dropNegativeTTLOrHops = "negative_ttl_or_hops"
	dropTooManyHops       = "too_many_hops"
	dropUnknownType       = "unknown_type"
	dropInvalid           = "invalid"
	dropBlockedAddress    = "blocked_address"
)

// ConnectionEngine runs the read loop of a connected Host.
type ConnectionEngine struct {
	host       *Host
	prefs      Preferences
	dispatcher MessageDispatcher
	filter     wire.AddressFilter
	metrics    *Metrics
}

// NewConnectionEngine returns a ConnectionEngine for host. filter may be
// nil.
func NewConnectionEngine(host *Host, prefs Preferences, dispatcher MessageDispatcher,
	filter wire.AddressFilter) *ConnectionEngine {

	return &ConnectionEngine{
		host:       host,
		prefs:      prefs,
		dispatcher: dispatcher,
		filter:     filter,
		metrics:    host.cfg.Metrics,
	}
}

// Run reads and dispatches messages until the connection fails. The host
// is disconnected before Run returns, and the error that ended the loop is
// returned. A connection closed by either side returns an error wrapping
// wire.ErrConnectionClosed.
func (e *ConnectionEngine) Run() error {
	for {
		err := e.processNextMessage()
		if err == nil {
			continue
		}

		if e.host.isQuitting() {
			return errors.Wrapf(wire.ErrConnectionClosed, "host %s disconnected", e.host)
		}
		if errors.Is(err, wire.ErrConnectionClosed) {
			log.Debugf("Connection to %s closed: %s", e.host, err)
			e.host.Disconnect("connection closed")
			return err
		}
		log.Debugf("Read loop of %s failed: %s", e.host, err)
		if e.metrics != nil {
			e.metrics.ClosedByError.Inc()
		}
		e.host.DisconnectWithError(err)
		return err
	}
}

func (e *ConnectionEngine) drop(header *wire.MessageHeader, reason string, format string, args ...interface{}) {
	e.host.recordReceived(true)
	if e.metrics != nil {
		e.metrics.DroppedMessages.WithLabelValues(reason).Inc()
	}
	log.Debugf("Dropping %s from %s: %s", header, e.host, fmt.Sprintf(format, args...))
}

// processNextMessage reads one message. It returns an error only if the
// connection can't go on.
func (e *ConnectionEngine) processNextMessage() error {
	conn := e.host.Conn()
	if timeout := e.prefs.ReadTimeout(); timeout > 0 {
		err := conn.SetReadDeadline(time.Now().Add(timeout))
		if err != nil {
			return errors.WithStack(err)
		}
	}

	header, err := wire.ReadMessageHeader(conn)
	if err != nil {
		return err
	}

	maxLength := e.prefs.MaxMessageLength()
	maxTTL := e.prefs.MaxNetworkTTL()

	if header.HasNegativeTTLOrHops() {
		e.drop(header, dropNegativeTTLOrHops, "negative TTL or hops")
		return e.skipBody(header, maxLength)
	}
	if header.Hops > maxTTL {
		e.drop(header, dropTooManyHops, "%d hops exceed the network TTL %d", header.Hops, maxTTL)
		return e.skipBody(header, maxLength)
	}
	if int(header.TTL)+int(header.Hops) > int(maxTTL) {
		header.TTL = maxTTL - header.Hops
	}

	msg, err := wire.ReadMessageBody(conn, header, maxLength, e.filter)
	if err != nil {
		switch {
		case errors.Is(err, wire.ErrPacketTooBig):
			return protocolerrors.Wrapf(true, err, "host %s", e.host)
		case errors.Is(err, wire.ErrUnknownPayloadType):
			e.drop(header, dropUnknownType, "%s", err)
			return nil
		case errors.Is(err, wire.ErrBlockedAddress):
			e.drop(header, dropBlockedAddress, "%s", err)
			return nil
		case errors.Is(err, wire.ErrInvalidMessage):
			e.drop(header, dropInvalid, "%s", err)
			return nil
		}
		return err
	}

	header.CountHop()
	e.host.recordReceived(false)
	if e.metrics != nil {
		e.metrics.ReceivedMessages.WithLabelValues(header.PayloadType.String()).Inc()
	}
	log.Tracef("%s", logger.NewLogClosure(func() string {
		return fmt.Sprintf("Received %s from %s: %s", header.PayloadType, e.host, spew.Sdump(msg))
	}))

	err = e.dispatcher.DispatchMessage(msg, e.host)
	if err != nil {
		protocolErr := &protocolerrors.ProtocolError{}
		if errors.As(err, &protocolErr) {
			return err
		}
		log.Warnf("Error dispatching %s from %s: %s", header, e.host, err)
	}
	return nil
}

// skipBody consumes the payload of a dropped message to keep the stream
// framed.
func (e *ConnectionEngine) skipBody(header *wire.MessageHeader, maxLength uint32) error {
	if header.PayloadLength > maxLength {
		return protocolerrors.Wrapf(true, wire.ErrPacketTooBig,
			"host %s announced %d bytes, max is %d", e.host, header.PayloadLength, maxLength)
	}
	_, err := io.CopyN(io.Discard, e.host.Conn(), int64(header.PayloadLength))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return errors.Wrapf(wire.ErrConnectionClosed, "stream closed while skipping %s", header)
		}
		return errors.WithStack(err)
	}
	return nil
}
