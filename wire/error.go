package wire

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConnectionClosed is returned when the stream ends in the middle
	// of a message.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrPacketTooBig is returned when a header announces a payload longer
	// than the configured maximum. The payload is not read.
	ErrPacketTooBig = errors.New("packet too big")

	// ErrUnknownPayloadType is returned for a well framed message of a
	// type this package does not understand. The payload is consumed.
	ErrUnknownPayloadType = errors.New("unknown payload type")

	// ErrInvalidMessage is returned when a payload doesn't decode into
	// the message its header announces.
	ErrInvalidMessage = errors.New("invalid message")
)

// MessageError describes an issue with a message payload.
type MessageError struct {
	Func        string // Function name
	Description string // Human readable description of the issue
}

// Error satisfies the error interface and prints human-readable errors.
func (e *MessageError) Error() string {
	if e.Func != "" {
		return fmt.Sprintf("%s: %s", e.Func, e.Description)
	}
	return e.Description
}

// Unwrap makes every MessageError match ErrInvalidMessage with errors.Is.
func (e *MessageError) Unwrap() error {
	return ErrInvalidMessage
}

// messageError creates an error for the given function and description.
func messageError(f string, desc string) *MessageError {
	return &MessageError{Func: f, Description: desc}
}

func messageErrorf(f string, format string, args ...interface{}) *MessageError {
	return messageError(f, fmt.Sprintf(format, args...))
}
