package handshake

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ErrMalformedHandshake is returned when the remote host sends something
// that is not a Gnutella 0.6 handshake.
var ErrMalformedHandshake = errors.New("malformed handshake")

// StatusBusy is the status code a host answers with when it has no free
// slot. It asks the other side to try again later and is not a ban.
const StatusBusy = 503

// RejectedError is returned when either side of a handshake answers with
// a non-2xx status.
type RejectedError struct {
	StatusCode int
	Message    string

	// Local is true when this node rejected the connection.
	Local bool

	// RetryAfter is the delay the rejecting host asked for, if any.
	RetryAfter time.Duration
}

func (e *RejectedError) Error() string {
	side := "remote host"
	if e.Local {
		side = "local host"
	}
	return fmt.Sprintf("handshake rejected by %s: %d %s", side, e.StatusCode, e.Message)
}

// IsBusy returns whether the rejection means "try again later".
func (e *RejectedError) IsBusy() bool {
	return e.StatusCode == StatusBusy
}

// IsRejected returns whether err is, or wraps, a RejectedError, and
// returns it.
func IsRejected(err error) (*RejectedError, bool) {
	rejectedErr := &RejectedError{}
	if errors.As(err, &rejectedErr) {
		return rejectedErr, true
	}
	return nil, false
}
