package host

import "fmt"

// Status is the lifecycle state of a Host.
type Status int

// Host statuses. StatusDisconnected and StatusError are terminal.
const (
	StatusNotConnected Status = iota
	StatusConnecting
	StatusAccepting
	StatusConnected
	StatusDisconnected
	StatusError
)

var statusStrings = map[Status]string{
	StatusNotConnected: "not connected",
	StatusConnecting:   "connecting",
	StatusAccepting:    "accepting",
	StatusConnected:    "connected",
	StatusDisconnected: "disconnected",
	StatusError:        "error",
}

func (s Status) String() string {
	if str, ok := statusStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("Unknown Status (%d)", int(s))
}

// IsTerminal returns whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusDisconnected || s == StatusError
}

var allowedTransitions = map[Status][]Status{
	StatusNotConnected: {StatusConnecting, StatusAccepting, StatusDisconnected, StatusError},
	StatusConnecting:   {StatusConnected, StatusDisconnected, StatusError},
	StatusAccepting:    {StatusConnected, StatusDisconnected, StatusError},
	StatusConnected:    {StatusDisconnected, StatusError},
}

func isAllowedTransition(from, to Status) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
