package flowcontrol

import (
	"strings"
	"time"

	"github.com/gnutd/gnutd/wire"
	"github.com/pkg/errors"
)

// OrderingPolicy decides which end of a queue is sent first.
type OrderingPolicy int

const (
	// FIFO sends the oldest queued message first.
	FIFO OrderingPolicy = iota

	// LIFO sends the newest queued message first. Under congestion this
	// favors fresh data and lets stale data expire.
	LIFO
)

var orderingPolicyStrings = map[OrderingPolicy]string{
	FIFO: "fifo",
	LIFO: "lifo",
}

func (p OrderingPolicy) String() string {
	if s, ok := orderingPolicyStrings[p]; ok {
		return s
	}
	return "unknown"
}

// ParseOrderingPolicy parses "fifo" or "lifo".
func ParseOrderingPolicy(s string) (OrderingPolicy, error) {
	for policy, policyString := range orderingPolicyStrings {
		if strings.EqualFold(s, policyString) {
			return policy, nil
		}
	}
	return 0, errors.Errorf("unknown ordering policy %q, expected fifo or lifo", s)
}

// MessageClass groups messages that share a queue. Classes are declared in
// the order in which they are drained.
type MessageClass int

// Message classes, highest send priority first.
const (
	ClassControl MessageClass = iota
	ClassQueryHit
	ClassPush
	ClassQuery
	ClassPong
	ClassPing

	numberOfClasses
)

var messageClassStrings = map[MessageClass]string{
	ClassControl:  "control",
	ClassQueryHit: "queryhit",
	ClassPush:     "push",
	ClassQuery:    "query",
	ClassPong:     "pong",
	ClassPing:     "ping",
}

func (c MessageClass) String() string {
	if s, ok := messageClassStrings[c]; ok {
		return s
	}
	return "unknown"
}

// ParseMessageClass parses the name of a message class.
func ParseMessageClass(s string) (MessageClass, error) {
	for class, classString := range messageClassStrings {
		if strings.EqualFold(s, classString) {
			return class, nil
		}
	}
	return 0, errors.Errorf("unknown message class %q", s)
}

// ClassOf returns the class msg is queued under.
func ClassOf(msg wire.Message) MessageClass {
	switch msg.Header().PayloadType {
	case wire.PayloadPing:
		return ClassPing
	case wire.PayloadPong:
		return ClassPong
	case wire.PayloadQuery:
		return ClassQuery
	case wire.PayloadQueryHit:
		return ClassQueryHit
	case wire.PayloadPush:
		return ClassPush
	default:
		return ClassControl
	}
}

// ClassConfig configures the queue of one message class.
type ClassConfig struct {
	Policy    OrderingPolicy
	Capacity  int
	BurstSize int

	// Timeout is the age after which a queued message is dropped instead
	// of sent. Zero means never.
	Timeout time.Duration
}

// DefaultClassConfigs returns the queue configuration used when nothing is
// overridden. Interactive traffic is LIFO, replies are FIFO.
func DefaultClassConfigs() map[MessageClass]ClassConfig {
	return map[MessageClass]ClassConfig{
		ClassControl:  {Policy: FIFO, Capacity: 100, BurstSize: 50, Timeout: 0},
		ClassQueryHit: {Policy: FIFO, Capacity: 200, BurstSize: 20, Timeout: 90 * time.Second},
		ClassPush:     {Policy: FIFO, Capacity: 100, BurstSize: 10, Timeout: 30 * time.Second},
		ClassQuery:    {Policy: LIFO, Capacity: 200, BurstSize: 10, Timeout: 30 * time.Second},
		ClassPong:     {Policy: LIFO, Capacity: 100, BurstSize: 10, Timeout: 15 * time.Second},
		ClassPing:     {Policy: LIFO, Capacity: 50, BurstSize: 5, Timeout: 15 * time.Second},
	}
}

// ParsePolicyOverrides parses entries of the form "class=policy", e.g.
// "query=fifo", into a table of ordering policies.
func ParsePolicyOverrides(entries []string) (map[MessageClass]OrderingPolicy, error) {
	overrides := make(map[MessageClass]OrderingPolicy, len(entries))
	for _, entry := range entries {
		fields := strings.Split(entry, "=")
		if len(fields) != 2 {
			return nil, errors.Errorf("invalid flow policy %q, expected class=policy", entry)
		}
		class, err := ParseMessageClass(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, err
		}
		policy, err := ParseOrderingPolicy(strings.TrimSpace(fields[1]))
		if err != nil {
			return nil, err
		}
		overrides[class] = policy
	}
	return overrides, nil
}

// ApplyPolicyOverrides returns a copy of configs with the ordering policies
// in overrides applied.
func ApplyPolicyOverrides(configs map[MessageClass]ClassConfig,
	overrides map[MessageClass]OrderingPolicy) map[MessageClass]ClassConfig {

	result := make(map[MessageClass]ClassConfig, len(configs))
	for class, config := range configs {
		if policy, ok := overrides[class]; ok {
			config.Policy = policy
		}
		result[class] = config
	}
	return result
}
