package flowcontrol

import (
	"testing"
	"time"

	"github.com/gnutd/gnutd/wire"
)

func pingWithHops(hops byte) wire.Message {
	ping := wire.NewMsgPing(1)
	ping.Header().Hops = hops
	return ping
}

func hopsOf(msg wire.Message) byte {
	return msg.Header().Hops
}

func TestQueueOrdering(t *testing.T) {
	tests := []struct {
		policy   OrderingPolicy
		expected []byte
	}{
		{FIFO, []byte{1, 2, 3}},
		{LIFO, []byte{3, 2, 1}},
	}
	for _, test := range tests {
		queue := NewQueue(10, 10, 0, test.policy)
		for hops := byte(1); hops <= 3; hops++ {
			queue.AddMessage(pingWithHops(hops))
		}
		for i, expected := range test.expected {
			msg := queue.RemoveMessage()
			if msg == nil {
				t.Fatalf("%s: message %d is missing", test.policy, i)
			}
			if hopsOf(msg) != expected {
				t.Errorf("%s: message %d has hops %d, want %d", test.policy, i, hopsOf(msg), expected)
			}
		}
		if queue.RemoveMessage() != nil {
			t.Errorf("%s: queue should be empty", test.policy)
		}
	}
}

func TestQueueBurstLimit(t *testing.T) {
	const burstSize = 3
	queue := NewQueue(20, burstSize, 0, FIFO)
	for i := 0; i < 10; i++ {
		queue.AddMessage(pingWithHops(byte(i)))
	}

	queue.InitNewMessageBurst()
	for i := 0; i < burstSize; i++ {
		if queue.RemoveMessage() == nil {
			t.Fatalf("message %d of the burst is missing", i)
		}
	}
	for i := 0; i < 5; i++ {
		if msg := queue.RemoveMessage(); msg != nil {
			t.Fatalf("excess call %d returned %s", i, msg.Header())
		}
	}
	if queue.Len() != 7 {
		t.Fatalf("queue has %d messages, want 7", queue.Len())
	}

	queue.InitNewMessageBurst()
	msg := queue.RemoveMessage()
	if msg == nil || hopsOf(msg) != burstSize {
		t.Fatalf("a new burst did not continue where the last one stopped")
	}
}

func TestQueueExpiry(t *testing.T) {
	const timeout = time.Minute
	queue := NewQueue(10, 10, timeout, FIFO)
	now := time.Now()
	queue.now = func() time.Time { return now }

	stale := pingWithHops(1)
	stale.Header().Timestamp = now.Add(-2 * timeout)
	fresh := pingWithHops(2)
	fresh.Header().Timestamp = now

	queue.AddMessage(stale)
	queue.AddMessage(fresh)

	msg := queue.RemoveMessage()
	if msg == nil || hopsOf(msg) != 2 {
		t.Fatalf("expected the fresh message, got %v", msg)
	}
	if queue.RemoveMessage() != nil {
		t.Fatalf("the stale message was returned")
	}
	if queue.DropCount() != 1 {
		t.Fatalf("drop count is %d, want 1", queue.DropCount())
	}
}

func TestQueueExpiredDoNotConsumeBurst(t *testing.T) {
	queue := NewQueue(10, 1, time.Second, LIFO)
	now := time.Now()
	queue.now = func() time.Time { return now }

	fresh := pingWithHops(1)
	fresh.Header().Timestamp = now
	queue.AddMessage(fresh)
	for i := 0; i < 3; i++ {
		stale := pingWithHops(9)
		stale.Header().Timestamp = now.Add(-time.Hour)
		queue.AddMessage(stale)
	}

	msg := queue.RemoveMessage()
	if msg == nil || hopsOf(msg) != 1 {
		t.Fatalf("expected the fresh message after skipping the stale ones")
	}
	if queue.DropCount() != 3 {
		t.Fatalf("drop count is %d, want 3", queue.DropCount())
	}
}

func TestQueueEvictsOldestWhenFull(t *testing.T) {
	for _, policy := range []OrderingPolicy{FIFO, LIFO} {
		queue := NewQueue(3, 10, 0, policy)
		for hops := byte(1); hops <= 5; hops++ {
			queue.AddMessage(pingWithHops(hops))
		}
		if queue.Len() != 3 {
			t.Fatalf("%s: queue has %d messages, want 3", policy, queue.Len())
		}
		if queue.DropCount() != 2 {
			t.Fatalf("%s: drop count is %d, want 2", policy, queue.DropCount())
		}
		remaining := map[byte]bool{}
		for msg := queue.RemoveMessage(); msg != nil; msg = queue.RemoveMessage() {
			remaining[hopsOf(msg)] = true
		}
		for _, hops := range []byte{3, 4, 5} {
			if !remaining[hops] {
				t.Errorf("%s: message %d was evicted instead of the oldest", policy, hops)
			}
		}
	}
}

func TestMessageQueuePriority(t *testing.T) {
	mq := NewMessageQueue(nil)
	mq.AddMessage(wire.NewMsgPing(1))
	mq.AddMessage(wire.NewMsgQuery(3, "abc"))
	mq.AddMessage(wire.NewMsgBye(wire.ByeCodeShutdown, "bye"))

	expected := []wire.PayloadType{wire.PayloadBye, wire.PayloadQuery, wire.PayloadPing}
	for i, payloadType := range expected {
		msg := mq.RemoveMessage()
		if msg == nil {
			t.Fatalf("message %d is missing", i)
		}
		if msg.Header().PayloadType != payloadType {
			t.Errorf("message %d is %s, want %s", i, msg.Header().PayloadType, payloadType)
		}
	}
	if mq.Len() != 0 {
		t.Fatalf("queue has %d messages left", mq.Len())
	}
}

func TestMessageQueueBurstPerClass(t *testing.T) {
	configs := map[MessageClass]ClassConfig{
		ClassPing: {Policy: FIFO, Capacity: 10, BurstSize: 2},
		ClassPong: {Policy: FIFO, Capacity: 10, BurstSize: 1},
	}
	mq := NewMessageQueue(configs)
	for i := 0; i < 5; i++ {
		mq.AddMessage(wire.NewMsgPing(1))
	}
	mq.AddMessage(wire.NewMsgPong(wire.NewGUID(), 1, wire.NewNetAddressIPPort(nil, 1), 0, 0))
	mq.AddMessage(wire.NewMsgPong(wire.NewGUID(), 1, wire.NewNetAddressIPPort(nil, 1), 0, 0))

	sent := 0
	for mq.RemoveMessage() != nil {
		sent++
	}
	if sent != 3 {
		t.Fatalf("sent %d messages in one burst, want 3", sent)
	}
	mq.InitNewMessageBurst()
	sent = 0
	for mq.RemoveMessage() != nil {
		sent++
	}
	if sent != 3 {
		t.Fatalf("sent %d messages in the second burst, want 3", sent)
	}
	if mq.Len() != 1 {
		t.Fatalf("queue has %d messages left, want 1", mq.Len())
	}
}

func TestParsePolicyOverrides(t *testing.T) {
	overrides, err := ParsePolicyOverrides([]string{"query=fifo", " pong = LIFO "})
	if err != nil {
		t.Fatalf("ParsePolicyOverrides: %s", err)
	}
	configs := ApplyPolicyOverrides(DefaultClassConfigs(), overrides)
	if configs[ClassQuery].Policy != FIFO {
		t.Errorf("query policy is %s, want fifo", configs[ClassQuery].Policy)
	}
	if configs[ClassPong].Policy != LIFO {
		t.Errorf("pong policy is %s, want lifo", configs[ClassPong].Policy)
	}
	if configs[ClassQueryHit].Policy != FIFO {
		t.Errorf("an untouched class changed policy")
	}

	invalid := [][]string{{"query"}, {"nothing=fifo"}, {"query=random"}}
	for _, entries := range invalid {
		_, err := ParsePolicyOverrides(entries)
		if err == nil {
			t.Errorf("%v: expected an error", entries)
		}
	}
}
