package flowcontrol

import (
	"github.com/gnutd/gnutd/wire"
)

// MessageQueue is the outbound queue of a single connection. It holds one
// Queue per message class and drains them in class priority order.
type MessageQueue struct {
	queues [numberOfClasses]*Queue
}

// NewMessageQueue creates a MessageQueue. Classes missing from configs use
// DefaultClassConfigs.
func NewMessageQueue(configs map[MessageClass]ClassConfig) *MessageQueue {
	defaults := DefaultClassConfigs()
	mq := &MessageQueue{}
	for class := MessageClass(0); class < numberOfClasses; class++ {
		config, ok := configs[class]
		if !ok {
			config = defaults[class]
		}
		mq.queues[class] = NewQueue(config.Capacity, config.BurstSize, config.Timeout, config.Policy)
	}
	return mq
}

// AddMessage queues msg in the queue of its class.
func (mq *MessageQueue) AddMessage(msg wire.Message) {
	mq.queues[ClassOf(msg)].AddMessage(msg)
}

// RemoveMessage returns the next message of the highest priority class
// that still has burst budget, or nil when every class is empty or out of
// budget.
func (mq *MessageQueue) RemoveMessage() wire.Message {
	for _, queue := range mq.queues {
		msg := queue.RemoveMessage()
		if msg != nil {
			return msg
		}
	}
	return nil
}

// InitNewMessageBurst starts a new burst on every class.
func (mq *MessageQueue) InitNewMessageBurst() {
	for _, queue := range mq.queues {
		queue.InitNewMessageBurst()
	}
}

// Len returns the number of queued messages across all classes.
func (mq *MessageQueue) Len() int {
	length := 0
	for _, queue := range mq.queues {
		length += queue.Len()
	}
	return length
}

// DropCount returns the number of dropped messages across all classes.
func (mq *MessageQueue) DropCount() uint64 {
	var drops uint64
	for _, queue := range mq.queues {
		drops += queue.DropCount()
	}
	return drops
}

// Queue returns the queue of the given class.
func (mq *MessageQueue) Queue(class MessageClass) *Queue {
	return mq.queues[class]
}
