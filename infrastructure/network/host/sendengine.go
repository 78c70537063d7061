package host

import (
	"github.com/gnutd/gnutd/wire"
)

// scheduleSend submits the send engine to the pool unless it's already
// scheduled or running. The flag guarantees a single drainer per host, so
// messages of a host are written in queue order.
func (h *Host) scheduleSend() {
	if h.sendScheduled.CAS(false, true) {
		h.pool.Submit(h.sendHandler)
	}
}

// sendHandler drains the flow control queue and marks the send engine
// idle again.
func (h *Host) sendHandler() {
	for {
		h.drainQueue()
		h.sendScheduled.Store(false)

		// A message queued between the last drain and clearing the flag
		// found the engine still scheduled and didn't reschedule it.
		if h.isQuitting() || h.queue.Len() == 0 || !h.sendScheduled.CAS(false, true) {
			return
		}
	}
}

// drainQueue writes bursts of messages until the queue is empty or the
// host is disconnected.
func (h *Host) drainQueue() {
	for !h.isQuitting() {
		h.queue.InitNewMessageBurst()
		dropsBefore := h.queue.DropCount()

		var burst []wire.Message
		for {
			msg := h.queue.RemoveMessage()
			if msg == nil {
				break
			}
			burst = append(burst, msg)
		}
		dropped := int(h.queue.DropCount() - dropsBefore)

		sent := 0
		for _, msg := range burst {
			err := h.writeMessage(msg)
			if err != nil {
				h.recordSent(sent, dropped)
				if !h.isQuitting() {
					log.Debugf("Error sending to %s: %s", h, err)
					if h.cfg.Metrics != nil {
						h.cfg.Metrics.SendErrors.Inc()
					}
					h.DisconnectWithError(err)
				}
				return
			}
			sent++
		}
		h.recordSent(sent, dropped)
		if h.cfg.Metrics != nil && sent > 0 {
			h.cfg.Metrics.SentMessages.Add(float64(sent))
		}

		if len(burst) == 0 && h.queue.Len() == 0 {
			return
		}
	}
}
