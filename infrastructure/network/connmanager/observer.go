package connmanager

import (
	"sync"
	"time"

	"github.com/gnutd/gnutd/infrastructure/network/host"
	"github.com/gnutd/gnutd/wire"
)

type trafficSample struct {
	received uint64
	sent     uint64
}

// connectionObserver looks for connected hosts that neither sent nor
// received anything since its last round. Such a host is sent a ping, and
// disconnected if it still hasn't sent anything once the grace period
// passed.
type connectionObserver struct {
	manager  *ConnectionManager
	interval time.Duration
	grace    time.Duration

	lock    sync.Mutex
	samples map[uint64]trafficSample
	probing map[uint64]*time.Timer
}

func newConnectionObserver(manager *ConnectionManager, interval time.Duration,
	grace time.Duration) *connectionObserver {

	return &connectionObserver{
		manager:  manager,
		interval: interval,
		grace:    grace,
		samples:  make(map[uint64]trafficSample),
		probing:  make(map[uint64]*time.Timer),
	}
}

func (o *connectionObserver) run(quit <-chan struct{}) {
	if o.interval <= 0 {
		<-quit
		return
	}
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	defer o.stopProbes()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			o.observe(o.manager.ConnectedHosts())
		}
	}
}

// observe compares the traffic of hosts against the previous round.
func (o *connectionObserver) observe(hosts []*host.Host) {
	o.lock.Lock()
	defer o.lock.Unlock()

	samples := make(map[uint64]trafficSample, len(hosts))
	for _, h := range hosts {
		sample := trafficSample{received: h.ReceivedCount(), sent: h.SentCount()}
		samples[h.ID()] = sample

		previous, ok := o.samples[h.ID()]
		if !ok || previous != sample {
			continue
		}
		if _, ok := o.probing[h.ID()]; ok {
			continue
		}
		o.probe(h, sample.received)
	}
	o.samples = samples
}

func (o *connectionObserver) probe(h *host.Host, received uint64) {
	log.Debugf("%s has been quiet, probing it with a ping", h)
	h.QueueMessage(wire.NewMsgPing(1))

	o.probing[h.ID()] = spawnAfter("connectionObserver.checkProbe", o.grace, func() {
		o.checkProbe(h, received)
	})
}

func (o *connectionObserver) checkProbe(h *host.Host, received uint64) {
	o.lock.Lock()
	delete(o.probing, h.ID())
	o.lock.Unlock()

	if !h.IsConnected() || h.ReceivedCount() != received {
		return
	}
	o.manager.metrics.QuietDisconnects.Inc()
	h.SendByeAndDisconnect(408, "Connection timed out")
}

func (o *connectionObserver) stopProbes() {
	o.lock.Lock()
	defer o.lock.Unlock()
	for id, timer := range o.probing {
		timer.Stop()
		delete(o.probing, id)
	}
}
