package app

import (
	"context"
	"sync"
	"time"

	"github.com/gnutd/gnutd/wire"
)

const defaultCacheAnnounceInterval = time.Hour

type remoteCacheUpdater interface {
	UpdateRemoteCache(ctx context.Context, self *wire.NetAddress) error
}

type announcedNode interface {
	IsUltrapeer() bool
	LocalAddress() *wire.NetAddress
}

// cacheAnnouncer periodically announces this node to a GWebCache while it
// acts as an ultrapeer that can be reached from the outside.
type cacheAnnouncer struct {
	updater  remoteCacheUpdater
	node     announcedNode
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newCacheAnnouncer(updater remoteCacheUpdater, node announcedNode, interval time.Duration) *cacheAnnouncer {
	ctx, cancel := context.WithCancel(context.Background())
	return &cacheAnnouncer{
		updater:  updater,
		node:     node,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *cacheAnnouncer) start() {
	c.wg.Add(1)
	spawn("cacheAnnouncer.loop", c.loop)
}

func (c *cacheAnnouncer) stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *cacheAnnouncer) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.announce()
		}
	}
}

// announce reports whether an update was sent.
func (c *cacheAnnouncer) announce() bool {
	if !c.node.IsUltrapeer() {
		return false
	}
	self := c.node.LocalAddress()
	if self == nil {
		return false
	}
	err := c.updater.UpdateRemoteCache(c.ctx, self)
	if err != nil {
		log.Debugf("Failed announcing %s to a GWebCache: %s", self, err)
		return false
	}
	log.Debugf("Announced %s to a GWebCache", self)
	return true
}
