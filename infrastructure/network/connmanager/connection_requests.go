package connmanager

import (
	"net"
	"time"

	"github.com/gnutd/gnutd/wire"
	"github.com/pkg/errors"
)

const (
	minRetryDuration = 30 * time.Second
	maxRetryDuration = 10 * time.Minute
)

// connectionRequest is a host the user asked to be connected to, as
// opposed to one taken off the host cache.
type connectionRequest struct {
	address       string
	isPermanent   bool
	inProgress    bool
	nextAttempt   time.Time
	retryDuration time.Duration

	// key is the resolved address the request is tracked by in the host
	// set.
	key string
}

func nextRetryDuration(previousDuration time.Duration) time.Duration {
	if previousDuration < minRetryDuration {
		return minRetryDuration
	}
	if previousDuration*2 > maxRetryDuration {
		return maxRetryDuration
	}
	return previousDuration * 2
}

// checkRequestedConnections checks that all active connection requests
// are still connected, and starts connecting to pending ones that are due.
func (c *ConnectionManager) checkRequestedConnections() {
	c.connectionRequestsLock.Lock()
	defer c.connectionRequestsLock.Unlock()

	now := time.Now()

	for address, connReq := range c.activeRequested {
		if _, ok := c.hosts.get(connReq.key); ok {
			continue
		}
		// a requested connection was disconnected
		delete(c.activeRequested, address)
		if connReq.isPermanent {
			connReq.nextAttempt = now
			connReq.retryDuration = 0
			c.pendingRequested[address] = connReq
		}
	}

	for address, connReq := range c.pendingRequested {
		if connReq.inProgress || connReq.nextAttempt.After(now) {
			continue
		}
		connReq.inProgress = true

		connReq := connReq
		c.wg.Add(1)
		spawn("ConnectionManager.connectRequested", func() {
			defer c.wg.Done()
			err := c.connectRequested(connReq)
			c.requestDone(connReq, err)
		})
		log.Debugf("Connecting to requested host %s", address)
	}
}

func (c *ConnectionManager) connectRequested(connReq *connectionRequest) error {
	tcpAddress, err := net.ResolveTCPAddr("tcp", connReq.address)
	if err != nil {
		return errors.Wrapf(err, "couldn't resolve %s", connReq.address)
	}
	address := wire.NewNetAddress(tcpAddress)

	c.connectionRequestsLock.Lock()
	connReq.key = address.String()
	c.connectionRequestsLock.Unlock()

	return c.connectAddress(address)
}

func (c *ConnectionManager) requestDone(connReq *connectionRequest, err error) {
	c.connectionRequestsLock.Lock()
	defer c.connectionRequestsLock.Unlock()

	connReq.inProgress = false
	if err == nil {
		delete(c.pendingRequested, connReq.address)
		c.activeRequested[connReq.address] = connReq
		return
	}
	if !connReq.isPermanent {
		delete(c.pendingRequested, connReq.address)
		log.Warnf("Couldn't connect to requested host %s: %s", connReq.address, err)
		return
	}
	connReq.retryDuration = nextRetryDuration(connReq.retryDuration)
	connReq.nextAttempt = time.Now().Add(connReq.retryDuration)
	log.Debugf("Retrying connection to %s in %s: %s", connReq.address, connReq.retryDuration, err)
}

// AddConnectionRequest adds the given address to the list of pending
// connection requests. Permanent requests are retried, with a growing
// delay, for as long as the node runs.
func (c *ConnectionManager) AddConnectionRequest(address string, isPermanent bool) {
	c.connectionRequestsLock.Lock()
	defer c.connectionRequestsLock.Unlock()

	if _, ok := c.activeRequested[address]; ok {
		return
	}
	if _, ok := c.pendingRequested[address]; ok {
		return
	}
	c.pendingRequested[address] = &connectionRequest{
		address:     address,
		isPermanent: isPermanent,
	}
	c.run()
}

// RemoveConnectionRequest forgets the request for address and disconnects
// it if connected.
func (c *ConnectionManager) RemoveConnectionRequest(address string) {
	c.connectionRequestsLock.Lock()
	connReq, ok := c.activeRequested[address]
	delete(c.activeRequested, address)
	delete(c.pendingRequested, address)
	c.connectionRequestsLock.Unlock()

	if !ok {
		return
	}
	if h, ok := c.hosts.get(connReq.key); ok {
		h.SendByeAndDisconnect(200, "Connection removed")
	}
}
