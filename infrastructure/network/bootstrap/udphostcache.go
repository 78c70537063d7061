package bootstrap

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/gnutd/gnutd/infrastructure/network/addressmanager"
	"github.com/gnutd/gnutd/wire"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// maxDatagramSize is the largest UDP payload read from a host cache.
const maxDatagramSize = 64 * 1024

// udpHostCacheClient pings UDP host caches and learns the hosts their
// pongs carry.
type udpHostCacheClient struct {
	caches  []string
	timeout time.Duration
	feeder  HostFeeder
}

// query pings every UDP host cache in parallel and feeds the hosts found
// in their pongs. It returns the number of hosts fed, and the errors of
// all failing caches only if no host was fed.
func (c *udpHostCacheClient) query(ctx context.Context) (int, error) {
	if len(c.caches) == 0 {
		return 0, nil
	}

	var fed atomic.Int64
	var errsLock sync.Mutex
	var errs *multierror.Error

	// A cache that fails mustn't cancel the queries to the others, so the
	// queries run on a plain WaitGroup and every error is kept.
	var wg sync.WaitGroup
	for _, cache := range c.caches {
		cache := cache
		wg.Add(1)
		spawn("udpHostCacheClient.query", func() {
			defer wg.Done()
			count, err := c.queryCache(ctx, cache)
			if err != nil {
				errsLock.Lock()
				errs = multierror.Append(errs, err)
				errsLock.Unlock()
			}
			fed.Add(int64(count))
		})
	}
	wg.Wait()

	count := int(fed.Load())
	if count == 0 && errs.ErrorOrNil() != nil {
		return 0, errs
	}
	return count, nil
}

func (c *udpHostCacheClient) queryCache(ctx context.Context, cache string) (int, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", cache)
	if err != nil {
		return 0, errors.Wrapf(err, "couldn't reach host cache %s", cache)
	}
	defer conn.Close()

	ping := wire.NewMsgPing(1)
	ping.GGEP.Set(wire.GGEPSupportsCachedPongs, []byte{0})
	err = wire.WriteMessage(conn, ping)
	if err != nil {
		return 0, errors.Wrapf(err, "couldn't ping host cache %s", cache)
	}

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	err = conn.SetReadDeadline(deadline)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	count := 0
	answered := false
	buffer := make([]byte, maxDatagramSize)
	for {
		n, err := conn.Read(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				break
			}
			if answered {
				break
			}
			return count, errors.Wrapf(err, "error reading from host cache %s", cache)
		}

		msg, err := wire.ReadMessage(bytes.NewReader(buffer[:n]), maxDatagramSize, nil)
		if err != nil {
			log.Debugf("Ignoring datagram from host cache %s: %s", cache, err)
			continue
		}
		pong, ok := msg.(*wire.MsgPong)
		if !ok || pong.Header().GUID != ping.Header().GUID {
			continue
		}
		answered = true
		count += c.feedPong(pong, cache)
	}
	if !answered {
		return 0, errors.Errorf("host cache %s didn't answer", cache)
	}
	log.Debugf("Host cache %s gave %d hosts", cache, count)
	return count, nil
}

func (c *udpHostCacheClient) feedPong(pong *wire.MsgPong, cache string) int {
	count := 0
	priority := addressmanager.PriorityNormal
	if pong.IsUltrapeer() {
		priority = addressmanager.PriorityHigh
	}
	if c.feeder.AddAddress(pong.Address(), priority) {
		count++
	}

	packed, err := pong.PackedHosts()
	if err != nil {
		log.Debugf("Invalid packed hosts from host cache %s: %s", cache, err)
		return count
	}
	for _, address := range packed {
		if c.feeder.AddAddress(address, addressmanager.PriorityNormal) {
			count++
		}
	}
	return count
}
