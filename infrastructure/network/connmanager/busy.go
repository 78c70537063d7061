package connmanager

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// defaultBusyRetry is how long a host that answered 503 without a
// Retry-After is left alone.
const defaultBusyRetry = 10 * time.Minute

// busyHosts remembers the hosts that refused a connection as busy. Busy is
// not a ban: the host is tried again once its retry time passed.
type busyHosts struct {
	cache *lru.Cache
	now   func() time.Time
}

func newBusyHosts(size int) (*busyHosts, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &busyHosts{cache: cache, now: time.Now}, nil
}

// markBusy remembers address as busy for retryAfter, or defaultBusyRetry
// when zero.
func (b *busyHosts) markBusy(address string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = defaultBusyRetry
	}
	b.cache.Add(address, b.now().Add(retryAfter))
}

// isBusy returns whether address is still within its retry time.
func (b *busyHosts) isBusy(address string) bool {
	value, ok := b.cache.Get(address)
	if !ok {
		return false
	}
	if b.now().Before(value.(time.Time)) {
		return true
	}
	b.cache.Remove(address)
	return false
}

func (b *busyHosts) len() int {
	return b.cache.Len()
}
