package protocol

import (
	"time"

	"github.com/gnutd/gnutd/wire"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// cachedPong is a pong seen recently, kept to answer pings with more
// hosts than the neighbours that see the ping would announce.
type cachedPong struct {
	pong     *wire.MsgPong
	sourceID uint64
	received time.Time
}

// pongCache holds the most recently received pongs, one per announced
// address.
type pongCache struct {
	cache  *lru.Cache
	maxAge time.Duration
	now    func() time.Time
}

func newPongCache(size int, maxAge time.Duration) (*pongCache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &pongCache{cache: cache, maxAge: maxAge, now: time.Now}, nil
}

func (pc *pongCache) add(pong *wire.MsgPong, sourceID uint64) {
	pc.cache.Add(pong.Address().String(), &cachedPong{
		pong:     pong,
		sourceID: sourceID,
		received: pc.now(),
	})
}

// answers returns up to limit fresh pongs that didn't come from the host
// with excludeID, rewritten to answer the ping with the given GUID.
func (pc *pongCache) answers(guid wire.GUID, ttl byte, excludeID uint64, limit int) []*wire.MsgPong {
	var pongs []*wire.MsgPong
	now := pc.now()
	for _, key := range pc.cache.Keys() {
		if len(pongs) >= limit {
			break
		}
		value, ok := pc.cache.Peek(key)
		if !ok {
			continue
		}
		cached := value.(*cachedPong)
		if now.Sub(cached.received) > pc.maxAge {
			pc.cache.Remove(key)
			continue
		}
		if cached.sourceID == excludeID {
			continue
		}
		pongs = append(pongs, rewritePong(cached.pong, guid, ttl))
	}
	return pongs
}

func (pc *pongCache) len() int {
	return pc.cache.Len()
}

func rewritePong(pong *wire.MsgPong, guid wire.GUID, ttl byte) *wire.MsgPong {
	answer := wire.NewMsgPong(guid, ttl, pong.Address(), pong.SharedFiles, pong.SharedKB)
	answer.GGEP = make(wire.GGEPBlock, len(pong.GGEP))
	copy(answer.GGEP, pong.GGEP)
	return answer
}
