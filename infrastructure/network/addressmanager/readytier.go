package addressmanager

import (
	"github.com/gammazero/deque"
)

// readyEntry is one queued caught host. An entry stays in its tier's
// deque after removal and is skipped once it's no longer the live entry
// for its address.
type readyEntry struct {
	key      addressKey
	host     *CaughtHost
	priority Priority
}

// readyTier is a bounded LIFO of caught hosts. When full, the oldest
// entry is evicted.
type readyTier struct {
	entries  deque.Deque
	live     int
	capacity int
}

func newReadyTier(capacity int) *readyTier {
	return &readyTier{capacity: capacity}
}

// push appends entry and returns the entry evicted to make room for it,
// if any.
func (t *readyTier) push(entry *readyEntry, isLive func(*readyEntry) bool) *readyEntry {
	var evicted *readyEntry
	if t.live >= t.capacity {
		evicted = t.popFront(isLive)
	}
	if t.entries.Len() > 2*t.capacity {
		t.compact(isLive)
	}
	t.entries.PushBack(entry)
	t.live++
	return evicted
}

// compact drops the entries that were removed out of band.
func (t *readyTier) compact(isLive func(*readyEntry) bool) {
	size := t.entries.Len()
	for i := 0; i < size; i++ {
		entry := t.entries.PopFront().(*readyEntry)
		if isLive(entry) {
			t.entries.PushBack(entry)
		}
	}
}

func (t *readyTier) popBack(isLive func(*readyEntry) bool) *readyEntry {
	for t.entries.Len() > 0 {
		entry := t.entries.PopBack().(*readyEntry)
		if isLive(entry) {
			t.live--
			return entry
		}
	}
	return nil
}

func (t *readyTier) popFront(isLive func(*readyEntry) bool) *readyEntry {
	for t.entries.Len() > 0 {
		entry := t.entries.PopFront().(*readyEntry)
		if isLive(entry) {
			t.live--
			return entry
		}
	}
	return nil
}

// forget records that one of the tier's entries was removed out of band.
func (t *readyTier) forget() {
	t.live--
	if t.live == 0 {
		t.entries.Clear()
	}
}

func (t *readyTier) len() int {
	return t.live
}
