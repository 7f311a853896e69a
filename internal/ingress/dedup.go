// Package ingress receives raw WeChat events from the configured source
// (HTTP callback, broker queue, or websocket push), deduplicates them, and
// fans them out to per-contact ordered workers.
package ingress

import (
	"sync"
	"time"
)

// dedupTTL is how long a message id blocks re-delivery.
const dedupTTL = time.Hour

// DedupCache is a bounded TTL set of recently seen message ids. Entries are
// marked before dispatch and removed again when processing fails, so a
// gateway retry can still get through.
type DedupCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[int64]time.Time

	// now is swappable in tests
	now func() time.Time
}

// NewDedupCache creates a cache bounded to capacity entries.
func NewDedupCache(capacity int) *DedupCache {
	return &DedupCache{
		capacity: capacity,
		ttl:      dedupTTL,
		entries:  map[int64]time.Time{},
		now:      time.Now,
	}
}

// Mark records a message id. It returns false when the id was already
// marked within the TTL window (a duplicate).
func (d *DedupCache) Mark(msgID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.entries[msgID]; ok && now.Sub(at) < d.ttl {
		return false
	}
	d.entries[msgID] = now
	if len(d.entries) > d.capacity {
		d.evictLocked(now)
	}
	return true
}

// Remove forgets a message id so a retry can be processed.
func (d *DedupCache) Remove(msgID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, msgID)
}

// Len reports the current entry count.
func (d *DedupCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// evictLocked drops expired entries first, then the oldest until within
// capacity.
func (d *DedupCache) evictLocked(now time.Time) {
	for id, at := range d.entries {
		if now.Sub(at) >= d.ttl {
			delete(d.entries, id)
		}
	}
	for len(d.entries) > d.capacity {
		var oldestID int64
		var oldestAt time.Time
		first := true
		for id, at := range d.entries {
			if first || at.Before(oldestAt) {
				oldestID, oldestAt = id, at
				first = false
			}
		}
		delete(d.entries, oldestID)
	}
}
