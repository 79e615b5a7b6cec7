// Package dedup tracks recently seen packet fingerprints. The cache is an
// exact-membership set: within its capacity window it never reports a new
// fingerprint as seen, so a fresh packet is never silently dropped. Forgetting
// an old fingerprint after eviction only causes an idempotent re-relay.
package dedup

import (
	"container/list"
	"sync"
	"time"

	"bitmesh/internal/proto"
)

const (
	defaultCapacity = 10000
	defaultTTL      = 30 * time.Minute
)

type entry struct {
	fp      proto.Fingerprint
	expires time.Time
}

// Cache is a bounded LRU set with per-entry expiry, shared by all links.
type Cache struct {
	mu      sync.Mutex
	cap     int
	ttl     time.Duration
	entries map[proto.Fingerprint]*list.Element
	order   *list.List
}

func NewCache(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{
		cap:     capacity,
		ttl:     ttl,
		entries: make(map[proto.Fingerprint]*list.Element),
		order:   list.New(),
	}
}

// Resize adjusts capacity and TTL at runtime; excess entries are evicted
// oldest-first on the next Record. Non-positive arguments leave the current
// value unchanged.
func (c *Cache) Resize(capacity int, ttl time.Duration) {
	c.mu.Lock()
	if capacity > 0 {
		c.cap = capacity
	}
	if ttl > 0 {
		c.ttl = ttl
	}
	c.mu.Unlock()
}

// Seen reports whether fp is currently in the cache.
func (c *Cache) Seen(fp proto.Fingerprint) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	if el, ok := c.entries[fp]; ok {
		ent := el.Value.(*entry)
		if ent.expires.After(now) {
			c.order.MoveToFront(el)
			return true
		}
		delete(c.entries, fp)
		c.order.Remove(el)
	}
	return false
}

// Record inserts fp, refreshing its expiry if already present.
func (c *Cache) Record(fp proto.Fingerprint) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	if el, ok := c.entries[fp]; ok {
		ent := el.Value.(*entry)
		ent.expires = now.Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	ent := &entry{fp: fp, expires: now.Add(c.ttl)}
	el := c.order.PushFront(ent)
	c.entries[fp] = el
	for c.cap > 0 && len(c.entries) > c.cap {
		back := c.order.Back()
		if back == nil {
			break
		}
		old := back.Value.(*entry)
		delete(c.entries, old.fp)
		c.order.Remove(back)
	}
}

// Snapshot returns the live fingerprints, newest first. The gossip engine
// builds its filters from this set.
func (c *Cache) Snapshot() []proto.Fingerprint {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	out := make([]proto.Fingerprint, 0, len(c.entries))
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).fp)
	}
	return out
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) pruneLocked(now time.Time) {
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*entry)
		if ent.expires.After(now) {
			el = prev
			continue
		}
		delete(c.entries, ent.fp)
		c.order.Remove(el)
		el = prev
	}
}
