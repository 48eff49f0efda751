// Package respcache is the relay's response cache. The control plane only
// needs it for expiry sweeps and the entry count shown on the dashboard.
package respcache

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

type entry struct {
	key     string
	value   []byte
	expires time.Time
	dead    bool
}

// Cache holds responses keyed by request fingerprint. Entries expire after
// a fixed TTL; when full the oldest insertion is evicted.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *queue.Queue
	ttl     time.Duration
	max     int

	hits   int64
	misses int64
}

// New returns a cache. max <= 0 means unbounded.
func New(ttl time.Duration, max int) *Cache {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Cache{
		entries: make(map[string]*entry),
		order:   queue.New(),
		ttl:     ttl,
		max:     max,
	}
}

// Put stores value under key, replacing any previous entry.
func (c *Cache) Put(key string, value []byte, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		old.dead = true
	}
	e := &entry{key: key, value: value, expires: now.Add(c.ttl)}
	c.entries[key] = e
	c.order.Add(e)

	for c.max > 0 && len(c.entries) > c.max {
		c.evictOldest()
	}
	c.compact()
}

// Get returns a live entry.
func (c *Cache) Get(key string, now time.Time) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !now.Before(e.expires) {
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Delete removes key.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	e.dead = true
	delete(c.entries, key)
	return true
}

// CleanupExpired drops every entry expired at now and returns the count.
func (c *Cache) CleanupExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			e.dead = true
			delete(c.entries, k)
			removed++
		}
	}
	c.compact()
	return removed
}

// Len is the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit and miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *Cache) evictOldest() {
	for c.order.Length() > 0 {
		e := c.order.Remove().(*entry)
		if e.dead {
			continue
		}
		e.dead = true
		delete(c.entries, e.key)
		return
	}
}

// compact pops dead entries off the front of the order queue.
func (c *Cache) compact() {
	for c.order.Length() > 0 && c.order.Peek().(*entry).dead {
		c.order.Remove()
	}
}
