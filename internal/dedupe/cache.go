// ABOUTME: Thread-safe TTL cache for deduplicating inbound protocol messages.
// ABOUTME: Used by the session manager to avoid double-processing redelivered events.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key string
	at  time.Time
}

// Cache tracks recently seen message keys so redelivered protocol events are
// processed once. Entries expire after the TTL; when the cache is full the
// oldest entry is evicted.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*list.Element // value is *entry
	order   *list.List               // oldest first, one element per key
	ttl     time.Duration
	maxSize int
}

// New creates a dedupe cache with the given TTL and maximum size.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Seen atomically checks whether key was recorded within the TTL and records
// it if not. Returns true for duplicates.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if el, ok := c.seen[key]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.at) < c.ttl {
			return true
		}
		// Expired: refresh in place so the key keeps a single slot.
		e.at = now
		c.order.MoveToBack(el)
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.evict(now)
	}
	c.seen[key] = c.order.PushBack(&entry{key: key, at: now})
	return false
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// evict drops expired entries, or failing that the oldest entry.
// Must be called with mu held.
func (c *Cache) evict(now time.Time) {
	var next *list.Element
	for el := c.order.Front(); el != nil; el = next {
		next = el.Next()
		e := el.Value.(*entry)
		if now.Sub(e.at) >= c.ttl {
			c.order.Remove(el)
			delete(c.seen, e.key)
		}
	}

	// Nothing expired: drop the oldest to make room.
	if len(c.seen) >= c.maxSize {
		if el := c.order.Front(); el != nil {
			e := el.Value.(*entry)
			c.order.Remove(el)
			delete(c.seen, e.key)
		}
	}
}
