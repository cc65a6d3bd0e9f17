// Package cache provides the bounded, TTL-based message de-duplication store
// that prevents forwarding loops and replays.
package cache

import (
	"sync"
	"time"
)

// DefaultTTL is how long a message id stays suppressed.
const DefaultTTL = 60 * time.Second

type Cache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Seen reports whether msgID is cached and not yet expired. Expired entries
// are purged lazily on lookup.
func (c *Cache) Seen(msgID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.seen[msgID]
	if !ok {
		return false
	}
	if c.now().Sub(at) > c.ttl {
		delete(c.seen, msgID)
		return false
	}
	return true
}

// Add records msgID, refreshing its insertion time if already present.
func (c *Cache) Add(msgID string) {
	c.mu.Lock()
	c.seen[msgID] = c.now()
	c.mu.Unlock()
}

// Sweep drops every expired entry. Called from a periodic timer so the cache
// stays bounded by TTL times the message rate even without lookups.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, at := range c.seen {
		if now.Sub(at) > c.ttl {
			delete(c.seen, id)
			removed++
		}
	}
	return removed
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
