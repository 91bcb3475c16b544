package eventbus

import (
	"sync"
	"time"
)

// seenCache remembers recently published or received event ids so transport echoes
// of events this process already handled are not enqueued twice.
type seenCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
}

func newSeenCache(ttl time.Duration) *seenCache {
	return &seenCache{ttl: ttl, entries: make(map[string]time.Time)}
}

// markIfNew records id and reports whether it was unseen (or expired).
func (c *seenCache) markIfNew(id string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at, ok := c.entries[id]; ok && now.Sub(at) < c.ttl {
		return false
	}
	c.entries[id] = now
	return true
}

func (c *seenCache) mark(id string, now time.Time) {
	c.mu.Lock()
	c.entries[id] = now
	c.mu.Unlock()
}

func (c *seenCache) prune(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, at := range c.entries {
		if now.Sub(at) >= c.ttl {
			delete(c.entries, id)
		}
	}
}
