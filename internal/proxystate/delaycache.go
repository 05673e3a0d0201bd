package proxystate

import (
	"sync"
	"time"
)

// DefaultDelayTTL is how long a measured delay stays valid.
const DefaultDelayTTL = 5 * time.Minute

type delayEntry struct {
	delay int
	at    time.Time
}

// DelayCache keeps the last positive delay of every proxy for a limited time,
// so a group refresh that reports "untested" does not hide a recent result.
type DelayCache struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.RWMutex
	entries map[string]delayEntry
}

// NewDelayCache creates a cache whose entries expire after ttl.
func NewDelayCache(ttl time.Duration) *DelayCache {
	if ttl <= 0 {
		ttl = DefaultDelayTTL
	}
	return &DelayCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]delayEntry),
	}
}

// Update records delay for name. Non-positive delays are ignored.
func (c *DelayCache) Update(name string, delay int) bool {
	if delay <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = delayEntry{delay: delay, at: c.now()}
	return true
}

// Get returns the cached delay of name if it has not expired.
func (c *DelayCache) Get(name string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[name]
	if !ok || c.expiredLocked(e) {
		return 0, false
	}
	return e.delay, true
}

// Valid returns every unexpired delay and drops the expired ones.
func (c *DelayCache) Valid() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int, len(c.entries))
	for name, e := range c.entries {
		if c.expiredLocked(e) {
			delete(c.entries, name)
			continue
		}
		out[name] = e.delay
	}
	return out
}

// Len returns the number of entries, expired ones included.
func (c *DelayCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops every entry.
func (c *DelayCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]delayEntry)
}

func (c *DelayCache) expiredLocked(e delayEntry) bool {
	return c.now().Sub(e.at) > c.ttl
}
