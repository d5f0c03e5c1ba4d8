// Package cache provides a process-local TTL key/value store used to shield
// the ledger store and the external metadata provider from repeated reads.
//
// The cache is per-replica shared mutable state: when the service runs as
// multiple replicas each one carries its own cache, so a mutation on one
// replica does not invalidate entries held by another. That trade-off is
// accepted in exchange for having no external cache dependency; every entry
// expires within its TTL regardless.
//
// No operation blocks or fails. Unavailability of a cached value degrades to
// a miss, never to an error.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a TTL map with a background sweep that evicts expired entries
// independent of reads, bounding memory growth from keys never read again.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry

	stopOnce sync.Once
	stop     chan struct{}
}

// DefaultSweepInterval is how often the janitor scans for expired entries.
const DefaultSweepInterval = 1 * time.Minute

// New creates a cache and starts its sweep goroutine. Call Close to stop it.
// sweepInterval <= 0 uses DefaultSweepInterval.
func New(sweepInterval time.Duration) *Cache {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	c := &Cache{
		entries: make(map[string]entry),
		stop:    make(chan struct{}),
	}
	go c.janitor(sweepInterval)
	return c
}

// Set stores value under key until now+ttl. A non-positive ttl stores an
// already-expired entry, which the next Get treats as a miss.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Get returns the live value for key. Expired entries are evicted on read
// and reported as a miss.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have renewed it.
		if cur, still := c.entries[key]; still && time.Now().After(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Delete removes key immediately.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear empties the whole store.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Len returns the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the sweep goroutine. The cache remains usable afterwards;
// expired entries are then only evicted on read.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}
