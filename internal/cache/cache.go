// Package cache holds per-process upstream responses keyed by string.
package cache

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Entry is a cached value and the time it was fetched
type Entry[V any] struct {
	Value     V
	FetchedAt time.Time
}

// Store is the contract the gateway depends on.
type Store[V any] interface {
	// Get returns the entry for key and whether it is younger than the TTL.
	// ok is false when no entry exists at all.
	Get(key string) (entry Entry[V], fresh bool, ok bool)
	Set(key string, value V)
	Evict(key string)
}

// TTLCache keeps entries forever and only reports freshness, so expired
// entries remain available as a fallback when the upstream fails.
type TTLCache[V any] struct {
	mu      sync.RWMutex
	entries map[string]Entry[V]
	ttl     time.Duration
	clock   clockwork.Clock
}

// New creates a TTL cache
func New[V any](ttl time.Duration, clock clockwork.Clock) *TTLCache[V] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TTLCache[V]{
		entries: make(map[string]Entry[V]),
		ttl:     ttl,
		clock:   clock,
	}
}

func (c *TTLCache[V]) Get(key string) (Entry[V], bool, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return entry, false, false
	}
	return entry, c.clock.Since(entry.FetchedAt) < c.ttl, true
}

func (c *TTLCache[V]) Set(key string, value V) {
	c.mu.Lock()
	c.entries[key] = Entry[V]{Value: value, FetchedAt: c.clock.Now()}
	c.mu.Unlock()
}

func (c *TTLCache[V]) Evict(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of entries, fresh or stale
func (c *TTLCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
