// Package datastruct holds small concurrency-safe containers shared by
// the redirection engine.
package datastruct

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// DefaultShards suits caches fed from a handful of goroutines.
const DefaultShards = 16

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e ttlEntry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type ttlShard[V any] struct {
	mu      sync.RWMutex
	entries map[string]ttlEntry[V]
}

// TTLCache is a sharded string-keyed cache whose entries expire after a
// per-entry TTL. Expired entries are reaped lazily by Get and in bulk by
// Sweep; run Janitor in its own goroutine to sweep on an interval.
type TTLCache[V any] struct {
	// Now reports the current time for expiry checks. Nil means
	// time.Now. Set it before first use.
	Now func() time.Time

	shards []*ttlShard[V]
}

// NewTTLCache creates a cache with the given shard count. A non-positive
// count falls back to DefaultShards.
func NewTTLCache[V any](shards int) *TTLCache[V] {
	if shards <= 0 {
		shards = DefaultShards
	}

	c := &TTLCache[V]{shards: make([]*ttlShard[V], shards)}
	for i := range c.shards {
		c.shards[i] = &ttlShard[V]{entries: make(map[string]ttlEntry[V])}
	}

	return c
}

func (c *TTLCache[V]) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}

	return time.Now()
}

func (c *TTLCache[V]) shard(key string) *ttlShard[V] {
	h := fnv.New64a()
	h.Write([]byte(key))

	return c.shards[h.Sum64()%uint64(len(c.shards))]
}

// Set stores value under key, replacing any previous entry. A
// non-positive ttl keeps the entry until it is deleted.
func (c *TTLCache[V]) Set(key string, value V, ttl time.Duration) {
	entry := ttlEntry[V]{value: value}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}

	s := c.shard(key)
	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
}

// Get returns the live value for key. An expired entry is deleted on the
// way out and reported as a miss.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	var zero V

	s := c.shard(key)
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return zero, false
	}

	if entry.expired(c.now()) {
		s.mu.Lock()
		// Only delete the entry that was seen expired, not a
		// replacement stored while the write lock was pending.
		if cur, ok := s.entries[key]; ok && cur.expiresAt.Equal(entry.expiresAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()

		return zero, false
	}

	return entry.value, true
}

// Delete removes key if present.
func (c *TTLCache[V]) Delete(key string) {
	s := c.shard(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Len counts resident entries, including expired ones not yet reaped.
func (c *TTLCache[V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}

	return n
}

// Sweep drops every expired entry and reports how many were removed.
func (c *TTLCache[V]) Sweep() int {
	now := c.now()
	dropped := 0

	for _, s := range c.shards {
		s.mu.Lock()
		for key, entry := range s.entries {
			if entry.expired(now) {
				delete(s.entries, key)
				dropped++
			}
		}
		s.mu.Unlock()
	}

	return dropped
}

// Janitor sweeps on the given interval until the context is canceled.
// The caller owns the goroutine; the cache never starts one itself.
func (c *TTLCache[V]) Janitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
