package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an in-process LRU cache with TTL expiration, used when no
// Redis is configured.
type Memory struct {
	mu         sync.RWMutex
	entries    map[string]*memoryEntry
	order      []string // LRU order: front=oldest, back=newest
	maxEntries int
	ttl        time.Duration
	gen        atomic.Int64
	hits       atomic.Int64
	misses     atomic.Int64
}

type memoryEntry struct {
	data      []byte
	createdAt time.Time
}

const memoryPrefix = "answer:"

// NewMemory creates a Memory cache holding at most maxEntries answers for
// ttl each.
func NewMemory(maxEntries int, ttl time.Duration) *Memory {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &Memory{
		entries:    make(map[string]*memoryEntry),
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

// Get decodes the entry for key into dst.
func (c *Memory) Get(_ context.Context, key string, dst any) (bool, error) {
	k := entryKey(memoryPrefix, c.gen.Load(), key)

	c.mu.Lock()
	entry, ok := c.entries[k]
	if ok && c.ttl > 0 && time.Since(entry.createdAt) > c.ttl {
		delete(c.entries, k)
		c.removeFromOrder(k)
		ok = false
	}
	if ok {
		c.removeFromOrder(k)
		c.order = append(c.order, k)
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return false, nil
	}
	if err := decode(entry.data, dst); err != nil {
		return false, err
	}
	c.hits.Add(1)
	return true, nil
}

// Set stores v under key, evicting the oldest entry when full.
func (c *Memory) Set(_ context.Context, key string, v any) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	k := entryKey(memoryPrefix, c.gen.Load(), key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[k]; ok {
		c.entries[k] = &memoryEntry{data: data, createdAt: time.Now()}
		c.removeFromOrder(k)
		c.order = append(c.order, k)
		return nil
	}
	for len(c.entries) >= c.maxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[k] = &memoryEntry{data: data, createdAt: time.Now()}
	c.order = append(c.order, k)
	return nil
}

// Invalidate drops every entry.
func (c *Memory) Invalidate(context.Context) error {
	c.gen.Add(1)
	c.mu.Lock()
	c.entries = make(map[string]*memoryEntry)
	c.order = nil
	c.mu.Unlock()
	return nil
}

// Stats returns cache performance statistics.
func (c *Memory) Stats(context.Context) (Stats, error) {
	c.mu.RLock()
	entries := len(c.entries)
	c.mu.RUnlock()

	hits, misses := c.hits.Load(), c.misses.Load()
	return Stats{
		Entries:    entries,
		MaxEntries: c.maxEntries,
		Generation: c.gen.Load(),
		Hits:       hits,
		Misses:     misses,
		HitRate:    hitRate(hits, misses),
	}, nil
}

func (c *Memory) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
