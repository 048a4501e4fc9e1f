// Package cache holds visit ordinals and other hot lookups for kasan.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// LRUCache is the Community tier cache and the L1 of the two-phase
// setup: a mutex-guarded LRU with per-entry TTL plus a separate map of
// windowed counters for monthly visit ordinals. Keys are prefixed with
// the tenant so two stations caching the same patient ID never collide.
type LRUCache struct {
	mu       sync.RWMutex
	maxSize  int
	byKey    map[string]*list.Element
	lru      *list.List
	counters map[string]*windowCounter
}

type lruEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// windowCounter counts events inside a fixed window; when the window
// lapses the next increment starts a fresh one at 1.
type windowCounter struct {
	count     int64
	expiresAt time.Time
}

// NewLRUCache creates a new LRU cache with the specified max size.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize:  maxSize,
		byKey:    make(map[string]*list.Element),
		lru:      list.New(),
		counters: make(map[string]*windowCounter),
	}
}

func tenantKey(tenantID, key string) string {
	return tenantID + ":" + key
}

// Get returns the cached value, or nil, nil on miss or expiry.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.byKey[tenantKey(tenantID, key)]
	if !ok {
		return nil, nil
	}

	entry := elem.Value.(*lruEntry)
	if time.Now().After(entry.expiresAt) {
		c.evict(elem)
		return nil, nil
	}

	c.lru.MoveToFront(elem)
	return entry.value, nil
}

// Set stores a value with a TTL, evicting the least recently used
// entries when the cache is over capacity.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	full := tenantKey(tenantID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.byKey[full]; ok {
		c.lru.MoveToFront(elem)
		entry := elem.Value.(*lruEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(ttl)
		return nil
	}

	elem := c.lru.PushFront(&lruEntry{
		key:       full,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	})
	c.byKey[full] = elem

	for c.lru.Len() > c.maxSize {
		if back := c.lru.Back(); back != nil {
			c.evict(back)
		}
	}
	return nil
}

// Delete removes a key; deleting an absent key is not an error.
func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.byKey[tenantKey(tenantID, key)]; ok {
		c.evict(elem)
	}
	return nil
}

// IncrementCounter bumps a windowed counter and returns the new value.
// An expired window resets to 1.
func (c *LRUCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}

	full := tenantKey(tenantID, "counter:"+key)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	ctr, ok := c.counters[full]
	if !ok || now.After(ctr.expiresAt) {
		c.counters[full] = &windowCounter{count: 1, expiresAt: now.Add(window)}
		return 1, nil
	}

	ctr.count++
	return ctr.count, nil
}

// GetCounter reads a windowed counter without incrementing it.
func (c *LRUCache) GetCounter(ctx context.Context, tenantID string, key string) (int64, bool, error) {
	if tenantID == "" {
		return 0, false, fmt.Errorf("tenantID is required")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	ctr, ok := c.counters[tenantKey(tenantID, "counter:"+key)]
	if !ok || time.Now().After(ctr.expiresAt) {
		return 0, false, nil
	}
	return ctr.count, true, nil
}

// SetCounter seeds a counter, replacing any existing window.
func (c *LRUCache) SetCounter(ctx context.Context, tenantID string, key string, value int64, window time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.counters[tenantKey(tenantID, "counter:"+key)] = &windowCounter{
		count:     value,
		expiresAt: time.Now().Add(window),
	}
	return nil
}

// Ping always succeeds for the in-process cache.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops all entries and counters.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey = make(map[string]*list.Element)
	c.lru = list.New()
	c.counters = make(map[string]*windowCounter)
	return nil
}

// Stats reports current size and capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Len(), c.maxSize
}

func (c *LRUCache) evict(elem *list.Element) {
	c.lru.Remove(elem)
	delete(c.byKey, elem.Value.(*lruEntry).key)
}
