// Package tools implements the agent-callable tools and the per-run cache
// they share: live market data, indicator snapshots and derivatives context.
package tools

import (
	"fmt"
	"sync"
	"time"
)

type cacheEntry struct {
	value    interface{}
	storedAt time.Time
}

// CacheSnapshot is the introspection view of one live cache entry.
type CacheSnapshot struct {
	Key        string  `json:"key"`
	StoredAt   float64 `json:"stored_at"`
	AgeSeconds float64 `json:"age_seconds"`
	ValueType  string  `json:"value_type"`
}

// Cache is a small per-run store shared across tool invocations so repeated
// calls within one decision cycle avoid duplicate work. BeginRun resets it,
// guaranteeing isolation between cycles.
type Cache struct {
	mu    sync.Mutex
	ttl   time.Duration
	store map[string]cacheEntry
	runID string
	now   func() time.Time
}

// NewCache builds a cache. ttl <= 0 disables expiry.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:   ttl,
		store: map[string]cacheEntry{},
		now:   time.Now,
	}
}

// BeginRun clears the store and scopes it to runID.
func (c *Cache) BeginRun(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = map[string]cacheEntry{}
	c.runID = runID
}

// EndRun clears the store.
func (c *Cache) EndRun() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = map[string]cacheEntry{}
	c.runID = ""
}

func (c *Cache) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.store[key]
	if !ok {
		return nil, false
	}
	if c.expired(entry) {
		delete(c.store, key)
		return nil, false
	}
	return entry.value, true
}

func (c *Cache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[key] = cacheEntry{value: value, storedAt: c.now()}
}

// Snapshot lists the live entries for diagnostics.
func (c *Cache) Snapshot() []CacheSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	snapshots := make([]CacheSnapshot, 0, len(c.store))
	for key, entry := range c.store {
		if c.expired(entry) {
			continue
		}
		snapshots = append(snapshots, CacheSnapshot{
			Key:        key,
			StoredAt:   float64(entry.storedAt.UnixNano()) / 1e9,
			AgeSeconds: now.Sub(entry.storedAt).Seconds(),
			ValueType:  fmt.Sprintf("%T", entry.value),
		})
	}
	return snapshots
}

func (c *Cache) expired(entry cacheEntry) bool {
	if c.ttl <= 0 {
		return false
	}
	return c.now().Sub(entry.storedAt) > c.ttl
}
