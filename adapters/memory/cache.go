package memory

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

const defaultMaxEntries = 4096

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// CacheConfig configures the local cache tier.
type CacheConfig struct {
	MaxEntries int         // entry cap, default 4096
	Clock      ports.Clock // defaults to the wall clock
}

// Cache is the process-local cache tier. Entries are bounded; when
// full, the entry closest to physical expiry is evicted.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	maxEntries int
	clock      ports.Clock
}

// NewCache creates a new local cache tier.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.Clock == nil {
		cfg.Clock = wallClock{}
	}
	return &Cache{
		entries:    make(map[string]cacheEntry),
		maxEntries: cfg.MaxEntries,
		clock:      cfg.Clock,
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Name identifies the tier in logs and metrics.
func (c *Cache) Name() string { return "local" }

// Get returns the entry bytes and whether the key was present. Entries
// past their physical TTL are dropped on read.
func (c *Cache) Get(ctx context.Context, k string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok {
		return nil, false, nil
	}
	if c.clock.Now().After(e.expiresAt) {
		delete(c.entries, k)
		return nil, false, nil
	}

	v := make([]byte, len(e.value))
	copy(v, e.value)
	return v, true, nil
}

// Set stores entry bytes under a physical TTL.
func (c *Cache) Set(ctx context.Context, k string, v []byte, ttl time.Duration) error {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[k]; !exists && len(c.entries) >= c.maxEntries {
		c.evict(now)
	}

	stored := make([]byte, len(v))
	copy(stored, v)
	c.entries[k] = cacheEntry{value: stored, expiresAt: now.Add(ttl)}
	return nil
}

// evict drops expired entries, then the entry closest to expiry if the
// cache is still full. Caller holds the lock.
func (c *Cache) evict(now time.Time) {
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.maxEntries {
		return
	}

	var victim string
	var soonest time.Time
	for k, e := range c.entries {
		if victim == "" || e.expiresAt.Before(soonest) {
			victim = k
			soonest = e.expiresAt
		}
	}
	delete(c.entries, victim)
}

// Delete removes the given keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

// DeletePattern removes all keys matching a glob pattern and returns
// how many were removed.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for k := range c.entries {
		ok, err := path.Match(pattern, k)
		if err != nil {
			return removed, err
		}
		if ok {
			delete(c.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries (for testing).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Ensure interface compliance.
var _ ports.CacheTier = (*Cache)(nil)
