package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// Cache event labels reported through CacheConfig.OnEvent.
const (
	CacheHit         = "hit"
	CacheMiss        = "miss"
	CacheStaleServed = "stale_served"
	CacheTierError   = "tier_error"
)

// cacheEntry is the stored form of a cached value. ExpiresAt is the
// logical freshness bound; tiers hold the entry past it (one stale
// window longer) so an expired value stays available as a fallback.
type cacheEntry struct {
	Value      []byte    `json:"v"`
	ComputedAt time.Time `json:"computed_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// CacheDeps contains dependencies for TieredCache.
type CacheDeps struct {
	Local  ports.CacheTier // in-process tier, required
	Shared ports.CacheTier // cross-process tier, nil to run local-only
	Clock  ports.Clock
	Logger zerolog.Logger
}

// CacheConfig tunes the tiered cache.
type CacheConfig struct {
	// StaleWindow is how long past logical expiry an entry remains
	// readable for stale fallback.
	StaleWindow time.Duration
	// OnEvent observes cache activity (tier name, event label).
	// Optional; wired to metrics at startup.
	OnEvent func(tierName, event string)
}

// TieredCache is a two-level cache with per-key de-duplication of
// computes and stale fallback when a compute fails. The local tier
// absorbs hot keys; the shared tier makes warm entries visible to all
// instances. Losing the shared tier degrades reads to local misses
// instead of failing them.
type TieredCache struct {
	deps  CacheDeps
	cfg   CacheConfig
	group singleflight.Group
}

// NewTieredCache creates the cache.
func NewTieredCache(deps CacheDeps, cfg CacheConfig) *TieredCache {
	if cfg.StaleWindow <= 0 {
		cfg.StaleWindow = 6 * time.Hour
	}
	return &TieredCache{deps: deps, cfg: cfg}
}

type cacheOutcome struct {
	value []byte
	stale bool
}

// GetOrCompute returns the cached value for key, computing it when
// missing or expired.
//
//  1. A fresh entry in either tier is returned as-is.
//  2. Otherwise one compute per key runs; concurrent callers wait and
//     share its outcome.
//  3. A failed compute falls back to the expired entry when one is
//     still held, returning it with stale=true.
//
// The returned error is the compute's own error, and only surfaces
// when no fallback entry exists.
func (c *TieredCache) GetOrCompute(ctx context.Context, cacheKey string, ttl time.Duration, compute func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	now := c.deps.Clock.Now()

	// 1. Fast path: fresh entry in a tier (I/O)
	if entry, ok := c.lookup(ctx, cacheKey); ok && now.Before(entry.ExpiresAt) {
		return entry.Value, false, nil
	}

	// 2. Single-flight the compute; waiters share one execution
	v, err, _ := c.group.Do(cacheKey, func() (interface{}, error) {
		// The flight outlives any single caller; detach it from the
		// first caller's cancellation.
		fctx := context.WithoutCancel(ctx)

		// Double-check: a finished flight may have stored a fresh
		// entry between our miss and acquiring the flight.
		if entry, ok := c.lookup(fctx, cacheKey); ok && c.deps.Clock.Now().Before(entry.ExpiresAt) {
			return cacheOutcome{value: entry.Value}, nil
		}

		value, cerr := compute(fctx)
		if cerr == nil {
			c.store(fctx, cacheKey, value, ttl)
			return cacheOutcome{value: value}, nil
		}

		// 3. Compute failed: fall back to an expired entry if one is
		// still inside the stale window.
		if entry, ok := c.lookup(fctx, cacheKey); ok {
			c.event("", CacheStaleServed)
			c.deps.Logger.Warn().
				Str("cache_key", cacheKey).
				Time("computed_at", entry.ComputedAt).
				Err(cerr).
				Msg("compute failed, serving stale entry")
			return cacheOutcome{value: entry.Value, stale: true}, nil
		}

		return nil, fmt.Errorf("compute %s: %w", cacheKey, cerr)
	})
	if err != nil {
		return nil, false, err
	}

	out := v.(cacheOutcome)
	return out.value, out.stale, nil
}

// Invalidate removes every entry matching the glob pattern from both
// tiers and returns how many entries were dropped. Errors from the
// shared tier are returned after the local tier has been cleared.
func (c *TieredCache) Invalidate(ctx context.Context, pattern string) (int, error) {
	removed, err := c.deps.Local.DeletePattern(ctx, pattern)
	if err != nil {
		return removed, fmt.Errorf("invalidate local tier: %w", err)
	}

	if c.deps.Shared != nil {
		n, serr := c.deps.Shared.DeletePattern(ctx, pattern)
		removed += n
		if serr != nil {
			return removed, fmt.Errorf("invalidate %s tier: %w", c.deps.Shared.Name(), serr)
		}
	}

	c.deps.Logger.Info().
		Str("pattern", pattern).
		Int("removed", removed).
		Msg("cache invalidated")
	return removed, nil
}

// lookup reads the entry from the tiers in order, promoting a shared
// hit into the local tier. Tier errors count as misses.
func (c *TieredCache) lookup(ctx context.Context, cacheKey string) (cacheEntry, bool) {
	if entry, ok := c.getFrom(ctx, c.deps.Local, cacheKey); ok {
		c.event(c.deps.Local.Name(), CacheHit)
		return entry, true
	}
	c.event(c.deps.Local.Name(), CacheMiss)

	if c.deps.Shared == nil {
		return cacheEntry{}, false
	}

	entry, ok := c.getFrom(ctx, c.deps.Shared, cacheKey)
	if !ok {
		c.event(c.deps.Shared.Name(), CacheMiss)
		return cacheEntry{}, false
	}
	c.event(c.deps.Shared.Name(), CacheHit)

	// Promote with the retention the shared copy has left.
	if remaining := entry.ExpiresAt.Add(c.cfg.StaleWindow).Sub(c.deps.Clock.Now()); remaining > 0 {
		c.setTo(ctx, c.deps.Local, cacheKey, entry, remaining)
	}
	return entry, true
}

// store writes a freshly computed value to both tiers.
func (c *TieredCache) store(ctx context.Context, cacheKey string, value []byte, ttl time.Duration) {
	entry := cacheEntry{
		Value:      value,
		ComputedAt: c.deps.Clock.Now(),
		ExpiresAt:  c.deps.Clock.Now().Add(ttl),
	}
	retention := ttl + c.cfg.StaleWindow

	c.setTo(ctx, c.deps.Local, cacheKey, entry, retention)
	if c.deps.Shared != nil {
		c.setTo(ctx, c.deps.Shared, cacheKey, entry, retention)
	}
}

func (c *TieredCache) getFrom(ctx context.Context, t ports.CacheTier, cacheKey string) (cacheEntry, bool) {
	raw, found, err := t.Get(ctx, cacheKey)
	if err != nil {
		c.tierError(t, cacheKey, "get", err)
		return cacheEntry{}, false
	}
	if !found {
		return cacheEntry{}, false
	}

	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.tierError(t, cacheKey, "decode", err)
		return cacheEntry{}, false
	}
	return entry, true
}

func (c *TieredCache) setTo(ctx context.Context, t ports.CacheTier, cacheKey string, entry cacheEntry, retention time.Duration) {
	raw, err := json.Marshal(entry)
	if err != nil {
		c.tierError(t, cacheKey, "encode", err)
		return
	}
	if err := t.Set(ctx, cacheKey, raw, retention); err != nil {
		c.tierError(t, cacheKey, "set", err)
	}
}

func (c *TieredCache) tierError(t ports.CacheTier, cacheKey, op string, err error) {
	c.event(t.Name(), CacheTierError)
	c.deps.Logger.Debug().
		Str("tier", t.Name()).
		Str("cache_key", cacheKey).
		Str("op", op).
		Err(err).
		Msg("cache tier error")
}

func (c *TieredCache) event(tierName, event string) {
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(tierName, event)
	}
}
