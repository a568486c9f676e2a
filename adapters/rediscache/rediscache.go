// Package rediscache provides the shared cache tier backed by Redis.
// It sits behind the local in-process tier so that several gateway
// instances can serve each other's fetches.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// Compile-time check that the adapter satisfies the port.
var _ ports.CacheTier = (*Cache)(nil)

// scanBatch is the COUNT hint and DEL batch size used by DeletePattern.
const scanBatch = 256

// Config carries the Redis connection settings.
type Config struct {
	// URL is a redis connection string, e.g. "redis://:pass@host:6379/0".
	URL string
	// ConnectTimeout bounds the initial ping. Defaults to 5s.
	ConnectTimeout time.Duration
}

// Cache is a ports.CacheTier backed by a Redis server.
type Cache struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis: empty connection URL")
	}
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse connection URL: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &Cache{client: client}, nil
}

// NewWithClient wraps an existing client. Used by tests and callers
// that manage the connection themselves.
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Get(ctx context.Context, k string) ([]byte, bool, error) {
	v, err := c.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis: get %q: %w", k, err)
	}
	return v, true, nil
}

func (c *Cache) Set(ctx context.Context, k string, v []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0 // no expiry
	}
	if err := c.client.Set(ctx, k, v, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %q: %w", k, err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis: delete: %w", err)
	}
	return nil
}

// DeletePattern removes all keys matching a glob pattern using SCAN,
// so it never blocks the server the way KEYS would.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var removed int
	keys := make([]string, 0, scanBatch)

	flush := func() error {
		if len(keys) == 0 {
			return nil
		}
		n, err := c.client.Del(ctx, keys...).Result()
		removed += int(n)
		keys = keys[:0]
		return err
	}

	iter := c.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= scanBatch {
			if err := flush(); err != nil {
				return removed, fmt.Errorf("redis: delete pattern %q: %w", pattern, err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis: scan %q: %w", pattern, err)
	}
	if err := flush(); err != nil {
		return removed, fmt.Errorf("redis: delete pattern %q: %w", pattern, err)
	}
	return removed, nil
}

func (c *Cache) Name() string { return "redis" }

// Ping reports whether the server is reachable. Used by readiness
// checks.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}
