package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/adapters/clock"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/adapters/memory"
)

func TestCache_SetGet(t *testing.T) {
	fc := clock.NewFake(testTime)
	c := memory.NewCache(memory.CacheConfig{Clock: fc})
	ctx := context.Background()

	if err := c.Set(ctx, "signal:v1:AAPL:rsi14", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	v, ok, err := c.Get(ctx, "signal:v1:AAPL:rsi14")
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("get = %q, %v, %v", v, ok, err)
	}

	if _, ok, _ := c.Get(ctx, "missing"); ok {
		t.Error("missing key reported present")
	}
}

func TestCache_PhysicalExpiry(t *testing.T) {
	fc := clock.NewFake(testTime)
	c := memory.NewCache(memory.CacheConfig{Clock: fc})
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), time.Minute)
	fc.Advance(2 * time.Minute)

	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("expired entry still served")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want expired entry dropped on read", c.Len())
	}
}

func TestCache_ValueIsolation(t *testing.T) {
	c := memory.NewCache(memory.CacheConfig{})
	ctx := context.Background()

	src := []byte("abc")
	c.Set(ctx, "k", src, time.Minute)
	src[0] = 'X'

	v, _, _ := c.Get(ctx, "k")
	if string(v) != "abc" {
		t.Errorf("stored value mutated through caller slice: %q", v)
	}

	v[0] = 'Y'
	v2, _, _ := c.Get(ctx, "k")
	if string(v2) != "abc" {
		t.Errorf("stored value mutated through returned slice: %q", v2)
	}
}

func TestCache_EvictsAtCapacity(t *testing.T) {
	fc := clock.NewFake(testTime)
	c := memory.NewCache(memory.CacheConfig{MaxEntries: 2, Clock: fc})
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"), time.Minute)    // expires soonest
	c.Set(ctx, "b", []byte("2"), 10*time.Minute)
	c.Set(ctx, "c", []byte("3"), 5*time.Minute)

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want capacity held at 2", c.Len())
	}
	if _, ok, _ := c.Get(ctx, "a"); ok {
		t.Error("entry closest to expiry survived eviction")
	}
	if _, ok, _ := c.Get(ctx, "b"); !ok {
		t.Error("entry b evicted")
	}
}

func TestCache_DeletePattern(t *testing.T) {
	c := memory.NewCache(memory.CacheConfig{})
	ctx := context.Background()

	c.Set(ctx, "signal:v1:AAPL:rsi14", []byte("1"), time.Minute)
	c.Set(ctx, "signal:v1:AAPL:sma50", []byte("2"), time.Minute)
	c.Set(ctx, "signal:v1:MSFT:rsi14", []byte("3"), time.Minute)

	n, err := c.DeletePattern(ctx, "signal:v1:AAPL:*")
	if err != nil || n != 2 {
		t.Fatalf("removed = %d, %v, want 2", n, err)
	}
	if _, ok, _ := c.Get(ctx, "signal:v1:MSFT:rsi14"); !ok {
		t.Error("unrelated key removed")
	}
}

func TestCache_Delete(t *testing.T) {
	c := memory.NewCache(memory.CacheConfig{})
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"), time.Minute)
	c.Set(ctx, "b", []byte("2"), time.Minute)

	if err := c.Delete(ctx, "a", "b", "missing"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}
