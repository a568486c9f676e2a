package memory

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/ratelimit"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

const defaultRateShards = 32

// rateShard is a single shard of the rate limit store.
type rateShard struct {
	mu      sync.Mutex
	windows map[string]ratelimit.WindowState
}

// RateLimitStore is a sharded in-memory implementation of
// ports.RateLimitStore. Sharding keeps lock contention low on the
// request hot path; state is volatile and resets on restart.
type RateLimitStore struct {
	shards []*rateShard
}

// NewRateLimitStore creates a new sharded rate limit store.
func NewRateLimitStore() *RateLimitStore {
	s := &RateLimitStore{shards: make([]*rateShard, defaultRateShards)}
	for i := range s.shards {
		s.shards[i] = &rateShard{windows: make(map[string]ratelimit.WindowState)}
	}
	return s
}

func (s *RateLimitStore) shard(k string) *rateShard {
	h := fnv.New32a()
	h.Write([]byte(k))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Get returns the stored window state, zero state when absent.
func (s *RateLimitStore) Get(ctx context.Context, k string) (ratelimit.WindowState, error) {
	sh := s.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.windows[k], nil
}

// Put stores the advanced window state.
func (s *RateLimitStore) Put(ctx context.Context, k string, st ratelimit.WindowState) error {
	sh := s.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.windows[k] = st
	return nil
}

// Ensure interface compliance.
var _ ports.RateLimitStore = (*RateLimitStore)(nil)
