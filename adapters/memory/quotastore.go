package memory

import (
	"context"
	"sync"
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// QuotaStore is an in-memory implementation of ports.QuotaStore: a
// per-caller, per-period consumed-units counter.
type QuotaStore struct {
	mu       sync.RWMutex
	counters map[string]int64
}

// NewQuotaStore creates a new in-memory quota counter store.
func NewQuotaStore() *QuotaStore {
	return &QuotaStore{counters: make(map[string]int64)}
}

func counterKey(callerID string, periodStart time.Time) string {
	return callerID + "|" + periodStart.UTC().Format(time.RFC3339)
}

// Add atomically increments the counter and returns the new total.
func (s *QuotaStore) Add(ctx context.Context, callerID string, periodStart time.Time, units int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := counterKey(callerID, periodStart)
	s.counters[k] += units
	return s.counters[k], nil
}

// Get returns the counter value, zero when the period has no usage.
func (s *QuotaStore) Get(ctx context.Context, callerID string, periodStart time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[counterKey(callerID, periodStart)], nil
}

// Set overwrites the counter, used when resyncing from usage records.
func (s *QuotaStore) Set(ctx context.Context, callerID string, periodStart time.Time, units int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[counterKey(callerID, periodStart)] = units
	return nil
}

// Ensure interface compliance.
var _ ports.QuotaStore = (*QuotaStore)(nil)
