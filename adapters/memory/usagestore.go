package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/usage"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// UsageStore is an in-memory implementation of ports.UsageStore.
// Records are append-only; the only mutation is retention pruning.
type UsageStore struct {
	mu   sync.RWMutex
	recs []usage.Record
}

// NewUsageStore creates a new in-memory usage store.
func NewUsageStore() *UsageStore {
	return &UsageStore{}
}

// Insert appends a batch of usage records.
func (s *UsageStore) Insert(ctx context.Context, recs []usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, recs...)
	return nil
}

func inPeriod(r usage.Record, callerID string, start, end time.Time) bool {
	return r.CallerID == callerID && !r.CreatedAt.Before(start) && r.CreatedAt.Before(end)
}

// SumForPeriod totals the units consumed by a caller in [start, end).
func (s *UsageStore) SumForPeriod(ctx context.Context, callerID string, start, end time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, r := range s.recs {
		if inPeriod(r, callerID, start, end) {
			sum += r.Units
		}
	}
	return sum, nil
}

// ListForPeriod returns a caller's records in [start, end), newest
// first, capped at limit.
func (s *UsageStore) ListForPeriod(ctx context.Context, callerID string, start, end time.Time, limit int) ([]usage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []usage.Record
	for _, r := range s.recs {
		if inPeriod(r, callerID, start, end) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// ActiveCallers returns the distinct caller IDs with usage in the
// window, sorted for stable iteration.
func (s *UsageStore) ActiveCallers(ctx context.Context, start, end time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, r := range s.recs {
		if !r.CreatedAt.Before(start) && r.CreatedAt.Before(end) {
			seen[r.CallerID] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// PruneBefore deletes records created before t and reports how many
// were removed.
func (s *UsageStore) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.recs[:0]
	var removed int64
	for _, r := range s.recs {
		if r.CreatedAt.Before(t) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.recs = kept
	return removed, nil
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
