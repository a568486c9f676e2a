package memory

import (
	"context"
	"sync"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/billing"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// SubscriptionStore is an in-memory implementation of
// ports.SubscriptionStore. At most one non-canceled subscription may
// exist per caller.
type SubscriptionStore struct {
	mu    sync.RWMutex
	subs  map[string]billing.Subscription // by ID
	order []string                        // insertion order, keeps ListOpen stable
}

// NewSubscriptionStore creates a new in-memory subscription store.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{subs: make(map[string]billing.Subscription)}
}

// Create stores a new subscription.
func (s *SubscriptionStore) Create(ctx context.Context, sub billing.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subs[sub.ID]; exists {
		return ports.ErrDuplicate
	}
	for _, existing := range s.subs {
		if existing.CallerID == sub.CallerID && existing.Status != billing.StatusCanceled {
			return ports.ErrDuplicate
		}
	}

	s.subs[sub.ID] = sub
	s.order = append(s.order, sub.ID)
	return nil
}

// Update modifies a subscription.
func (s *SubscriptionStore) Update(ctx context.Context, sub billing.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[sub.ID]; !ok {
		return ports.ErrNotFound
	}
	s.subs[sub.ID] = sub
	return nil
}

// Get retrieves a subscription by ID.
func (s *SubscriptionStore) Get(ctx context.Context, id string) (billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[id]
	if !ok {
		return billing.Subscription{}, ports.ErrNotFound
	}
	return sub, nil
}

// GetByCaller returns the caller's newest non-canceled subscription.
func (s *SubscriptionStore) GetByCaller(ctx context.Context, callerID string) (billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		sub := s.subs[s.order[i]]
		if sub.CallerID == callerID && sub.Status != billing.StatusCanceled {
			return sub, nil
		}
	}
	return billing.Subscription{}, ports.ErrNotFound
}

// GetByProviderID retrieves a subscription by its provider reference.
func (s *SubscriptionStore) GetByProviderID(ctx context.Context, providerID string) (billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.order {
		if sub := s.subs[id]; sub.ProviderID == providerID {
			return sub, nil
		}
	}
	return billing.Subscription{}, ports.ErrNotFound
}

// ListOpen pages through all non-canceled subscriptions in creation
// order.
func (s *SubscriptionStore) ListOpen(ctx context.Context, offset, limit int) ([]billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var open []billing.Subscription
	for _, id := range s.order {
		if sub := s.subs[id]; sub.Status != billing.StatusCanceled {
			open = append(open, sub)
		}
	}

	if offset >= len(open) {
		return nil, nil
	}
	open = open[offset:]
	if limit > 0 && limit < len(open) {
		open = open[:limit]
	}
	return open, nil
}

// Ensure interface compliance.
var _ ports.SubscriptionStore = (*SubscriptionStore)(nil)
