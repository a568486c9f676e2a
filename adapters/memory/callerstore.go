// Package memory provides in-memory implementations of storage ports,
// used for tests and single-process deployments.
package memory

import (
	"context"
	"sync"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// CallerStore is an in-memory implementation of ports.CallerStore.
type CallerStore struct {
	mu         sync.RWMutex
	callers    map[string]ports.Caller // by ID
	byEmail    map[string]string       // email -> ID
	byCustomer map[string]string       // provider customer ID -> ID
}

// NewCallerStore creates a new in-memory caller store.
func NewCallerStore() *CallerStore {
	return &CallerStore{
		callers:    make(map[string]ports.Caller),
		byEmail:    make(map[string]string),
		byCustomer: make(map[string]string),
	}
}

// Get retrieves a caller by ID.
func (s *CallerStore) Get(ctx context.Context, id string) (ports.Caller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.callers[id]
	if !ok {
		return ports.Caller{}, ports.ErrNotFound
	}
	return c, nil
}

// GetByEmail retrieves a caller by email.
func (s *CallerStore) GetByEmail(ctx context.Context, email string) (ports.Caller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[email]
	if !ok {
		return ports.Caller{}, ports.ErrNotFound
	}
	return s.callers[id], nil
}

// GetByProviderCustomerID retrieves a caller by their payment-provider
// customer reference.
func (s *CallerStore) GetByProviderCustomerID(ctx context.Context, customerID string) (ports.Caller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCustomer[customerID]
	if !ok {
		return ports.Caller{}, ports.ErrNotFound
	}
	return s.callers[id], nil
}

// Create stores a new caller.
func (s *CallerStore) Create(ctx context.Context, c ports.Caller) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.callers[c.ID]; exists {
		return ports.ErrDuplicate
	}
	if _, exists := s.byEmail[c.Email]; exists {
		return ports.ErrDuplicate
	}

	s.callers[c.ID] = c
	s.byEmail[c.Email] = c.ID
	if c.ProviderCustomerID != "" {
		s.byCustomer[c.ProviderCustomerID] = c.ID
	}
	return nil
}

// Update modifies an existing caller.
func (s *CallerStore) Update(ctx context.Context, c ports.Caller) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.callers[c.ID]
	if !ok {
		return ports.ErrNotFound
	}

	if old.Email != c.Email {
		delete(s.byEmail, old.Email)
		s.byEmail[c.Email] = c.ID
	}
	if old.ProviderCustomerID != c.ProviderCustomerID {
		delete(s.byCustomer, old.ProviderCustomerID)
		if c.ProviderCustomerID != "" {
			s.byCustomer[c.ProviderCustomerID] = c.ID
		}
	}

	s.callers[c.ID] = c
	return nil
}

// Ensure interface compliance.
var _ ports.CallerStore = (*CallerStore)(nil)
