package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/billing"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// WebhookStore is an in-memory implementation of ports.WebhookStore.
// The (provider, event ID) pair is unique so redeliveries are
// detectable.
type WebhookStore struct {
	mu     sync.RWMutex
	events map[string]billing.WebhookEvent // by provider|eventID
}

// NewWebhookStore creates a new in-memory webhook event store.
func NewWebhookStore() *WebhookStore {
	return &WebhookStore{events: make(map[string]billing.WebhookEvent)}
}

func webhookEventKey(provider, eventID string) string {
	return provider + "|" + eventID
}

// Insert stores a newly received event.
func (s *WebhookStore) Insert(ctx context.Context, e billing.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := webhookEventKey(e.Provider, e.EventID)
	if _, exists := s.events[k]; exists {
		return ports.ErrDuplicate
	}
	s.events[k] = e
	return nil
}

// Get retrieves an event by its provider identity.
func (s *WebhookStore) Get(ctx context.Context, provider, eventID string) (billing.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[webhookEventKey(provider, eventID)]
	if !ok {
		return billing.WebhookEvent{}, ports.ErrNotFound
	}
	return e, nil
}

// Update overwrites an event's processing state.
func (s *WebhookStore) Update(ctx context.Context, e billing.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := webhookEventKey(e.Provider, e.EventID)
	if _, ok := s.events[k]; !ok {
		return ports.ErrNotFound
	}
	s.events[k] = e
	return nil
}

// ListDue returns pending events whose next attempt time has passed,
// oldest first.
func (s *WebhookStore) ListDue(ctx context.Context, now time.Time, limit int) ([]billing.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []billing.WebhookEvent
	for _, e := range s.events {
		if e.Due(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ReceivedAt.Before(due[j].ReceivedAt) })
	if limit > 0 && limit < len(due) {
		due = due[:limit]
	}
	return due, nil
}

// Ensure interface compliance.
var _ ports.WebhookStore = (*WebhookStore)(nil)
