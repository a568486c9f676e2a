package memory

import (
	"context"
	"sync"
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/key"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// KeyStore is an in-memory implementation of ports.KeyStore.
type KeyStore struct {
	mu       sync.RWMutex
	keys     map[string]key.Key // by ID
	byPrefix map[string]string  // prefix -> ID
}

// NewKeyStore creates a new in-memory key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		keys:     make(map[string]key.Key),
		byPrefix: make(map[string]string),
	}
}

// Create stores a new key.
func (s *KeyStore) Create(ctx context.Context, k key.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[k.ID]; exists {
		return ports.ErrDuplicate
	}
	if _, exists := s.byPrefix[k.Prefix]; exists {
		return ports.ErrDuplicate
	}

	s.keys[k.ID] = k
	s.byPrefix[k.Prefix] = k.ID
	return nil
}

// GetByPrefix retrieves the key matching the lookup prefix.
func (s *KeyStore) GetByPrefix(ctx context.Context, prefix string) (key.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byPrefix[prefix]
	if !ok {
		return key.Key{}, ports.ErrNotFound
	}
	return s.keys[id], nil
}

// UpdateLastUsed updates the last used timestamp.
func (s *KeyStore) UpdateLastUsed(ctx context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return ports.ErrNotFound
	}
	k.LastUsed = &t
	s.keys[id] = k
	return nil
}

// Revoke marks a key as revoked.
func (s *KeyStore) Revoke(ctx context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return ports.ErrNotFound
	}
	k.RevokedAt = &t
	s.keys[id] = k
	return nil
}

// Ensure interface compliance.
var _ ports.KeyStore = (*KeyStore)(nil)
