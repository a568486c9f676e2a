package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/key"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// KeyStore implements ports.KeyStore using SQLite.
type KeyStore struct {
	db *DB
}

// NewKeyStore creates a new SQLite key store.
func NewKeyStore(db *DB) *KeyStore {
	return &KeyStore{db: db}
}

// Create stores a new key.
func (s *KeyStore) Create(ctx context.Context, k key.Key) error {
	_, err := s.db.q(ctx).ExecContext(ctx, `
		INSERT INTO api_keys (id, caller_id, hash, prefix, name, expires_at, revoked_at, created_at, last_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, k.ID, k.CallerID, k.Hash, k.Prefix, k.Name,
		nullTime(k.ExpiresAt), nullTime(k.RevokedAt), k.CreatedAt.UTC(), nullTime(k.LastUsed))

	if err != nil && isUniqueConstraintError(err) {
		return ports.ErrDuplicate
	}
	return err
}

// GetByPrefix retrieves the key matching the lookup prefix.
func (s *KeyStore) GetByPrefix(ctx context.Context, prefix string) (key.Key, error) {
	row := s.db.q(ctx).QueryRowContext(ctx, `
		SELECT id, caller_id, hash, prefix, name, expires_at, revoked_at, created_at, last_used
		FROM api_keys
		WHERE prefix = ?
	`, prefix)

	var k key.Key
	var expiresAt, revokedAt, lastUsed sql.NullTime

	err := row.Scan(&k.ID, &k.CallerID, &k.Hash, &k.Prefix, &k.Name,
		&expiresAt, &revokedAt, &k.CreatedAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return key.Key{}, ports.ErrNotFound
	}
	if err != nil {
		return key.Key{}, err
	}

	if expiresAt.Valid {
		k.ExpiresAt = &expiresAt.Time
	}
	if revokedAt.Valid {
		k.RevokedAt = &revokedAt.Time
	}
	if lastUsed.Valid {
		k.LastUsed = &lastUsed.Time
	}
	return k, nil
}

// UpdateLastUsed updates the last used timestamp.
func (s *KeyStore) UpdateLastUsed(ctx context.Context, id string, t time.Time) error {
	_, err := s.db.q(ctx).ExecContext(ctx, `
		UPDATE api_keys SET last_used = ? WHERE id = ?
	`, t.UTC(), id)
	return err
}

// Revoke marks a key as revoked.
func (s *KeyStore) Revoke(ctx context.Context, id string, t time.Time) error {
	result, err := s.db.q(ctx).ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = ? WHERE id = ?
	`, t.UTC(), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ports.ErrNotFound
	}
	return nil
}

// Ensure interface compliance.
var _ ports.KeyStore = (*KeyStore)(nil)
