package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/tier"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// CallerStore implements ports.CallerStore using SQLite.
type CallerStore struct {
	db *DB
}

// NewCallerStore creates a new SQLite caller store.
func NewCallerStore(db *DB) *CallerStore {
	return &CallerStore{db: db}
}

const callerColumns = `id, email, name, tier, provider_customer_id, status, created_at, updated_at`

// Get retrieves a caller by ID.
func (s *CallerStore) Get(ctx context.Context, id string) (ports.Caller, error) {
	row := s.db.q(ctx).QueryRowContext(ctx, `
		SELECT `+callerColumns+`
		FROM callers
		WHERE id = ?
	`, id)
	return scanCaller(row)
}

// GetByEmail retrieves a caller by email.
func (s *CallerStore) GetByEmail(ctx context.Context, email string) (ports.Caller, error) {
	row := s.db.q(ctx).QueryRowContext(ctx, `
		SELECT `+callerColumns+`
		FROM callers
		WHERE email = ?
	`, email)
	return scanCaller(row)
}

// GetByProviderCustomerID retrieves a caller by their payment-provider
// customer reference.
func (s *CallerStore) GetByProviderCustomerID(ctx context.Context, customerID string) (ports.Caller, error) {
	row := s.db.q(ctx).QueryRowContext(ctx, `
		SELECT `+callerColumns+`
		FROM callers
		WHERE provider_customer_id = ? AND provider_customer_id != ''
	`, customerID)
	return scanCaller(row)
}

// Create stores a new caller.
func (s *CallerStore) Create(ctx context.Context, c ports.Caller) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}

	_, err := s.db.q(ctx).ExecContext(ctx, `
		INSERT INTO callers (id, email, name, tier, provider_customer_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Email, c.Name, string(c.Tier), c.ProviderCustomerID, string(c.Status),
		c.CreatedAt.UTC(), c.UpdatedAt.UTC())

	if err != nil && isUniqueConstraintError(err) {
		return ports.ErrDuplicate
	}
	return err
}

// Update modifies an existing caller.
func (s *CallerStore) Update(ctx context.Context, c ports.Caller) error {
	result, err := s.db.q(ctx).ExecContext(ctx, `
		UPDATE callers
		SET email = ?, name = ?, tier = ?, provider_customer_id = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, c.Email, c.Name, string(c.Tier), c.ProviderCustomerID, string(c.Status),
		c.UpdatedAt.UTC(), c.ID)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ports.ErrDuplicate
		}
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

func scanCaller(row *sql.Row) (ports.Caller, error) {
	var c ports.Caller
	var tr, status string

	err := row.Scan(&c.ID, &c.Email, &c.Name, &tr, &c.ProviderCustomerID, &status,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.Caller{}, ports.ErrNotFound
	}
	if err != nil {
		return ports.Caller{}, err
	}

	c.Tier = tier.Tier(tr)
	c.Status = ports.CallerStatus(status)
	return c, nil
}

// Ensure interface compliance.
var _ ports.CallerStore = (*CallerStore)(nil)
