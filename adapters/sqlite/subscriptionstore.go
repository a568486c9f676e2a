package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/billing"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/tier"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// SubscriptionStore implements ports.SubscriptionStore using SQLite.
// The partial unique index on (caller_id) keeps at most one
// non-canceled subscription per caller.
type SubscriptionStore struct {
	db *DB
}

// NewSubscriptionStore creates a new SQLite subscription store.
func NewSubscriptionStore(db *DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

const subscriptionColumns = `id, caller_id, tier, status, provider, provider_id, provider_item_id,
	       provider_price_id, current_period_start, current_period_end,
	       cancel_at_period_end, canceled_at, created_at, updated_at`

// Create stores a new subscription.
func (s *SubscriptionStore) Create(ctx context.Context, sub billing.Subscription) error {
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = now
	}

	_, err := s.db.q(ctx).ExecContext(ctx, `
		INSERT INTO subscriptions (
			id, caller_id, tier, status, provider, provider_id, provider_item_id,
			provider_price_id, current_period_start, current_period_end,
			cancel_at_period_end, canceled_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sub.ID, sub.CallerID, string(sub.Tier), string(sub.Status),
		sub.Provider, sub.ProviderID, sub.ProviderItemID, sub.ProviderPriceID,
		sub.CurrentPeriodStart.UTC(), sub.CurrentPeriodEnd.UTC(),
		boolToInt(sub.CancelAtPeriodEnd), nullTime(sub.CanceledAt),
		sub.CreatedAt.UTC(), sub.UpdatedAt.UTC(),
	)

	if err != nil && isUniqueConstraintError(err) {
		return ports.ErrDuplicate
	}
	return err
}

// Update modifies a subscription.
func (s *SubscriptionStore) Update(ctx context.Context, sub billing.Subscription) error {
	result, err := s.db.q(ctx).ExecContext(ctx, `
		UPDATE subscriptions
		SET tier = ?, status = ?, provider = ?, provider_id = ?, provider_item_id = ?,
		    provider_price_id = ?, current_period_start = ?, current_period_end = ?,
		    cancel_at_period_end = ?, canceled_at = ?, updated_at = ?
		WHERE id = ?
	`,
		string(sub.Tier), string(sub.Status), sub.Provider, sub.ProviderID,
		sub.ProviderItemID, sub.ProviderPriceID,
		sub.CurrentPeriodStart.UTC(), sub.CurrentPeriodEnd.UTC(),
		boolToInt(sub.CancelAtPeriodEnd), nullTime(sub.CanceledAt),
		sub.UpdatedAt.UTC(), sub.ID,
	)
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

// Get retrieves a subscription by ID.
func (s *SubscriptionStore) Get(ctx context.Context, id string) (billing.Subscription, error) {
	row := s.db.q(ctx).QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE id = ?
	`, id)
	return scanSubscription(row)
}

// GetByCaller returns the caller's newest non-canceled subscription.
func (s *SubscriptionStore) GetByCaller(ctx context.Context, callerID string) (billing.Subscription, error) {
	row := s.db.q(ctx).QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE caller_id = ? AND status != 'canceled'
		ORDER BY created_at DESC
		LIMIT 1
	`, callerID)
	return scanSubscription(row)
}

// GetByProviderID retrieves a subscription by its provider reference.
func (s *SubscriptionStore) GetByProviderID(ctx context.Context, providerID string) (billing.Subscription, error) {
	row := s.db.q(ctx).QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE provider_id = ? AND provider_id != ''
	`, providerID)
	return scanSubscription(row)
}

// ListOpen pages through all non-canceled subscriptions in creation
// order.
func (s *SubscriptionStore) ListOpen(ctx context.Context, offset, limit int) ([]billing.Subscription, error) {
	rows, err := s.db.q(ctx).QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status != 'canceled'
		ORDER BY created_at, id
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []billing.Subscription
	for rows.Next() {
		sub, err := scanSubscriptionRows(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanSubscription(row *sql.Row) (billing.Subscription, error) {
	sub, err := scanSubscriptionFrom(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Subscription{}, ports.ErrNotFound
	}
	return sub, err
}

func scanSubscriptionRows(rows *sql.Rows) (billing.Subscription, error) {
	return scanSubscriptionFrom(rows.Scan)
}

func scanSubscriptionFrom(scan func(dest ...interface{}) error) (billing.Subscription, error) {
	var sub billing.Subscription
	var tr, status string
	var canceledAt sql.NullTime
	var cancelAtPeriodEnd int

	err := scan(
		&sub.ID, &sub.CallerID, &tr, &status,
		&sub.Provider, &sub.ProviderID, &sub.ProviderItemID, &sub.ProviderPriceID,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&cancelAtPeriodEnd, &canceledAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return billing.Subscription{}, err
	}

	sub.Tier = tier.Tier(tr)
	sub.Status = billing.SubscriptionStatus(status)
	sub.CancelAtPeriodEnd = cancelAtPeriodEnd == 1
	if canceledAt.Valid {
		sub.CanceledAt = &canceledAt.Time
	}
	return sub, nil
}

// Ensure interface compliance.
var _ ports.SubscriptionStore = (*SubscriptionStore)(nil)
