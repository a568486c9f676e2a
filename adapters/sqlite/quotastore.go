package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// QuotaStore implements ports.QuotaStore using SQLite so counters
// survive restarts. The counter is a projection; usage records stay
// the source of truth.
type QuotaStore struct {
	db *DB
}

// NewQuotaStore creates a new SQLite quota store.
func NewQuotaStore(db *DB) *QuotaStore {
	return &QuotaStore{db: db}
}

// Add atomically increments the counter and returns the new total.
func (s *QuotaStore) Add(ctx context.Context, callerID string, periodStart time.Time, units int64) (int64, error) {
	now := time.Now().UTC()

	_, err := s.db.q(ctx).ExecContext(ctx, `
		INSERT INTO quota_state (caller_id, period_start, units, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(caller_id, period_start) DO UPDATE SET
			units = units + excluded.units,
			updated_at = excluded.updated_at
	`, callerID, periodStart.UTC(), units, now)
	if err != nil {
		return 0, err
	}

	return s.Get(ctx, callerID, periodStart)
}

// Get returns the counter value, zero when the period has no usage.
func (s *QuotaStore) Get(ctx context.Context, callerID string, periodStart time.Time) (int64, error) {
	row := s.db.q(ctx).QueryRowContext(ctx, `
		SELECT units
		FROM quota_state
		WHERE caller_id = ? AND period_start = ?
	`, callerID, periodStart.UTC())

	var units int64
	err := row.Scan(&units)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return units, nil
}

// Set overwrites the counter, used when resyncing from usage records.
func (s *QuotaStore) Set(ctx context.Context, callerID string, periodStart time.Time, units int64) error {
	now := time.Now().UTC()

	_, err := s.db.q(ctx).ExecContext(ctx, `
		INSERT INTO quota_state (caller_id, period_start, units, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(caller_id, period_start) DO UPDATE SET
			units = excluded.units,
			updated_at = excluded.updated_at
	`, callerID, periodStart.UTC(), units, now)
	return err
}

// CleanupOldPeriods removes counters for periods that started before
// the cutoff, keeping the table bounded.
func (s *QuotaStore) CleanupOldPeriods(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.q(ctx).ExecContext(ctx, `
		DELETE FROM quota_state WHERE period_start < ?
	`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Ensure interface compliance.
var _ ports.QuotaStore = (*QuotaStore)(nil)
