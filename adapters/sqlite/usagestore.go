package sqlite

import (
	"context"
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/usage"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// UsageStore implements ports.UsageStore using SQLite.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new SQLite usage store.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// Insert stores a batch of usage records.
func (s *UsageStore) Insert(ctx context.Context, recs []usage.Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_records (
			id, caller_id, key_id, endpoint, ref, units, status_code, latency_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		_, err := stmt.ExecContext(ctx,
			r.ID, r.CallerID, r.KeyID, r.Endpoint, r.Ref, r.Units,
			r.StatusCode, r.LatencyMs, r.CreatedAt.UTC(),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SumForPeriod totals the units consumed by a caller in [start, end).
func (s *UsageStore) SumForPeriod(ctx context.Context, callerID string, start, end time.Time) (int64, error) {
	row := s.db.q(ctx).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(units), 0)
		FROM usage_records
		WHERE caller_id = ?
		  AND datetime(created_at) >= datetime(?)
		  AND datetime(created_at) < datetime(?)
	`, callerID, sqlTime(start), sqlTime(end))

	var sum int64
	if err := row.Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

// ListForPeriod returns a caller's records in [start, end), newest
// first, capped at limit.
func (s *UsageStore) ListForPeriod(ctx context.Context, callerID string, start, end time.Time, limit int) ([]usage.Record, error) {
	rows, err := s.db.q(ctx).QueryContext(ctx, `
		SELECT id, caller_id, key_id, endpoint, ref, units, status_code, latency_ms, created_at
		FROM usage_records
		WHERE caller_id = ?
		  AND datetime(created_at) >= datetime(?)
		  AND datetime(created_at) < datetime(?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, callerID, sqlTime(start), sqlTime(end), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []usage.Record
	for rows.Next() {
		var r usage.Record
		err := rows.Scan(&r.ID, &r.CallerID, &r.KeyID, &r.Endpoint, &r.Ref,
			&r.Units, &r.StatusCode, &r.LatencyMs, &r.CreatedAt)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// ActiveCallers returns the distinct caller IDs with usage in the
// window.
func (s *UsageStore) ActiveCallers(ctx context.Context, start, end time.Time) ([]string, error) {
	rows, err := s.db.q(ctx).QueryContext(ctx, `
		SELECT DISTINCT caller_id
		FROM usage_records
		WHERE datetime(created_at) >= datetime(?)
		  AND datetime(created_at) < datetime(?)
		ORDER BY caller_id
	`, sqlTime(start), sqlTime(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PruneBefore deletes records created before t and reports how many
// were removed.
func (s *UsageStore) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	result, err := s.db.q(ctx).ExecContext(ctx, `
		DELETE FROM usage_records WHERE datetime(created_at) < datetime(?)
	`, sqlTime(t))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
