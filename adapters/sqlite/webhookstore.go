package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/billing"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// WebhookStore implements ports.WebhookStore using SQLite. The unique
// (provider, event_id) constraint makes redeliveries detectable.
type WebhookStore struct {
	db *DB
}

// NewWebhookStore creates a new SQLite webhook event store.
func NewWebhookStore(db *DB) *WebhookStore {
	return &WebhookStore{db: db}
}

const webhookColumns = `id, provider, event_id, type, payload, received_at,
	       processed_at, attempts, next_attempt_at, last_error, outcome`

// Insert stores a newly received event.
func (s *WebhookStore) Insert(ctx context.Context, e billing.WebhookEvent) error {
	_, err := s.db.q(ctx).ExecContext(ctx, `
		INSERT INTO webhook_events (
			id, provider, event_id, type, payload, received_at,
			processed_at, attempts, next_attempt_at, last_error, outcome
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Provider, e.EventID, e.Type, e.Payload, e.ReceivedAt.UTC(),
		nullTime(e.ProcessedAt), e.Attempts, e.NextAttemptAt.UTC(),
		e.LastError, string(e.Outcome))

	if err != nil && isUniqueConstraintError(err) {
		return ports.ErrDuplicate
	}
	return err
}

// Get retrieves an event by its provider identity.
func (s *WebhookStore) Get(ctx context.Context, provider, eventID string) (billing.WebhookEvent, error) {
	row := s.db.q(ctx).QueryRowContext(ctx, `
		SELECT `+webhookColumns+`
		FROM webhook_events
		WHERE provider = ? AND event_id = ?
	`, provider, eventID)

	e, err := scanWebhookEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.WebhookEvent{}, ports.ErrNotFound
	}
	return e, err
}

// Update overwrites an event's processing state.
func (s *WebhookStore) Update(ctx context.Context, e billing.WebhookEvent) error {
	result, err := s.db.q(ctx).ExecContext(ctx, `
		UPDATE webhook_events
		SET processed_at = ?, attempts = ?, next_attempt_at = ?, last_error = ?, outcome = ?
		WHERE provider = ? AND event_id = ?
	`, nullTime(e.ProcessedAt), e.Attempts, e.NextAttemptAt.UTC(),
		e.LastError, string(e.Outcome), e.Provider, e.EventID)
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

// ListDue returns pending events whose next attempt time has passed,
// oldest first.
func (s *WebhookStore) ListDue(ctx context.Context, now time.Time, limit int) ([]billing.WebhookEvent, error) {
	rows, err := s.db.q(ctx).QueryContext(ctx, `
		SELECT `+webhookColumns+`
		FROM webhook_events
		WHERE outcome = 'pending' AND datetime(next_attempt_at) <= datetime(?)
		ORDER BY received_at, id
		LIMIT ?
	`, sqlTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []billing.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanWebhookEvent(scan func(dest ...interface{}) error) (billing.WebhookEvent, error) {
	var e billing.WebhookEvent
	var processedAt sql.NullTime
	var outcome string

	err := scan(&e.ID, &e.Provider, &e.EventID, &e.Type, &e.Payload, &e.ReceivedAt,
		&processedAt, &e.Attempts, &e.NextAttemptAt, &e.LastError, &outcome)
	if err != nil {
		return billing.WebhookEvent{}, err
	}

	if processedAt.Valid {
		e.ProcessedAt = &processedAt.Time
	}
	e.Outcome = billing.WebhookOutcome(outcome)
	return e, nil
}

// Ensure interface compliance.
var _ ports.WebhookStore = (*WebhookStore)(nil)
