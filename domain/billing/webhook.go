package billing

import "time"

// ProviderEvent is the validated envelope of one webhook delivery
// (value type). EventID is the provider's own event identifier and is
// the natural idempotency key.
type ProviderEvent struct {
	EventID string
	Type    string
	Data    []byte // raw event object payload, JSON
}

// WebhookOutcome is the processing state of a stored webhook event.
type WebhookOutcome string

const (
	OutcomePending   WebhookOutcome = "pending"   // awaiting (re)processing
	OutcomeProcessed WebhookOutcome = "processed" // effect applied
	OutcomeFailed    WebhookOutcome = "failed"    // retries exhausted, needs attention
)

// WebhookEvent is a received webhook delivery plus its processing
// state (value type). The state is persisted so retries survive
// restarts and exhausted events stay visible instead of vanishing.
type WebhookEvent struct {
	ID            string
	Provider      string
	EventID       string // unique per provider
	Type          string
	Payload       []byte
	ReceivedAt    time.Time
	ProcessedAt   *time.Time
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	Outcome       WebhookOutcome
}

// Due reports whether a pending event is eligible for processing.
func (e WebhookEvent) Due(now time.Time) bool {
	return e.Outcome == OutcomePending && !now.Before(e.NextAttemptAt)
}

// NextAttempt returns when a failed attempt should be retried. The
// delay doubles with each attempt, capped at max: base, 2*base,
// 4*base, ...
// This is a PURE function.
func NextAttempt(attempts int, base, max time.Duration, now time.Time) time.Time {
	if base <= 0 {
		base = time.Minute
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			delay = max
			break
		}
	}
	if max > 0 && delay > max {
		delay = max
	}
	return now.Add(delay)
}
