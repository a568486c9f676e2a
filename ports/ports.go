// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/billing"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/key"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/ratelimit"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/signal"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/tier"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/usage"
)

// -----------------------------------------------------------------------------
// Common Errors
// -----------------------------------------------------------------------------

// ErrNotFound is returned by stores when an entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned by stores when a uniqueness constraint is
// violated, e.g. inserting a webhook event that was already recorded.
var ErrDuplicate = errors.New("already exists")

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// TxRunner runs fn inside a storage transaction. Store calls made with
// the ctx passed to fn join that transaction; fn returning an error
// rolls everything back. Webhook processing uses this so an event's
// effect and its processed mark commit atomically.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// -----------------------------------------------------------------------------
// Caller Ports
// -----------------------------------------------------------------------------

// CallerStatus is the lifecycle state of a caller account.
type CallerStatus string

const (
	CallerActive      CallerStatus = "active"
	CallerDeactivated CallerStatus = "deactivated"
)

// Caller is an account that consumes signals and is billed for usage.
type Caller struct {
	ID                 string
	Email              string
	Name               string
	Tier               tier.Tier
	ProviderCustomerID string // customer reference in the payment provider, empty until first billing action
	Status             CallerStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CallerStore persists caller accounts. Callers are deactivated, never
// deleted, so usage history stays attributable.
type CallerStore interface {
	Get(ctx context.Context, id string) (Caller, error)
	GetByEmail(ctx context.Context, email string) (Caller, error)
	GetByProviderCustomerID(ctx context.Context, customerID string) (Caller, error)
	Create(ctx context.Context, c Caller) error
	Update(ctx context.Context, c Caller) error
}

// KeyStore persists API keys. Only the bcrypt hash is stored; the
// plaintext is shown once at creation.
type KeyStore interface {
	Create(ctx context.Context, k key.Key) error
	// GetByPrefix returns the key matching the lookup prefix.
	GetByPrefix(ctx context.Context, prefix string) (key.Key, error)
	UpdateLastUsed(ctx context.Context, id string, t time.Time) error
	Revoke(ctx context.Context, id string, t time.Time) error
}

// -----------------------------------------------------------------------------
// Billing Ports
// -----------------------------------------------------------------------------

// SubscriptionStore persists billing subscriptions. At most one
// non-canceled subscription may exist per caller; Create returns
// ErrDuplicate when that would be violated.
type SubscriptionStore interface {
	Create(ctx context.Context, s billing.Subscription) error
	Update(ctx context.Context, s billing.Subscription) error
	Get(ctx context.Context, id string) (billing.Subscription, error)
	// GetByCaller returns the caller's newest non-canceled
	// subscription, or ErrNotFound.
	GetByCaller(ctx context.Context, callerID string) (billing.Subscription, error)
	GetByProviderID(ctx context.Context, providerID string) (billing.Subscription, error)
	// ListOpen pages through all non-canceled subscriptions, used by
	// the reconciliation loop.
	ListOpen(ctx context.Context, offset, limit int) ([]billing.Subscription, error)
}

// PaymentProvider abstracts the external billing system. Idempotency
// keys are supplied by the caller so retried requests cannot
// double-create resources.
type PaymentProvider interface {
	Name() string
	// EnsureCustomer creates the caller's customer record if missing
	// and returns the provider customer ID.
	EnsureCustomer(ctx context.Context, c Caller) (string, error)
	CreateSubscription(ctx context.Context, customerID, priceID, idempotencyKey string) (billing.Subscription, error)
	ChangeSubscriptionPrice(ctx context.Context, providerID, providerItemID, priceID, idempotencyKey string) (billing.Subscription, error)
	CancelSubscription(ctx context.Context, providerID string, atPeriodEnd bool) (billing.Subscription, error)
	GetSubscription(ctx context.Context, providerID string) (billing.Subscription, error)
	// ReportUsage reports metered overage units for a subscription
	// item at period close.
	ReportUsage(ctx context.Context, providerItemID string, units int64, at time.Time, idempotencyKey string) error
	// ParseWebhook validates the payload signature and returns the
	// provider's event envelope.
	ParseWebhook(payload []byte, signature string) (billing.ProviderEvent, error)
}

// WebhookStore persists received webhook events and their processing
// state. The (provider, event ID) pair is unique; Insert returns
// ErrDuplicate on redelivery.
type WebhookStore interface {
	Insert(ctx context.Context, e billing.WebhookEvent) error
	Get(ctx context.Context, provider, eventID string) (billing.WebhookEvent, error)
	Update(ctx context.Context, e billing.WebhookEvent) error
	// ListDue returns pending events whose next attempt time has
	// passed, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]billing.WebhookEvent, error)
}

// -----------------------------------------------------------------------------
// Usage Ports
// -----------------------------------------------------------------------------

// UsageStore persists individual usage records. Records are
// append-only; the only mutation is retention pruning.
type UsageStore interface {
	Insert(ctx context.Context, recs []usage.Record) error
	SumForPeriod(ctx context.Context, callerID string, start, end time.Time) (int64, error)
	ListForPeriod(ctx context.Context, callerID string, start, end time.Time, limit int) ([]usage.Record, error)
	// ActiveCallers returns the distinct caller IDs with usage in the
	// window, used by the quota counter sync job.
	ActiveCallers(ctx context.Context, start, end time.Time) ([]string, error)
	PruneBefore(ctx context.Context, t time.Time) (int64, error)
}

// QuotaStore maintains a per-caller, per-period consumed-units counter
// derived from usage records. The counter is a fast-path projection;
// usage records remain the source of truth.
type QuotaStore interface {
	// Add atomically increments the counter and returns the new total.
	Add(ctx context.Context, callerID string, periodStart time.Time, units int64) (int64, error)
	Get(ctx context.Context, callerID string, periodStart time.Time) (int64, error)
	// Set overwrites the counter, used when resyncing from usage
	// records.
	Set(ctx context.Context, callerID string, periodStart time.Time, units int64) error
}

// UsageRecorder accepts usage records without blocking the request
// path. Records are flushed to the UsageStore in batches; a failed
// flush is logged and retried, never surfaced to the caller.
type UsageRecorder interface {
	Record(rec usage.Record)
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// RateLimitStore holds per-caller fixed-window counters. State is
// process-local and volatile; limits reset on restart.
type RateLimitStore interface {
	Get(ctx context.Context, k string) (ratelimit.WindowState, error)
	Put(ctx context.Context, k string, st ratelimit.WindowState) error
}

// -----------------------------------------------------------------------------
// Signal Ports
// -----------------------------------------------------------------------------

// CacheTier is one storage level of the tiered cache. Implementations
// store opaque entry bytes under a physical TTL; logical expiry lives
// inside the encoded entry.
type CacheTier interface {
	// Get returns the entry bytes and whether the key was present.
	Get(ctx context.Context, k string) ([]byte, bool, error)
	Set(ctx context.Context, k string, v []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePattern removes all keys matching a glob pattern and
	// returns how many were removed.
	DeletePattern(ctx context.Context, pattern string) (int, error)
	Name() string
}

// SignalProvider fetches computed signal payloads from the upstream
// data source.
type SignalProvider interface {
	// Fetch returns the raw signal payload for the request.
	// Unavailability (timeouts, 429, 5xx) is reported as an error
	// wrapping the adapter's unavailability sentinel.
	Fetch(ctx context.Context, req signal.Request) ([]byte, error)
	Name() string
}
