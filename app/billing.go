package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/billing"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/breaker"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/tier"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

var (
	// ErrSubscriptionExists is returned by Subscribe when the caller
	// already has a non-canceled subscription.
	ErrSubscriptionExists = errors.New("subscription already exists")
	// ErrNoSubscription is returned when an operation requires an
	// existing subscription and the caller has none.
	ErrNoSubscription = errors.New("no subscription")
	// ErrUnknownTier is returned when the requested tier is not
	// configured.
	ErrUnknownTier = errors.New("unknown tier")
	// ErrTierNotSubscribable is returned when the tier carries no
	// provider price, e.g. free.
	ErrTierNotSubscribable = errors.New("tier has no subscription price")
	// ErrInvalidWebhook is returned when a webhook payload fails
	// signature validation.
	ErrInvalidWebhook = errors.New("invalid webhook")
)

// BillingDeps contains dependencies for BillingService.
type BillingDeps struct {
	Callers  ports.CallerStore
	Subs     ports.SubscriptionStore
	Webhooks ports.WebhookStore
	Usage    ports.UsageStore
	Payments ports.PaymentProvider
	Breaker  *breaker.Breaker
	Tx       ports.TxRunner
	IDs      ports.IDGenerator
	Clock    ports.Clock
	Logger   zerolog.Logger

	// Tiers returns the current tier table; reads go through the
	// config holder so hot reloads are picked up.
	Tiers func() map[tier.Tier]tier.Limits

	// OnTierChange is called after a caller's effective tier changed,
	// so cached quota snapshots can be invalidated. Optional.
	OnTierChange func(callerID string)
	// OnWebhookExhausted is called when a webhook event runs out of
	// retry attempts. Optional, used for alert counters.
	OnWebhookExhausted func()
	// OnDrift is called once per divergent subscription found by
	// reconciliation. Optional.
	OnDrift func()
}

// BillingConfig tunes webhook retries and reconciliation paging.
type BillingConfig struct {
	// MaxWebhookAttempts is how often a failing event is retried
	// before being marked failed.
	MaxWebhookAttempts int
	// RetryBase is the first retry delay; it doubles per attempt up
	// to RetryMax.
	RetryBase time.Duration
	RetryMax  time.Duration
	// RetryBatch caps how many due events one RetryPending pass
	// processes.
	RetryBatch int
	// ReconcilePageSize is the ListOpen page size.
	ReconcilePageSize int
}

// BillingService owns the subscription lifecycle against the external
// payment provider. Local records are optimistic copies; webhooks and
// reconciliation converge them on the provider's truth.
type BillingService struct {
	deps BillingDeps
	cfg  BillingConfig
}

// NewBillingService creates the service.
func NewBillingService(deps BillingDeps, cfg BillingConfig) *BillingService {
	if cfg.MaxWebhookAttempts <= 0 {
		cfg.MaxWebhookAttempts = 8
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Minute
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = time.Hour
	}
	if cfg.RetryBatch <= 0 {
		cfg.RetryBatch = 50
	}
	if cfg.ReconcilePageSize <= 0 {
		cfg.ReconcilePageSize = 100
	}
	return &BillingService{deps: deps, cfg: cfg}
}

// Subscribe creates a provider subscription for the caller on the
// given tier. The caller's tier is upgraded once the subscription is
// billable; an incomplete subscription keeps the old limits until the
// provider confirms payment.
func (b *BillingService) Subscribe(ctx context.Context, callerID string, t tier.Tier) (billing.Subscription, error) {
	// 1. Load the caller and resolve the tier price
	caller, err := b.deps.Callers.Get(ctx, callerID)
	if err != nil {
		return billing.Subscription{}, fmt.Errorf("load caller: %w", err)
	}
	limits, err := b.limitsFor(t)
	if err != nil {
		return billing.Subscription{}, err
	}
	if limits.ProviderPriceID == "" {
		return billing.Subscription{}, fmt.Errorf("%w: %s", ErrTierNotSubscribable, t)
	}

	// 2. Reject a second open subscription
	if _, err := b.deps.Subs.GetByCaller(ctx, callerID); err == nil {
		return billing.Subscription{}, ErrSubscriptionExists
	} else if !errors.Is(err, ports.ErrNotFound) {
		return billing.Subscription{}, fmt.Errorf("load subscription: %w", err)
	}

	// 3. Ensure the provider customer exists (I/O, breaker-guarded)
	caller, err = b.ensureCustomer(ctx, caller)
	if err != nil {
		return billing.Subscription{}, err
	}

	// 4. Create the provider subscription (I/O, breaker-guarded)
	var remote billing.Subscription
	err = b.deps.Breaker.Do(ctx, func(ctx context.Context) error {
		var perr error
		remote, perr = b.deps.Payments.CreateSubscription(ctx, caller.ProviderCustomerID, limits.ProviderPriceID, b.deps.IDs.New())
		return perr
	})
	if err != nil {
		return billing.Subscription{}, fmt.Errorf("create provider subscription: %w", err)
	}

	// 5. Persist the optimistic local copy
	now := b.deps.Clock.Now()
	sub := remote
	sub.ID = b.deps.IDs.New()
	sub.CallerID = caller.ID
	sub.Tier = t
	sub.CreatedAt = now
	sub.UpdatedAt = now
	if err := b.deps.Subs.Create(ctx, sub); err != nil {
		if errors.Is(err, ports.ErrDuplicate) {
			return billing.Subscription{}, ErrSubscriptionExists
		}
		return billing.Subscription{}, fmt.Errorf("store subscription: %w", err)
	}

	// 6. Upgrade the caller once billable
	if sub.Status.Billable() {
		if err := b.setCallerTier(ctx, caller, t); err != nil {
			return billing.Subscription{}, err
		}
	} else {
		b.deps.Logger.Info().
			Str("caller_id", caller.ID).
			Str("status", string(sub.Status)).
			Msg("subscription awaiting provider confirmation")
	}

	b.deps.Logger.Info().
		Str("caller_id", caller.ID).
		Str("subscription_id", sub.ID).
		Str("tier", string(t)).
		Str("status", string(sub.Status)).
		Msg("subscription created")
	return sub, nil
}

// ChangeTier moves the caller's subscription to another tier's price.
func (b *BillingService) ChangeTier(ctx context.Context, callerID string, t tier.Tier) (billing.Subscription, error) {
	// 1. Load caller, subscription and the target price
	caller, err := b.deps.Callers.Get(ctx, callerID)
	if err != nil {
		return billing.Subscription{}, fmt.Errorf("load caller: %w", err)
	}
	sub, err := b.deps.Subs.GetByCaller(ctx, callerID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return billing.Subscription{}, ErrNoSubscription
		}
		return billing.Subscription{}, fmt.Errorf("load subscription: %w", err)
	}
	limits, err := b.limitsFor(t)
	if err != nil {
		return billing.Subscription{}, err
	}
	if limits.ProviderPriceID == "" {
		return billing.Subscription{}, fmt.Errorf("%w: %s", ErrTierNotSubscribable, t)
	}
	if sub.Tier == t {
		return sub, nil
	}

	// 2. Move the provider subscription (I/O, breaker-guarded)
	var remote billing.Subscription
	err = b.deps.Breaker.Do(ctx, func(ctx context.Context) error {
		var perr error
		remote, perr = b.deps.Payments.ChangeSubscriptionPrice(ctx, sub.ProviderID, sub.ProviderItemID, limits.ProviderPriceID, b.deps.IDs.New())
		return perr
	})
	if err != nil {
		return billing.Subscription{}, fmt.Errorf("change provider subscription: %w", err)
	}

	// 3. Adopt the provider's view locally
	sub = billing.Adopt(sub, remote)
	sub.Tier = t
	sub.UpdatedAt = b.deps.Clock.Now()
	if err := b.deps.Subs.Update(ctx, sub); err != nil {
		return billing.Subscription{}, fmt.Errorf("store subscription: %w", err)
	}

	if sub.Status.Billable() {
		if err := b.setCallerTier(ctx, caller, t); err != nil {
			return billing.Subscription{}, err
		}
	}

	b.deps.Logger.Info().
		Str("caller_id", callerID).
		Str("subscription_id", sub.ID).
		Str("tier", string(t)).
		Msg("subscription tier changed")
	return sub, nil
}

// CancelSubscription cancels the caller's subscription, immediately or
// at period end. Immediate cancellation drops the caller to the free
// tier; period-end cancellation keeps the paid tier until the
// provider's deletion webhook lands.
func (b *BillingService) CancelSubscription(ctx context.Context, callerID string, atPeriodEnd bool) (billing.Subscription, error) {
	caller, err := b.deps.Callers.Get(ctx, callerID)
	if err != nil {
		return billing.Subscription{}, fmt.Errorf("load caller: %w", err)
	}
	sub, err := b.deps.Subs.GetByCaller(ctx, callerID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return billing.Subscription{}, ErrNoSubscription
		}
		return billing.Subscription{}, fmt.Errorf("load subscription: %w", err)
	}

	var remote billing.Subscription
	err = b.deps.Breaker.Do(ctx, func(ctx context.Context) error {
		var perr error
		remote, perr = b.deps.Payments.CancelSubscription(ctx, sub.ProviderID, atPeriodEnd)
		return perr
	})
	if err != nil {
		return billing.Subscription{}, fmt.Errorf("cancel provider subscription: %w", err)
	}

	sub = billing.Adopt(sub, remote)
	sub.UpdatedAt = b.deps.Clock.Now()
	if err := b.deps.Subs.Update(ctx, sub); err != nil {
		return billing.Subscription{}, fmt.Errorf("store subscription: %w", err)
	}

	if sub.Status == billing.StatusCanceled {
		if err := b.setCallerTier(ctx, caller, tier.Free); err != nil {
			return billing.Subscription{}, err
		}
	}

	b.deps.Logger.Info().
		Str("caller_id", callerID).
		Str("subscription_id", sub.ID).
		Bool("at_period_end", atPeriodEnd).
		Msg("subscription canceled")
	return sub, nil
}

// Subscription returns the caller's open subscription.
func (b *BillingService) Subscription(ctx context.Context, callerID string) (billing.Subscription, error) {
	sub, err := b.deps.Subs.GetByCaller(ctx, callerID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return billing.Subscription{}, ErrNoSubscription
		}
		return billing.Subscription{}, fmt.Errorf("load subscription: %w", err)
	}
	return sub, nil
}

// ensureCustomer makes sure the caller has a provider customer and
// persists a newly assigned ID right away, so a later failure cannot
// orphan it.
func (b *BillingService) ensureCustomer(ctx context.Context, caller ports.Caller) (ports.Caller, error) {
	if caller.ProviderCustomerID != "" {
		return caller, nil
	}
	var customerID string
	err := b.deps.Breaker.Do(ctx, func(ctx context.Context) error {
		var perr error
		customerID, perr = b.deps.Payments.EnsureCustomer(ctx, caller)
		return perr
	})
	if err != nil {
		return caller, fmt.Errorf("ensure provider customer: %w", err)
	}
	caller.ProviderCustomerID = customerID
	caller.UpdatedAt = b.deps.Clock.Now()
	if err := b.deps.Callers.Update(ctx, caller); err != nil {
		return caller, fmt.Errorf("store caller: %w", err)
	}
	return caller, nil
}

func (b *BillingService) setCallerTier(ctx context.Context, caller ports.Caller, t tier.Tier) error {
	if caller.Tier == t {
		return nil
	}
	caller.Tier = t
	caller.UpdatedAt = b.deps.Clock.Now()
	if err := b.deps.Callers.Update(ctx, caller); err != nil {
		return fmt.Errorf("store caller: %w", err)
	}
	if b.deps.OnTierChange != nil {
		b.deps.OnTierChange(caller.ID)
	}
	return nil
}

func (b *BillingService) limitsFor(t tier.Tier) (tier.Limits, error) {
	limits, ok := b.deps.Tiers()[t]
	if !ok {
		return tier.Limits{}, fmt.Errorf("%w: %s", ErrUnknownTier, t)
	}
	return limits, nil
}

// tierForPrice reverse-maps a provider price to its tier.
func (b *BillingService) tierForPrice(priceID string) (tier.Tier, bool) {
	if priceID == "" {
		return "", false
	}
	for t, limits := range b.deps.Tiers() {
		if limits.ProviderPriceID == priceID {
			return t, true
		}
	}
	return "", false
}
