// Package payment provides payment provider adapters.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/customer"
	"github.com/stripe/stripe-go/v76/subscription"
	"github.com/stripe/stripe-go/v76/usagerecord"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/billing"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// Compile-time check that the adapter satisfies the port.
var _ ports.PaymentProvider = (*StripeProvider)(nil)

// StripeConfig holds Stripe configuration.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

// StripeProvider implements ports.PaymentProvider for Stripe.
type StripeProvider struct {
	config StripeConfig
}

// NewStripeProvider creates a new Stripe payment provider.
func NewStripeProvider(config StripeConfig) *StripeProvider {
	stripe.Key = config.SecretKey
	return &StripeProvider{config: config}
}

// Name returns the provider name.
func (p *StripeProvider) Name() string {
	return "stripe"
}

// EnsureCustomer returns the caller's Stripe customer ID, creating the
// customer on first use.
func (p *StripeProvider) EnsureCustomer(ctx context.Context, c ports.Caller) (string, error) {
	if c.ProviderCustomerID != "" {
		return c.ProviderCustomerID, nil
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(c.Email),
		Name:  stripe.String(c.Name),
	}
	params.Context = ctx
	params.AddMetadata("caller_id", c.ID)

	cust, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	return cust.ID, nil
}

// CreateSubscription opens a metered subscription on the given price.
// The idempotency key makes a retried call return the original
// subscription instead of creating another.
func (p *StripeProvider) CreateSubscription(ctx context.Context, customerID, priceID, idempotencyKey string) (billing.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceID)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	s, err := subscription.New(params)
	if err != nil {
		return billing.Subscription{}, fmt.Errorf("create stripe subscription: %w", err)
	}
	return fromStripeSubscription(s), nil
}

// ChangeSubscriptionPrice moves the subscription's metered item onto a
// different price, prorating the switch.
func (p *StripeProvider) ChangeSubscriptionPrice(ctx context.Context, providerID, providerItemID, priceID, idempotencyKey string) (billing.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(providerItemID),
				Price: stripe.String(priceID),
			},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	s, err := subscription.Update(providerID, params)
	if err != nil {
		return billing.Subscription{}, fmt.Errorf("update stripe subscription: %w", err)
	}
	return fromStripeSubscription(s), nil
}

// CancelSubscription cancels a subscription, either at period end or
// immediately.
func (p *StripeProvider) CancelSubscription(ctx context.Context, providerID string, atPeriodEnd bool) (billing.Subscription, error) {
	var s *stripe.Subscription
	var err error
	if atPeriodEnd {
		params := &stripe.SubscriptionParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		params.Context = ctx
		s, err = subscription.Update(providerID, params)
	} else {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		s, err = subscription.Cancel(providerID, params)
	}
	if err != nil {
		return billing.Subscription{}, fmt.Errorf("cancel stripe subscription: %w", err)
	}
	return fromStripeSubscription(s), nil
}

// GetSubscription retrieves the provider's current view of a
// subscription.
func (p *StripeProvider) GetSubscription(ctx context.Context, providerID string) (billing.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	s, err := subscription.Get(providerID, params)
	if err != nil {
		return billing.Subscription{}, fmt.Errorf("get stripe subscription: %w", err)
	}
	return fromStripeSubscription(s), nil
}

// ReportUsage reports metered overage units against a subscription
// item. The idempotency key keeps a retried report from double
// counting.
func (p *StripeProvider) ReportUsage(ctx context.Context, providerItemID string, units int64, at time.Time, idempotencyKey string) error {
	params := &stripe.UsageRecordParams{
		SubscriptionItem: stripe.String(providerItemID),
		Quantity:         stripe.Int64(units),
		Timestamp:        stripe.Int64(at.Unix()),
		Action:           stripe.String(string(stripe.UsageRecordActionIncrement)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	if _, err := usagerecord.New(params); err != nil {
		return fmt.Errorf("report stripe usage: %w", err)
	}
	return nil
}

// ParseWebhook validates the payload signature and returns the event
// envelope.
func (p *StripeProvider) ParseWebhook(payload []byte, signature string) (billing.ProviderEvent, error) {
	event, err := webhook.ConstructEvent(payload, signature, p.config.WebhookSecret)
	if err != nil {
		return billing.ProviderEvent{}, fmt.Errorf("verify stripe webhook: %w", err)
	}
	return billing.ProviderEvent{
		EventID: event.ID,
		Type:    string(event.Type),
		Data:    event.Data.Raw,
	}, nil
}

// fromStripeSubscription maps the provider object onto the local
// shape. Local identity fields (ID, CallerID, Tier) stay empty; the
// billing service owns those.
func fromStripeSubscription(s *stripe.Subscription) billing.Subscription {
	sub := billing.Subscription{
		Provider:           "stripe",
		ProviderID:         s.ID,
		Status:             mapStripeStatus(s.Status),
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		CurrentPeriodStart: time.Unix(s.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(s.CurrentPeriodEnd, 0).UTC(),
	}
	if s.CanceledAt > 0 {
		t := time.Unix(s.CanceledAt, 0).UTC()
		sub.CanceledAt = &t
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		sub.ProviderItemID = item.ID
		if item.Price != nil {
			sub.ProviderPriceID = item.Price.ID
		}
	}
	return sub
}

func mapStripeStatus(status stripe.SubscriptionStatus) billing.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive:
		return billing.StatusActive
	case stripe.SubscriptionStatusTrialing:
		return billing.StatusTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return billing.StatusPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return billing.StatusCanceled
	default:
		// incomplete, paused, and anything new: not billable yet.
		return billing.StatusIncomplete
	}
}
