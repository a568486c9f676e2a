package payment

import (
	"context"
	"errors"
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/billing"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// ErrPaymentsDisabled is returned when payments are not configured.
var ErrPaymentsDisabled = errors.New("payments are not configured")

// Compile-time check that the adapter satisfies the port.
var _ ports.PaymentProvider = (*NoopProvider)(nil)

// NoopProvider is a no-op payment provider for deployments without
// billing. Every operation fails with ErrPaymentsDisabled; callers on
// the free tier never reach it.
type NoopProvider struct{}

// NewNoopProvider creates a new no-op payment provider.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

// Name returns the provider name.
func (p *NoopProvider) Name() string {
	return "none"
}

// EnsureCustomer returns an error as payments are disabled.
func (p *NoopProvider) EnsureCustomer(ctx context.Context, c ports.Caller) (string, error) {
	return "", ErrPaymentsDisabled
}

// CreateSubscription returns an error as payments are disabled.
func (p *NoopProvider) CreateSubscription(ctx context.Context, customerID, priceID, idempotencyKey string) (billing.Subscription, error) {
	return billing.Subscription{}, ErrPaymentsDisabled
}

// ChangeSubscriptionPrice returns an error as payments are disabled.
func (p *NoopProvider) ChangeSubscriptionPrice(ctx context.Context, providerID, providerItemID, priceID, idempotencyKey string) (billing.Subscription, error) {
	return billing.Subscription{}, ErrPaymentsDisabled
}

// CancelSubscription returns an error as payments are disabled.
func (p *NoopProvider) CancelSubscription(ctx context.Context, providerID string, atPeriodEnd bool) (billing.Subscription, error) {
	return billing.Subscription{}, ErrPaymentsDisabled
}

// GetSubscription returns an error as payments are disabled.
func (p *NoopProvider) GetSubscription(ctx context.Context, providerID string) (billing.Subscription, error) {
	return billing.Subscription{}, ErrPaymentsDisabled
}

// ReportUsage returns an error as payments are disabled.
func (p *NoopProvider) ReportUsage(ctx context.Context, providerItemID string, units int64, at time.Time, idempotencyKey string) error {
	return ErrPaymentsDisabled
}

// ParseWebhook returns an error as payments are disabled.
func (p *NoopProvider) ParseWebhook(payload []byte, signature string) (billing.ProviderEvent, error) {
	return billing.ProviderEvent{}, ErrPaymentsDisabled
}
