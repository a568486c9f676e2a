package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/billing"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/tier"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// Webhook event types handled by the service. These are the Stripe
// names; the noop provider emits the same ones.
const (
	eventSubscriptionCreated  = "customer.subscription.created"
	eventSubscriptionUpdated  = "customer.subscription.updated"
	eventSubscriptionDeleted  = "customer.subscription.deleted"
	eventInvoicePaid          = "invoice.paid"
	eventInvoicePaymentFailed = "invoice.payment_failed"
)

// IngestWebhook validates, records and applies one webhook delivery.
// A redelivered event is acknowledged without effect. A processing
// failure is not returned: the event stays pending and the retry loop
// owns it from here.
func (b *BillingService) IngestWebhook(ctx context.Context, payload []byte, signature string) error {
	// 1. Validate the signature and unwrap the envelope
	ev, err := b.deps.Payments.ParseWebhook(payload, signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}

	// 2. Record the delivery; (provider, event id) is unique
	now := b.deps.Clock.Now()
	e := billing.WebhookEvent{
		ID:            b.deps.IDs.New(),
		Provider:      b.deps.Payments.Name(),
		EventID:       ev.EventID,
		Type:          ev.Type,
		Payload:       ev.Data,
		ReceivedAt:    now,
		NextAttemptAt: now,
		Outcome:       billing.OutcomePending,
	}
	if err := b.deps.Webhooks.Insert(ctx, e); err != nil {
		if errors.Is(err, ports.ErrDuplicate) {
			b.deps.Logger.Debug().
				Str("event_id", ev.EventID).
				Str("type", ev.Type).
				Msg("duplicate webhook delivery ignored")
			return nil
		}
		return fmt.Errorf("store webhook event: %w", err)
	}

	// 3. Apply immediately; failures stay pending for RetryPending
	if err := b.processEvent(ctx, e); err != nil {
		b.deps.Logger.Error().Err(err).
			Str("event_id", ev.EventID).
			Str("type", ev.Type).
			Msg("webhook processing failed, scheduled for retry")
	}
	return nil
}

// RetryPending re-applies due pending webhook events, oldest first,
// and returns how many succeeded.
func (b *BillingService) RetryPending(ctx context.Context) (int, error) {
	due, err := b.deps.Webhooks.ListDue(ctx, b.deps.Clock.Now(), b.cfg.RetryBatch)
	if err != nil {
		return 0, fmt.Errorf("list due webhook events: %w", err)
	}

	processed := 0
	for _, e := range due {
		if err := b.processEvent(ctx, e); err == nil {
			processed++
		}
	}
	if processed > 0 {
		b.deps.Logger.Info().
			Int("processed", processed).
			Int("due", len(due)).
			Msg("retried pending webhook events")
	}
	return processed, nil
}

// processEvent applies the event's effect and marks it processed in
// one transaction, so a crash can never leave the effect applied but
// the event still pending. On failure the retry state is persisted
// outside the rolled-back transaction.
func (b *BillingService) processEvent(ctx context.Context, e billing.WebhookEvent) error {
	now := b.deps.Clock.Now()
	err := b.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		if err := b.applyEvent(ctx, e); err != nil {
			return err
		}
		processed := e
		processed.Attempts++
		processed.ProcessedAt = &now
		processed.Outcome = billing.OutcomeProcessed
		processed.LastError = ""
		return b.deps.Webhooks.Update(ctx, processed)
	})
	if err == nil {
		return nil
	}

	e.Attempts++
	e.LastError = err.Error()
	if e.Attempts >= b.cfg.MaxWebhookAttempts {
		e.Outcome = billing.OutcomeFailed
		b.deps.Logger.Error().Err(err).
			Str("event_id", e.EventID).
			Str("type", e.Type).
			Int("attempts", e.Attempts).
			Msg("webhook event failed permanently")
		if b.deps.OnWebhookExhausted != nil {
			b.deps.OnWebhookExhausted()
		}
	} else {
		e.NextAttemptAt = billing.NextAttempt(e.Attempts, b.cfg.RetryBase, b.cfg.RetryMax, now)
	}
	if uerr := b.deps.Webhooks.Update(ctx, e); uerr != nil {
		b.deps.Logger.Error().Err(uerr).
			Str("event_id", e.EventID).
			Msg("failed to persist webhook retry state")
	}
	return err
}

// applyEvent dispatches on the event type. Unknown types are
// acknowledged as no-ops.
func (b *BillingService) applyEvent(ctx context.Context, e billing.WebhookEvent) error {
	switch e.Type {
	case eventSubscriptionCreated, eventSubscriptionUpdated:
		return b.applySubscriptionEvent(ctx, e)
	case eventSubscriptionDeleted:
		return b.applySubscriptionDeleted(ctx, e)
	case eventInvoicePaid:
		return b.applyInvoicePaid(ctx, e)
	case eventInvoicePaymentFailed:
		return b.applyInvoicePaymentFailed(ctx, e)
	default:
		b.deps.Logger.Debug().
			Str("type", e.Type).
			Str("event_id", e.EventID).
			Msg("ignoring unhandled webhook type")
		return nil
	}
}

func (b *BillingService) applySubscriptionEvent(ctx context.Context, e billing.WebhookEvent) error {
	p, err := parseSubscriptionPayload(e.Payload)
	if err != nil {
		return err
	}
	remote, ok := p.remote()
	if !ok {
		b.deps.Logger.Warn().
			Str("event_id", e.EventID).
			Str("status", p.Status).
			Msg("unknown provider subscription status, ignoring event")
		return nil
	}

	local, err := b.deps.Subs.GetByProviderID(ctx, p.ID)
	if errors.Is(err, ports.ErrNotFound) {
		return b.adoptForeignSubscription(ctx, e, p, remote)
	}
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}

	// Webhooks for different events may arrive out of order; reject
	// transitions the state machine forbids and let reconciliation
	// settle the truth.
	if !billing.CanTransition(local.Status, remote.Status) {
		b.deps.Logger.Warn().
			Str("event_id", e.EventID).
			Str("subscription_id", local.ID).
			Str("from", string(local.Status)).
			Str("to", string(remote.Status)).
			Msg("out-of-order subscription webhook ignored")
		return nil
	}

	sub := billing.Adopt(local, remote)
	if t, ok := b.tierForPrice(sub.ProviderPriceID); ok {
		sub.Tier = t
	}
	sub.UpdatedAt = b.deps.Clock.Now()
	if err := b.deps.Subs.Update(ctx, sub); err != nil {
		return fmt.Errorf("store subscription: %w", err)
	}

	return b.syncCallerTier(ctx, sub)
}

// adoptForeignSubscription creates a local record for a subscription
// first seen via webhook, e.g. one created in the provider dashboard.
func (b *BillingService) adoptForeignSubscription(ctx context.Context, e billing.WebhookEvent, p subscriptionPayload, remote billing.Subscription) error {
	caller, err := b.deps.Callers.GetByProviderCustomerID(ctx, p.Customer)
	if errors.Is(err, ports.ErrNotFound) {
		b.deps.Logger.Debug().
			Str("event_id", e.EventID).
			Str("customer", p.Customer).
			Msg("webhook subscription has no local caller, ignoring")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load caller: %w", err)
	}

	now := b.deps.Clock.Now()
	sub := remote
	sub.ID = b.deps.IDs.New()
	sub.CallerID = caller.ID
	sub.Provider = e.Provider
	sub.Tier = caller.Tier
	if t, ok := b.tierForPrice(sub.ProviderPriceID); ok {
		sub.Tier = t
	}
	sub.CreatedAt = now
	sub.UpdatedAt = now
	if err := b.deps.Subs.Create(ctx, sub); err != nil {
		if errors.Is(err, ports.ErrDuplicate) {
			// Lost a race with our own Subscribe flow; the updated
			// event will converge the record.
			return nil
		}
		return fmt.Errorf("store subscription: %w", err)
	}

	b.deps.Logger.Info().
		Str("caller_id", caller.ID).
		Str("subscription_id", sub.ID).
		Str("provider_id", sub.ProviderID).
		Msg("adopted provider-created subscription")
	return b.syncCallerTier(ctx, sub)
}

func (b *BillingService) applySubscriptionDeleted(ctx context.Context, e billing.WebhookEvent) error {
	p, err := parseSubscriptionPayload(e.Payload)
	if err != nil {
		return err
	}
	sub, err := b.deps.Subs.GetByProviderID(ctx, p.ID)
	if errors.Is(err, ports.ErrNotFound) {
		b.deps.Logger.Debug().
			Str("event_id", e.EventID).
			Str("provider_id", p.ID).
			Msg("deletion webhook for unknown subscription, ignoring")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	if sub.Status == billing.StatusCanceled {
		return nil
	}

	now := b.deps.Clock.Now()
	sub.Status = billing.StatusCanceled
	if sub.CanceledAt == nil {
		if p.CanceledAt > 0 {
			t := time.Unix(p.CanceledAt, 0).UTC()
			sub.CanceledAt = &t
		} else {
			sub.CanceledAt = &now
		}
	}
	sub.UpdatedAt = now
	if err := b.deps.Subs.Update(ctx, sub); err != nil {
		return fmt.Errorf("store subscription: %w", err)
	}

	return b.syncCallerTier(ctx, sub)
}

func (b *BillingService) applyInvoicePaid(ctx context.Context, e billing.WebhookEvent) error {
	p, err := parseInvoicePayload(e.Payload)
	if err != nil {
		return err
	}
	if p.Subscription == "" {
		return nil
	}
	sub, err := b.deps.Subs.GetByProviderID(ctx, p.Subscription)
	if errors.Is(err, ports.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	if sub.Status.Billable() {
		return nil
	}
	if !billing.CanTransition(sub.Status, billing.StatusActive) {
		return nil
	}

	sub.Status = billing.StatusActive
	sub.UpdatedAt = b.deps.Clock.Now()
	if err := b.deps.Subs.Update(ctx, sub); err != nil {
		return fmt.Errorf("store subscription: %w", err)
	}

	b.deps.Logger.Info().
		Str("subscription_id", sub.ID).
		Str("invoice_id", p.ID).
		Msg("subscription reactivated by paid invoice")
	return b.syncCallerTier(ctx, sub)
}

func (b *BillingService) applyInvoicePaymentFailed(ctx context.Context, e billing.WebhookEvent) error {
	p, err := parseInvoicePayload(e.Payload)
	if err != nil {
		return err
	}
	if p.Subscription == "" {
		return nil
	}
	sub, err := b.deps.Subs.GetByProviderID(ctx, p.Subscription)
	if errors.Is(err, ports.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	if sub.Status == billing.StatusPastDue {
		return nil
	}
	if !billing.CanTransition(sub.Status, billing.StatusPastDue) {
		return nil
	}

	sub.Status = billing.StatusPastDue
	sub.UpdatedAt = b.deps.Clock.Now()
	if err := b.deps.Subs.Update(ctx, sub); err != nil {
		return fmt.Errorf("store subscription: %w", err)
	}

	b.deps.Logger.Warn().
		Str("subscription_id", sub.ID).
		Str("caller_id", sub.CallerID).
		Str("invoice_id", p.ID).
		Msg("subscription past due after failed payment")
	return nil
}

// syncCallerTier aligns the caller's tier with the subscription state:
// billable grants the subscription tier, canceled drops to free.
func (b *BillingService) syncCallerTier(ctx context.Context, sub billing.Subscription) error {
	caller, err := b.deps.Callers.Get(ctx, sub.CallerID)
	if err != nil {
		return fmt.Errorf("load caller: %w", err)
	}
	switch {
	case sub.Status.Billable():
		return b.setCallerTier(ctx, caller, sub.Tier)
	case sub.Status == billing.StatusCanceled:
		return b.setCallerTier(ctx, caller, tier.Free)
	default:
		return nil
	}
}

// subscriptionPayload is the provider's subscription object reduced to
// the fields the service consumes. Field names follow the Stripe
// schema.
type subscriptionPayload struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CanceledAt         int64  `json:"canceled_at"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			ID    string `json:"id"`
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func parseSubscriptionPayload(data []byte) (subscriptionPayload, error) {
	var p subscriptionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse subscription payload: %w", err)
	}
	if p.ID == "" {
		return p, errors.New("subscription payload missing id")
	}
	return p, nil
}

// remote maps the payload onto a subscription record. ok is false when
// the provider status has no local equivalent.
func (p subscriptionPayload) remote() (billing.Subscription, bool) {
	status, ok := mapProviderStatus(p.Status)
	if !ok {
		return billing.Subscription{}, false
	}
	sub := billing.Subscription{
		ProviderID:        p.ID,
		Status:            status,
		CancelAtPeriodEnd: p.CancelAtPeriodEnd,
	}
	if p.CurrentPeriodStart > 0 {
		sub.CurrentPeriodStart = time.Unix(p.CurrentPeriodStart, 0).UTC()
	}
	if p.CurrentPeriodEnd > 0 {
		sub.CurrentPeriodEnd = time.Unix(p.CurrentPeriodEnd, 0).UTC()
	}
	if p.CanceledAt > 0 {
		t := time.Unix(p.CanceledAt, 0).UTC()
		sub.CanceledAt = &t
	}
	if len(p.Items.Data) > 0 {
		sub.ProviderItemID = p.Items.Data[0].ID
		sub.ProviderPriceID = p.Items.Data[0].Price.ID
	}
	return sub, true
}

// invoicePayload is the provider's invoice object reduced to the
// fields the service consumes.
type invoicePayload struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
}

func parseInvoicePayload(data []byte) (invoicePayload, error) {
	var p invoicePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse invoice payload: %w", err)
	}
	return p, nil
}

// mapProviderStatus normalizes provider status strings onto the local
// state machine.
func mapProviderStatus(s string) (billing.SubscriptionStatus, bool) {
	switch s {
	case "active":
		return billing.StatusActive, true
	case "trialing":
		return billing.StatusTrialing, true
	case "past_due", "unpaid":
		return billing.StatusPastDue, true
	case "incomplete":
		return billing.StatusIncomplete, true
	case "incomplete_expired", "canceled":
		return billing.StatusCanceled, true
	default:
		return "", false
	}
}
