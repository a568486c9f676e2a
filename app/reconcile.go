package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/billing"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/breaker"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// ReconcileReport summarizes one reconciliation pass (value type).
type ReconcileReport struct {
	Checked         int
	Drifted         int
	OverageReported int
	Errors          int
}

// Reconcile walks every open subscription, adopts the provider's
// authoritative state on drift, and reports metered overage for closed
// billing periods. An open breaker aborts the pass; everything else is
// logged and counted.
func (b *BillingService) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	now := b.deps.Clock.Now()

	for offset := 0; ; offset += b.cfg.ReconcilePageSize {
		page, err := b.deps.Subs.ListOpen(ctx, offset, b.cfg.ReconcilePageSize)
		if err != nil {
			return report, fmt.Errorf("list open subscriptions: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, sub := range page {
			report.Checked++
			if err := b.reconcileOne(ctx, sub, now, &report); err != nil {
				report.Errors++
				if errors.Is(err, breaker.ErrOpen) {
					b.deps.Logger.Warn().
						Int("checked", report.Checked).
						Msg("billing provider unavailable, aborting reconciliation pass")
					return report, err
				}
				b.deps.Logger.Error().Err(err).
					Str("subscription_id", sub.ID).
					Msg("reconcile subscription")
			}
		}

		if len(page) < b.cfg.ReconcilePageSize {
			break
		}
	}

	b.deps.Logger.Info().
		Int("checked", report.Checked).
		Int("drifted", report.Drifted).
		Int("overage_reported", report.OverageReported).
		Int("errors", report.Errors).
		Msg("reconciliation pass complete")
	return report, nil
}

func (b *BillingService) reconcileOne(ctx context.Context, sub billing.Subscription, now time.Time, report *ReconcileReport) error {
	// 1. Fetch the authoritative state (I/O, breaker-guarded). A
	// subscription the provider no longer knows is treated as
	// canceled.
	var remote billing.Subscription
	err := b.deps.Breaker.Do(ctx, func(ctx context.Context) error {
		var perr error
		remote, perr = b.deps.Payments.GetSubscription(ctx, sub.ProviderID)
		return perr
	})
	if errors.Is(err, ports.ErrNotFound) {
		remote = sub
		remote.Status = billing.StatusCanceled
	} else if err != nil {
		return fmt.Errorf("fetch provider subscription: %w", err)
	}

	// 2. Report overage for a closed period before adopting the new
	// bounds, while the old bounds are still known
	if !sub.CurrentPeriodEnd.IsZero() && !now.Before(sub.CurrentPeriodEnd) {
		reported, oerr := b.reportPeriodOverage(ctx, sub)
		if oerr != nil {
			report.Errors++
			b.deps.Logger.Error().Err(oerr).
				Str("subscription_id", sub.ID).
				Msg("report period overage")
		} else if reported {
			report.OverageReported++
		}
	}

	// 3. Detect and adopt drift
	drifts := billing.Diff(sub, remote)
	if len(drifts) == 0 {
		return nil
	}
	report.Drifted++
	if b.deps.OnDrift != nil {
		b.deps.OnDrift()
	}

	ev := b.deps.Logger.Warn().
		Str("subscription_id", sub.ID).
		Str("caller_id", sub.CallerID)
	for _, d := range drifts {
		ev = ev.Str("drift_"+d.Field, d.Local+" -> "+d.Remote)
	}
	ev.Msg("subscription drift detected, adopting provider state")

	adopted := billing.Adopt(sub, remote)
	if t, ok := b.tierForPrice(adopted.ProviderPriceID); ok {
		adopted.Tier = t
	}
	adopted.UpdatedAt = now
	if err := b.deps.Subs.Update(ctx, adopted); err != nil {
		return fmt.Errorf("store subscription: %w", err)
	}

	return b.syncCallerTier(ctx, adopted)
}

// reportPeriodOverage sends the closed period's metered overage to the
// provider. The idempotency key is stable per (subscription, period
// start), so repeated passes over the same closed period cannot
// double-bill.
func (b *BillingService) reportPeriodOverage(ctx context.Context, sub billing.Subscription) (bool, error) {
	limits, err := b.limitsFor(sub.Tier)
	if err != nil {
		return false, err
	}
	consumed, err := b.deps.Usage.SumForPeriod(ctx, sub.CallerID, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	if err != nil {
		return false, fmt.Errorf("sum period usage: %w", err)
	}

	line := billing.CalculateOverage(sub.CallerID, consumed, limits, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	if !line.Billable() {
		return false, nil
	}

	key := fmt.Sprintf("usage:%s:%d", sub.ID, sub.CurrentPeriodStart.Unix())
	err = b.deps.Breaker.Do(ctx, func(ctx context.Context) error {
		return b.deps.Payments.ReportUsage(ctx, sub.ProviderItemID, line.Units, sub.CurrentPeriodEnd, key)
	})
	if err != nil {
		return false, fmt.Errorf("report overage usage: %w", err)
	}

	b.deps.Logger.Info().
		Str("subscription_id", sub.ID).
		Str("caller_id", sub.CallerID).
		Int64("units", line.Units).
		Float64("amount", line.Amount).
		Time("period_end", sub.CurrentPeriodEnd).
		Msg("reported period overage")
	return true, nil
}
