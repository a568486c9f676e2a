package bootstrap

import (
	"context"
	"time"
)

// loopTimeout bounds one pass of any background loop.
const loopTimeout = 5 * time.Minute

// startLoops launches the maintenance loops: webhook retry, provider
// reconciliation, quota counter sync and usage pruning.
func (a *App) startLoops() {
	cfg := a.Holder.Get()

	a.spawnLoop("webhook_retry", cfg.Billing.WebhookRetryEvery, func(ctx context.Context) {
		n, err := a.Billing.RetryPending(ctx)
		if err != nil {
			a.Logger.Error().Err(err).Msg("webhook retry pass failed")
			return
		}
		if n > 0 && a.Metrics != nil {
			a.Metrics.WebhookEvents.WithLabelValues("retried").Add(float64(n))
		}
	})

	a.spawnLoop("reconcile", cfg.Billing.ReconcileEvery, func(ctx context.Context) {
		report, err := a.Billing.Reconcile(ctx)
		if err != nil {
			a.Logger.Error().Err(err).Msg("reconciliation pass failed")
			return
		}
		if report.Checked > 0 {
			a.Logger.Info().
				Int("checked", report.Checked).
				Int("drifted", report.Drifted).
				Int("overage_reported", report.OverageReported).
				Int("errors", report.Errors).
				Msg("reconciliation pass finished")
		}
	})

	a.spawnLoop("counter_sync", cfg.Usage.SyncInterval, func(ctx context.Context) {
		if _, err := a.Metering.SyncCounters(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("quota counter sync failed")
		}
	})

	if cfg.Usage.RetentionDays > 0 {
		retention := time.Duration(cfg.Usage.RetentionDays) * 24 * time.Hour
		a.spawnLoop("usage_prune", 24*time.Hour, func(ctx context.Context) {
			if _, err := a.Metering.PruneUsage(ctx, retention); err != nil {
				a.Logger.Error().Err(err).Msg("usage prune failed")
			}
		})
	}
}

// spawnLoop runs fn on a ticker until stopLoops.
func (a *App) spawnLoop(name string, every time.Duration, fn func(ctx context.Context)) {
	if every <= 0 {
		return
	}
	a.loopWG.Add(1)
	go func() {
		defer a.loopWG.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		a.Logger.Debug().Str("loop", name).Dur("every", every).Msg("background loop started")
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), loopTimeout)
				fn(ctx)
				cancel()
			case <-a.loopStop:
				return
			}
		}
	}()
}

func (a *App) stopLoops() {
	select {
	case <-a.loopStop:
		// already stopped
	default:
		close(a.loopStop)
	}
	a.loopWG.Wait()
}
