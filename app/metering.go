package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/quota"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/tier"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/usage"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// MeteringDeps contains dependencies for MeteringService.
type MeteringDeps struct {
	Recorder  ports.UsageRecorder
	Usage     ports.UsageStore
	Quota     ports.QuotaStore
	Subs      ports.SubscriptionStore
	Clock     ports.Clock
	Logger    zerolog.Logger
	LimitsFor func(t tier.Tier) tier.Limits
}

// MeteringConfig tunes snapshot caching and usage reporting.
type MeteringConfig struct {
	// SnapshotTTL is how long a computed quota snapshot may be served
	// from memory. Zero means the default; negative disables caching.
	SnapshotTTL time.Duration
	// ReportLimit caps the records returned in a usage report.
	ReportLimit int
}

type cachedSnapshot struct {
	snap quota.Snapshot
	at   time.Time
}

// MeteringService turns request facts into usage records and derives
// quota snapshots from them. Usage records are the source of truth;
// the quota counter is a projection kept current by the recorder flush
// and corrected by SyncCounters.
type MeteringService struct {
	deps MeteringDeps
	cfg  MeteringConfig

	mu        sync.Mutex
	snapshots map[string]cachedSnapshot
}

// NewMeteringService creates the service.
func NewMeteringService(deps MeteringDeps, cfg MeteringConfig) *MeteringService {
	if cfg.SnapshotTTL == 0 {
		cfg.SnapshotTTL = 2 * time.Second
	}
	if cfg.ReportLimit <= 0 {
		cfg.ReportLimit = 100
	}
	return &MeteringService{
		deps:      deps,
		cfg:       cfg,
		snapshots: make(map[string]cachedSnapshot),
	}
}

// Record hands one usage record to the buffered recorder. It never
// blocks the request path and never fails; a lost record is repaired
// by the next counter sync.
func (m *MeteringService) Record(rec usage.Record) {
	m.deps.Recorder.Record(rec)
}

// Snapshot returns the caller's consumption for the current billing
// period. Snapshots may be served from a short-lived cache; pair with
// InvalidateSnapshot when the underlying tier changes.
func (m *MeteringService) Snapshot(ctx context.Context, caller ports.Caller) (quota.Snapshot, error) {
	now := m.deps.Clock.Now()

	// 1. Serve from the short-lived cache when fresh
	if m.cfg.SnapshotTTL > 0 {
		m.mu.Lock()
		if c, ok := m.snapshots[caller.ID]; ok && now.Sub(c.at) < m.cfg.SnapshotTTL {
			m.mu.Unlock()
			return c.snap, nil
		}
		m.mu.Unlock()
	}

	// 2. Resolve the billing period (I/O)
	start, end := m.period(ctx, caller.ID, now)

	// 3. Read the consumed counter (I/O)
	consumed, err := m.deps.Quota.Get(ctx, caller.ID, start)
	if err != nil && !errors.Is(err, ports.ErrNotFound) {
		return quota.Snapshot{}, fmt.Errorf("read quota counter: %w", err)
	}

	// 4. Assemble the snapshot (PURE)
	limits := m.deps.LimitsFor(caller.Tier)
	snap := quota.Snapshot{
		CallerID:      caller.ID,
		PeriodStart:   start,
		PeriodEnd:     end,
		ConsumedUnits: consumed,
		IncludedUnits: limits.IncludedUnits,
		OverageUnits:  quota.Overage(consumed, limits.IncludedUnits),
		ComputedAt:    now,
	}

	if m.cfg.SnapshotTTL > 0 {
		m.mu.Lock()
		m.snapshots[caller.ID] = cachedSnapshot{snap: snap, at: now}
		m.mu.Unlock()
	}
	return snap, nil
}

// InvalidateSnapshot drops the cached snapshot for a caller so the
// next read recomputes, used after tier or subscription changes.
func (m *MeteringService) InvalidateSnapshot(callerID string) {
	m.mu.Lock()
	delete(m.snapshots, callerID)
	m.mu.Unlock()
}

// UsageReport combines the period summary with the most recent
// records.
type UsageReport struct {
	Summary usage.Summary
	Records []usage.Record
}

// Report builds the caller's usage report for the current billing
// period. The record listing is capped at ReportLimit; the summary
// totals always cover the full period.
func (m *MeteringService) Report(ctx context.Context, caller ports.Caller) (UsageReport, error) {
	now := m.deps.Clock.Now()
	start, end := m.period(ctx, caller.ID, now)

	records, err := m.deps.Usage.ListForPeriod(ctx, caller.ID, start, end, m.cfg.ReportLimit)
	if err != nil {
		return UsageReport{}, fmt.Errorf("list usage records: %w", err)
	}

	sum := usage.Aggregate(records, start, end)
	sum.CallerID = caller.ID

	total, err := m.deps.Usage.SumForPeriod(ctx, caller.ID, start, end)
	if err != nil {
		return UsageReport{}, fmt.Errorf("sum usage records: %w", err)
	}
	sum.TotalUnits = total

	return UsageReport{Summary: sum, Records: records}, nil
}

// SyncCounters recomputes the quota counter from usage records for
// every caller active in the current calendar month. Each caller's sum
// is taken over their own billing period. Run periodically to repair
// drift from lost recorder batches.
func (m *MeteringService) SyncCounters(ctx context.Context) (int, error) {
	now := m.deps.Clock.Now()
	winStart, winEnd := quota.PeriodBounds(now)

	// 1. Find who was active this month (I/O)
	ids, err := m.deps.Usage.ActiveCallers(ctx, winStart, winEnd)
	if err != nil {
		return 0, fmt.Errorf("list active callers: %w", err)
	}

	// 2. Recompute each caller's counter over their own period (I/O)
	synced, failed := 0, 0
	for _, id := range ids {
		start, end := m.period(ctx, id, now)
		total, err := m.deps.Usage.SumForPeriod(ctx, id, start, end)
		if err != nil {
			failed++
			m.deps.Logger.Error().Err(err).Str("caller_id", id).Msg("sum usage for counter sync")
			continue
		}
		if err := m.deps.Quota.Set(ctx, id, start, total); err != nil {
			failed++
			m.deps.Logger.Error().Err(err).Str("caller_id", id).Msg("write quota counter")
			continue
		}
		synced++
	}
	if failed > 0 {
		return synced, fmt.Errorf("sync quota counters: %d of %d callers failed", failed, len(ids))
	}
	return synced, nil
}

// PruneUsage deletes usage records older than the retention window and
// returns how many were removed.
func (m *MeteringService) PruneUsage(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := m.deps.Clock.Now().Add(-retention)
	n, err := m.deps.Usage.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune usage records: %w", err)
	}
	if n > 0 {
		m.deps.Logger.Info().Int64("removed", n).Time("cutoff", cutoff).Msg("pruned usage records")
	}
	return n, nil
}

// period resolves the caller's billing period: the active
// subscription's period when one covers now, the calendar month
// otherwise.
func (m *MeteringService) period(ctx context.Context, callerID string, now time.Time) (time.Time, time.Time) {
	sub, err := m.deps.Subs.GetByCaller(ctx, callerID)
	if err == nil && sub.Status.Billable() && sub.InPeriod(now) {
		return sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	}
	if err != nil && !errors.Is(err, ports.ErrNotFound) {
		m.deps.Logger.Warn().Err(err).Str("caller_id", callerID).Msg("resolve billing period, using calendar month")
	}
	return quota.PeriodBounds(now)
}
