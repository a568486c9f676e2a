package app

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/billing"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/tier"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/usage"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

type meteringFixture struct {
	svc      *MeteringService
	usage    *fakeUsageStore
	quota    *fakeQuotaStore
	subs     *fakeSubStore
	recorder *fakeRecorder
	clock    *fakeClock
}

func newMeteringFixture(snapshotTTL time.Duration) *meteringFixture {
	f := &meteringFixture{
		usage:    newFakeUsageStore(),
		quota:    newFakeQuotaStore(),
		subs:     newFakeSubStore(),
		recorder: &fakeRecorder{},
		clock:    newFakeClock(),
	}
	f.svc = NewMeteringService(MeteringDeps{
		Recorder: f.recorder,
		Usage:    f.usage,
		Quota:    f.quota,
		Subs:     f.subs,
		Clock:    f.clock,
		Logger:   zerolog.Nop(),
		LimitsFor: func(t tier.Tier) tier.Limits {
			return tier.Limits{IncludedUnits: 100, Enforce: "hard"}
		},
	}, MeteringConfig{SnapshotTTL: snapshotTTL})
	return f
}

func TestSnapshotCalendarPeriod(t *testing.T) {
	f := newMeteringFixture(-1)
	ctx := context.Background()
	now := f.clock.Now()

	wantStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	f.quota.Set(ctx, "c1", wantStart, 40)

	snap, err := f.svc.Snapshot(ctx, ports.Caller{ID: "c1", Tier: tier.Starter})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if !snap.PeriodStart.Equal(wantStart) || !snap.PeriodEnd.Equal(wantEnd) {
		t.Errorf("period = %v..%v, want calendar month", snap.PeriodStart, snap.PeriodEnd)
	}
	if snap.ConsumedUnits != 40 || snap.IncludedUnits != 100 || snap.OverageUnits != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Remaining() != 60 {
		t.Errorf("Remaining() = %d, want 60", snap.Remaining())
	}
	if !snap.ComputedAt.Equal(now) {
		t.Errorf("ComputedAt = %v, want %v", snap.ComputedAt, now)
	}
}

func TestSnapshotSubscriptionPeriod(t *testing.T) {
	f := newMeteringFixture(-1)
	ctx := context.Background()

	periodStart := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	f.subs.Create(ctx, billing.Subscription{
		ID:                 "sub-1",
		CallerID:           "c1",
		Status:             billing.StatusActive,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
	})
	f.quota.Set(ctx, "c1", periodStart, 130)

	snap, err := f.svc.Snapshot(ctx, ports.Caller{ID: "c1", Tier: tier.Starter})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if !snap.PeriodStart.Equal(periodStart) || !snap.PeriodEnd.Equal(periodEnd) {
		t.Errorf("period = %v..%v, want subscription period", snap.PeriodStart, snap.PeriodEnd)
	}
	if snap.ConsumedUnits != 130 || snap.OverageUnits != 30 {
		t.Errorf("consumed = %d, overage = %d, want 130/30", snap.ConsumedUnits, snap.OverageUnits)
	}
	if snap.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", snap.Remaining())
	}
}

func TestSnapshotPastDueSubscriptionFallsBack(t *testing.T) {
	f := newMeteringFixture(-1)
	ctx := context.Background()

	f.subs.Create(ctx, billing.Subscription{
		ID:                 "sub-1",
		CallerID:           "c1",
		Status:             billing.StatusPastDue,
		CurrentPeriodStart: time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC),
		CurrentPeriodEnd:   time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
	})

	snap, err := f.svc.Snapshot(ctx, ports.Caller{ID: "c1", Tier: tier.Starter})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if !snap.PeriodStart.Equal(want) {
		t.Errorf("period start = %v, want calendar month for non-billable subscription", snap.PeriodStart)
	}
}

func TestSnapshotCaching(t *testing.T) {
	f := newMeteringFixture(10 * time.Second)
	ctx := context.Background()
	caller := ports.Caller{ID: "c1", Tier: tier.Starter}
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	f.quota.Set(ctx, "c1", start, 40)
	snap, _ := f.svc.Snapshot(ctx, caller)
	if snap.ConsumedUnits != 40 {
		t.Fatalf("consumed = %d", snap.ConsumedUnits)
	}

	// Within the TTL the counter write is not visible.
	f.quota.Set(ctx, "c1", start, 99)
	snap, _ = f.svc.Snapshot(ctx, caller)
	if snap.ConsumedUnits != 40 {
		t.Errorf("consumed = %d, want cached 40", snap.ConsumedUnits)
	}

	f.clock.Advance(11 * time.Second)
	snap, _ = f.svc.Snapshot(ctx, caller)
	if snap.ConsumedUnits != 99 {
		t.Errorf("consumed = %d, want fresh 99 after TTL", snap.ConsumedUnits)
	}

	// Invalidation recomputes immediately.
	f.quota.Set(ctx, "c1", start, 100)
	f.svc.InvalidateSnapshot("c1")
	snap, _ = f.svc.Snapshot(ctx, caller)
	if snap.ConsumedUnits != 100 {
		t.Errorf("consumed = %d, want fresh 100 after invalidation", snap.ConsumedUnits)
	}
}

func TestRecordForwardsToRecorder(t *testing.T) {
	f := newMeteringFixture(-1)

	rec := usage.NewRecord("u1", "c1", "k1", "signals", "AAPL/rsi14", 1, 200, 12, f.clock.Now())
	f.svc.Record(rec)

	got := f.recorder.recorded()
	if len(got) != 1 || got[0].ID != "u1" {
		t.Fatalf("recorded = %+v, want the one record", got)
	}
}

func TestSyncCounters(t *testing.T) {
	f := newMeteringFixture(-1)
	ctx := context.Background()
	now := f.clock.Now()

	// c1 bills on the calendar month, c2 on a subscription period that
	// started mid-February.
	subStart := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	f.subs.Create(ctx, billing.Subscription{
		ID:                 "sub-2",
		CallerID:           "c2",
		Status:             billing.StatusActive,
		CurrentPeriodStart: subStart,
		CurrentPeriodEnd:   subStart.AddDate(0, 1, 0),
	})

	f.usage.Insert(ctx, []usage.Record{
		usage.NewRecord("u1", "c1", "k1", "signals", "", 2, 200, 5, now),
		usage.NewRecord("u2", "c1", "k1", "signals", "", 3, 200, 5, now),
		usage.NewRecord("u3", "c2", "k2", "signals", "", 1, 200, 5, now),
		// Inside c2's subscription period but before this month.
		usage.NewRecord("u4", "c2", "k2", "signals", "", 4, 200, 5, time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)),
	})

	synced, err := f.svc.SyncCounters(ctx)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if synced != 2 {
		t.Errorf("synced = %d, want 2", synced)
	}

	monthStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if n, _ := f.quota.Get(ctx, "c1", monthStart); n != 5 {
		t.Errorf("c1 counter = %d, want 5", n)
	}
	if n, _ := f.quota.Get(ctx, "c2", subStart); n != 5 {
		t.Errorf("c2 counter = %d, want 5 over the subscription period", n)
	}
}

func TestReport(t *testing.T) {
	f := newMeteringFixture(-1)
	ctx := context.Background()
	now := f.clock.Now()

	f.usage.Insert(ctx, []usage.Record{
		usage.NewRecord("u1", "c1", "k1", "signals", "", 1, 200, 10, now.Add(-2*time.Hour)),
		usage.NewRecord("u2", "c1", "k1", "signals", "", 1, 500, 30, now.Add(-time.Hour)),
		usage.NewRecord("u3", "c1", "k1", "quota", "", 1, 200, 20, now),
	})

	report, err := f.svc.Report(ctx, ports.Caller{ID: "c1", Tier: tier.Starter})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if len(report.Records) != 3 {
		t.Fatalf("records = %d, want 3", len(report.Records))
	}
	if report.Records[0].ID != "u3" {
		t.Errorf("first record = %s, want newest first", report.Records[0].ID)
	}
	if report.Summary.TotalUnits != 3 || report.Summary.ErrorCount != 1 {
		t.Errorf("summary = %+v", report.Summary)
	}
	if report.Summary.ByEndpoint["signals"] != 2 || report.Summary.ByEndpoint["quota"] != 1 {
		t.Errorf("by endpoint = %v", report.Summary.ByEndpoint)
	}
	if report.Summary.CallerID != "c1" {
		t.Errorf("caller = %q", report.Summary.CallerID)
	}
}

func TestReportTotalsCoverFullPeriod(t *testing.T) {
	f := newMeteringFixture(-1)
	f.svc.cfg.ReportLimit = 2
	ctx := context.Background()
	now := f.clock.Now()

	f.usage.Insert(ctx, []usage.Record{
		usage.NewRecord("u1", "c1", "k1", "signals", "", 1, 200, 10, now.Add(-2*time.Hour)),
		usage.NewRecord("u2", "c1", "k1", "signals", "", 1, 200, 10, now.Add(-time.Hour)),
		usage.NewRecord("u3", "c1", "k1", "signals", "", 1, 200, 10, now),
	})

	report, err := f.svc.Report(ctx, ports.Caller{ID: "c1"})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if len(report.Records) != 2 {
		t.Errorf("records = %d, want capped at 2", len(report.Records))
	}
	if report.Summary.TotalUnits != 3 {
		t.Errorf("total units = %d, want 3 across the full period", report.Summary.TotalUnits)
	}
}

func TestPruneUsage(t *testing.T) {
	f := newMeteringFixture(-1)
	ctx := context.Background()
	now := f.clock.Now()

	f.usage.Insert(ctx, []usage.Record{
		usage.NewRecord("old", "c1", "k1", "signals", "", 1, 200, 10, now.Add(-48*time.Hour)),
		usage.NewRecord("new", "c1", "k1", "signals", "", 1, 200, 10, now),
	})

	removed, err := f.svc.PruneUsage(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if sum, _ := f.usage.SumForPeriod(ctx, "c1", now.Add(-72*time.Hour), now.Add(time.Hour)); sum != 1 {
		t.Errorf("remaining units = %d, want 1", sum)
	}
}
