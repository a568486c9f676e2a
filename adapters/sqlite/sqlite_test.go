package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/adapters/sqlite"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/billing"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/key"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/tier"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/usage"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

func setupTestDB(t *testing.T) *sqlite.DB {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "signalgate-test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

var baseTime = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func testCaller(id string) ports.Caller {
	return ports.Caller{
		ID:        id,
		Email:     id + "@example.com",
		Name:      "Caller " + id,
		Tier:      tier.Starter,
		Status:    ports.CallerActive,
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
	}
}

// -----------------------------------------------------------------------------
// CallerStore
// -----------------------------------------------------------------------------

func TestCallerStore_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	store := sqlite.NewCallerStore(db)
	ctx := context.Background()

	c := testCaller("c1")
	c.ProviderCustomerID = "cus_123"
	if err := store.Create(ctx, c); err != nil {
		t.Fatalf("create caller: %v", err)
	}

	got, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get caller: %v", err)
	}
	if got.Email != c.Email || got.Tier != tier.Starter || got.Status != ports.CallerActive {
		t.Errorf("got = %+v, want %+v", got, c)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("missing caller error = %v, want ErrNotFound", err)
	}

	byEmail, err := store.GetByEmail(ctx, c.Email)
	if err != nil || byEmail.ID != "c1" {
		t.Errorf("GetByEmail = %+v, %v", byEmail, err)
	}
	byCustomer, err := store.GetByProviderCustomerID(ctx, "cus_123")
	if err != nil || byCustomer.ID != "c1" {
		t.Errorf("GetByProviderCustomerID = %+v, %v", byCustomer, err)
	}
}

func TestCallerStore_DuplicateEmail(t *testing.T) {
	db := setupTestDB(t)
	store := sqlite.NewCallerStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, testCaller("c1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := testCaller("c2")
	dup.Email = "c1@example.com"
	if err := store.Create(ctx, dup); !errors.Is(err, ports.ErrDuplicate) {
		t.Errorf("error = %v, want ErrDuplicate", err)
	}
}

func TestCallerStore_EmptyCustomerIDsDoNotCollide(t *testing.T) {
	db := setupTestDB(t)
	store := sqlite.NewCallerStore(db)
	ctx := context.Background()

	// Multiple callers without a billing relationship share the empty
	// customer ID; the partial index must not reject them.
	if err := store.Create(ctx, testCaller("c1")); err != nil {
		t.Fatalf("create c1: %v", err)
	}
	if err := store.Create(ctx, testCaller("c2")); err != nil {
		t.Fatalf("create c2: %v", err)
	}

	if _, err := store.GetByProviderCustomerID(ctx, ""); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("empty customer lookup = %v, want ErrNotFound", err)
	}
}

func TestCallerStore_Update(t *testing.T) {
	db := setupTestDB(t)
	store := sqlite.NewCallerStore(db)
	ctx := context.Background()

	c := testCaller("c1")
	store.Create(ctx, c)

	c.Tier = tier.Pro
	c.ProviderCustomerID = "cus_9"
	c.UpdatedAt = baseTime.Add(time.Hour)
	if err := store.Update(ctx, c); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := store.Get(ctx, "c1")
	if got.Tier != tier.Pro || got.ProviderCustomerID != "cus_9" {
		t.Errorf("got = %+v", got)
	}

	if err := store.Update(ctx, testCaller("ghost")); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("update missing = %v, want ErrNotFound", err)
	}
}

// -----------------------------------------------------------------------------
// KeyStore
// -----------------------------------------------------------------------------

func TestKeyStore_RoundTrip(t *testing.T) {
	db := setupTestDB(t)
	store := sqlite.NewKeyStore(db)
	callers := sqlite.NewCallerStore(db)
	ctx := context.Background()

	callers.Create(ctx, testCaller("c1"))

	raw, k := key.Generate("sg_")
	k = k.WithCallerID("c1").WithName("ci")
	if err := store.Create(ctx, k); err != nil {
		t.Fatalf("create key: %v", err)
	}

	got, err := store.GetByPrefix(ctx, k.Prefix)
	if err != nil {
		t.Fatalf("get by prefix: %v", err)
	}
	if got.ID != k.ID || got.CallerID != "c1" || got.Name != "ci" {
		t.Errorf("got = %+v", got)
	}
	if !got.Matches(raw) {
		t.Error("stored hash does not match the raw key")
	}
	if got.ExpiresAt != nil || got.RevokedAt != nil || got.LastUsed != nil {
		t.Errorf("nullable fields = %+v, want all nil", got)
	}

	if err := store.UpdateLastUsed(ctx, k.ID, baseTime); err != nil {
		t.Fatalf("update last used: %v", err)
	}
	if err := store.Revoke(ctx, k.ID, baseTime.Add(time.Minute)); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	got, _ = store.GetByPrefix(ctx, k.Prefix)
	if got.LastUsed == nil || !got.LastUsed.Equal(baseTime) {
		t.Errorf("LastUsed = %v, want %v", got.LastUsed, baseTime)
	}
	if got.RevokedAt == nil {
		t.Error("RevokedAt not persisted")
	}

	if err := store.Revoke(ctx, "missing", baseTime); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("revoke missing = %v, want ErrNotFound", err)
	}
}

// -----------------------------------------------------------------------------
// SubscriptionStore
// -----------------------------------------------------------------------------

func testSubscription(id, callerID string, status billing.SubscriptionStatus) billing.Subscription {
	return billing.Subscription{
		ID:                 id,
		CallerID:           callerID,
		Tier:               tier.Starter,
		Status:             status,
		Provider:           "stripe",
		ProviderID:         "psub_" + id,
		ProviderItemID:     "pitem_" + id,
		ProviderPriceID:    "price_starter",
		CurrentPeriodStart: baseTime,
		CurrentPeriodEnd:   baseTime.AddDate(0, 1, 0),
		CreatedAt:          baseTime,
		UpdatedAt:          baseTime,
	}
}

func TestSubscriptionStore_OneOpenPerCaller(t *testing.T) {
	db := setupTestDB(t)
	store := sqlite.NewSubscriptionStore(db)
	callers := sqlite.NewCallerStore(db)
	ctx := context.Background()

	callers.Create(ctx, testCaller("c1"))

	first := testSubscription("s1", "c1", billing.StatusActive)
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}

	second := testSubscription("s2", "c1", billing.StatusTrialing)
	if err := store.Create(ctx, second); !errors.Is(err, ports.ErrDuplicate) {
		t.Fatalf("second open subscription error = %v, want ErrDuplicate", err)
	}

	// Cancel the first; the partial index frees the slot.
	now := baseTime.Add(time.Hour)
	first.Status = billing.StatusCanceled
	first.CanceledAt = &now
	first.UpdatedAt = now
	if err := store.Update(ctx, first); err != nil {
		t.Fatalf("update: %v", err)
	}
	replacement := testSubscription("s3", "c1", billing.StatusActive)
	replacement.CreatedAt = now
	if err := store.Create(ctx, replacement); err != nil {
		t.Fatalf("replacement after cancel: %v", err)
	}

	got, err := store.GetByCaller(ctx, "c1")
	if err != nil || got.ID != "s3" {
		t.Errorf("GetByCaller = %+v, %v, want s3", got, err)
	}
}

func TestSubscriptionStore_RoundTrip(t *testing.T) {
	db := setupTestDB(t)
	store := sqlite.NewSubscriptionStore(db)
	callers := sqlite.NewCallerStore(db)
	ctx := context.Background()

	callers.Create(ctx, testCaller("c1"))

	sub := testSubscription("s1", "c1", billing.StatusActive)
	canceledAt := baseTime.Add(48 * time.Hour)
	sub.CancelAtPeriodEnd = true
	sub.CanceledAt = &canceledAt
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Tier != tier.Starter || got.Status != billing.StatusActive || !got.CancelAtPeriodEnd {
		t.Errorf("got = %+v", got)
	}
	if got.CanceledAt == nil || !got.CanceledAt.Equal(canceledAt) {
		t.Errorf("CanceledAt = %v, want %v", got.CanceledAt, canceledAt)
	}
	if !got.CurrentPeriodStart.Equal(sub.CurrentPeriodStart) || !got.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd) {
		t.Errorf("period = %v..%v", got.CurrentPeriodStart, got.CurrentPeriodEnd)
	}

	byProvider, err := store.GetByProviderID(ctx, "psub_s1")
	if err != nil || byProvider.ID != "s1" {
		t.Errorf("GetByProviderID = %+v, %v", byProvider, err)
	}
}

func TestSubscriptionStore_ListOpenPaging(t *testing.T) {
	db := setupTestDB(t)
	store := sqlite.NewSubscriptionStore(db)
	callers := sqlite.NewCallerStore(db)
	ctx := context.Background()

	for i, status := range []billing.SubscriptionStatus{
		billing.StatusActive, billing.StatusCanceled, billing.StatusTrialing, billing.StatusPastDue,
	} {
		id := string(rune('a' + i))
		callers.Create(ctx, testCaller("c-"+id))
		sub := testSubscription("s-"+id, "c-"+id, status)
		sub.CreatedAt = baseTime.Add(time.Duration(i) * time.Minute)
		if err := store.Create(ctx, sub); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	page, err := store.ListOpen(ctx, 0, 2)
	if err != nil || len(page) != 2 || page[0].ID != "s-a" || page[1].ID != "s-c" {
		t.Fatalf("page 1 = %+v, %v", page, err)
	}
	page, _ = store.ListOpen(ctx, 2, 2)
	if len(page) != 1 || page[0].ID != "s-d" {
		t.Fatalf("page 2 = %+v", page)
	}
}

// -----------------------------------------------------------------------------
// UsageStore
// -----------------------------------------------------------------------------

func TestUsageStore_SumAndList(t *testing.T) {
	db := setupTestDB(t)
	store := sqlite.NewUsageStore(db)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	recs := []usage.Record{
		usage.NewRecord("r1", "c1", "k1", "signals", "AAPL:rsi14", 1, 200, 12, start),
		usage.NewRecord("r2", "c1", "k1", "signals", "MSFT:sma50", 2, 200, 9, start.Add(time.Hour)),
		usage.NewRecord("r3", "c2", "k2", "signals", "AAPL:rsi14", 1, 200, 15, start.Add(2*time.Hour)),
		usage.NewRecord("r4", "c1", "k1", "signals", "AAPL:rsi14", 5, 200, 7, end), // next period
	}
	if err := store.Insert(ctx, recs); err != nil {
		t.Fatalf("insert: %v", err)
	}

	sum, err := store.SumForPeriod(ctx, "c1", start, end)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum != 3 {
		t.Errorf("sum = %d, want 3 (period start inclusive, end exclusive)", sum)
	}

	list, err := store.ListForPeriod(ctx, "c1", start, end, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "r2" || list[1].ID != "r1" {
		t.Fatalf("list = %+v, want newest first", list)
	}
	if list[0].Endpoint != "signals" || list[0].Ref != "MSFT:sma50" || list[0].Units != 2 {
		t.Errorf("record = %+v", list[0])
	}

	limited, _ := store.ListForPeriod(ctx, "c1", start, end, 1)
	if len(limited) != 1 || limited[0].ID != "r2" {
		t.Errorf("limited list = %+v", limited)
	}

	ids, err := store.ActiveCallers(ctx, start, end)
	if err != nil || len(ids) != 2 || ids[0] != "c1" || ids[1] != "c2" {
		t.Errorf("active callers = %v, %v", ids, err)
	}
}

func TestUsageStore_PruneBefore(t *testing.T) {
	db := setupTestDB(t)
	store := sqlite.NewUsageStore(db)
	ctx := context.Background()

	old := baseTime.AddDate(0, -3, 0)
	store.Insert(ctx, []usage.Record{
		usage.NewRecord("r1", "c1", "k1", "signals", "", 1, 200, 5, old),
		usage.NewRecord("r2", "c1", "k1", "signals", "", 1, 200, 5, baseTime),
	})

	n, err := store.PruneBefore(ctx, baseTime.AddDate(0, -1, 0))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}

	sum, _ := store.SumForPeriod(ctx, "c1", old.AddDate(0, -1, 0), baseTime.Add(time.Hour))
	if sum != 1 {
		t.Errorf("remaining units = %d, want 1", sum)
	}
}

// -----------------------------------------------------------------------------
// QuotaStore
// -----------------------------------------------------------------------------

func TestQuotaStore_Counters(t *testing.T) {
	db := setupTestDB(t)
	store := sqlite.NewQuotaStore(db)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if got, err := store.Get(ctx, "c1", start); err != nil || got != 0 {
		t.Fatalf("empty counter = %d, %v", got, err)
	}

	total, err := store.Add(ctx, "c1", start, 5)
	if err != nil || total != 5 {
		t.Fatalf("add = %d, %v", total, err)
	}
	total, _ = store.Add(ctx, "c1", start, 3)
	if total != 8 {
		t.Errorf("second add = %d, want 8", total)
	}

	// Distinct periods keep distinct counters.
	next := start.AddDate(0, 1, 0)
	if got, _ := store.Get(ctx, "c1", next); got != 0 {
		t.Errorf("next period = %d, want 0", got)
	}

	if err := store.Set(ctx, "c1", start, 42); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := store.Get(ctx, "c1", start); got != 42 {
		t.Errorf("after set = %d, want 42", got)
	}
}

func TestQuotaStore_CleanupOldPeriods(t *testing.T) {
	db := setupTestDB(t)
	store := sqlite.NewQuotaStore(db)
	ctx := context.Background()

	old := time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)
	current := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store.Set(ctx, "c1", old, 10)
	store.Set(ctx, "c1", current, 20)

	n, err := store.CleanupOldPeriods(ctx, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil || n != 1 {
		t.Fatalf("cleaned = %d, %v, want 1", n, err)
	}
	if got, _ := store.Get(ctx, "c1", current); got != 20 {
		t.Errorf("current counter = %d, want 20", got)
	}
}

// -----------------------------------------------------------------------------
// WebhookStore
// -----------------------------------------------------------------------------

func TestWebhookStore_InsertAndRedelivery(t *testing.T) {
	db := setupTestDB(t)
	store := sqlite.NewWebhookStore(db)
	ctx := context.Background()

	e := billing.WebhookEvent{
		ID:            "w1",
		Provider:      "stripe",
		EventID:       "evt_1",
		Type:          "customer.subscription.updated",
		Payload:       []byte(`{"id":"sub_1"}`),
		ReceivedAt:    baseTime,
		NextAttemptAt: baseTime,
		Outcome:       billing.OutcomePending,
	}
	if err := store.Insert(ctx, e); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Insert(ctx, e); !errors.Is(err, ports.ErrDuplicate) {
		t.Errorf("redelivery error = %v, want ErrDuplicate", err)
	}

	got, err := store.Get(ctx, "stripe", "evt_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != e.Type || string(got.Payload) != `{"id":"sub_1"}` || got.Outcome != billing.OutcomePending {
		t.Errorf("got = %+v", got)
	}

	if _, err := store.Get(ctx, "stripe", "evt_missing"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("missing event error = %v, want ErrNotFound", err)
	}
}

func TestWebhookStore_UpdateAndListDue(t *testing.T) {
	db := setupTestDB(t)
	store := sqlite.NewWebhookStore(db)
	ctx := context.Background()

	mk := func(id string, receivedAt, next time.Time) billing.WebhookEvent {
		return billing.WebhookEvent{
			ID: id, Provider: "stripe", EventID: id, Type: "invoice.paid",
			Payload: []byte("{}"), ReceivedAt: receivedAt, NextAttemptAt: next,
			Outcome: billing.OutcomePending,
		}
	}
	now := baseTime
	store.Insert(ctx, mk("evt_late", now.Add(-2*time.Hour), now.Add(-time.Minute)))
	store.Insert(ctx, mk("evt_early", now.Add(-3*time.Hour), now.Add(-time.Minute)))
	store.Insert(ctx, mk("evt_future", now.Add(-time.Hour), now.Add(time.Hour)))

	due, err := store.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 2 || due[0].EventID != "evt_early" || due[1].EventID != "evt_late" {
		t.Fatalf("due = %+v, want oldest first", due)
	}

	// Mark one processed; it leaves the due set.
	processed := due[0]
	processedAt := now
	processed.ProcessedAt = &processedAt
	processed.Attempts = 1
	processed.Outcome = billing.OutcomeProcessed
	if err := store.Update(ctx, processed); err != nil {
		t.Fatalf("update: %v", err)
	}

	due, _ = store.ListDue(ctx, now, 10)
	if len(due) != 1 || due[0].EventID != "evt_late" {
		t.Fatalf("due after update = %+v", due)
	}

	got, _ := store.Get(ctx, "stripe", "evt_early")
	if got.Outcome != billing.OutcomeProcessed || got.ProcessedAt == nil || got.Attempts != 1 {
		t.Errorf("updated event = %+v", got)
	}
}

// -----------------------------------------------------------------------------
// Transactions
// -----------------------------------------------------------------------------

func TestInTx_RollsBackOnError(t *testing.T) {
	db := setupTestDB(t)
	callers := sqlite.NewCallerStore(db)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.InTx(ctx, func(ctx context.Context) error {
		if err := callers.Create(ctx, testCaller("c1")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}

	if _, err := callers.Get(ctx, "c1"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("caller visible after rollback: %v", err)
	}
}

func TestInTx_CommitsAndNests(t *testing.T) {
	db := setupTestDB(t)
	callers := sqlite.NewCallerStore(db)
	subs := sqlite.NewSubscriptionStore(db)
	ctx := context.Background()

	err := db.InTx(ctx, func(ctx context.Context) error {
		if err := callers.Create(ctx, testCaller("c1")); err != nil {
			return err
		}
		// Nested InTx joins the same transaction.
		return db.InTx(ctx, func(ctx context.Context) error {
			return subs.Create(ctx, testSubscription("s1", "c1", billing.StatusActive))
		})
	})
	if err != nil {
		t.Fatalf("in tx: %v", err)
	}

	if _, err := callers.Get(ctx, "c1"); err != nil {
		t.Errorf("caller not committed: %v", err)
	}
	if _, err := subs.Get(ctx, "s1"); err != nil {
		t.Errorf("subscription not committed: %v", err)
	}
}
