package app

// Shared in-memory fakes for the app layer tests. Every fake guards
// its state with a mutex and exposes err fields so tests can script
// failures.

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/billing"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/key"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/ratelimit"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/usage"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// seqIDs hands out "id-1", "id-2", ... for deterministic assertions.
type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return "id-" + strconv.Itoa(g.n)
}

type fakeCallerStore struct {
	mu      sync.Mutex
	callers map[string]ports.Caller
	err     error
}

func newFakeCallerStore() *fakeCallerStore {
	return &fakeCallerStore{callers: make(map[string]ports.Caller)}
}

func (s *fakeCallerStore) Get(ctx context.Context, id string) (ports.Caller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return ports.Caller{}, s.err
	}
	c, ok := s.callers[id]
	if !ok {
		return ports.Caller{}, ports.ErrNotFound
	}
	return c, nil
}

func (s *fakeCallerStore) GetByEmail(ctx context.Context, email string) (ports.Caller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return ports.Caller{}, s.err
	}
	for _, c := range s.callers {
		if c.Email == email {
			return c, nil
		}
	}
	return ports.Caller{}, ports.ErrNotFound
}

func (s *fakeCallerStore) GetByProviderCustomerID(ctx context.Context, customerID string) (ports.Caller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return ports.Caller{}, s.err
	}
	for _, c := range s.callers {
		if c.ProviderCustomerID == customerID {
			return c, nil
		}
	}
	return ports.Caller{}, ports.ErrNotFound
}

func (s *fakeCallerStore) Create(ctx context.Context, c ports.Caller) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.callers[c.ID]; ok {
		return ports.ErrDuplicate
	}
	s.callers[c.ID] = c
	return nil
}

func (s *fakeCallerStore) Update(ctx context.Context, c ports.Caller) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.callers[c.ID]; !ok {
		return ports.ErrNotFound
	}
	s.callers[c.ID] = c
	return nil
}

type fakeKeyStore struct {
	mu   sync.Mutex
	keys map[string]key.Key // by ID
	err  error
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{keys: make(map[string]key.Key)}
}

func (s *fakeKeyStore) Create(ctx context.Context, k key.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.keys[k.ID] = k
	return nil
}

func (s *fakeKeyStore) GetByPrefix(ctx context.Context, prefix string) (key.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return key.Key{}, s.err
	}
	for _, k := range s.keys {
		if k.Prefix == prefix {
			return k, nil
		}
	}
	return key.Key{}, ports.ErrNotFound
}

func (s *fakeKeyStore) UpdateLastUsed(ctx context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ports.ErrNotFound
	}
	k.LastUsed = &t
	s.keys[id] = k
	return nil
}

func (s *fakeKeyStore) Revoke(ctx context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ports.ErrNotFound
	}
	k.RevokedAt = &t
	s.keys[id] = k
	return nil
}

type fakeSubStore struct {
	mu    sync.Mutex
	subs  map[string]billing.Subscription
	order []string // insertion order, keeps ListOpen stable
	err   error
}

func newFakeSubStore() *fakeSubStore {
	return &fakeSubStore{subs: make(map[string]billing.Subscription)}
}

func (s *fakeSubStore) Create(ctx context.Context, sub billing.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, existing := range s.subs {
		if existing.CallerID == sub.CallerID && existing.Status != billing.StatusCanceled {
			return ports.ErrDuplicate
		}
	}
	s.subs[sub.ID] = sub
	s.order = append(s.order, sub.ID)
	return nil
}

func (s *fakeSubStore) Update(ctx context.Context, sub billing.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.subs[sub.ID]; !ok {
		return ports.ErrNotFound
	}
	s.subs[sub.ID] = sub
	return nil
}

func (s *fakeSubStore) Get(ctx context.Context, id string) (billing.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return billing.Subscription{}, s.err
	}
	sub, ok := s.subs[id]
	if !ok {
		return billing.Subscription{}, ports.ErrNotFound
	}
	return sub, nil
}

func (s *fakeSubStore) GetByCaller(ctx context.Context, callerID string) (billing.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return billing.Subscription{}, s.err
	}
	var found billing.Subscription
	ok := false
	for _, sub := range s.subs {
		if sub.CallerID != callerID || sub.Status == billing.StatusCanceled {
			continue
		}
		if !ok || sub.CreatedAt.After(found.CreatedAt) {
			found, ok = sub, true
		}
	}
	if !ok {
		return billing.Subscription{}, ports.ErrNotFound
	}
	return found, nil
}

func (s *fakeSubStore) GetByProviderID(ctx context.Context, providerID string) (billing.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return billing.Subscription{}, s.err
	}
	for _, sub := range s.subs {
		if sub.ProviderID == providerID {
			return sub, nil
		}
	}
	return billing.Subscription{}, ports.ErrNotFound
}

func (s *fakeSubStore) ListOpen(ctx context.Context, offset, limit int) ([]billing.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var open []billing.Subscription
	for _, id := range s.order {
		if sub := s.subs[id]; sub.Status != billing.StatusCanceled {
			open = append(open, sub)
		}
	}
	if offset >= len(open) {
		return nil, nil
	}
	open = open[offset:]
	if limit > 0 && len(open) > limit {
		open = open[:limit]
	}
	return open, nil
}

type fakeWebhookStore struct {
	mu     sync.Mutex
	events map[string]billing.WebhookEvent // by provider|eventID
	err    error
}

func newFakeWebhookStore() *fakeWebhookStore {
	return &fakeWebhookStore{events: make(map[string]billing.WebhookEvent)}
}

func webhookKey(provider, eventID string) string {
	return provider + "|" + eventID
}

func (s *fakeWebhookStore) Insert(ctx context.Context, e billing.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	k := webhookKey(e.Provider, e.EventID)
	if _, ok := s.events[k]; ok {
		return ports.ErrDuplicate
	}
	s.events[k] = e
	return nil
}

func (s *fakeWebhookStore) Get(ctx context.Context, provider, eventID string) (billing.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[webhookKey(provider, eventID)]
	if !ok {
		return billing.WebhookEvent{}, ports.ErrNotFound
	}
	return e, nil
}

func (s *fakeWebhookStore) Update(ctx context.Context, e billing.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := webhookKey(e.Provider, e.EventID)
	if _, ok := s.events[k]; !ok {
		return ports.ErrNotFound
	}
	s.events[k] = e
	return nil
}

func (s *fakeWebhookStore) ListDue(ctx context.Context, now time.Time, limit int) ([]billing.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []billing.WebhookEvent
	for _, e := range s.events {
		if e.Due(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ReceivedAt.Before(due[j].ReceivedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

type fakeUsageStore struct {
	mu   sync.Mutex
	recs []usage.Record
	err  error
}

func newFakeUsageStore() *fakeUsageStore {
	return &fakeUsageStore{}
}

func (s *fakeUsageStore) Insert(ctx context.Context, recs []usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.recs = append(s.recs, recs...)
	return nil
}

func (s *fakeUsageStore) inPeriod(r usage.Record, callerID string, start, end time.Time) bool {
	return r.CallerID == callerID && !r.CreatedAt.Before(start) && r.CreatedAt.Before(end)
}

func (s *fakeUsageStore) SumForPeriod(ctx context.Context, callerID string, start, end time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	var sum int64
	for _, r := range s.recs {
		if s.inPeriod(r, callerID, start, end) {
			sum += r.Units
		}
	}
	return sum, nil
}

func (s *fakeUsageStore) ListForPeriod(ctx context.Context, callerID string, start, end time.Time, limit int) ([]usage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []usage.Record
	for _, r := range s.recs {
		if s.inPeriod(r, callerID, start, end) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeUsageStore) ActiveCallers(ctx context.Context, start, end time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	seen := make(map[string]bool)
	var ids []string
	for _, r := range s.recs {
		if !r.CreatedAt.Before(start) && r.CreatedAt.Before(end) && !seen[r.CallerID] {
			seen[r.CallerID] = true
			ids = append(ids, r.CallerID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *fakeUsageStore) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	var kept []usage.Record
	var removed int64
	for _, r := range s.recs {
		if r.CreatedAt.Before(t) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.recs = kept
	return removed, nil
}

type fakeQuotaStore struct {
	mu       sync.Mutex
	counters map[string]int64
	getErr   error
	setErr   error
	addErr   error
}

func newFakeQuotaStore() *fakeQuotaStore {
	return &fakeQuotaStore{counters: make(map[string]int64)}
}

func quotaKey(callerID string, periodStart time.Time) string {
	return callerID + "|" + periodStart.UTC().Format(time.RFC3339)
}

func (s *fakeQuotaStore) Add(ctx context.Context, callerID string, periodStart time.Time, units int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return 0, s.addErr
	}
	k := quotaKey(callerID, periodStart)
	s.counters[k] += units
	return s.counters[k], nil
}

func (s *fakeQuotaStore) Get(ctx context.Context, callerID string, periodStart time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return 0, s.getErr
	}
	return s.counters[quotaKey(callerID, periodStart)], nil
}

func (s *fakeQuotaStore) Set(ctx context.Context, callerID string, periodStart time.Time, units int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.counters[quotaKey(callerID, periodStart)] = units
	return nil
}

// fakeRecorder captures records synchronously.
type fakeRecorder struct {
	mu   sync.Mutex
	recs []usage.Record
}

func (r *fakeRecorder) Record(rec usage.Record) {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
}

func (r *fakeRecorder) Flush(ctx context.Context) error { return nil }
func (r *fakeRecorder) Close(ctx context.Context) error { return nil }

func (r *fakeRecorder) recorded() []usage.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]usage.Record(nil), r.recs...)
}

type fakeRateStore struct {
	mu      sync.Mutex
	windows map[string]ratelimit.WindowState
}

func newFakeRateStore() *fakeRateStore {
	return &fakeRateStore{windows: make(map[string]ratelimit.WindowState)}
}

func (s *fakeRateStore) Get(ctx context.Context, k string) (ratelimit.WindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windows[k], nil
}

func (s *fakeRateStore) Put(ctx context.Context, k string, st ratelimit.WindowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[k] = st
	return nil
}

// fakePayments scripts the payment provider. Unset function fields
// fall back to canned success responses.
type fakePayments struct {
	mu    sync.Mutex
	calls []string // method log, e.g. "CreateSubscription:price_pro"

	ensureCustomerFn func(c ports.Caller) (string, error)
	createFn         func(customerID, priceID, idemKey string) (billing.Subscription, error)
	changeFn         func(providerID, itemID, priceID, idemKey string) (billing.Subscription, error)
	cancelFn         func(providerID string, atPeriodEnd bool) (billing.Subscription, error)
	getFn            func(providerID string) (billing.Subscription, error)
	reportUsageFn    func(itemID string, units int64, at time.Time, idemKey string) error
	parseFn          func(payload []byte, signature string) (billing.ProviderEvent, error)

	now func() time.Time
}

func newFakePayments(clock *fakeClock) *fakePayments {
	return &fakePayments{now: clock.Now}
}

func (p *fakePayments) log(entry string) {
	p.mu.Lock()
	p.calls = append(p.calls, entry)
	p.mu.Unlock()
}

func (p *fakePayments) callLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePayments) called(method string) int {
	n := 0
	for _, c := range p.callLog() {
		if c == method || strings.HasPrefix(c, method+":") {
			n++
		}
	}
	return n
}

func (p *fakePayments) Name() string { return "fakepay" }

func (p *fakePayments) EnsureCustomer(ctx context.Context, c ports.Caller) (string, error) {
	p.log("EnsureCustomer:" + c.ID)
	if p.ensureCustomerFn != nil {
		return p.ensureCustomerFn(c)
	}
	if c.ProviderCustomerID != "" {
		return c.ProviderCustomerID, nil
	}
	return "cus_" + c.ID, nil
}

func (p *fakePayments) CreateSubscription(ctx context.Context, customerID, priceID, idemKey string) (billing.Subscription, error) {
	p.log("CreateSubscription:" + priceID)
	if p.createFn != nil {
		return p.createFn(customerID, priceID, idemKey)
	}
	now := p.now()
	return billing.Subscription{
		Provider:           "fakepay",
		ProviderID:         "psub_" + customerID,
		ProviderItemID:     "pitem_" + customerID,
		ProviderPriceID:    priceID,
		Status:             billing.StatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	}, nil
}

func (p *fakePayments) ChangeSubscriptionPrice(ctx context.Context, providerID, itemID, priceID, idemKey string) (billing.Subscription, error) {
	p.log("ChangeSubscriptionPrice:" + priceID)
	if p.changeFn != nil {
		return p.changeFn(providerID, itemID, priceID, idemKey)
	}
	now := p.now()
	return billing.Subscription{
		Provider:           "fakepay",
		ProviderID:         providerID,
		ProviderItemID:     itemID,
		ProviderPriceID:    priceID,
		Status:             billing.StatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	}, nil
}

func (p *fakePayments) CancelSubscription(ctx context.Context, providerID string, atPeriodEnd bool) (billing.Subscription, error) {
	p.log("CancelSubscription:" + providerID)
	if p.cancelFn != nil {
		return p.cancelFn(providerID, atPeriodEnd)
	}
	now := p.now()
	sub := billing.Subscription{
		Provider:           "fakepay",
		ProviderID:         providerID,
		Status:             billing.StatusActive,
		CancelAtPeriodEnd:  true,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	}
	if !atPeriodEnd {
		sub.Status = billing.StatusCanceled
		sub.CancelAtPeriodEnd = false
		sub.CanceledAt = &now
	}
	return sub, nil
}

func (p *fakePayments) GetSubscription(ctx context.Context, providerID string) (billing.Subscription, error) {
	p.log("GetSubscription:" + providerID)
	if p.getFn != nil {
		return p.getFn(providerID)
	}
	return billing.Subscription{}, ports.ErrNotFound
}

func (p *fakePayments) ReportUsage(ctx context.Context, itemID string, units int64, at time.Time, idemKey string) error {
	p.log("ReportUsage:" + itemID + ":" + idemKey)
	if p.reportUsageFn != nil {
		return p.reportUsageFn(itemID, units, at, idemKey)
	}
	return nil
}

func (p *fakePayments) ParseWebhook(payload []byte, signature string) (billing.ProviderEvent, error) {
	if p.parseFn != nil {
		return p.parseFn(payload, signature)
	}
	return billing.ProviderEvent{}, nil
}

// passTx runs the function without any transaction semantics.
type passTx struct {
	err error
}

func (t passTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if t.err != nil {
		return t.err
	}
	return fn(ctx)
}
