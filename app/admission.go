package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/billing"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/key"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/quota"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/ratelimit"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/tier"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// APIKeyPrefix is the prefix every issued API key carries.
const APIKeyPrefix = "sg_"

// ErrUnauthenticated is returned when no valid API key or identity
// accompanies a request.
var ErrUnauthenticated = errors.New("unauthenticated")

// Denial reasons surfaced in admission decisions.
const (
	ReasonQuotaExceeded        = "quota_exceeded"
	ReasonSubscriptionInactive = "subscription_inactive"
	ReasonRateLimited          = ratelimit.ReasonLimitExceeded
)

// Decision is the admission outcome for one request (value type).
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration // > 0 when rate limited
	Overage    int64         // projected units above the allotment (soft tiers)
	Warning    quota.WarningLevel
	Snapshot   quota.Snapshot
}

// AdmissionDeps contains dependencies for AdmissionService.
type AdmissionDeps struct {
	Callers  ports.CallerStore
	Keys     ports.KeyStore
	Subs     ports.SubscriptionStore
	Rates    ports.RateLimitStore
	Metering *MeteringService
	IDs      ports.IDGenerator
	Clock    ports.Clock
	Logger   zerolog.Logger

	// Tiers returns the current tier table; reads go through the
	// config holder so hot reloads are picked up.
	Tiers func() map[tier.Tier]tier.Limits

	// OnDecision is called with every admission decision. Optional,
	// used for counters.
	OnDecision func(d Decision)
}

// AdmissionService authenticates callers and gates metered endpoints
// on subscription status, quota and rate limits, in that order. Only
// metered endpoints go through Admit; account endpoints stop at
// Authenticate.
type AdmissionService struct {
	deps AdmissionDeps
}

// NewAdmissionService creates the service.
func NewAdmissionService(deps AdmissionDeps) *AdmissionService {
	return &AdmissionService{deps: deps}
}

// Authenticate resolves the caller behind a raw API key. Failures are
// deliberately indistinguishable to the caller; the reason is logged.
func (a *AdmissionService) Authenticate(ctx context.Context, rawKey string) (ports.Caller, error) {
	// 1. Shape check and prefix extraction (PURE)
	prefix, ok := key.ValidateFormat(rawKey, APIKeyPrefix)
	if !ok {
		return ports.Caller{}, ErrUnauthenticated
	}

	// 2. Look up by prefix, then prove possession against the hash
	k, err := a.deps.Keys.GetByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return ports.Caller{}, ErrUnauthenticated
		}
		return ports.Caller{}, fmt.Errorf("load key: %w", err)
	}
	if !k.Matches(rawKey) {
		return ports.Caller{}, ErrUnauthenticated
	}

	// 3. Lifecycle checks (PURE)
	now := a.deps.Clock.Now()
	if v := key.Validate(k, now); !v.Valid {
		a.deps.Logger.Debug().
			Str("key_id", k.ID).
			Str("reason", v.Reason).
			Msg("rejected api key")
		return ports.Caller{}, ErrUnauthenticated
	}

	// 4. Resolve the caller account
	caller, err := a.deps.Callers.Get(ctx, k.CallerID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return ports.Caller{}, ErrUnauthenticated
		}
		return ports.Caller{}, fmt.Errorf("load caller: %w", err)
	}
	if caller.Status != ports.CallerActive {
		a.deps.Logger.Debug().
			Str("caller_id", caller.ID).
			Msg("rejected key of deactivated caller")
		return ports.Caller{}, ErrUnauthenticated
	}

	// Best effort; a missed timestamp is not worth failing auth over.
	if err := a.deps.Keys.UpdateLastUsed(ctx, k.ID, now); err != nil {
		a.deps.Logger.Debug().Err(err).Str("key_id", k.ID).Msg("update key last-used")
	}
	return caller, nil
}

// EnsureCaller returns the caller for an email, creating a free-tier
// account on first sight. This backs the trusted-identity deployments
// where an upstream proxy already authenticated the request.
func (a *AdmissionService) EnsureCaller(ctx context.Context, email, name string) (ports.Caller, error) {
	caller, err := a.deps.Callers.GetByEmail(ctx, email)
	if err == nil {
		return caller, nil
	}
	if !errors.Is(err, ports.ErrNotFound) {
		return ports.Caller{}, fmt.Errorf("load caller: %w", err)
	}

	now := a.deps.Clock.Now()
	caller = ports.Caller{
		ID:        a.deps.IDs.New(),
		Email:     email,
		Name:      name,
		Tier:      tier.Free,
		Status:    ports.CallerActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.deps.Callers.Create(ctx, caller); err != nil {
		if errors.Is(err, ports.ErrDuplicate) {
			return a.deps.Callers.GetByEmail(ctx, email)
		}
		return ports.Caller{}, fmt.Errorf("create caller: %w", err)
	}

	a.deps.Logger.Info().
		Str("caller_id", caller.ID).
		Str("email", email).
		Msg("caller created")
	return caller, nil
}

// Admit decides whether a metered request may proceed. Checks run in
// fixed order: subscription status, then quota, then rate limit. The
// quota read may be served from the short-TTL snapshot; enforcement
// lag is bounded by that TTL and absorbed by hard-mode grace.
func (a *AdmissionService) Admit(ctx context.Context, caller ports.Caller, endpoint string) (Decision, error) {
	d, err := a.admit(ctx, caller, endpoint)
	if err != nil {
		return d, err
	}
	if a.deps.OnDecision != nil {
		a.deps.OnDecision(d)
	}
	if !d.Allowed {
		a.deps.Logger.Debug().
			Str("caller_id", caller.ID).
			Str("endpoint", endpoint).
			Str("reason", d.Reason).
			Msg("request denied")
	}
	return d, nil
}

func (a *AdmissionService) admit(ctx context.Context, caller ports.Caller, endpoint string) (Decision, error) {
	now := a.deps.Clock.Now()

	// 1. Subscription gate: past_due means payment enforcement is on
	sub, err := a.deps.Subs.GetByCaller(ctx, caller.ID)
	switch {
	case err == nil:
		if sub.Status == billing.StatusPastDue {
			return Decision{Reason: ReasonSubscriptionInactive}, nil
		}
	case errors.Is(err, ports.ErrNotFound):
		// No subscription: the caller runs on their assigned tier.
	default:
		return Decision{}, fmt.Errorf("load subscription: %w", err)
	}

	limits := a.limitsFor(caller, sub)

	// 2. Quota gate. A failed snapshot read admits the request: the
	// counter sync repairs the ledger later, and availability wins
	// over enforcement precision here.
	var snap quota.Snapshot
	if s, err := a.deps.Metering.Snapshot(ctx, caller); err != nil {
		a.deps.Logger.Error().Err(err).
			Str("caller_id", caller.ID).
			Msg("quota snapshot unavailable, admitting")
	} else {
		snap = s
		res := quota.Check(snap.ConsumedUnits, quota.ConfigFromLimits(limits), 1)
		if !res.Allowed {
			return Decision{
				Reason:   ReasonQuotaExceeded,
				Overage:  res.OverageUnits,
				Warning:  res.WarningLevel,
				Snapshot: snap,
			}, nil
		}
		d := Decision{
			Allowed:  true,
			Overage:  res.OverageUnits,
			Warning:  res.WarningLevel,
			Snapshot: snap,
		}

		// 3. Rate limit gate (fixed window per caller)
		if rd, ok := a.checkRate(ctx, caller, limits, now); !ok {
			return rd, nil
		}
		return d, nil
	}

	// Snapshot-less admission still rate limits.
	if rd, ok := a.checkRate(ctx, caller, limits, now); !ok {
		return rd, nil
	}
	return Decision{Allowed: true}, nil
}

// checkRate runs the fixed-window check and persists the advanced
// window. ok is false when the request is rate limited.
func (a *AdmissionService) checkRate(ctx context.Context, caller ports.Caller, limits tier.Limits, now time.Time) (Decision, bool) {
	cfg := ratelimit.ConfigFromLimits(limits)
	if cfg.Limit <= 0 {
		return Decision{}, true
	}

	rlKey := "rl:" + caller.ID
	state, err := a.deps.Rates.Get(ctx, rlKey)
	if err != nil {
		a.deps.Logger.Debug().Err(err).Str("caller_id", caller.ID).Msg("rate window read failed, starting fresh")
		state = ratelimit.WindowState{}
	}

	res, next := ratelimit.Check(state, cfg, now)
	if err := a.deps.Rates.Put(ctx, rlKey, next); err != nil {
		a.deps.Logger.Debug().Err(err).Str("caller_id", caller.ID).Msg("rate window write failed")
	}
	if res.Allowed {
		return Decision{}, true
	}
	return Decision{
		Reason:     ReasonRateLimited,
		RetryAfter: ratelimit.RetryAfter(res, now),
	}, false
}

// limitsFor resolves the caller's effective limits. A non-billable
// subscription (incomplete first payment) confines the caller to free
// limits regardless of the assigned tier.
func (a *AdmissionService) limitsFor(caller ports.Caller, sub billing.Subscription) tier.Limits {
	tiers := a.deps.Tiers()
	t := caller.Tier
	if sub.ID != "" && !sub.Status.Billable() && sub.Status != billing.StatusCanceled {
		t = tier.Free
	}
	limits, ok := tiers[t]
	if !ok {
		a.deps.Logger.Warn().
			Str("caller_id", caller.ID).
			Str("tier", string(t)).
			Msg("caller on unconfigured tier, using free limits")
		limits = tiers[tier.Free]
	}
	return limits
}
