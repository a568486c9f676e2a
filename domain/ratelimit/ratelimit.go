// Package ratelimit provides the pure fixed-window rate limiting
// algorithm. All functions are deterministic - same input always
// produces same output.
package ratelimit

import (
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/tier"
)

// WindowState represents the current state of a rate limit window
// (value type).
type WindowState struct {
	Count     int       // requests in current window
	WindowEnd time.Time // when current window ends
	BurstUsed int       // burst tokens used
}

// CheckResult represents the outcome of a rate limit check (value type).
type CheckResult struct {
	Allowed   bool
	Remaining int       // requests remaining in window
	ResetAt   time.Time // when the limit resets
	Reason    string    // if not allowed, why
}

// Config holds rate limit configuration (value type).
type Config struct {
	Limit       int           // requests per window, <= 0 = unlimited
	Window      time.Duration // window duration
	BurstTokens int           // extra tokens tolerated above the limit
}

// ReasonLimitExceeded is the denial reason for an exhausted window.
const ReasonLimitExceeded = "rate_limit_exceeded"

// ConfigFromLimits builds a per-minute window config from tier limits.
// This is a PURE function.
func ConfigFromLimits(l tier.Limits) Config {
	return Config{
		Limit:       l.RateLimitPerMinute,
		Window:      time.Minute,
		BurstTokens: l.Burst,
	}
}

// Check performs a rate limit check and returns the updated state the
// caller must persist.
// This is a PURE function - no side effects, deterministic.
func Check(state WindowState, cfg Config, now time.Time) (CheckResult, WindowState) {
	if cfg.Limit <= 0 {
		return CheckResult{Allowed: true, Remaining: -1}, state
	}

	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}

	// A fresh or elapsed window resets the counters.
	if state.WindowEnd.IsZero() || now.After(state.WindowEnd) {
		state = WindowState{
			WindowEnd: now.Truncate(window).Add(window),
		}
	}

	if state.Count < cfg.Limit {
		state.Count++
		return CheckResult{
			Allowed:   true,
			Remaining: cfg.Limit - state.Count,
			ResetAt:   state.WindowEnd,
		}, state
	}

	// Over the limit, spend burst tokens if any remain.
	if state.BurstUsed < cfg.BurstTokens {
		state.Count++
		state.BurstUsed++
		return CheckResult{
			Allowed:   true,
			Remaining: 0,
			ResetAt:   state.WindowEnd,
		}, state
	}

	return CheckResult{
		Allowed:   false,
		Remaining: 0,
		ResetAt:   state.WindowEnd,
		Reason:    ReasonLimitExceeded,
	}, state
}

// RetryAfter returns how long to wait before retrying a denied
// request.
// This is a PURE function.
func RetryAfter(result CheckResult, now time.Time) time.Duration {
	if result.Allowed {
		return 0
	}
	delay := result.ResetAt.Sub(now)
	if delay < 0 {
		return 0
	}
	return delay
}
