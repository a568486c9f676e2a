// Package quota provides pure functions for quota enforcement.
// All functions are deterministic with no side effects.
package quota

import (
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/tier"
)

// Config represents quota limits and enforcement settings (value type).
type Config struct {
	IncludedUnits int64       // units included per billing period, -1 = unlimited
	EnforceMode   EnforceMode // how to handle consumption above the allotment
	GracePct      float64     // grace fraction before a hard block (e.g. 0.05 = 5%)
}

// EnforceMode determines how the included allotment is enforced.
type EnforceMode string

const (
	EnforceHard EnforceMode = "hard" // reject requests above the allotment
	EnforceWarn EnforceMode = "warn" // allow and surface a warning
	EnforceSoft EnforceMode = "soft" // allow and bill overage
)

// WarningLevel indicates how close to or over the allotment a caller is.
type WarningLevel int

const (
	WarningNone        WarningLevel = iota // < 80%
	WarningApproaching                     // >= 80%
	WarningCritical                        // >= 95%
	WarningExceeded                        // > 100%
)

// String returns the string representation of a warning level.
func (w WarningLevel) String() string {
	switch w {
	case WarningNone:
		return "none"
	case WarningApproaching:
		return "approaching"
	case WarningCritical:
		return "critical"
	case WarningExceeded:
		return "exceeded"
	default:
		return "unknown"
	}
}

// CheckResult represents the outcome of a quota check (value type).
type CheckResult struct {
	Allowed      bool
	Consumed     int64 // projected consumption including the increment
	Included     int64
	PercentUsed  float64
	Overage      bool  // projected consumption exceeds the allotment
	OverageUnits int64 // units above the allotment
	WarningLevel WarningLevel
	Reason       string
}

// Check decides whether an increment of consumption is admitted.
// This is a PURE function - no side effects.
func Check(consumed int64, cfg Config, increment int64) CheckResult {
	// Unlimited allotment
	if cfg.IncludedUnits < 0 {
		return CheckResult{
			Allowed:      true,
			Consumed:     consumed + increment,
			Included:     -1,
			WarningLevel: WarningNone,
		}
	}

	projected := consumed + increment
	included := cfg.IncludedUnits
	gracedLimit := int64(float64(included) * (1 + cfg.GracePct))

	var percentUsed float64
	if included > 0 {
		percentUsed = float64(projected) / float64(included) * 100
	}

	result := CheckResult{
		Consumed:    projected,
		Included:    included,
		PercentUsed: percentUsed,
		Overage:     projected > included,
	}
	if result.Overage {
		result.OverageUnits = projected - included
	}

	switch {
	case projected > included:
		result.WarningLevel = WarningExceeded
	case percentUsed >= 95:
		result.WarningLevel = WarningCritical
	case percentUsed >= 80:
		result.WarningLevel = WarningApproaching
	default:
		result.WarningLevel = WarningNone
	}

	switch cfg.EnforceMode {
	case EnforceWarn, EnforceSoft:
		result.Allowed = true
	default:
		// Hard enforcement, also the fallback for unknown modes.
		result.Allowed = projected <= gracedLimit
		if !result.Allowed {
			result.Reason = "quota_exceeded"
		}
	}

	return result
}

// Overage returns the units consumed above the included allotment.
// This is a PURE function.
func Overage(consumed, included int64) int64 {
	if included < 0 || consumed <= included {
		return 0
	}
	return consumed - included
}

// PeriodBounds returns the half-open [start, end) calendar-month
// billing period containing t, used for callers without a
// subscription.
// This is a PURE function.
func PeriodBounds(t time.Time) (start, end time.Time) {
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	end = start.AddDate(0, 1, 0)
	return
}

// ConfigFromLimits creates a quota Config from tier limits.
// This is a PURE function.
func ConfigFromLimits(l tier.Limits) Config {
	mode := EnforceHard
	switch EnforceMode(l.Enforce) {
	case EnforceWarn:
		mode = EnforceWarn
	case EnforceSoft:
		mode = EnforceSoft
	case EnforceHard:
		mode = EnforceHard
	}

	return Config{
		IncludedUnits: l.IncludedUnits,
		EnforceMode:   mode,
		GracePct:      l.GracePct,
	}
}

// Snapshot is a point-in-time view of a caller's consumption for one
// billing period (value type).
type Snapshot struct {
	CallerID      string
	PeriodStart   time.Time
	PeriodEnd     time.Time
	ConsumedUnits int64
	IncludedUnits int64 // -1 = unlimited
	OverageUnits  int64
	ComputedAt    time.Time
}

// Remaining returns the units left before the allotment is exhausted,
// or -1 when the allotment is unlimited.
func (s Snapshot) Remaining() int64 {
	if s.IncludedUnits < 0 {
		return -1
	}
	if r := s.IncludedUnits - s.ConsumedUnits; r > 0 {
		return r
	}
	return 0
}
