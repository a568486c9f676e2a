// Package tier defines the ordered subscription tiers and their
// entitlement limits. All functions are pure.
package tier

import "fmt"

// Tier identifies a subscription level. Tiers are ordered: Free <
// Starter < Pro < Enterprise.
type Tier string

const (
	Free       Tier = "free"
	Starter    Tier = "starter"
	Pro        Tier = "pro"
	Enterprise Tier = "enterprise"
)

var rank = map[Tier]int{
	Free:       0,
	Starter:    1,
	Pro:        2,
	Enterprise: 3,
}

// All returns the tiers in ascending order.
func All() []Tier {
	return []Tier{Free, Starter, Pro, Enterprise}
}

// Parse validates a tier name.
func Parse(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := rank[t]
	return ok
}

// Rank returns the tier's position in the ordering, or -1 for an
// unknown tier.
func (t Tier) Rank() int {
	r, ok := rank[t]
	if !ok {
		return -1
	}
	return r
}

// AtLeast reports whether t is equal to or above other.
func (t Tier) AtLeast(other Tier) bool {
	return t.Valid() && other.Valid() && t.Rank() >= other.Rank()
}

// Limits is the entitlement configuration of one tier (value type).
type Limits struct {
	IncludedUnits      int64   // units included per billing period, -1 = unlimited
	Enforce            string  // "hard", "soft" or "warn"
	GracePct           float64 // grace percentage before a hard block (e.g. 0.05 = 5%)
	OverageUnitPrice   float64 // price per unit above the included allotment
	RateLimitPerMinute int     // request rate ceiling, 0 = unlimited
	Burst              int     // extra requests tolerated above the per-minute rate
	PriceMonthly       float64 // recurring price, informational
	ProviderPriceID    string  // price reference in the payment provider
}

// AllowsOverage reports whether the tier permits consumption above the
// included allotment (billed as overage).
func (l Limits) AllowsOverage() bool {
	return l.Enforce == "soft" || l.Enforce == "warn"
}
