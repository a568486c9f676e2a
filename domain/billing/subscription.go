// Package billing provides subscription and webhook value types plus
// the pure rules that govern them: the subscription status machine,
// webhook retry backoff and overage invoice math.
package billing

import (
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/tier"
)

// SubscriptionStatus is the lifecycle state of a subscription as
// mirrored from the payment provider.
type SubscriptionStatus string

const (
	StatusIncomplete SubscriptionStatus = "incomplete" // created, first payment not confirmed
	StatusTrialing   SubscriptionStatus = "trialing"
	StatusActive     SubscriptionStatus = "active"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusCanceled   SubscriptionStatus = "canceled" // terminal
)

// transitions is the allowed status graph. Canceled is terminal:
// no event may resurrect a canceled subscription.
var transitions = map[SubscriptionStatus][]SubscriptionStatus{
	StatusIncomplete: {StatusTrialing, StatusActive, StatusCanceled},
	StatusTrialing:   {StatusActive, StatusPastDue, StatusCanceled},
	StatusActive:     {StatusPastDue, StatusCanceled},
	StatusPastDue:    {StatusActive, StatusCanceled},
	StatusCanceled:   {},
}

// CanTransition reports whether moving from one status to another is
// allowed. Staying in place is always allowed.
// This is a PURE function.
func CanTransition(from, to SubscriptionStatus) bool {
	if from == to {
		return true
	}
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s SubscriptionStatus) Terminal() bool {
	return len(transitions[s]) == 0 && s == StatusCanceled
}

// Billable reports whether a subscription in this status entitles the
// caller to its tier's allotment.
func (s SubscriptionStatus) Billable() bool {
	return s == StatusActive || s == StatusTrialing
}

// Valid reports whether s is a known status.
func (s SubscriptionStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Subscription mirrors one payment-provider subscription (value type).
// Local state is optimistic; webhooks and reconciliation make it
// converge on the provider's truth.
type Subscription struct {
	ID                 string
	CallerID           string
	Tier               tier.Tier
	Status             SubscriptionStatus
	Provider           string // payment provider name, e.g. "stripe"
	ProviderID         string // subscription ID at the provider
	ProviderItemID     string // metered item ID, used for overage reporting
	ProviderPriceID    string // price the provider has the subscription on
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// InPeriod reports whether t falls inside the subscription's current
// billing period.
func (s Subscription) InPeriod(t time.Time) bool {
	return !t.Before(s.CurrentPeriodStart) && t.Before(s.CurrentPeriodEnd)
}

// Adopt returns local with the provider-owned fields replaced by the
// remote record's. Identity and bookkeeping fields survive; empty
// remote fields never erase known values.
// This is a PURE function.
func Adopt(local, remote Subscription) Subscription {
	local.Status = remote.Status
	if remote.ProviderID != "" {
		local.ProviderID = remote.ProviderID
	}
	if remote.ProviderItemID != "" {
		local.ProviderItemID = remote.ProviderItemID
	}
	if remote.ProviderPriceID != "" {
		local.ProviderPriceID = remote.ProviderPriceID
	}
	if !remote.CurrentPeriodStart.IsZero() {
		local.CurrentPeriodStart = remote.CurrentPeriodStart
	}
	if !remote.CurrentPeriodEnd.IsZero() {
		local.CurrentPeriodEnd = remote.CurrentPeriodEnd
	}
	local.CancelAtPeriodEnd = remote.CancelAtPeriodEnd
	if remote.CanceledAt != nil {
		local.CanceledAt = remote.CanceledAt
	}
	return local
}

// Drift describes a divergence between the local subscription record
// and the provider's authoritative state (value type).
type Drift struct {
	SubscriptionID string
	Field          string
	Local          string
	Remote         string
}

// Diff compares the local record against the provider's and returns
// one Drift per divergent field. Period bounds are compared at second
// precision since providers truncate timestamps.
// This is a PURE function.
func Diff(local, remote Subscription) []Drift {
	var drifts []Drift
	add := func(field, l, r string) {
		drifts = append(drifts, Drift{
			SubscriptionID: local.ID,
			Field:          field,
			Local:          l,
			Remote:         r,
		})
	}

	if local.Status != remote.Status {
		add("status", string(local.Status), string(remote.Status))
	}
	if remote.ProviderPriceID != "" && local.ProviderPriceID != remote.ProviderPriceID {
		add("price", local.ProviderPriceID, remote.ProviderPriceID)
	}
	if !local.CurrentPeriodEnd.Truncate(time.Second).Equal(remote.CurrentPeriodEnd.Truncate(time.Second)) {
		add("period_end", local.CurrentPeriodEnd.UTC().Format(time.RFC3339), remote.CurrentPeriodEnd.UTC().Format(time.RFC3339))
	}
	if local.CancelAtPeriodEnd != remote.CancelAtPeriodEnd {
		add("cancel_at_period_end", boolStr(local.CancelAtPeriodEnd), boolStr(remote.CancelAtPeriodEnd))
	}

	return drifts
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
