package billing

import (
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/tier"
)

// OverageLine is the billable overage of one closed period (value
// type). Amount is in the same currency unit as the tier's price.
type OverageLine struct {
	CallerID    string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Units       int64
	UnitPrice   float64
	Amount      float64
}

// CalculateOverage computes the overage line for a closed period.
// Units below or at the allotment, an unlimited allotment, or a tier
// without overage pricing all yield a zero line.
// This is a PURE function.
func CalculateOverage(callerID string, consumed int64, limits tier.Limits, periodStart, periodEnd time.Time) OverageLine {
	line := OverageLine{
		CallerID:    callerID,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		UnitPrice:   limits.OverageUnitPrice,
	}

	if limits.IncludedUnits < 0 || consumed <= limits.IncludedUnits {
		return line
	}
	if !limits.AllowsOverage() {
		// Hard-enforced tiers cannot legitimately accumulate billable
		// overage; anything above the allotment stayed unbilled grace.
		return line
	}

	line.Units = consumed - limits.IncludedUnits
	line.Amount = float64(line.Units) * limits.OverageUnitPrice
	return line
}

// Billable reports whether the line carries anything to invoice.
func (l OverageLine) Billable() bool {
	return l.Units > 0 && l.Amount > 0
}
