/*
assignment.go - Priority-ordered credit distribution

PURPOSE:
  A user may hold several credit types that can pay for the same thing.
  For a 3-hour room booking they might have:
  - Promo hours (2 blocks, expire next week)
  - Free hours from their membership (4 blocks)
  - Bonus hours (10 blocks)

  CreditDistributor decides how many units of each bucket to consume to
  cover a gross money amount. Buckets are walked in priority order (lower
  number first, earlier expiry breaking ties). From each bucket it takes the
  whole units needed, capped by what is available, and never more value
  than is still owed.

CONSERVATION:
  Whole units only, rounded down, so the value consumed never exceeds the
  gross: gross = residual + sum(units * unit value).

EXAMPLE:
  gross $45, free-hours valued $15/block, 2 blocks available
  -> consume 2 blocks ($30), residual $15

SEE ALSO:
  - billing/settlement.go: Debits the planned units and writes the Charge
*/
package generic

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// CreditBucket is one credit type a charge may draw from.
type CreditBucket struct {
	CreditType CreditType
	Available  int64
	UnitValue  decimal.Decimal // money per unit
	Priority   int             // lower = consumed first
	ExpiresAt  *time.Time
}

// CreditAllocationPlan is the amount taken from one bucket.
type CreditAllocationPlan struct {
	CreditType CreditType
	Units      int64
	Value      decimal.Decimal
}

// DistributionResult is the outcome of planning a charge.
type DistributionResult struct {
	Allocations []CreditAllocationPlan
	CreditValue decimal.Decimal
	Residual    decimal.Decimal
}

// Covered reports whether credits paid for everything.
func (r DistributionResult) Covered() bool { return r.Residual.IsZero() }

// Units returns the plan as credit type -> units.
func (r DistributionResult) Units() map[CreditType]int64 {
	out := make(map[CreditType]int64, len(r.Allocations))
	for _, a := range r.Allocations {
		out[a.CreditType] = a.Units
	}
	return out
}

type CreditDistributor struct{}

// Distribute plans credit consumption for gross. Buckets with no balance or
// no positive unit value are ignored.
func (CreditDistributor) Distribute(gross decimal.Decimal, buckets []CreditBucket) DistributionResult {
	sorted := append([]CreditBucket(nil), buckets...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return expiresBefore(sorted[i].ExpiresAt, sorted[j].ExpiresAt)
	})

	result := DistributionResult{CreditValue: decimal.Zero, Residual: gross}
	if !gross.IsPositive() {
		result.Residual = decimal.Zero
		return result
	}

	for _, b := range sorted {
		if result.Residual.IsZero() {
			break
		}
		if b.Available <= 0 || !b.UnitValue.IsPositive() {
			continue
		}
		needed := result.Residual.Div(b.UnitValue).Floor().IntPart()
		units := needed
		if b.Available < units {
			units = b.Available
		}
		if units <= 0 {
			continue
		}
		value := b.UnitValue.Mul(decimal.NewFromInt(units))
		result.Allocations = append(result.Allocations, CreditAllocationPlan{CreditType: b.CreditType, Units: units, Value: value})
		result.CreditValue = result.CreditValue.Add(value)
		result.Residual = result.Residual.Sub(value)
	}
	return result
}

// nil sorts last
func expiresBefore(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	}
	return a.Before(*b)
}
