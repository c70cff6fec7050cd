/*
pricing.go - Gross cost and credit valuation

PURPOSE:
  Turns a booked duration into a gross money amount and describes which
  credit types may pay for each chargeable kind, in what order and at what
  value per unit.

TIERS:
  The discount tier is owned by the reputation collaborator and consumed
  read-only through TierProvider. A tier with a configured rate replaces
  the base hourly rate; hour-block credits are then valued at that rate,
  so a discounted member's free hour covers exactly one discounted hour.

UNIT VALUES:
  Hour credits are counted in blocks of BlockMinutes, half an hour by
  default, so two blocks are one free hour. A CreditRule with a zero
  UnitValue is valued as one block at the applicable hourly rate. The
  block must divide the booking slot, otherwise a bookable duration can
  leave a part block that only cash can pay.
  Rules with a fixed UnitValue (equipment credits) ignore the rate.

SEE ALSO:
  - settlement.go: Consumes Buckets to settle a charge
  - factory/pricing.go: Builds a PricingPolicy from configuration
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/rehearsal-engine/generic"
)

// Tier is a user's pricing tier.
type Tier string

const (
	TierStandard   Tier = "standard"
	TierSustaining Tier = "sustaining"
)

// TierProvider reports a user's discount tier.
type TierProvider interface {
	TierFor(ctx context.Context, userID generic.UserID) (Tier, error)
}

// StaticTiers is a fixed user -> tier map. Unlisted users are standard.
type StaticTiers map[generic.UserID]Tier

func (m StaticTiers) TierFor(_ context.Context, userID generic.UserID) (Tier, error) {
	if t, ok := m[userID]; ok {
		return t, nil
	}
	return TierStandard, nil
}

// CreditRule makes one credit type eligible for a chargeable kind.
type CreditRule struct {
	CreditType generic.CreditType
	Priority   int             // lower = consumed first
	UnitValue  decimal.Decimal // zero = one block at the hourly rate
}

// PricingPolicy prices chargeables and values credits.
type PricingPolicy struct {
	Currency     string
	HourlyRate   decimal.Decimal
	TierRates    map[Tier]decimal.Decimal
	BlockMinutes int
	CreditRules  map[generic.ResourceKind][]CreditRule

	// LowBalance maps a credit type to the balance under which a debit
	// raises a low-balance alert.
	LowBalance map[generic.CreditType]int64

	// CreditPolicies initialize balance rows created on first use.
	CreditPolicies map[generic.CreditType]generic.CreditPolicy
}

// DefaultPricing is used when no pricing is configured.
func DefaultPricing() PricingPolicy {
	return PricingPolicy{
		Currency:     "USD",
		HourlyRate:   decimal.NewFromInt(15),
		TierRates:    map[Tier]decimal.Decimal{TierSustaining: decimal.NewFromInt(12)},
		BlockMinutes: 30,
		CreditRules: map[generic.ResourceKind][]CreditRule{
			generic.KindReservation: {
				{CreditType: generic.CreditPromoHours, Priority: 0},
				{CreditType: generic.CreditFreeHours, Priority: 1},
				{CreditType: generic.CreditBonusHours, Priority: 2},
			},
			generic.KindLoan: {
				{CreditType: generic.CreditEquipmentCredits, Priority: 0, UnitValue: decimal.NewFromInt(1)},
			},
		},
		LowBalance: map[generic.CreditType]int64{generic.CreditFreeHours: 2},
	}
}

// RateFor returns the hourly rate for tier.
func (p PricingPolicy) RateFor(tier Tier) decimal.Decimal {
	if r, ok := p.TierRates[tier]; ok {
		return r
	}
	return p.HourlyRate
}

// Quote prices a window at rate, rounded to cents.
func (p PricingPolicy) Quote(w generic.Window, rate decimal.Decimal) decimal.Decimal {
	return w.Hours().Mul(rate).Round(2)
}

// BlockValue is the money value of one block at rate.
func (p PricingPolicy) BlockValue(rate decimal.Decimal) decimal.Decimal {
	return rate.Mul(decimal.NewFromInt(int64(p.blockMinutes()))).Div(decimal.NewFromInt(60)).Round(2)
}

// BlockHours converts hour-block units to hours.
func (p PricingPolicy) BlockHours(units int64) decimal.Decimal {
	return decimal.NewFromInt(units * int64(p.blockMinutes())).Div(decimal.NewFromInt(60))
}

func (p PricingPolicy) blockMinutes() int {
	if p.BlockMinutes <= 0 {
		return 30
	}
	return p.BlockMinutes
}

// IsHourCredit reports whether creditType is valued in hour blocks for kind.
func (p PricingPolicy) IsHourCredit(kind generic.ResourceKind, creditType generic.CreditType) bool {
	for _, r := range p.CreditRules[kind] {
		if r.CreditType == creditType {
			return r.UnitValue.IsZero()
		}
	}
	return false
}

// Buckets lists the user's balances that may pay for kind. Expired and
// empty balances are left out.
func (p PricingPolicy) Buckets(kind generic.ResourceKind, rate decimal.Decimal, credits []generic.UserCredit, now time.Time) []generic.CreditBucket {
	byType := make(map[generic.CreditType]generic.UserCredit, len(credits))
	for _, c := range credits {
		byType[c.CreditType] = c
	}

	var out []generic.CreditBucket
	for _, rule := range p.CreditRules[kind] {
		c, ok := byType[rule.CreditType]
		if !ok || c.Balance <= 0 {
			continue
		}
		if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
			continue
		}
		value := rule.UnitValue
		if value.IsZero() {
			value = p.BlockValue(rate)
		}
		out = append(out, generic.CreditBucket{
			CreditType: rule.CreditType,
			Available:  c.Balance,
			UnitValue:  value,
			Priority:   rule.Priority,
			ExpiresAt:  c.ExpiresAt,
		})
	}
	return out
}
