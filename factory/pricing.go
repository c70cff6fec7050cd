/*
Package factory provides JSON/YAML to Go conversion for pricing and
recurring series definitions.

PURPOSE:
  Converts pricing definitions into billing.PricingPolicy and series
  definitions into booking.SeriesRequest. Operators change rates, credit
  priorities and low-balance thresholds in configuration, and the factory
  creates the proper Go structs.

PRICING SCHEMA:
  {
    "currency": "USD",
    "hourly_rate": 15,
    "tier_rates": {"sustaining": 12},
    "block_minutes": 30,
    "credit_rules": {
      "reservation": [
        {"credit_type": "promo-hours", "priority": 0},
        {"credit_type": "free-hours", "priority": 1}
      ],
      "loan": [
        {"credit_type": "equipment-credits", "priority": 0, "unit_value": 1}
      ]
    },
    "low_balance": {"free-hours": 2},
    "credit_policies": {"free-hours": {"max_balance": 8, "rollover": false}}
  }

DEFAULTS:
  Missing fields fall back to billing.DefaultPricing(). A credit_rules map
  that is present replaces the default rules entirely.

USAGE:
  f := NewPricingFactory()
  policy, err := f.ParsePricing(jsonString)

  // From the config file
  policy, err := f.Build(cfg.Pricing)

SEE ALSO:
  - billing/pricing.go: PricingPolicy type definition
  - series.go: Series definitions
  - config/config.go: Embeds PricingJSON under "pricing"
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/rehearsal-engine/billing"
	"github.com/warp/rehearsal-engine/generic"
)

// =============================================================================
// SCHEMA TYPES
// =============================================================================

// PricingJSON is the JSON/YAML representation of a pricing policy.
type PricingJSON struct {
	Currency       string                      `json:"currency,omitempty" yaml:"currency"`
	HourlyRate     float64                     `json:"hourly_rate,omitempty" yaml:"hourly_rate"`
	TierRates      map[string]float64          `json:"tier_rates,omitempty" yaml:"tier_rates"`
	BlockMinutes   int                         `json:"block_minutes,omitempty" yaml:"block_minutes"`
	CreditRules    map[string][]CreditRuleJSON `json:"credit_rules,omitempty" yaml:"credit_rules"`
	LowBalance     map[string]int64            `json:"low_balance,omitempty" yaml:"low_balance"`
	CreditPolicies map[string]CreditPolicyJSON `json:"credit_policies,omitempty" yaml:"credit_policies"`
}

// CreditRuleJSON makes a credit type eligible for a chargeable kind.
type CreditRuleJSON struct {
	CreditType string  `json:"credit_type" yaml:"credit_type"`
	Priority   int     `json:"priority" yaml:"priority"`
	UnitValue  float64 `json:"unit_value,omitempty" yaml:"unit_value"` // 0 = one hour block
}

// CreditPolicyJSON configures new balance rows of a credit type.
type CreditPolicyJSON struct {
	MaxBalance *int64 `json:"max_balance,omitempty" yaml:"max_balance"`
	Rollover   bool   `json:"rollover" yaml:"rollover"`
}

// =============================================================================
// PRICING FACTORY
// =============================================================================

// PricingFactory converts pricing definitions to billing policies.
type PricingFactory struct{}

func NewPricingFactory() *PricingFactory {
	return &PricingFactory{}
}

// ParsePricing parses a JSON pricing definition.
func (f *PricingFactory) ParsePricing(jsonStr string) (billing.PricingPolicy, error) {
	var pj PricingJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return billing.PricingPolicy{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return f.Build(pj)
}

// Build validates pj and fills the gaps from the default policy.
func (f *PricingFactory) Build(pj PricingJSON) (billing.PricingPolicy, error) {
	p := billing.DefaultPricing()

	if pj.Currency != "" {
		if len(pj.Currency) != 3 {
			return p, invalid("currency", "currency must be a 3-letter code, got %q", pj.Currency)
		}
		p.Currency = pj.Currency
	}
	if pj.HourlyRate < 0 {
		return p, invalid("hourly_rate", "hourly rate must not be negative")
	}
	if pj.HourlyRate > 0 {
		p.HourlyRate = money(pj.HourlyRate)
	}
	if pj.BlockMinutes < 0 || (pj.BlockMinutes > 0 && 60%pj.BlockMinutes != 0 && pj.BlockMinutes%60 != 0) {
		return p, invalid("block_minutes", "block minutes must divide or be a multiple of an hour, got %d", pj.BlockMinutes)
	}
	if pj.BlockMinutes > 0 {
		p.BlockMinutes = pj.BlockMinutes
	}

	if pj.TierRates != nil {
		p.TierRates = make(map[billing.Tier]decimal.Decimal, len(pj.TierRates))
		for name, rate := range pj.TierRates {
			tier, err := parseTier(name)
			if err != nil {
				return p, err
			}
			if rate < 0 {
				return p, invalid("tier_rates", "rate for tier %q must not be negative", name)
			}
			p.TierRates[tier] = money(rate)
		}
	}

	if pj.CreditRules != nil {
		p.CreditRules = make(map[generic.ResourceKind][]billing.CreditRule, len(pj.CreditRules))
		for kindName, rules := range pj.CreditRules {
			kind, err := generic.ParseResourceKind(kindName)
			if err != nil || !kind.IsChargeable() {
				return p, invalid("credit_rules", "%q is not a chargeable kind", kindName)
			}
			for _, r := range rules {
				if r.CreditType == "" {
					return p, invalid("credit_rules", "credit rule for %q has no credit_type", kindName)
				}
				if r.UnitValue < 0 {
					return p, invalid("credit_rules", "unit value of %q must not be negative", r.CreditType)
				}
				p.CreditRules[kind] = append(p.CreditRules[kind], billing.CreditRule{
					CreditType: generic.CreditType(r.CreditType),
					Priority:   r.Priority,
					UnitValue:  money(r.UnitValue),
				})
			}
		}
	}

	if pj.LowBalance != nil {
		p.LowBalance = make(map[generic.CreditType]int64, len(pj.LowBalance))
		for ct, threshold := range pj.LowBalance {
			if threshold < 0 {
				return p, invalid("low_balance", "threshold for %q must not be negative", ct)
			}
			p.LowBalance[generic.CreditType(ct)] = threshold
		}
	}

	if pj.CreditPolicies != nil {
		p.CreditPolicies = make(map[generic.CreditType]generic.CreditPolicy, len(pj.CreditPolicies))
		for ct, cp := range pj.CreditPolicies {
			if cp.MaxBalance != nil && *cp.MaxBalance < 0 {
				return p, invalid("credit_policies", "max balance for %q must not be negative", ct)
			}
			p.CreditPolicies[generic.CreditType(ct)] = generic.CreditPolicy{MaxBalance: cp.MaxBalance, Rollover: cp.Rollover}
		}
	}
	return p, nil
}

func parseTier(s string) (billing.Tier, error) {
	switch billing.Tier(s) {
	case billing.TierStandard, billing.TierSustaining:
		return billing.Tier(s), nil
	}
	return "", invalid("tier_rates", "unknown tier %q", s)
}

// money converts a configured amount to cents.
func money(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}

func invalid(field, format string, args ...any) error {
	return &generic.ValidationError{Code: "invalid_config", Field: field, Message: fmt.Sprintf(format, args...)}
}
