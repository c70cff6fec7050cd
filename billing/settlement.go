/*
settlement.go - Charge settlement

PURPOSE:
  Converts a gross cost into consumed credits plus a residual money amount
  and persists the Charge. Settle runs on the caller's Tx so the
  reservation or loan insert, the ledger debits and the charge insert
  commit together or not at all.

STEPS:
  1. List the user's balances and keep those eligible for the chargeable
  2. Plan consumption with generic.CreditDistributor
  3. Debit each planned credit type (source "usage_debit")
  4. Insert the Charge: covered_by_credits when net is zero, else pending

CONSERVATION:
  gross = net + credit value holds for every charge written. A plan that
  breaks it aborts the transaction with an InvariantViolationError.

SEE ALSO:
  - charge.go: Status transitions after the charge exists
  - generic/assignment.go: CreditDistributor
*/
package billing

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/rehearsal-engine/generic"
	"github.com/warp/rehearsal-engine/metrics"
)

// SettleRequest is one chargeable to settle.
type SettleRequest struct {
	UserID     generic.UserID
	Chargeable generic.Ref
	Gross      decimal.Decimal
	// Rate values hour-block credits. Zero uses the base hourly rate.
	Rate decimal.Decimal
}

// LowBalance is raised when a debit takes a balance under its threshold.
type LowBalance struct {
	UserID     generic.UserID
	CreditType generic.CreditType
	Balance    int64
	Threshold  int64
}

// Settlement is the outcome of Settle.
type Settlement struct {
	Charge       generic.Charge
	Transactions []generic.CreditTransaction
	LowBalance   []LowBalance
}

// Settler writes charges and moves them through their statuses.
type Settler struct {
	policy PricingPolicy
	clock  generic.Clock
	log    zerolog.Logger
}

func NewSettler(policy PricingPolicy, clock generic.Clock, logger *zerolog.Logger) *Settler {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "settlement").Logger()
	}
	return &Settler{policy: policy, clock: clock, log: l}
}

// Policy returns the pricing the settler was built with.
func (s *Settler) Policy() PricingPolicy { return s.policy }

func (s *Settler) ledger(tx generic.Tx) *generic.Ledger {
	return generic.NewLedger(tx, s.clock).WithPolicies(s.policy.CreditPolicies)
}

// Settle consumes credits for req and inserts its Charge.
func (s *Settler) Settle(ctx context.Context, tx generic.Tx, req SettleRequest) (Settlement, error) {
	if err := validateSettle(req); err != nil {
		return Settlement{}, err
	}
	now := s.clock.Now()
	rate := req.Rate
	if rate.IsZero() {
		rate = s.policy.HourlyRate
	}

	credits, err := tx.ListCredits(ctx, req.UserID)
	if err != nil {
		return Settlement{}, fmt.Errorf("list credits: %w", err)
	}
	before := make(map[generic.CreditType]int64, len(credits))
	for _, c := range credits {
		before[c.CreditType] = c.Balance
	}

	plan := generic.CreditDistributor{}.Distribute(req.Gross, s.policy.Buckets(req.Chargeable.Kind, rate, credits, now))
	net := req.Gross.Sub(plan.CreditValue)
	if net.IsNegative() || !net.Equal(plan.Residual) {
		return Settlement{}, &generic.InvariantViolationError{
			What:     "settlement of " + req.Chargeable.String(),
			Expected: "gross = net + credit value, net >= 0",
			Actual:   fmt.Sprintf("gross %s, credit value %s, net %s", req.Gross, plan.CreditValue, net),
		}
	}

	var out Settlement
	ledger := s.ledger(tx)
	for _, a := range plan.Allocations {
		t, err := ledger.Debit(ctx, generic.Entry{
			UserID:     req.UserID,
			CreditType: a.CreditType,
			Amount:     a.Units,
			Source:     generic.SourceUsageDebit,
			SourceRef:  req.Chargeable.String(),
			Reason:     fmt.Sprintf("%d x %s toward %s", a.Units, a.CreditType, req.Chargeable),
		})
		if err != nil {
			return Settlement{}, fmt.Errorf("debit %s: %w", a.CreditType, err)
		}
		metrics.IncLedger("debit", string(a.CreditType))
		out.Transactions = append(out.Transactions, t)
		if alert, ok := s.lowBalance(req.UserID, a.CreditType, before[a.CreditType], t.BalanceAfter); ok {
			out.LowBalance = append(out.LowBalance, alert)
		}
	}

	status := generic.ChargePending
	if net.IsZero() {
		status = generic.ChargeCoveredByCredits
	}
	charge := generic.Charge{
		ID:             generic.NewID("chg"),
		UserID:         req.UserID,
		Chargeable:     req.Chargeable,
		Currency:       s.policy.Currency,
		Gross:          req.Gross,
		CreditsApplied: plan.Units(),
		CreditValue:    plan.CreditValue,
		Net:            net,
		Status:         status,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if status == generic.ChargeCoveredByCredits {
		charge.PaidAt = &now
	}
	if err := tx.InsertCharge(ctx, charge); err != nil {
		return Settlement{}, fmt.Errorf("insert charge for %s: %w", req.Chargeable, err)
	}
	metrics.IncSettlement(string(status))

	s.log.Info().
		Str("charge_id", charge.ID).
		Str("user_id", string(req.UserID)).
		Str("chargeable", req.Chargeable.String()).
		Str("gross", req.Gross.StringFixed(2)).
		Str("net", net.StringFixed(2)).
		Str("status", string(status)).
		Msg("charge settled")

	out.Charge = charge
	return out, nil
}

// lowBalance reports a crossing of the threshold, not every debit under it.
func (s *Settler) lowBalance(userID generic.UserID, creditType generic.CreditType, before, after int64) (LowBalance, bool) {
	threshold, ok := s.policy.LowBalance[creditType]
	if !ok || after >= threshold || before < threshold {
		return LowBalance{}, false
	}
	return LowBalance{UserID: userID, CreditType: creditType, Balance: after, Threshold: threshold}, true
}

func validateSettle(req SettleRequest) error {
	switch {
	case req.UserID == "":
		return &generic.ValidationError{Code: "missing_user", Field: "user_id", Message: "user is required"}
	case !req.Chargeable.Kind.IsChargeable():
		return &generic.ValidationError{Code: "invalid_chargeable", Field: "chargeable", Message: fmt.Sprintf("%q is not a chargeable kind", req.Chargeable.Kind)}
	case req.Chargeable.ID == "":
		return &generic.ValidationError{Code: "invalid_chargeable", Field: "chargeable", Message: "chargeable id is required"}
	case req.Gross.IsNegative():
		return &generic.ValidationError{Code: "invalid_amount", Field: "gross", Message: "gross amount must not be negative"}
	}
	return nil
}
