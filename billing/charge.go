package billing

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/warp/rehearsal-engine/generic"
	"github.com/warp/rehearsal-engine/metrics"
)

// PaymentOutcome is the signal sent by the payment collaborator.
type PaymentOutcome string

const (
	PaymentPaid     PaymentOutcome = "paid"
	PaymentFailed   PaymentOutcome = "failed"
	PaymentRefunded PaymentOutcome = "refunded"
)

// PaymentSignal confirms, fails or reverses a payment on a charge.
type PaymentSignal struct {
	ChargeID    string
	Outcome     PaymentOutcome
	Method      string
	ExternalRef string
	Reason      string
}

// ApplyPayment dispatches a payment signal to the matching transition.
func (s *Settler) ApplyPayment(ctx context.Context, tx generic.Tx, sig PaymentSignal) (generic.Charge, error) {
	switch sig.Outcome {
	case PaymentPaid:
		return s.MarkPaid(ctx, tx, sig.ChargeID, sig.Method, sig.ExternalRef)
	case PaymentFailed:
		return s.MarkFailed(ctx, tx, sig.ChargeID, sig.Reason)
	case PaymentRefunded:
		c, _, err := s.Refund(ctx, tx, sig.ChargeID, sig.Reason)
		return c, err
	}
	return generic.Charge{}, &generic.ValidationError{
		Code:    "invalid_outcome",
		Field:   "outcome",
		Message: fmt.Sprintf("unknown payment outcome %q", sig.Outcome),
	}
}

// MarkPaid records an external payment on a pending charge.
func (s *Settler) MarkPaid(ctx context.Context, tx generic.Tx, chargeID, method, externalRef string) (generic.Charge, error) {
	c, err := s.pending(ctx, tx, chargeID, "mark paid")
	if err != nil {
		return c, err
	}
	now := s.clock.Now()
	c.Status = generic.ChargePaid
	c.PaymentMethod = method
	c.ExternalRef = externalRef
	c.PaidAt = &now
	c.FailureReason = ""
	return s.update(ctx, tx, c)
}

// MarkFailed records a failed payment attempt. The charge stays pending.
func (s *Settler) MarkFailed(ctx context.Context, tx generic.Tx, chargeID, reason string) (generic.Charge, error) {
	c, err := s.pending(ctx, tx, chargeID, "record failure")
	if err != nil {
		return c, err
	}
	c.FailedAttempts++
	c.FailureReason = strings.TrimSpace(reason)
	if c.FailureReason == "" {
		c.FailureReason = "payment failed"
	}
	s.log.Warn().
		Str("charge_id", c.ID).
		Int("attempts", c.FailedAttempts).
		Str("reason", c.FailureReason).
		Msg("payment failed")
	return s.update(ctx, tx, c)
}

// Comp waives the residual of a pending charge.
func (s *Settler) Comp(ctx context.Context, tx generic.Tx, chargeID, reason string) (generic.Charge, error) {
	c, err := s.pending(ctx, tx, chargeID, "comp")
	if err != nil {
		return c, err
	}
	c.Status = generic.ChargeComped
	c.PaymentMethod = "comp"
	if reason != "" {
		c.ExternalRef = reason
	}
	return s.update(ctx, tx, c)
}

// Refund reverses a charge and re-credits every consumed credit with
// source "refund". Any status but refunded may be refunded.
func (s *Settler) Refund(ctx context.Context, tx generic.Tx, chargeID, reason string) (generic.Charge, []generic.CreditTransaction, error) {
	c, err := tx.GetCharge(ctx, chargeID)
	if err != nil {
		return c, nil, err
	}
	if c.Status == generic.ChargeRefunded {
		return c, nil, &generic.TransitionError{From: string(c.Status), Command: "refund"}
	}

	if reason == "" {
		reason = "refund of " + c.Chargeable.String()
	}
	var txs []generic.CreditTransaction
	ledger := s.ledger(tx)
	for _, ct := range sortedCreditTypes(c.CreditsApplied) {
		units := c.CreditsApplied[ct]
		if units <= 0 {
			continue
		}
		t, err := ledger.Credit(ctx, generic.Entry{
			UserID:     c.UserID,
			CreditType: ct,
			Amount:     units,
			Source:     generic.SourceRefund,
			SourceRef:  c.ID,
			Reason:     reason,
		})
		if err != nil {
			return c, nil, fmt.Errorf("re-credit %s: %w", ct, err)
		}
		metrics.IncLedger("credit", string(ct))
		txs = append(txs, t)
	}

	now := s.clock.Now()
	c.Status = generic.ChargeRefunded
	c.RefundedAt = &now
	c, err = s.update(ctx, tx, c)
	return c, txs, err
}

func (s *Settler) pending(ctx context.Context, tx generic.Tx, chargeID, command string) (generic.Charge, error) {
	c, err := tx.GetCharge(ctx, chargeID)
	if err != nil {
		return c, err
	}
	if c.Status != generic.ChargePending {
		return c, &generic.TransitionError{From: string(c.Status), Command: command}
	}
	return c, nil
}

func (s *Settler) update(ctx context.Context, tx generic.Tx, c generic.Charge) (generic.Charge, error) {
	c.UpdatedAt = s.clock.Now()
	if err := tx.UpdateCharge(ctx, c); err != nil {
		return c, fmt.Errorf("update charge %s: %w", c.ID, err)
	}
	c.Version++
	metrics.IncSettlement(string(c.Status))
	s.log.Info().Str("charge_id", c.ID).Str("status", string(c.Status)).Msg("charge updated")
	return c, nil
}

func sortedCreditTypes(m map[generic.CreditType]int64) []generic.CreditType {
	out := make([]generic.CreditType, 0, len(m))
	for ct := range m {
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
