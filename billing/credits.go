/*
credits.go - Credit grants, allocations, promo codes and expiry

PURPOSE:
  Every balance change outside settlement goes through CreditService. Each
  public method is one Store.WithTx unit, so a failed step leaves no
  partial grant behind.

ALLOCATION SWEEP:
  For each active allocation with next_allocation_at <= now:
    1. Re-read the allocation inside the transaction
    2. Skip it if next_allocation_at moved (another sweep got there first)
    3. If the balance does not roll over, debit what is left (source "reset")
    4. Credit the period amount (source "allocation")
    5. Compare-and-swap next_allocation_at to the first period after now
  Missed periods are not back-filled: a sweep that runs late grants once.

PROMO REDEMPTION:
  Code lookup, eligibility checks, the uses_count increment, the
  redemption row and the ledger credit share one transaction.

SEE ALSO:
  - generic/ledger.go: The only writer of balances
  - api/scheduler.go: Runs ApplyDueAllocations and ExpireCredits
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/rehearsal-engine/generic"
	"github.com/warp/rehearsal-engine/metrics"
)

// CreditService manages balances outside of settlement.
type CreditService struct {
	store    generic.Store
	clock    generic.Clock
	policies map[generic.CreditType]generic.CreditPolicy
	log      zerolog.Logger
}

func NewCreditService(store generic.Store, clock generic.Clock, policies map[generic.CreditType]generic.CreditPolicy, logger *zerolog.Logger) *CreditService {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "credits").Logger()
	}
	return &CreditService{store: store, clock: clock, policies: policies, log: l}
}

func (s *CreditService) ledger(tx generic.CreditStore) *generic.Ledger {
	return generic.NewLedger(tx, s.clock).WithPolicies(s.policies)
}

// =============================================================================
// GRANTS AND ADJUSTMENTS
// =============================================================================

// GrantRequest is a one-off credit.
type GrantRequest struct {
	UserID     generic.UserID
	CreditType generic.CreditType
	Amount     int64
	Reason     string
	ExpiresAt  *time.Time
}

// Grant credits a user with source "admin_grant". When ExpiresAt is set the
// whole balance of that type expires then.
func (s *CreditService) Grant(ctx context.Context, req GrantRequest) (generic.CreditTransaction, error) {
	var out generic.CreditTransaction
	err := s.store.WithTx(ctx, func(tx generic.Tx) error {
		t, err := s.ledger(tx).Credit(ctx, generic.Entry{
			UserID:     req.UserID,
			CreditType: req.CreditType,
			Amount:     req.Amount,
			Source:     generic.SourceAdminGrant,
			SourceRef:  "manual",
			Reason:     req.Reason,
		})
		if err != nil {
			return err
		}
		if err := s.setExpiry(ctx, tx, req.UserID, req.CreditType, req.ExpiresAt); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return out, err
	}
	metrics.IncLedger("credit", string(req.CreditType))
	s.log.Info().
		Str("user_id", string(req.UserID)).
		Str("credit_type", string(req.CreditType)).
		Int64("amount", out.Amount).
		Int64("balance", out.BalanceAfter).
		Msg("credit granted")
	return out, nil
}

// setExpiry installs a new expiry, or clears one already in the past so a
// fresh grant is not swept immediately.
func (s *CreditService) setExpiry(ctx context.Context, tx generic.Tx, userID generic.UserID, ct generic.CreditType, at *time.Time) error {
	c, err := tx.GetCredit(ctx, userID, ct)
	if err != nil || c == nil {
		return err
	}
	switch {
	case at != nil:
		t := at.UTC()
		c.ExpiresAt = &t
	case c.ExpiresAt != nil && !c.ExpiresAt.After(s.clock.Now()):
		c.ExpiresAt = nil
	default:
		return nil
	}
	return tx.SaveCredit(ctx, *c)
}

// Adjust applies a signed staff correction with source "admin_adjustment".
func (s *CreditService) Adjust(ctx context.Context, userID generic.UserID, ct generic.CreditType, delta int64, reason string) (generic.CreditTransaction, error) {
	if delta == 0 {
		return generic.CreditTransaction{}, &generic.ValidationError{Code: "invalid_amount", Field: "amount", Message: "adjustment must not be zero"}
	}
	if strings.TrimSpace(reason) == "" {
		return generic.CreditTransaction{}, &generic.ValidationError{Code: "missing_reason", Field: "reason", Message: "adjustments require a reason"}
	}
	var out generic.CreditTransaction
	err := s.store.WithTx(ctx, func(tx generic.Tx) error {
		e := generic.Entry{UserID: userID, CreditType: ct, Source: generic.SourceAdminAdjust, SourceRef: "manual", Reason: reason}
		var err error
		if delta > 0 {
			e.Amount = delta
			out, err = s.ledger(tx).Credit(ctx, e)
		} else {
			e.Amount = -delta
			out, err = s.ledger(tx).Debit(ctx, e)
		}
		return err
	})
	return out, err
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

// CreateAllocation stores a recurring grant. The first grant is due at
// StartsAt unless NextAllocationAt is set.
func (s *CreditService) CreateAllocation(ctx context.Context, a generic.CreditAllocation) (generic.CreditAllocation, error) {
	if a.UserID == "" || a.CreditType == "" {
		return a, &generic.ValidationError{Code: "missing_field", Field: "allocation", Message: "user and credit type are required"}
	}
	if a.Amount <= 0 {
		return a, &generic.ValidationError{Code: "invalid_amount", Field: "amount", Message: "allocation amount must be positive"}
	}
	if _, err := generic.ParseFrequency(string(a.Frequency)); err != nil {
		return a, err
	}
	now := s.clock.Now()
	if a.ID == "" {
		a.ID = generic.NewID("alloc")
	}
	if a.StartsAt.IsZero() {
		a.StartsAt = now
	}
	if a.EndsAt != nil && !a.EndsAt.After(a.StartsAt) {
		return a, &generic.ValidationError{Code: "invalid_window", Field: "ends_at", Message: "allocation must end after it starts"}
	}
	if a.NextAllocationAt.IsZero() {
		a.NextAllocationAt = a.StartsAt
	}
	if a.Source == "" {
		a.Source = "manual"
	}
	a.Active = true
	a.CreatedAt = now

	if err := s.store.InsertAllocation(ctx, a); err != nil {
		return a, err
	}
	return a, nil
}

// AllocationReport summarizes one sweep.
type AllocationReport struct {
	Applied     int
	Skipped     int
	Deactivated int
	Failed      int
}

// ApplyDueAllocations grants every allocation that is due. It is safe to
// call repeatedly and concurrently.
func (s *CreditService) ApplyDueAllocations(ctx context.Context) (AllocationReport, error) {
	var report AllocationReport
	now := s.clock.Now()
	due, err := s.store.DueAllocations(ctx, now)
	if err != nil {
		return report, fmt.Errorf("list due allocations: %w", err)
	}

	for _, a := range due {
		outcome, err := s.applyAllocation(ctx, a.ID, a.NextAllocationAt, now)
		switch {
		case generic.IsRetryable(err):
			report.Skipped++
		case err != nil:
			report.Failed++
			s.log.Error().Err(err).Str("allocation_id", a.ID).Msg("allocation failed")
		case outcome == allocationDeactivated:
			report.Deactivated++
		case outcome == allocationSkipped:
			report.Skipped++
		default:
			report.Applied++
			metrics.IncAllocation()
		}
	}
	if report.Applied > 0 || report.Failed > 0 {
		s.log.Info().
			Int("applied", report.Applied).
			Int("skipped", report.Skipped).
			Int("deactivated", report.Deactivated).
			Int("failed", report.Failed).
			Msg("allocation sweep completed")
	}
	return report, nil
}

type allocationOutcome int

const (
	allocationApplied allocationOutcome = iota
	allocationSkipped
	allocationDeactivated
)

func (s *CreditService) applyAllocation(ctx context.Context, id string, expectedNext, now time.Time) (allocationOutcome, error) {
	outcome := allocationApplied
	err := s.store.WithTx(ctx, func(tx generic.Tx) error {
		a, err := tx.GetAllocation(ctx, id)
		if err != nil {
			return err
		}
		if !a.Active || !a.NextAllocationAt.Equal(expectedNext) {
			outcome = allocationSkipped
			return nil
		}
		if !a.InWindow(now) {
			if a.EndsAt != nil && !now.Before(*a.EndsAt) {
				outcome = allocationDeactivated
				return tx.SetAllocationActive(ctx, a.ID, false)
			}
			outcome = allocationSkipped
			return nil
		}

		ledger := s.ledger(tx)
		period := a.NextAllocationAt.UTC().Format(time.RFC3339)
		credit, err := tx.GetCredit(ctx, a.UserID, a.CreditType)
		if err != nil {
			return err
		}
		if credit != nil && !credit.Rollover && credit.Balance > 0 {
			if _, err := ledger.Debit(ctx, generic.Entry{
				UserID:     a.UserID,
				CreditType: a.CreditType,
				Amount:     credit.Balance,
				Source:     generic.SourcePeriodReset,
				SourceRef:  a.ID,
				Reason:     "unused balance does not roll over",
				Metadata:   map[string]string{"period": period},
			}); err != nil {
				return err
			}
		}
		if _, err := ledger.Credit(ctx, generic.Entry{
			UserID:     a.UserID,
			CreditType: a.CreditType,
			Amount:     a.Amount,
			Source:     generic.SourceAllocation,
			SourceRef:  a.ID,
			Reason:     fmt.Sprintf("%s allocation from %s", a.Frequency, a.Source),
			Metadata:   map[string]string{"period": period},
		}); err != nil {
			return err
		}

		next, _ := a.Frequency.AdvancePast(a.NextAllocationAt, now)
		return tx.AdvanceAllocation(ctx, a.ID, expectedNext, now, next)
	})
	return outcome, err
}

// =============================================================================
// PROMO CODES
// =============================================================================

// CreatePromo stores a new promo code. Codes are case-insensitive.
func (s *CreditService) CreatePromo(ctx context.Context, p generic.PromoCode) (generic.PromoCode, error) {
	p.Code = normalizeCode(p.Code)
	switch {
	case p.Code == "":
		return p, &generic.ValidationError{Code: "missing_code", Field: "code", Message: "promo code is required"}
	case p.CreditType == "":
		return p, &generic.ValidationError{Code: "missing_credit_type", Field: "credit_type", Message: "credit type is required"}
	case p.Amount <= 0:
		return p, &generic.ValidationError{Code: "invalid_amount", Field: "amount", Message: "promo amount must be positive"}
	case p.MaxUses != nil && *p.MaxUses <= 0:
		return p, &generic.ValidationError{Code: "invalid_max_uses", Field: "max_uses", Message: "max uses must be positive"}
	}
	p.UsesCount = 0
	p.Active = true
	p.CreatedAt = s.clock.Now()
	if err := s.store.InsertPromoCode(ctx, p); err != nil {
		if errors.Is(err, generic.ErrDuplicate) {
			return p, fmt.Errorf("promo code %s: %w", p.Code, generic.ErrDuplicate)
		}
		return p, err
	}
	return p, nil
}

// RedeemPromo credits the code's reward to userID once.
func (s *CreditService) RedeemPromo(ctx context.Context, code string, userID generic.UserID) (generic.CreditTransaction, error) {
	code = normalizeCode(code)
	var out generic.CreditTransaction
	err := s.store.WithTx(ctx, func(tx generic.Tx) error {
		now := s.clock.Now()
		p, err := tx.GetPromoCode(ctx, code)
		if err != nil {
			return err
		}
		switch {
		case !p.Active:
			return &generic.ValidationError{Code: "promo_inactive", Field: "code", Message: "promo code is not active"}
		case p.ExpiresAt != nil && !now.Before(*p.ExpiresAt):
			return &generic.ValidationError{Code: "promo_expired", Field: "code", Message: "promo code has expired"}
		case p.MaxUses != nil && p.UsesCount >= *p.MaxUses:
			return &generic.ValidationError{Code: "promo_exhausted", Field: "code", Message: "promo code has no uses left"}
		}
		redeemed, err := tx.HasRedemption(ctx, code, userID)
		if err != nil {
			return err
		}
		if redeemed {
			return fmt.Errorf("promo %s already redeemed by %s: %w", code, userID, generic.ErrDuplicate)
		}

		if err := tx.IncrementPromoUses(ctx, code, p.UsesCount); err != nil {
			return err
		}
		t, err := s.ledger(tx).Credit(ctx, generic.Entry{
			UserID:     userID,
			CreditType: p.CreditType,
			Amount:     p.Amount,
			Source:     generic.SourcePromoRedeem,
			SourceRef:  code,
			Reason:     "promo code " + code,
		})
		if err != nil {
			return err
		}
		if err := tx.InsertRedemption(ctx, generic.PromoRedemption{
			ID:            generic.NewID("redeem"),
			Code:          code,
			UserID:        userID,
			TransactionID: t.ID,
			RedeemedAt:    now,
		}); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return out, err
	}
	metrics.IncLedger("credit", string(out.CreditType))
	s.log.Info().Str("code", code).Str("user_id", string(userID)).Int64("amount", out.Amount).Msg("promo redeemed")
	return out, nil
}

func normalizeCode(code string) string { return strings.ToUpper(strings.TrimSpace(code)) }

// =============================================================================
// EXPIRY AND READS
// =============================================================================

// ExpireCredits zeroes every balance whose expiry has passed, with source
// "expiry". It returns the number of balances expired.
func (s *CreditService) ExpireCredits(ctx context.Context) (int, error) {
	now := s.clock.Now()
	expired, err := s.store.ExpiredCredits(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired credits: %w", err)
	}
	count := 0
	for _, c := range expired {
		err := s.store.WithTx(ctx, func(tx generic.Tx) error {
			cur, err := tx.GetCredit(ctx, c.UserID, c.CreditType)
			if err != nil || cur == nil || cur.Balance <= 0 {
				return err
			}
			if cur.ExpiresAt == nil || cur.ExpiresAt.After(now) {
				return nil
			}
			_, err = s.ledger(tx).Debit(ctx, generic.Entry{
				UserID:     cur.UserID,
				CreditType: cur.CreditType,
				Amount:     cur.Balance,
				Source:     generic.SourceExpiry,
				SourceRef:  cur.ExpiresAt.UTC().Format(time.RFC3339),
				Reason:     "balance expired",
			})
			if err == nil {
				count++
			}
			return err
		})
		if err != nil {
			s.log.Error().Err(err).Str("user_id", string(c.UserID)).Str("credit_type", string(c.CreditType)).Msg("expiry failed")
		}
	}
	return count, nil
}

// Balances lists every balance row of a user.
func (s *CreditService) Balances(ctx context.Context, userID generic.UserID) ([]generic.UserCredit, error) {
	return s.store.ListCredits(ctx, userID)
}

// History returns the transaction log of one balance in append order.
func (s *CreditService) History(ctx context.Context, userID generic.UserID, ct generic.CreditType) ([]generic.CreditTransaction, error) {
	return s.store.CreditTransactions(ctx, userID, ct)
}

// Verify replays every balance of userID against its log.
func (s *CreditService) Verify(ctx context.Context, userID generic.UserID) error {
	credits, err := s.store.ListCredits(ctx, userID)
	if err != nil {
		return err
	}
	ledger := s.ledger(s.store)
	for _, c := range credits {
		if err := ledger.Verify(ctx, userID, c.CreditType); err != nil {
			s.log.Error().Err(err).Str("user_id", string(userID)).Str("credit_type", string(c.CreditType)).Msg("ledger verification failed")
			return err
		}
	}
	return nil
}
