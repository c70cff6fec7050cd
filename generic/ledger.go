/*
ledger.go - Append-only credit ledger

PURPOSE:
  The transaction log is the source of truth for every credit balance.
  UserCredit.Balance is a cached projection that the Ledger updates in the
  same unit of work as the append, so the two never diverge.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: each Credit or Debit appends exactly one transaction
  2. NON-NEGATIVE: no operation drives a balance below zero
  3. REPLAYABLE: summing the log in order reproduces the cached balance
  4. CAPPED: with MaxBalance set, a credit clamps the balance to the cap and
     records the excess as forfeited in the transaction metadata

CORRECTIONS:
  Nothing is edited. A refund is a new positive transaction with source
  "refund"; an expiry is a new negative one with source "expiry".

COMPOSITION:
  A Ledger wraps whatever CreditStore it is given. Inside Store.WithTx,
  build one over the Tx and its writes join the enclosing transaction:

    store.WithTx(ctx, func(tx generic.Tx) error {
        ledger := generic.NewLedger(tx, clock)
        ...
    })

SEE ALSO:
  - store.go: CreditStore
  - billing/settlement.go: Debits credits while settling a charge
*/
package generic

import (
	"context"
	"fmt"
	"strconv"
)

// CreditPolicy sets the defaults for a balance row created on first use.
type CreditPolicy struct {
	MaxBalance *int64
	Rollover   bool
}

// Entry is one requested ledger movement. Amount is always positive; the
// operation decides the sign.
type Entry struct {
	UserID     UserID
	CreditType CreditType
	Amount     int64
	Source     SourceKind
	SourceRef  string
	Reason     string
	Metadata   map[string]string
}

// Ledger applies credits and debits to a CreditStore.
type Ledger struct {
	store    CreditStore
	clock    Clock
	policies map[CreditType]CreditPolicy
}

func NewLedger(store CreditStore, clock Clock) *Ledger {
	return &Ledger{store: store, clock: clock}
}

// WithPolicies returns a ledger that initializes new balance rows from
// policies. Types without a policy roll over and are uncapped.
func (l *Ledger) WithPolicies(policies map[CreditType]CreditPolicy) *Ledger {
	cp := *l
	cp.policies = policies
	return &cp
}

// =============================================================================
// WRITES
// =============================================================================

// Credit adds e.Amount, clamped to the balance cap.
func (l *Ledger) Credit(ctx context.Context, e Entry) (CreditTransaction, error) {
	if err := validateEntry(e); err != nil {
		return CreditTransaction{}, err
	}
	credit, err := l.load(ctx, e.UserID, e.CreditType)
	if err != nil {
		return CreditTransaction{}, err
	}

	applied := e.Amount
	var forfeited int64
	if credit.MaxBalance != nil && credit.Balance+applied > *credit.MaxBalance {
		applied = *credit.MaxBalance - credit.Balance
		if applied < 0 {
			applied = 0
		}
		forfeited = e.Amount - applied
	}

	meta := copyMeta(e.Metadata)
	if forfeited > 0 {
		meta[MetaForfeited] = strconv.FormatInt(forfeited, 10)
		meta[MetaRequested] = strconv.FormatInt(e.Amount, 10)
	}
	return l.apply(ctx, credit, e, applied, meta)
}

// Debit removes e.Amount or fails with *InsufficientCreditError.
func (l *Ledger) Debit(ctx context.Context, e Entry) (CreditTransaction, error) {
	if err := validateEntry(e); err != nil {
		return CreditTransaction{}, err
	}
	credit, err := l.load(ctx, e.UserID, e.CreditType)
	if err != nil {
		return CreditTransaction{}, err
	}
	if e.Amount > credit.Balance {
		return CreditTransaction{}, &InsufficientCreditError{
			UserID:     e.UserID,
			CreditType: e.CreditType,
			Available:  credit.Balance,
			Requested:  e.Amount,
			Shortfall:  e.Amount - credit.Balance,
		}
	}
	return l.apply(ctx, credit, e, -e.Amount, copyMeta(e.Metadata))
}

func (l *Ledger) apply(ctx context.Context, credit UserCredit, e Entry, delta int64, meta map[string]string) (CreditTransaction, error) {
	now := l.clock.Now()
	after := credit.Balance + delta
	if after < 0 {
		return CreditTransaction{}, &InvariantViolationError{
			What:     fmt.Sprintf("balance of %s/%s", e.UserID, e.CreditType),
			Expected: ">= 0",
			Actual:   strconv.FormatInt(after, 10),
		}
	}
	if len(meta) == 0 {
		meta = nil
	}

	tx := CreditTransaction{
		ID:           NewID("ctx"),
		UserID:       e.UserID,
		CreditType:   e.CreditType,
		Amount:       delta,
		BalanceAfter: after,
		Source:       e.Source,
		SourceRef:    e.SourceRef,
		Reason:       e.Reason,
		Metadata:     meta,
		CreatedAt:    now,
	}
	if err := l.store.AppendCreditTransaction(ctx, tx); err != nil {
		return CreditTransaction{}, fmt.Errorf("append credit transaction: %w", err)
	}
	credit.Balance = after
	credit.UpdatedAt = now
	if err := l.store.SaveCredit(ctx, credit); err != nil {
		return CreditTransaction{}, fmt.Errorf("save balance: %w", err)
	}
	return tx, nil
}

func (l *Ledger) load(ctx context.Context, userID UserID, creditType CreditType) (UserCredit, error) {
	c, err := l.store.GetCredit(ctx, userID, creditType)
	if err != nil {
		return UserCredit{}, fmt.Errorf("load balance: %w", err)
	}
	if c != nil {
		return *c, nil
	}
	p, ok := l.policies[creditType]
	if !ok {
		p = CreditPolicy{Rollover: true}
	}
	return UserCredit{UserID: userID, CreditType: creditType, MaxBalance: p.MaxBalance, Rollover: p.Rollover}, nil
}

// =============================================================================
// READS
// =============================================================================

// Balance returns the cached balance, zero if the user has none.
func (l *Ledger) Balance(ctx context.Context, userID UserID, creditType CreditType) (int64, error) {
	c, err := l.store.GetCredit(ctx, userID, creditType)
	if err != nil {
		return 0, err
	}
	if c == nil {
		return 0, nil
	}
	return c.Balance, nil
}

// Verify replays the log and compares it with the cached balance.
func (l *Ledger) Verify(ctx context.Context, userID UserID, creditType CreditType) error {
	txs, err := l.store.CreditTransactions(ctx, userID, creditType)
	if err != nil {
		return err
	}
	var running int64
	for _, tx := range txs {
		running += tx.Amount
		if running < 0 {
			return &InvariantViolationError{
				What:     fmt.Sprintf("replayed balance of %s/%s at %s", userID, creditType, tx.ID),
				Expected: ">= 0",
				Actual:   strconv.FormatInt(running, 10),
			}
		}
		if running != tx.BalanceAfter {
			return &InvariantViolationError{
				What:     fmt.Sprintf("balance snapshot of %s", tx.ID),
				Expected: strconv.FormatInt(running, 10),
				Actual:   strconv.FormatInt(tx.BalanceAfter, 10),
			}
		}
	}
	cached, err := l.Balance(ctx, userID, creditType)
	if err != nil {
		return err
	}
	if cached != running {
		return &InvariantViolationError{
			What:     fmt.Sprintf("cached balance of %s/%s", userID, creditType),
			Expected: strconv.FormatInt(running, 10),
			Actual:   strconv.FormatInt(cached, 10),
		}
	}
	return nil
}

func validateEntry(e Entry) error {
	switch {
	case e.UserID == "":
		return &ValidationError{Code: "missing_user", Field: "user_id", Message: "user is required"}
	case e.CreditType == "":
		return &ValidationError{Code: "missing_credit_type", Field: "credit_type", Message: "credit type is required"}
	case e.Amount <= 0:
		return &ValidationError{Code: "invalid_amount", Field: "amount", Message: fmt.Sprintf("amount must be positive, got %d", e.Amount)}
	case e.Source == "":
		return &ValidationError{Code: "missing_source", Field: "source", Message: "source is required"}
	}
	return nil
}

func copyMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}
