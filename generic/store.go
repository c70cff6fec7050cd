/*
store.go - Persistence interfaces

PURPOSE:
  Defines the interface between the domain logic and the database.
  Services never talk to a driver directly; they receive a Store and run
  every multi-record write inside Store.WithTx.

KEY INTERFACES:
  Tx:    Every repository method, bound to one unit of work
  Store: A Tx for non-transactional reads plus WithTx

ATOMIC UNITS:
  A booking attempt is one WithTx call: claim lookup, reservation insert,
  ledger debits and charge insert all commit together or not at all.
  Implementations serialize WithTx calls that write, so two concurrent
  bookings cannot both observe "no conflict".

  Code running inside fn must use the Tx it was handed. Calling back into
  the outer Store from inside fn is not supported.

APPEND-ONLY:
  CreditTransaction rows have an append method and no update or delete.
  Reservations and loans are soft-removed through their status.

OPTIMISTIC LOCKING:
  UpdateCharge and UpdateLoan match on the record's Version and write
  Version+1. A mismatch returns ErrConcurrentModification.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite with BEGIN IMMEDIATE transactions
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Writes credits through CreditStore
  - conflict.go: Reads claims through ClaimSource
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// CREDITS
// =============================================================================

type CreditStore interface {
	// GetCredit returns nil, nil when the user has no row for the type.
	GetCredit(ctx context.Context, userID UserID, creditType CreditType) (*UserCredit, error)
	ListCredits(ctx context.Context, userID UserID) ([]UserCredit, error)
	// SaveCredit inserts or replaces the balance row.
	SaveCredit(ctx context.Context, c UserCredit) error
	// ExpiredCredits returns rows with a positive balance and ExpiresAt <= now.
	ExpiredCredits(ctx context.Context, now time.Time) ([]UserCredit, error)

	// AppendCreditTransaction is the only write to the transaction log.
	AppendCreditTransaction(ctx context.Context, tx CreditTransaction) error
	// CreditTransactions returns entries in append order.
	CreditTransactions(ctx context.Context, userID UserID, creditType CreditType) ([]CreditTransaction, error)
}

type AllocationStore interface {
	InsertAllocation(ctx context.Context, a CreditAllocation) error
	GetAllocation(ctx context.Context, id string) (CreditAllocation, error)
	// DueAllocations returns active allocations with NextAllocationAt <= now.
	DueAllocations(ctx context.Context, now time.Time) ([]CreditAllocation, error)
	// AdvanceAllocation moves the schedule forward only if NextAllocationAt
	// still equals expectedNext.
	AdvanceAllocation(ctx context.Context, id string, expectedNext, lastAllocated, next time.Time) error
	SetAllocationActive(ctx context.Context, id string, active bool) error
}

type PromoStore interface {
	InsertPromoCode(ctx context.Context, p PromoCode) error
	GetPromoCode(ctx context.Context, code string) (PromoCode, error)
	// IncrementPromoUses bumps UsesCount only if it still equals expected.
	IncrementPromoUses(ctx context.Context, code string, expected int64) error
	// InsertRedemption returns ErrDuplicate for a repeated (code, user).
	InsertRedemption(ctx context.Context, r PromoRedemption) error
	HasRedemption(ctx context.Context, code string, userID UserID) (bool, error)
}

// =============================================================================
// CLAIMS, RESERVATIONS, SERIES
// =============================================================================

// Claim is an active hold on a resource window.
type Claim struct {
	ID     string
	Key    ResourceKey
	Window Window
}

// ClaimSource lists active claims overlapping a window. Rooms are backed by
// reservations, equipment by loans.
type ClaimSource interface {
	OverlappingClaims(ctx context.Context, key ResourceKey, w Window) ([]Claim, error)
}

type ReservationStore interface {
	// InsertReservation returns ErrDuplicate when (SeriesID, InstanceDate)
	// is already materialized.
	InsertReservation(ctx context.Context, r Reservation) error
	UpdateReservation(ctx context.Context, r Reservation) error
	GetReservation(ctx context.Context, id string) (Reservation, error)
	// ReservationsForSpace returns reservations of any status overlapping w.
	ReservationsForSpace(ctx context.Context, spaceID string, w Window) ([]Reservation, error)
	ReservationsBySeries(ctx context.Context, seriesID string) ([]Reservation, error)
}

type SeriesStore interface {
	InsertSeries(ctx context.Context, s RecurringSeries) error
	UpdateSeries(ctx context.Context, s RecurringSeries) error
	GetSeries(ctx context.Context, id string) (RecurringSeries, error)
	ListSeries(ctx context.Context, status SeriesStatus) ([]RecurringSeries, error)
	// RecordSkip inserts or refreshes the skip for (SeriesID, InstanceDate).
	RecordSkip(ctx context.Context, skip SeriesSkip) error
	SeriesSkips(ctx context.Context, seriesID string) ([]SeriesSkip, error)
}

// =============================================================================
// CHARGES AND LOANS
// =============================================================================

type ChargeStore interface {
	// InsertCharge returns ErrDuplicate if the chargeable already has a charge.
	InsertCharge(ctx context.Context, c Charge) error
	UpdateCharge(ctx context.Context, c Charge) error
	GetCharge(ctx context.Context, id string) (Charge, error)
	ChargeFor(ctx context.Context, chargeable Ref) (Charge, error)
}

type LoanStore interface {
	InsertLoan(ctx context.Context, l LoanRecord) error
	UpdateLoan(ctx context.Context, l LoanRecord) error
	GetLoan(ctx context.Context, id string) (LoanRecord, error)
	LoansForEquipment(ctx context.Context, equipmentID string) ([]LoanRecord, error)
	// LoansDueBefore returns checked-out loans whose DueAt is before t.
	LoansDueBefore(ctx context.Context, t time.Time) ([]LoanRecord, error)
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// Tx is every repository bound to one transaction.
type Tx interface {
	CreditStore
	AllocationStore
	PromoStore
	ClaimSource
	ReservationStore
	SeriesStore
	ChargeStore
	LoanStore
}

// Store is the root persistence handle.
type Store interface {
	Tx

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
