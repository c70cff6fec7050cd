/*
types.go - Core types for the booking engine

PURPOSE:
  Defines the persisted records shared by every component: credit balances
  and their transaction log, allocation rules, promo codes, reservations,
  recurring series, charges and equipment loan records.

KEY TYPES:
  Ref:               Polymorphic reference (kind tag + id)
  UserCredit:        Cached balance for one (user, credit type)
  CreditTransaction: Append-only ledger entry
  Reservation:       Exclusive claim on a space for a window
  Charge:            Settlement record for a chargeable
  LoanRecord:        Flat persisted form of an equipment loan

DESIGN PRINCIPLES:
  - Balances are integers in the credit type's smallest unit
  - Money is decimal, never float
  - Polymorphic links are a closed set of kind tags plus an opaque id

SEE ALSO:
  - period.go: Half-open time windows
  - ledger.go: The only writer of UserCredit and CreditTransaction
  - store.go: Persistence interfaces for these records
*/
package generic

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// NewID returns a random id with a short type prefix, e.g. "res_4f1c...".
func NewID(prefix string) string { return prefix + "_" + uuid.NewString() }

type UserID string

type CreditType string

const (
	CreditFreeHours        CreditType = "free-hours"
	CreditPromoHours       CreditType = "promo-hours"
	CreditBonusHours       CreditType = "bonus-hours"
	CreditEquipmentCredits CreditType = "equipment-credits"
)

// Ref is a type-tagged reference to an entity owned by another component.
type Ref struct {
	Kind ResourceKind `json:"kind"`
	ID   string       `json:"id"`
}

func (r Ref) String() string { return string(r.Kind) + ":" + r.ID }

// IsZero reports whether the reference is unset.
func (r Ref) IsZero() bool { return r.Kind == "" && r.ID == "" }

// =============================================================================
// CREDIT LEDGER RECORDS
// =============================================================================

// SourceKind says what caused a credit transaction.
type SourceKind string

const (
	SourceAllocation  SourceKind = "allocation"
	SourceAdminGrant  SourceKind = "admin_grant"
	SourceUsageDebit  SourceKind = "usage_debit"
	SourcePromoRedeem SourceKind = "promo_redemption"
	SourceRefund      SourceKind = "refund"
	SourceExpiry      SourceKind = "expiry"
	SourcePeriodReset SourceKind = "reset"
	SourceAdminAdjust SourceKind = "admin_adjustment"
)

// IsCredit reports whether the source normally adds to the balance.
func (s SourceKind) IsCredit() bool {
	switch s {
	case SourceAllocation, SourceAdminGrant, SourcePromoRedeem, SourceRefund:
		return true
	}
	return false
}

// UserCredit is the cached balance projection for one (user, credit type).
// Only the Ledger writes it.
type UserCredit struct {
	UserID     UserID
	CreditType CreditType
	Balance    int64
	MaxBalance *int64 // nil = uncapped
	Rollover   bool   // unused balance carries into the next allocation period
	ExpiresAt  *time.Time
	UpdatedAt  time.Time
}

// CreditTransaction is one append-only ledger entry.
type CreditTransaction struct {
	ID           string
	UserID       UserID
	CreditType   CreditType
	Amount       int64 // positive = credit, negative = debit
	BalanceAfter int64
	Source       SourceKind
	SourceRef    string
	Reason       string
	Metadata     map[string]string
	CreatedAt    time.Time
}

// Metadata keys written by the ledger.
const (
	MetaForfeited = "forfeited"
	MetaRequested = "requested"
)

// CreditAllocation is a recurring grant rule.
type CreditAllocation struct {
	ID               string
	UserID           UserID
	CreditType       CreditType
	Amount           int64
	Frequency        Frequency
	Source           string // subscription id, "manual", promotion name
	StartsAt         time.Time
	EndsAt           *time.Time
	LastAllocatedAt  *time.Time
	NextAllocationAt time.Time
	Active           bool
	CreatedAt        time.Time
}

// InWindow reports whether t lies inside the allocation's active window.
func (a CreditAllocation) InWindow(t time.Time) bool {
	if t.Before(a.StartsAt) {
		return false
	}
	return a.EndsAt == nil || t.Before(*a.EndsAt)
}

// PromoCode is a one-time-per-user code that grants credit.
type PromoCode struct {
	Code       string
	CreditType CreditType
	Amount     int64
	MaxUses    *int64
	UsesCount  int64
	Active     bool
	ExpiresAt  *time.Time
	CreatedAt  time.Time
}

type PromoRedemption struct {
	ID            string
	Code          string
	UserID        UserID
	TransactionID string
	RedeemedAt    time.Time
}

// =============================================================================
// RESERVATIONS AND SERIES
// =============================================================================

type ReservationStatus string

const (
	ReservationScheduled ReservationStatus = "scheduled"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCancelled ReservationStatus = "cancelled"
)

// IsActive reports whether a reservation in this status holds its window.
func (s ReservationStatus) IsActive() bool {
	return s == ReservationScheduled || s == ReservationConfirmed
}

// Reservation is a time-bound exclusive claim on a space.
type Reservation struct {
	ID            string
	SpaceID       string
	Reservable    Ref // who holds the claim: user, band or event
	UserID        UserID
	Window        Window
	Status        ReservationStatus
	SeriesID      string // empty for one-off bookings
	InstanceDate  Date   // set with SeriesID
	FreeHoursUsed decimal.Decimal
	Notes         string
	CancelledAt   *time.Time
	CancelReason  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HoursUsed is derived from the window, never stored.
func (r Reservation) HoursUsed() decimal.Decimal { return r.Window.Hours() }

type SeriesStatus string

const (
	SeriesActive SeriesStatus = "active"
	SeriesPaused SeriesStatus = "paused"
	SeriesEnded  SeriesStatus = "ended"
)

// RecurringSeries is a generator template for reservations.
type RecurringSeries struct {
	ID             string
	OwnerID        UserID
	Reservable     Ref
	SpaceID        string
	Rule           RecurrenceRule
	StartTime      TimeOfDay
	EndTime        TimeOfDay
	Location       string // IANA zone the time template is expressed in
	StartDate      Date
	EndDate        *Date
	MaxAdvanceDays int
	Status         SeriesStatus
	Notes          string
	LastExpandedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SeriesSkip records an occurrence that was not materialized.
type SeriesSkip struct {
	SeriesID     string
	InstanceDate Date
	Reason       string
	ConflictWith string
	Window       Window
	RecordedAt   time.Time
}

// =============================================================================
// CHARGES
// =============================================================================

type ChargeStatus string

const (
	ChargePending          ChargeStatus = "pending"
	ChargePaid             ChargeStatus = "paid"
	ChargeComped           ChargeStatus = "comped"
	ChargeRefunded         ChargeStatus = "refunded"
	ChargeCoveredByCredits ChargeStatus = "covered_by_credits"
)

// IsSettled reports whether nothing more is owed on the charge.
func (s ChargeStatus) IsSettled() bool {
	return s == ChargePaid || s == ChargeComped || s == ChargeCoveredByCredits
}

// Charge records how a chargeable's gross cost was covered.
type Charge struct {
	ID             string
	UserID         UserID
	Chargeable     Ref
	Currency       string
	Gross          decimal.Decimal
	CreditsApplied map[CreditType]int64
	CreditValue    decimal.Decimal
	Net            decimal.Decimal
	Status         ChargeStatus
	PaymentMethod  string
	ExternalRef    string
	PaidAt         *time.Time
	RefundedAt     *time.Time
	FailureReason  string
	FailedAttempts int
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// =============================================================================
// EQUIPMENT LOANS
// =============================================================================

// LoanStatus is the stored state tag. Overdue is never stored.
type LoanStatus string

const (
	LoanRequested        LoanStatus = "requested"
	LoanStaffPreparing   LoanStatus = "staff_preparing"
	LoanReadyForPickup   LoanStatus = "ready_for_pickup"
	LoanCheckedOut       LoanStatus = "checked_out"
	LoanOverdue          LoanStatus = "overdue"
	LoanDropoffScheduled LoanStatus = "dropoff_scheduled"
	LoanProcessingReturn LoanStatus = "staff_processing_return"
	LoanReturned         LoanStatus = "returned"
	LoanCancelled        LoanStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s LoanStatus) IsTerminal() bool {
	return s == LoanReturned || s == LoanCancelled
}

// LoanRecord is the flat persisted form of an equipment loan. The equipment
// package converts it to and from its state variants.
type LoanRecord struct {
	ID                string
	EquipmentID       string
	BorrowerID        UserID
	ReservedFrom      time.Time
	DueAt             time.Time
	State             LoanStatus
	CheckedOutAt      *time.Time
	ReturnedAt        *time.Time
	CancelledAt       *time.Time
	DropoffAt         *time.Time
	ConditionOut      string
	ConditionIn       string
	DamageNotes       string
	CancelReason      string
	HandledBy         string
	Deposit           decimal.Decimal
	DepositReleased   bool
	RentalFee         decimal.Decimal
	ChargeID          string
	OverdueNotifiedAt *time.Time
	Version           int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Window returns the reservation period the loan holds.
func (l LoanRecord) Window() Window { return Window{Start: l.ReservedFrom, End: l.DueAt} }
