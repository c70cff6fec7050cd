/*
state.go - Equipment loan state machine

PURPOSE:
  A loan moves through a closed set of states. Each state is its own type
  and carries only the fields that exist at that stage: a CheckedOut loan
  always has a checkout time and condition, a Requested loan never does.

STATES:
  Requested -> StaffPreparing -> ReadyForPickup -> CheckedOut
    -> DropoffScheduled -> ProcessingReturn -> Returned
  CheckedOut -> ProcessingReturn (walk-in return)
  Requested | StaffPreparing | ReadyForPickup -> Cancelled

OVERDUE:
  Overdue is never stored. A CheckedOut loan whose due time has passed
  reports LoanOverdue from Status(now), and accepts the same commands as
  any other CheckedOut loan.

PURITY:
  Apply takes a loan, a command and the current time and returns the next
  loan or an error. It performs no I/O, so a refused command leaves the
  stored loan untouched.

SEE ALSO:
  - service.go: Persists the result of Apply
  - generic/types.go: LoanRecord, the flat stored form
*/
package equipment

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/rehearsal-engine/generic"
)

// =============================================================================
// STATES
// =============================================================================

// State is one stage of a loan's lifecycle.
type State interface {
	Status() generic.LoanStatus
	isState()
}

// Checkout is what staff record when the item leaves.
type Checkout struct {
	At        time.Time
	Condition string
}

type Requested struct{}

type StaffPreparing struct{}

type ReadyForPickup struct{}

type CheckedOut struct {
	Checkout Checkout
}

type DropoffScheduled struct {
	Checkout  Checkout
	DropoffAt time.Time
}

// ProcessingReturn may not have ConditionIn yet; it is required before
// the loan can be Returned.
type ProcessingReturn struct {
	Checkout    Checkout
	ConditionIn string
}

type Returned struct {
	Checkout    Checkout
	ConditionIn string
	DamageNotes string
	At          time.Time
}

type Cancelled struct {
	At     time.Time
	Reason string
}

func (Requested) Status() generic.LoanStatus        { return generic.LoanRequested }
func (StaffPreparing) Status() generic.LoanStatus   { return generic.LoanStaffPreparing }
func (ReadyForPickup) Status() generic.LoanStatus   { return generic.LoanReadyForPickup }
func (CheckedOut) Status() generic.LoanStatus       { return generic.LoanCheckedOut }
func (DropoffScheduled) Status() generic.LoanStatus { return generic.LoanDropoffScheduled }
func (ProcessingReturn) Status() generic.LoanStatus { return generic.LoanProcessingReturn }
func (Returned) Status() generic.LoanStatus         { return generic.LoanReturned }
func (Cancelled) Status() generic.LoanStatus        { return generic.LoanCancelled }

func (Requested) isState()        {}
func (StaffPreparing) isState()   {}
func (ReadyForPickup) isState()   {}
func (CheckedOut) isState()       {}
func (DropoffScheduled) isState() {}
func (ProcessingReturn) isState() {}
func (Returned) isState()         {}
func (Cancelled) isState()        {}

// =============================================================================
// LOAN
// =============================================================================

// Loan is an equipment checkout over the window [ReservedFrom, DueAt).
type Loan struct {
	ID                string
	EquipmentID       string
	BorrowerID        generic.UserID
	ReservedFrom      time.Time
	DueAt             time.Time
	State             State
	Deposit           decimal.Decimal
	DepositReleased   bool
	RentalFee         decimal.Decimal
	ChargeID          string
	HandledBy         string
	OverdueNotifiedAt *time.Time
	Version           int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Window is the period the loan holds the item.
func (l Loan) Window() generic.Window { return generic.Window{Start: l.ReservedFrom, End: l.DueAt} }

// IsOverdue reports whether the item is out past its due time.
func (l Loan) IsOverdue(now time.Time) bool {
	_, out := l.State.(CheckedOut)
	return out && now.After(l.DueAt)
}

// Status is the state as seen at now, with Overdue derived.
func (l Loan) Status(now time.Time) generic.LoanStatus {
	if l.IsOverdue(now) {
		return generic.LoanOverdue
	}
	return l.State.Status()
}

// CheckedOutAt returns the checkout time for states past pickup.
func (l Loan) CheckedOutAt() (time.Time, bool) {
	if co, ok := checkoutOf(l.State); ok {
		return co.At, true
	}
	return time.Time{}, false
}

func checkoutOf(s State) (Checkout, bool) {
	switch st := s.(type) {
	case CheckedOut:
		return st.Checkout, true
	case DropoffScheduled:
		return st.Checkout, true
	case ProcessingReturn:
		return st.Checkout, true
	case Returned:
		return st.Checkout, true
	}
	return Checkout{}, false
}

// =============================================================================
// COMMANDS
// =============================================================================

// Command asks a loan to change state.
type Command interface {
	Name() string
}

type BeginPreparation struct{}

type MarkReady struct{}

type CheckOut struct {
	ConditionOut string
}

// ScheduleDropoff is advisory; At defaults to now.
type ScheduleDropoff struct {
	At time.Time
}

type BeginReturn struct {
	ConditionIn string
}

// CompleteReturn closes the loan. RetainDeposit keeps the deposit and
// requires DamageNotes.
type CompleteReturn struct {
	ConditionIn   string
	DamageNotes   string
	RetainDeposit bool
}

type Cancel struct {
	Reason string
}

func (BeginPreparation) Name() string { return "begin_preparation" }
func (MarkReady) Name() string        { return "mark_ready" }
func (CheckOut) Name() string         { return "check_out" }
func (ScheduleDropoff) Name() string  { return "schedule_dropoff" }
func (BeginReturn) Name() string      { return "begin_return" }
func (CompleteReturn) Name() string   { return "complete_return" }
func (Cancel) Name() string           { return "cancel" }

// ParseCommand builds a command from its name and free-form fields, as
// received over the API.
func ParseCommand(name string, fields CommandFields) (Command, error) {
	switch name {
	case "begin_preparation":
		return BeginPreparation{}, nil
	case "mark_ready":
		return MarkReady{}, nil
	case "check_out":
		return CheckOut{ConditionOut: fields.Condition}, nil
	case "schedule_dropoff":
		return ScheduleDropoff{At: fields.At}, nil
	case "begin_return":
		return BeginReturn{ConditionIn: fields.Condition}, nil
	case "complete_return":
		return CompleteReturn{ConditionIn: fields.Condition, DamageNotes: fields.DamageNotes, RetainDeposit: fields.RetainDeposit}, nil
	case "cancel":
		return Cancel{Reason: fields.Reason}, nil
	}
	return nil, &generic.ValidationError{Code: "unknown_command", Field: "command", Message: fmt.Sprintf("unknown loan command %q", name)}
}

// CommandFields are the optional inputs a command may read.
type CommandFields struct {
	Condition     string
	DamageNotes   string
	Reason        string
	RetainDeposit bool
	At            time.Time
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Apply returns the loan after cmd, or an error and no change.
func Apply(l Loan, cmd Command, now time.Time) (Loan, error) {
	refuse := func() (Loan, error) {
		return l, &generic.TransitionError{From: string(l.Status(now)), Command: cmd.Name()}
	}

	switch c := cmd.(type) {
	case BeginPreparation:
		if _, ok := l.State.(Requested); !ok {
			return refuse()
		}
		l.State = StaffPreparing{}

	case MarkReady:
		if _, ok := l.State.(StaffPreparing); !ok {
			return refuse()
		}
		l.State = ReadyForPickup{}

	case CheckOut:
		if _, ok := l.State.(ReadyForPickup); !ok {
			return refuse()
		}
		cond := strings.TrimSpace(c.ConditionOut)
		if cond == "" {
			return l, &generic.ValidationError{Code: "condition_out_required", Field: "condition_out", Message: "record the item's condition before checkout"}
		}
		if now.Before(l.ReservedFrom) {
			return l, &generic.ValidationError{Code: "pickup_too_early", Field: "checked_out_at", Message: fmt.Sprintf("loan starts at %s", l.ReservedFrom.Format(time.RFC3339))}
		}
		if now.After(l.DueAt) {
			return l, &generic.ValidationError{Code: "pickup_after_due", Field: "checked_out_at", Message: fmt.Sprintf("loan was due at %s", l.DueAt.Format(time.RFC3339))}
		}
		l.State = CheckedOut{Checkout: Checkout{At: now, Condition: cond}}

	case ScheduleDropoff:
		st, ok := l.State.(CheckedOut)
		if !ok {
			return refuse()
		}
		at := c.At
		if at.IsZero() {
			at = now
		}
		l.State = DropoffScheduled{Checkout: st.Checkout, DropoffAt: at}

	case BeginReturn:
		co, ok := checkoutOf(l.State)
		if !ok {
			return refuse()
		}
		switch l.State.(type) {
		case CheckedOut, DropoffScheduled:
		default:
			return refuse()
		}
		l.State = ProcessingReturn{Checkout: co, ConditionIn: strings.TrimSpace(c.ConditionIn)}

	case CompleteReturn:
		st, ok := l.State.(ProcessingReturn)
		if !ok {
			return refuse()
		}
		cond := strings.TrimSpace(c.ConditionIn)
		if cond == "" {
			cond = st.ConditionIn
		}
		if cond == "" {
			return l, &generic.ValidationError{Code: "condition_in_required", Field: "condition_in", Message: "record the item's condition before completing the return"}
		}
		notes := strings.TrimSpace(c.DamageNotes)
		if c.RetainDeposit && notes == "" {
			return l, &generic.ValidationError{Code: "damage_notes_required", Field: "damage_notes", Message: "retaining a deposit requires damage notes"}
		}
		if now.Before(st.Checkout.At) {
			return l, &generic.InvariantViolationError{
				What:     "return time of loan " + l.ID,
				Expected: ">= " + st.Checkout.At.Format(time.RFC3339),
				Actual:   now.Format(time.RFC3339),
			}
		}
		l.State = Returned{Checkout: st.Checkout, ConditionIn: cond, DamageNotes: notes, At: now}
		l.DepositReleased = !c.RetainDeposit

	case Cancel:
		switch l.State.(type) {
		case Requested, StaffPreparing, ReadyForPickup:
		default:
			return refuse()
		}
		l.State = Cancelled{At: now, Reason: strings.TrimSpace(c.Reason)}
		l.DepositReleased = true

	default:
		return refuse()
	}

	l.UpdatedAt = now
	return l, nil
}

// =============================================================================
// RECORD CONVERSION
// =============================================================================

// FromRecord rebuilds a loan from its stored form. A record whose fields
// do not fit its state is an invariant violation.
func FromRecord(r generic.LoanRecord) (Loan, error) {
	l := Loan{
		ID:                r.ID,
		EquipmentID:       r.EquipmentID,
		BorrowerID:        r.BorrowerID,
		ReservedFrom:      r.ReservedFrom,
		DueAt:             r.DueAt,
		Deposit:           r.Deposit,
		DepositReleased:   r.DepositReleased,
		RentalFee:         r.RentalFee,
		ChargeID:          r.ChargeID,
		HandledBy:         r.HandledBy,
		OverdueNotifiedAt: r.OverdueNotifiedAt,
		Version:           r.Version,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	broken := func(field string) (Loan, error) {
		return l, &generic.InvariantViolationError{
			What:     fmt.Sprintf("loan %s in state %s", r.ID, r.State),
			Expected: field + " set",
			Actual:   "missing",
		}
	}

	var co Checkout
	switch r.State {
	case generic.LoanCheckedOut, generic.LoanDropoffScheduled, generic.LoanProcessingReturn, generic.LoanReturned:
		if r.CheckedOutAt == nil {
			return broken("checked_out_at")
		}
		co = Checkout{At: *r.CheckedOutAt, Condition: r.ConditionOut}
	}

	switch r.State {
	case generic.LoanRequested:
		l.State = Requested{}
	case generic.LoanStaffPreparing:
		l.State = StaffPreparing{}
	case generic.LoanReadyForPickup:
		l.State = ReadyForPickup{}
	case generic.LoanCheckedOut:
		l.State = CheckedOut{Checkout: co}
	case generic.LoanDropoffScheduled:
		if r.DropoffAt == nil {
			return broken("dropoff_at")
		}
		l.State = DropoffScheduled{Checkout: co, DropoffAt: *r.DropoffAt}
	case generic.LoanProcessingReturn:
		l.State = ProcessingReturn{Checkout: co, ConditionIn: r.ConditionIn}
	case generic.LoanReturned:
		if r.ReturnedAt == nil {
			return broken("returned_at")
		}
		l.State = Returned{Checkout: co, ConditionIn: r.ConditionIn, DamageNotes: r.DamageNotes, At: *r.ReturnedAt}
	case generic.LoanCancelled:
		if r.CancelledAt == nil {
			return broken("cancelled_at")
		}
		l.State = Cancelled{At: *r.CancelledAt, Reason: r.CancelReason}
	default:
		return l, &generic.InvariantViolationError{What: "state of loan " + r.ID, Expected: "a stored loan state", Actual: string(r.State)}
	}
	return l, nil
}

// Record flattens the loan for storage.
func (l Loan) Record() generic.LoanRecord {
	r := generic.LoanRecord{
		ID:                l.ID,
		EquipmentID:       l.EquipmentID,
		BorrowerID:        l.BorrowerID,
		ReservedFrom:      l.ReservedFrom,
		DueAt:             l.DueAt,
		State:             l.State.Status(),
		Deposit:           l.Deposit,
		DepositReleased:   l.DepositReleased,
		RentalFee:         l.RentalFee,
		ChargeID:          l.ChargeID,
		HandledBy:         l.HandledBy,
		OverdueNotifiedAt: l.OverdueNotifiedAt,
		Version:           l.Version,
		CreatedAt:         l.CreatedAt,
		UpdatedAt:         l.UpdatedAt,
	}
	if co, ok := checkoutOf(l.State); ok {
		at := co.At
		r.CheckedOutAt = &at
		r.ConditionOut = co.Condition
	}
	switch st := l.State.(type) {
	case DropoffScheduled:
		at := st.DropoffAt
		r.DropoffAt = &at
	case ProcessingReturn:
		r.ConditionIn = st.ConditionIn
	case Returned:
		at := st.At
		r.ReturnedAt = &at
		r.ConditionIn = st.ConditionIn
		r.DamageNotes = st.DamageNotes
	case Cancelled:
		at := st.At
		r.CancelledAt = &at
		r.CancelReason = st.Reason
	}
	return r
}
