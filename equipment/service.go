/*
service.go - Equipment loans

PURPOSE:
  Requests, transitions, extensions and the overdue sweep for loans of
  catalog items. A loan's [reserved_from, due_at) window is a claim in the
  equipment namespace, checked by the same ConflictDetector that guards
  rooms, so two active loans of one item never overlap.

REQUEST FLOW:
  Request -> validate window -> WithTx { check claims, settle rental fee,
  insert loan } -> emit events

  The rental fee is settled when the loan is requested, with
  equipment-credits applied first. The deposit is held on the loan: it is
  released on cancel or return, and kept when staff flag damage.

SEE ALSO:
  - state.go: Apply, the pure transition function
  - billing/settlement.go: Settle and Refund
*/
package equipment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/rehearsal-engine/billing"
	"github.com/warp/rehearsal-engine/events"
	"github.com/warp/rehearsal-engine/generic"
	"github.com/warp/rehearsal-engine/metrics"
)

// =============================================================================
// CATALOG
// =============================================================================

// Item is one loanable physical item.
type Item struct {
	ID        string
	Name      string
	RentalFee decimal.Decimal
	Deposit   decimal.Decimal
}

type Catalog struct {
	items map[string]Item
}

func NewCatalog(items ...Item) *Catalog {
	c := &Catalog{items: make(map[string]Item, len(items))}
	for _, it := range items {
		c.items[it.ID] = it
	}
	return c
}

func (c *Catalog) Item(id string) (Item, error) {
	it, ok := c.items[id]
	if !ok {
		return Item{}, generic.NotFound("equipment", id)
	}
	return it, nil
}

// Items lists the catalog ordered by id.
func (c *Catalog) Items() []Item {
	out := make([]Item, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// SERVICE
// =============================================================================

type Deps struct {
	Store     generic.Store
	Clock     generic.Clock
	Settler   *billing.Settler
	Catalog   *Catalog
	Publisher events.Publisher
	Logger    *zerolog.Logger

	// MaxLoanDays bounds a loan's window; 0 = unlimited.
	MaxLoanDays int
}

type Service struct {
	store   generic.Store
	clock   generic.Clock
	settler *billing.Settler
	catalog *Catalog
	emit    *events.Emitter
	log     zerolog.Logger
	maxDays int
}

func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = generic.SystemClock{}
	}
	if d.Catalog == nil {
		d.Catalog = NewCatalog()
	}
	l := zerolog.Nop()
	if d.Logger != nil {
		l = d.Logger.With().Str("component", "equipment").Logger()
	}
	return &Service{
		store:   d.Store,
		clock:   d.Clock,
		settler: d.Settler,
		catalog: d.Catalog,
		emit:    events.NewEmitter(d.Publisher, d.Clock, &l),
		log:     l,
		maxDays: d.MaxLoanDays,
	}
}

func (s *Service) Catalog() *Catalog { return s.catalog }

// LoanRequest asks to borrow an item over [ReservedFrom, DueAt).
type LoanRequest struct {
	EquipmentID  string
	BorrowerID   generic.UserID
	ReservedFrom time.Time
	DueAt        time.Time
}

// Result is a loan with the charge for its rental fee.
type Result struct {
	Loan       Loan
	Charge     generic.Charge
	LowBalance []billing.LowBalance
}

// Request reserves an item and settles its rental fee.
func (s *Service) Request(ctx context.Context, req LoanRequest) (Result, error) {
	item, err := s.validateRequest(req)
	if err != nil {
		return Result{}, err
	}
	now := s.clock.Now()
	w := generic.Window{Start: req.ReservedFrom, End: req.DueAt}.UTC()

	var out Result
	err = s.store.WithTx(ctx, func(tx generic.Tx) error {
		if err := generic.NewConflictDetector(tx).Check(ctx, generic.EquipmentKey(item.ID), w, ""); err != nil {
			return err
		}
		l := Loan{
			ID:           generic.NewID("loan"),
			EquipmentID:  item.ID,
			BorrowerID:   req.BorrowerID,
			ReservedFrom: w.Start,
			DueAt:        w.End,
			State:        Requested{},
			Deposit:      item.Deposit,
			RentalFee:    item.RentalFee,
			Version:      1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		settlement, err := s.settler.Settle(ctx, tx, billing.SettleRequest{
			UserID:     req.BorrowerID,
			Chargeable: generic.Ref{Kind: generic.KindLoan, ID: l.ID},
			Gross:      item.RentalFee,
		})
		if err != nil {
			return fmt.Errorf("settle loan: %w", err)
		}
		l.ChargeID = settlement.Charge.ID
		if err := tx.InsertLoan(ctx, l.Record()); err != nil {
			return fmt.Errorf("insert loan: %w", err)
		}
		out = Result{Loan: l, Charge: settlement.Charge, LowBalance: settlement.LowBalance}
		return nil
	})
	if err != nil {
		var conflict *generic.ConflictError
		if errors.As(err, &conflict) {
			metrics.IncConflict(string(generic.NamespaceEquipment))
			s.log.Info().
				Str("equipment_id", item.ID).
				Str("requested", w.String()).
				Str("conflict_with", conflict.ExistingID).
				Msg("loan rejected")
		} else if !generic.IsClientError(err) {
			s.log.Error().Err(err).Str("equipment_id", item.ID).Msg("loan request failed")
		}
		return Result{}, err
	}

	metrics.IncLoanTransition(string(generic.LoanRequested))
	s.log.Info().
		Str("loan_id", out.Loan.ID).
		Str("equipment_id", item.ID).
		Str("user_id", string(req.BorrowerID)).
		Str("window", w.String()).
		Msg("loan requested")
	s.emitLoan(ctx, out.Loan, now)
	s.emit.Emit(ctx, events.ChargeSettled, out.Charge.ID, out.Charge.UserID, events.ChargePayload{
		ChargeID:   out.Charge.ID,
		Chargeable: out.Charge.Chargeable,
		Status:     out.Charge.Status,
		Net:        out.Charge.Net.StringFixed(2),
		Currency:   out.Charge.Currency,
	})
	for _, lb := range out.LowBalance {
		s.emit.Emit(ctx, events.LowBalance, string(lb.UserID), lb.UserID, events.LowBalancePayload{
			CreditType: lb.CreditType,
			Balance:    lb.Balance,
			Threshold:  lb.Threshold,
		})
	}
	return out, nil
}

func (s *Service) validateRequest(req LoanRequest) (Item, error) {
	if req.BorrowerID == "" {
		return Item{}, &generic.ValidationError{Code: "missing_user", Field: "borrower_id", Message: "borrower is required"}
	}
	w, err := generic.NewWindow(req.ReservedFrom, req.DueAt)
	if err != nil {
		return Item{}, err
	}
	if w.End.Before(s.clock.Now()) {
		return Item{}, &generic.ValidationError{Code: "due_in_past", Field: "due_at", Message: "loan must end in the future"}
	}
	if s.maxDays > 0 && w.Duration() > time.Duration(s.maxDays)*24*time.Hour {
		return Item{}, &generic.ValidationError{Code: "loan_too_long", Field: "due_at", Message: fmt.Sprintf("loans may last at most %d days", s.maxDays)}
	}
	return s.catalog.Item(req.EquipmentID)
}

// Transition applies cmd to a loan. actor is recorded as the staff member
// who handled it. Cancelling refunds the rental fee.
func (s *Service) Transition(ctx context.Context, loanID string, cmd Command, actor string) (Loan, error) {
	now := s.clock.Now()
	var out Loan
	err := s.store.WithTx(ctx, func(tx generic.Tx) error {
		rec, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		cur, err := FromRecord(rec)
		if err != nil {
			return err
		}
		next, err := Apply(cur, cmd, now)
		if err != nil {
			return err
		}
		if actor != "" {
			next.HandledBy = actor
		}
		if err := tx.UpdateLoan(ctx, next.Record()); err != nil {
			return fmt.Errorf("update loan %s: %w", loanID, err)
		}
		next.Version++

		if _, ok := next.State.(Cancelled); ok && next.ChargeID != "" {
			if err := s.refund(ctx, tx, next); err != nil {
				return err
			}
		}
		out = next
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, generic.ErrInvariantViolation):
			s.log.Error().Err(err).Str("loan_id", loanID).Str("command", cmd.Name()).Msg("loan transition aborted")
		case generic.IsClientError(err):
			s.log.Info().Err(err).Str("loan_id", loanID).Str("command", cmd.Name()).Msg("loan transition refused")
		}
		return out, err
	}

	status := out.Status(now)
	metrics.IncLoanTransition(string(status))
	s.log.Info().
		Str("loan_id", out.ID).
		Str("command", cmd.Name()).
		Str("state", string(status)).
		Bool("deposit_released", out.DepositReleased).
		Msg("loan transitioned")
	s.emitLoan(ctx, out, now)
	return out, nil
}

func (s *Service) refund(ctx context.Context, tx generic.Tx, l Loan) error {
	charge, err := tx.GetCharge(ctx, l.ChargeID)
	if err != nil {
		return err
	}
	if charge.Status == generic.ChargeRefunded {
		return nil
	}
	_, _, err = s.settler.Refund(ctx, tx, charge.ID, "loan cancelled: "+l.ID)
	return err
}

// Extend moves a loan's due time, re-checking the item's other claims.
func (s *Service) Extend(ctx context.Context, loanID string, dueAt time.Time) (Loan, error) {
	now := s.clock.Now()
	dueAt = dueAt.UTC()
	var out Loan
	err := s.store.WithTx(ctx, func(tx generic.Tx) error {
		rec, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		l, err := FromRecord(rec)
		if err != nil {
			return err
		}
		if l.State.Status().IsTerminal() {
			return &generic.TransitionError{From: string(l.Status(now)), Command: "extend"}
		}
		if !dueAt.After(now) {
			return &generic.ValidationError{Code: "due_in_past", Field: "due_at", Message: "new due time must be in the future"}
		}
		if at, ok := l.CheckedOutAt(); ok && dueAt.Before(at) {
			return &generic.ValidationError{Code: "due_before_checkout", Field: "due_at", Message: "due time cannot precede checkout"}
		}
		w, err := generic.NewWindow(l.ReservedFrom, dueAt)
		if err != nil {
			return err
		}
		if s.maxDays > 0 && w.Duration() > time.Duration(s.maxDays)*24*time.Hour {
			return &generic.ValidationError{Code: "loan_too_long", Field: "due_at", Message: fmt.Sprintf("loans may last at most %d days", s.maxDays)}
		}
		if err := generic.NewConflictDetector(tx).Check(ctx, generic.EquipmentKey(l.EquipmentID), w, l.ID); err != nil {
			return err
		}
		l.DueAt = dueAt
		l.OverdueNotifiedAt = nil
		l.UpdatedAt = now
		if err := tx.UpdateLoan(ctx, l.Record()); err != nil {
			return err
		}
		l.Version++
		out = l
		return nil
	})
	if err != nil {
		if errors.Is(err, generic.ErrConflict) {
			metrics.IncConflict(string(generic.NamespaceEquipment))
		}
		return out, err
	}
	s.log.Info().Str("loan_id", out.ID).Time("due_at", out.DueAt).Msg("loan extended")
	return out, nil
}

// SweepOverdue emits loan_overdue once for every checked-out loan past its
// due time. It returns how many loans were newly flagged.
func (s *Service) SweepOverdue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	due, err := s.store.LoansDueBefore(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list overdue loans: %w", err)
	}
	count := 0
	for _, rec := range due {
		if rec.OverdueNotifiedAt != nil {
			continue
		}
		var flagged *Loan
		err := s.store.WithTx(ctx, func(tx generic.Tx) error {
			cur, err := tx.GetLoan(ctx, rec.ID)
			if err != nil {
				return err
			}
			l, err := FromRecord(cur)
			if err != nil {
				return err
			}
			if !l.IsOverdue(now) || l.OverdueNotifiedAt != nil {
				return nil
			}
			l.OverdueNotifiedAt = &now
			l.UpdatedAt = now
			if err := tx.UpdateLoan(ctx, l.Record()); err != nil {
				return err
			}
			l.Version++
			flagged = &l
			return nil
		})
		if err != nil {
			s.log.Error().Err(err).Str("loan_id", rec.ID).Msg("overdue flag failed")
			continue
		}
		if flagged == nil {
			continue
		}
		count++
		metrics.IncLoanTransition(string(generic.LoanOverdue))
		s.log.Warn().
			Str("loan_id", flagged.ID).
			Str("equipment_id", flagged.EquipmentID).
			Str("user_id", string(flagged.BorrowerID)).
			Time("due_at", flagged.DueAt).
			Msg("loan overdue")
		s.emit.Emit(ctx, events.LoanOverdue, flagged.ID, flagged.BorrowerID, loanPayload(*flagged, now))
	}
	return count, nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) Get(ctx context.Context, id string) (Loan, error) {
	rec, err := s.store.GetLoan(ctx, id)
	if err != nil {
		return Loan{}, err
	}
	return FromRecord(rec)
}

// ForEquipment lists every loan of an item ordered by start.
func (s *Service) ForEquipment(ctx context.Context, equipmentID string) ([]Loan, error) {
	if _, err := s.catalog.Item(equipmentID); err != nil {
		return nil, err
	}
	recs, err := s.store.LoansForEquipment(ctx, equipmentID)
	if err != nil {
		return nil, err
	}
	out := make([]Loan, 0, len(recs))
	for _, r := range recs {
		l, err := FromRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// Now exposes the service clock so callers can derive Status consistently.
func (s *Service) Now() time.Time { return s.clock.Now() }

func (s *Service) emitLoan(ctx context.Context, l Loan, now time.Time) {
	s.emit.Emit(ctx, events.LoanTransitioned, l.ID, l.BorrowerID, loanPayload(l, now))
}

func loanPayload(l Loan, now time.Time) events.LoanPayload {
	return events.LoanPayload{
		LoanID:      l.ID,
		EquipmentID: l.EquipmentID,
		State:       l.Status(now),
		DueAt:       l.DueAt,
	}
}
