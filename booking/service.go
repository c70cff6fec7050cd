/*
service.go - Reservation aggregate

PURPOSE:
  A booking attempt is one transaction: conflict check, charge settlement
  and reservation insert commit together. The loser of a race on the same
  space sees the winner's row and gets a ConflictError; nothing it wrote
  survives.

RESERVATION STATUS:
  scheduled: the charge still has money pending
  confirmed: the charge is covered by credits, comped or paid
  cancelled: soft-removed; its charge is refunded and credits come back

FLOW:
  Book -> validate rules -> resolve reservable -> price by tier
       -> WithTx { check claims, settle, insert } -> emit events

SEE ALSO:
  - series.go: Recurring bookings reuse bookTx per occurrence
  - billing/settlement.go: Settle
  - generic/conflict.go: ConflictDetector
*/
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/rehearsal-engine/billing"
	"github.com/warp/rehearsal-engine/events"
	"github.com/warp/rehearsal-engine/generic"
	"github.com/warp/rehearsal-engine/metrics"
)

// Deps are the collaborators of a Service. Store, Settler and Catalog are
// required.
type Deps struct {
	Store     generic.Store
	Clock     generic.Clock
	Settler   *billing.Settler
	Tiers     billing.TierProvider
	Resolver  generic.ResourceResolver
	Catalog   *Catalog
	Rules     Rules
	Publisher events.Publisher
	Logger    *zerolog.Logger

	// DefaultHorizonDays applies to series created without a horizon.
	DefaultHorizonDays int
}

// Service books, cancels and confirms reservations.
type Service struct {
	store    generic.Store
	clock    generic.Clock
	settler  *billing.Settler
	tiers    billing.TierProvider
	resolver generic.ResourceResolver
	catalog  *Catalog
	rules    Rules
	emit     *events.Emitter
	log      zerolog.Logger
	horizon  int
}

func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = generic.SystemClock{}
	}
	if d.Tiers == nil {
		d.Tiers = billing.StaticTiers{}
	}
	if d.Resolver == nil {
		d.Resolver = generic.AcceptingResolver()
	}
	if d.Catalog == nil {
		d.Catalog = NewCatalog()
	}
	if d.DefaultHorizonDays <= 0 {
		d.DefaultHorizonDays = 28
	}
	l := zerolog.Nop()
	if d.Logger != nil {
		l = d.Logger.With().Str("component", "booking").Logger()
	}
	return &Service{
		store:    d.Store,
		clock:    d.Clock,
		settler:  d.Settler,
		tiers:    d.Tiers,
		resolver: d.Resolver,
		catalog:  d.Catalog,
		rules:    d.Rules,
		emit:     events.NewEmitter(d.Publisher, d.Clock, &l),
		log:      l,
		horizon:  d.DefaultHorizonDays,
	}
}

// BookRequest is a one-off booking.
type BookRequest struct {
	SpaceID    string
	Reservable generic.Ref
	UserID     generic.UserID
	Window     generic.Window
	Notes      string
}

// Booking is a reservation with its charge.
type Booking struct {
	Reservation generic.Reservation
	Charge      generic.Charge
	LowBalance  []billing.LowBalance
}

// occurrence carries the series fields of a generated reservation.
type occurrence struct {
	seriesID string
	date     generic.Date
}

// Book validates and books one window.
func (s *Service) Book(ctx context.Context, req BookRequest) (Booking, error) {
	start := time.Now()
	defer metrics.ObserveBooking(start)

	req.Window = req.Window.UTC()
	if err := s.rules.ValidateShape(req.Window); err != nil {
		metrics.IncBooking("invalid")
		return Booking{}, err
	}
	if err := s.rules.ValidateTiming(req.Window, s.clock.Now()); err != nil {
		metrics.IncBooking("invalid")
		return Booking{}, err
	}
	rate, err := s.prepare(ctx, req.SpaceID, req.Reservable, req.UserID)
	if err != nil {
		metrics.IncBooking("invalid")
		return Booking{}, err
	}

	var out Booking
	err = s.store.WithTx(ctx, func(tx generic.Tx) error {
		var err error
		out, err = s.bookTx(ctx, tx, req, rate, occurrence{})
		return err
	})
	if err != nil {
		s.recordFailure(err, req)
		return Booking{}, err
	}
	s.booked(ctx, out)
	return out, nil
}

// prepare checks the space and reservable and returns the hourly rate.
func (s *Service) prepare(ctx context.Context, spaceID string, reservable generic.Ref, userID generic.UserID) (decimal.Decimal, error) {
	if userID == "" {
		return decimal.Zero, &generic.ValidationError{Code: "missing_user", Field: "user_id", Message: "user is required"}
	}
	if !reservable.Kind.IsReservable() {
		return decimal.Zero, &generic.ValidationError{Code: "invalid_reservable", Field: "reservable", Message: fmt.Sprintf("%q cannot hold a reservation", reservable.Kind)}
	}
	if _, err := s.catalog.Space(spaceID); err != nil {
		return decimal.Zero, err
	}
	if _, err := s.resolver.LoadResource(ctx, reservable.Kind, reservable.ID); err != nil {
		return decimal.Zero, fmt.Errorf("resolve %s: %w", reservable, err)
	}
	tier, err := s.tiers.TierFor(ctx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load tier of %s: %w", userID, err)
	}
	return s.settler.Policy().RateFor(tier), nil
}

// bookTx is the atomic unit shared by one-off and series bookings.
func (s *Service) bookTx(ctx context.Context, tx generic.Tx, req BookRequest, rate decimal.Decimal, occ occurrence) (Booking, error) {
	if occ.seriesID != "" {
		existing, err := tx.ReservationsBySeries(ctx, occ.seriesID)
		if err != nil {
			return Booking{}, err
		}
		for _, r := range existing {
			if r.InstanceDate == occ.date {
				return Booking{}, fmt.Errorf("series %s on %s: %w", occ.seriesID, occ.date, generic.ErrDuplicate)
			}
		}
	}

	key := generic.SpaceKey(req.SpaceID)
	if err := generic.NewConflictDetector(tx).Check(ctx, key, req.Window, ""); err != nil {
		return Booking{}, err
	}

	now := s.clock.Now()
	r := generic.Reservation{
		ID:           generic.NewID("res"),
		SpaceID:      req.SpaceID,
		Reservable:   req.Reservable,
		UserID:       req.UserID,
		Window:       req.Window,
		Status:       generic.ReservationScheduled,
		SeriesID:     occ.seriesID,
		InstanceDate: occ.date,
		Notes:        req.Notes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	policy := s.settler.Policy()
	settlement, err := s.settler.Settle(ctx, tx, billing.SettleRequest{
		UserID:     req.UserID,
		Chargeable: generic.Ref{Kind: generic.KindReservation, ID: r.ID},
		Gross:      policy.Quote(req.Window, rate),
		Rate:       rate,
	})
	if err != nil {
		return Booking{}, fmt.Errorf("settle reservation: %w", err)
	}

	r.FreeHoursUsed = decimal.Zero
	for ct, units := range settlement.Charge.CreditsApplied {
		if policy.IsHourCredit(generic.KindReservation, ct) {
			r.FreeHoursUsed = r.FreeHoursUsed.Add(policy.BlockHours(units))
		}
	}
	if settlement.Charge.Status.IsSettled() {
		r.Status = generic.ReservationConfirmed
	}
	if err := tx.InsertReservation(ctx, r); err != nil {
		return Booking{}, fmt.Errorf("insert reservation: %w", err)
	}
	return Booking{Reservation: r, Charge: settlement.Charge, LowBalance: settlement.LowBalance}, nil
}

func (s *Service) recordFailure(err error, req BookRequest) {
	var conflict *generic.ConflictError
	switch {
	case errors.As(err, &conflict):
		metrics.IncBooking("conflict")
		metrics.IncConflict(string(conflict.Key.Namespace))
		s.log.Info().
			Str("space_id", req.SpaceID).
			Str("requested", req.Window.String()).
			Str("conflict_with", conflict.ExistingID).
			Msg("booking rejected")
	case errors.Is(err, generic.ErrInvariantViolation):
		metrics.IncBooking("error")
		s.log.Error().Err(err).Str("space_id", req.SpaceID).Str("user_id", string(req.UserID)).Msg("booking aborted")
	case generic.IsClientError(err):
		metrics.IncBooking("invalid")
	default:
		metrics.IncBooking("error")
		s.log.Error().Err(err).Str("space_id", req.SpaceID).Msg("booking failed")
	}
}

// booked emits the post-commit events of a successful booking.
func (s *Service) booked(ctx context.Context, b Booking) {
	r := b.Reservation
	metrics.IncBooking("created")
	s.log.Info().
		Str("reservation_id", r.ID).
		Str("space_id", r.SpaceID).
		Str("user_id", string(r.UserID)).
		Str("window", r.Window.String()).
		Str("status", string(r.Status)).
		Msg("reservation created")
	s.emit.Emit(ctx, events.ReservationCreated, r.ID, r.UserID, reservationPayload(r, ""))
	s.emit.Emit(ctx, events.ChargeSettled, b.Charge.ID, r.UserID, chargePayload(b.Charge))
	for _, lb := range b.LowBalance {
		s.emit.Emit(ctx, events.LowBalance, string(lb.UserID), lb.UserID, events.LowBalancePayload{
			CreditType: lb.CreditType,
			Balance:    lb.Balance,
			Threshold:  lb.Threshold,
		})
	}
}

// =============================================================================
// CANCELLATION AND PAYMENT
// =============================================================================

// Cancel soft-removes a reservation and refunds its charge.
func (s *Service) Cancel(ctx context.Context, reservationID, reason string) (generic.Reservation, error) {
	var out generic.Reservation
	err := s.store.WithTx(ctx, func(tx generic.Tx) error {
		r, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		out, err = s.cancelTx(ctx, tx, r, reason)
		return err
	})
	if err != nil {
		return out, err
	}
	s.log.Info().Str("reservation_id", out.ID).Str("reason", reason).Msg("reservation cancelled")
	s.emit.Emit(ctx, events.ReservationCancelled, out.ID, out.UserID, reservationPayload(out, reason))
	return out, nil
}

func (s *Service) cancelTx(ctx context.Context, tx generic.Tx, r generic.Reservation, reason string) (generic.Reservation, error) {
	if !r.Status.IsActive() {
		return r, &generic.ValidationError{Code: "already_cancelled", Field: "status", Message: "reservation is already cancelled"}
	}
	now := s.clock.Now()
	r.Status = generic.ReservationCancelled
	r.CancelledAt = &now
	r.CancelReason = reason
	r.UpdatedAt = now
	if err := tx.UpdateReservation(ctx, r); err != nil {
		return r, err
	}

	charge, err := tx.ChargeFor(ctx, generic.Ref{Kind: generic.KindReservation, ID: r.ID})
	if generic.IsNotFound(err) {
		return r, nil
	}
	if err != nil {
		return r, err
	}
	if charge.Status == generic.ChargeRefunded {
		return r, nil
	}
	if _, _, err := s.settler.Refund(ctx, tx, charge.ID, "cancelled: "+r.ID); err != nil {
		return r, err
	}
	return r, nil
}

// ApplyPayment forwards a payment signal to settlement and keeps the
// reservation status in step with its charge.
func (s *Service) ApplyPayment(ctx context.Context, sig billing.PaymentSignal) (generic.Charge, error) {
	var (
		charge  generic.Charge
		changed *generic.Reservation
	)
	err := s.store.WithTx(ctx, func(tx generic.Tx) error {
		var err error
		charge, err = s.settler.ApplyPayment(ctx, tx, sig)
		if err != nil || charge.Chargeable.Kind != generic.KindReservation {
			return err
		}
		r, err := tx.GetReservation(ctx, charge.Chargeable.ID)
		if err != nil {
			return err
		}
		switch {
		case charge.Status.IsSettled() && r.Status == generic.ReservationScheduled:
			r.Status = generic.ReservationConfirmed
			r.UpdatedAt = s.clock.Now()
			if err := tx.UpdateReservation(ctx, r); err != nil {
				return err
			}
			changed = &r
		case charge.Status == generic.ChargeRefunded && r.Status.IsActive():
			now := s.clock.Now()
			r.Status = generic.ReservationCancelled
			r.CancelledAt = &now
			r.CancelReason = "payment refunded"
			r.UpdatedAt = now
			if err := tx.UpdateReservation(ctx, r); err != nil {
				return err
			}
			changed = &r
		}
		return nil
	})
	if err != nil {
		return charge, err
	}
	if changed != nil {
		t := events.ReservationConfirmed
		if changed.Status == generic.ReservationCancelled {
			t = events.ReservationCancelled
		}
		s.emit.Emit(ctx, t, changed.ID, changed.UserID, reservationPayload(*changed, changed.CancelReason))
	}
	s.emit.Emit(ctx, events.ChargeSettled, charge.ID, charge.UserID, chargePayload(charge))
	return charge, nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) Get(ctx context.Context, id string) (generic.Reservation, error) {
	return s.store.GetReservation(ctx, id)
}

// Charge returns the charge of a reservation.
func (s *Service) Charge(ctx context.Context, reservationID string) (generic.Charge, error) {
	return s.store.ChargeFor(ctx, generic.Ref{Kind: generic.KindReservation, ID: reservationID})
}

// Schedule lists active reservations of a space overlapping w.
func (s *Service) Schedule(ctx context.Context, spaceID string, w generic.Window) ([]generic.Reservation, error) {
	if _, err := s.catalog.Space(spaceID); err != nil {
		return nil, err
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	all, err := s.store.ReservationsForSpace(ctx, spaceID, w.UTC())
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if r.Status.IsActive() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Service) Catalog() *Catalog { return s.catalog }

func reservationPayload(r generic.Reservation, reason string) events.ReservationPayload {
	return events.ReservationPayload{
		ReservationID: r.ID,
		SpaceID:       r.SpaceID,
		Reservable:    r.Reservable,
		Window:        r.Window,
		Status:        r.Status,
		SeriesID:      r.SeriesID,
		Reason:        reason,
	}
}

func chargePayload(c generic.Charge) events.ChargePayload {
	return events.ChargePayload{
		ChargeID:   c.ID,
		Chargeable: c.Chargeable,
		Status:     c.Status,
		Net:        c.Net.StringFixed(2),
		Currency:   c.Currency,
	}
}
