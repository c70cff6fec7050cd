/*
series.go - Recurring series lifecycle and expansion

PURPOSE:
  A series is a template. Expand turns it into reservations one date at a
  time, each in its own transaction through the same path as a one-off
  booking. A date that collides with another claim is recorded as a skip
  and the rest of the series keeps going.

HORIZON:
  Occurrences are materialized only when they start within
  MaxAdvanceDays of now. The rule's COUNT/UNTIL and the series end date
  cut generation earlier. Occurrences already in the past are never
  created.

IDEMPOTENCY:
  (series_id, instance_date) is unique across all statuses, so a run that
  overlaps another run, or a cancelled instance, never yields a second
  reservation for the same date. A skipped date is retried on later runs,
  so it gets booked once the colliding claim is cancelled.

LIFECYCLE:
  active <-> paused, active|paused -> ended
  Pausing stops generation. Already materialized instances stay booked.
  A bounded series ends on its own once its rule or end date is used up
  and no skipped date is still ahead of now.

SEE ALSO:
  - service.go: bookTx
  - api/scheduler.go: Periodic sweep across active series
*/
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/rehearsal-engine/events"
	"github.com/warp/rehearsal-engine/generic"
	"github.com/warp/rehearsal-engine/metrics"
)

// SeriesRequest creates a recurring series.
type SeriesRequest struct {
	OwnerID        generic.UserID
	Reservable     generic.Ref
	SpaceID        string
	Rule           generic.RecurrenceRule
	StartTime      generic.TimeOfDay
	EndTime        generic.TimeOfDay
	Location       string // IANA zone, empty means UTC
	StartDate      generic.Date
	EndDate        *generic.Date
	MaxAdvanceDays int // 0 uses the service default
	Notes          string
}

// ExpansionReport describes one expansion run.
type ExpansionReport struct {
	SeriesID string               `json:"series_id"`
	Created  []string             `json:"created"`
	Skipped  []generic.SeriesSkip `json:"skipped"`
	Existing int                  `json:"existing"`
	Ended    bool                 `json:"ended"`
}

// CreateSeries validates and stores a series, then expands it.
func (s *Service) CreateSeries(ctx context.Context, req SeriesRequest) (generic.RecurringSeries, ExpansionReport, error) {
	loc, err := s.validateSeries(req)
	if err != nil {
		return generic.RecurringSeries{}, ExpansionReport{}, err
	}
	if _, err := s.prepare(ctx, req.SpaceID, req.Reservable, req.OwnerID); err != nil {
		return generic.RecurringSeries{}, ExpansionReport{}, err
	}

	horizon := req.MaxAdvanceDays
	if horizon <= 0 {
		horizon = s.horizon
	}
	if s.rules.MaxAdvanceDays > 0 && horizon > s.rules.MaxAdvanceDays {
		horizon = s.rules.MaxAdvanceDays
	}
	now := s.clock.Now()
	rs := generic.RecurringSeries{
		ID:             generic.NewID("ser"),
		OwnerID:        req.OwnerID,
		Reservable:     req.Reservable,
		SpaceID:        req.SpaceID,
		Rule:           req.Rule,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		Location:       loc.String(),
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		MaxAdvanceDays: horizon,
		Status:         generic.SeriesActive,
		Notes:          req.Notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.InsertSeries(ctx, rs); err != nil {
		return generic.RecurringSeries{}, ExpansionReport{}, fmt.Errorf("insert series: %w", err)
	}
	s.log.Info().
		Str("series_id", rs.ID).
		Str("space_id", rs.SpaceID).
		Str("user_id", string(rs.OwnerID)).
		Str("rule", rs.Rule.String()).
		Msg("series created")

	report, err := s.Expand(ctx, rs.ID)
	if err != nil {
		return rs, report, err
	}
	rs, err = s.store.GetSeries(ctx, rs.ID)
	return rs, report, err
}

func (s *Service) validateSeries(req SeriesRequest) (*time.Location, error) {
	if req.OwnerID == "" {
		return nil, &generic.ValidationError{Code: "missing_user", Field: "owner_id", Message: "owner is required"}
	}
	if err := req.Rule.Validate(); err != nil {
		return nil, err
	}
	if req.StartDate.IsZero() {
		return nil, &generic.ValidationError{Code: "missing_field", Field: "start_date", Message: "start date is required"}
	}
	if req.EndDate != nil && req.EndDate.Before(req.StartDate) {
		return nil, &generic.ValidationError{Code: "invalid_window", Field: "end_date", Message: "end date is before start date"}
	}
	if req.EndTime <= req.StartTime {
		return nil, &generic.ValidationError{Code: "invalid_window", Field: "end_time", Message: "end time must be after start time"}
	}
	loc, err := time.LoadLocation(req.Location)
	if err != nil {
		return nil, &generic.ValidationError{Code: "invalid_location", Field: "location", Message: fmt.Sprintf("unknown time zone %q", req.Location)}
	}
	sample := generic.Window{Start: req.StartTime.On(req.StartDate, loc), End: req.EndTime.On(req.StartDate, loc)}
	if err := s.rules.ValidateShape(sample.UTC()); err != nil {
		return nil, err
	}
	return loc, nil
}

// PauseSeries stops generation. Materialized instances are kept.
func (s *Service) PauseSeries(ctx context.Context, id string) (generic.RecurringSeries, error) {
	return s.transitionSeries(ctx, id, "pause", generic.SeriesPaused, generic.SeriesActive)
}

// ResumeSeries reactivates a paused series and expands it.
func (s *Service) ResumeSeries(ctx context.Context, id string) (generic.RecurringSeries, ExpansionReport, error) {
	rs, err := s.transitionSeries(ctx, id, "resume", generic.SeriesActive, generic.SeriesPaused)
	if err != nil {
		return rs, ExpansionReport{}, err
	}
	report, err := s.Expand(ctx, id)
	if err != nil {
		return rs, report, err
	}
	rs, err = s.store.GetSeries(ctx, id)
	return rs, report, err
}

// EndSeries stops the series for good.
func (s *Service) EndSeries(ctx context.Context, id string) (generic.RecurringSeries, error) {
	return s.transitionSeries(ctx, id, "end", generic.SeriesEnded, generic.SeriesActive, generic.SeriesPaused)
}

func (s *Service) transitionSeries(ctx context.Context, id, command string, to generic.SeriesStatus, from ...generic.SeriesStatus) (generic.RecurringSeries, error) {
	var out generic.RecurringSeries
	err := s.store.WithTx(ctx, func(tx generic.Tx) error {
		rs, err := tx.GetSeries(ctx, id)
		if err != nil {
			return err
		}
		allowed := false
		for _, f := range from {
			if rs.Status == f {
				allowed = true
			}
		}
		if !allowed {
			return &generic.TransitionError{From: string(rs.Status), Command: command}
		}
		rs.Status = to
		rs.UpdatedAt = s.clock.Now()
		out = rs
		return tx.UpdateSeries(ctx, rs)
	})
	if err != nil {
		return out, err
	}
	s.log.Info().Str("series_id", id).Str("status", string(to)).Msg("series " + command)
	return out, nil
}

// =============================================================================
// EXPANSION
// =============================================================================

// Expand materializes every due occurrence of an active series inside its
// horizon. Running it again is a no-op for dates already materialized.
func (s *Service) Expand(ctx context.Context, seriesID string) (ExpansionReport, error) {
	report := ExpansionReport{SeriesID: seriesID, Created: []string{}, Skipped: []generic.SeriesSkip{}}

	rs, err := s.store.GetSeries(ctx, seriesID)
	if err != nil {
		return report, err
	}
	if rs.Status != generic.SeriesActive {
		return report, &generic.TransitionError{From: string(rs.Status), Command: "expand"}
	}
	loc, err := time.LoadLocation(rs.Location)
	if err != nil {
		return report, fmt.Errorf("series %s location: %w", rs.ID, err)
	}
	rate, err := s.prepare(ctx, rs.SpaceID, rs.Reservable, rs.OwnerID)
	if err != nil {
		return report, err
	}

	now := s.clock.Now()
	through := s.through(rs, now, loc)
	existing, err := s.store.ReservationsBySeries(ctx, rs.ID)
	if err != nil {
		return report, err
	}
	materialized := make(map[generic.Date]bool, len(existing))
	for _, r := range existing {
		materialized[r.InstanceDate] = true
	}
	// Skipped dates are retried every run; only the first skip is announced.
	priorSkips, err := s.store.SeriesSkips(ctx, rs.ID)
	if err != nil {
		return report, err
	}
	announced := make(map[generic.Date]bool, len(priorSkips))
	for _, sk := range priorSkips {
		announced[sk.InstanceDate] = true
	}

	for _, d := range rs.Rule.Occurrences(rs.StartDate, through) {
		if materialized[d] {
			report.Existing++
			metrics.IncSeriesOccurrence("existing")
			continue
		}
		w := generic.Window{Start: rs.StartTime.On(d, loc), End: rs.EndTime.On(d, loc)}.UTC()
		if w.Start.Before(now) {
			continue
		}
		b, skip, err := s.expandOne(ctx, rs, d, w, rate)
		switch {
		case errors.Is(err, generic.ErrDuplicate):
			report.Existing++
			metrics.IncSeriesOccurrence("existing")
		case err != nil:
			metrics.IncSeriesOccurrence("failed")
			s.log.Error().Err(err).Str("series_id", rs.ID).Str("instance_date", d.String()).Msg("series expansion aborted")
			return report, err
		case skip != nil:
			report.Skipped = append(report.Skipped, *skip)
			metrics.IncSeriesOccurrence("skipped")
			if announced[d] {
				continue
			}
			s.log.Warn().
				Str("series_id", rs.ID).
				Str("instance_date", d.String()).
				Str("conflict_with", skip.ConflictWith).
				Msg("series occurrence skipped")
			s.emit.Emit(ctx, events.SeriesOccurrenceSkipped, rs.ID, rs.OwnerID, events.SkipPayload{
				SeriesID:     rs.ID,
				InstanceDate: d,
				Window:       w,
				ConflictWith: skip.ConflictWith,
			})
		default:
			report.Created = append(report.Created, b.Reservation.ID)
			metrics.IncSeriesOccurrence("created")
			s.booked(ctx, b)
		}
	}

	// A skipped date that is still ahead is retried on the next run, so
	// the series stays active until it is booked or has passed.
	report.Ended = len(report.Skipped) == 0 && s.finished(rs, through)
	err = s.store.WithTx(ctx, func(tx generic.Tx) error {
		cur, err := tx.GetSeries(ctx, rs.ID)
		if err != nil {
			return err
		}
		cur.LastExpandedAt = &now
		cur.UpdatedAt = now
		if report.Ended && cur.Status == generic.SeriesActive {
			cur.Status = generic.SeriesEnded
		}
		return tx.UpdateSeries(ctx, cur)
	})
	if err != nil {
		return report, fmt.Errorf("update series %s: %w", rs.ID, err)
	}
	if report.Ended {
		s.log.Info().Str("series_id", rs.ID).Msg("series ended")
	}
	return report, nil
}

// expandOne books a single occurrence. A conflict is recorded as a skip in
// the same transaction and returned instead of an error.
func (s *Service) expandOne(ctx context.Context, rs generic.RecurringSeries, d generic.Date, w generic.Window, rate decimal.Decimal) (Booking, *generic.SeriesSkip, error) {
	var (
		out  Booking
		skip *generic.SeriesSkip
	)
	req := BookRequest{SpaceID: rs.SpaceID, Reservable: rs.Reservable, UserID: rs.OwnerID, Window: w, Notes: rs.Notes}
	err := s.store.WithTx(ctx, func(tx generic.Tx) error {
		b, err := s.bookTx(ctx, tx, req, rate, occurrence{seriesID: rs.ID, date: d})
		var conflict *generic.ConflictError
		if errors.As(err, &conflict) {
			skip = &generic.SeriesSkip{
				SeriesID:     rs.ID,
				InstanceDate: d,
				Reason:       "conflict",
				ConflictWith: conflict.ExistingID,
				Window:       conflict.Existing,
				RecordedAt:   s.clock.Now(),
			}
			return tx.RecordSkip(ctx, *skip)
		}
		out = b
		return err
	})
	return out, skip, err
}

// through is the last date whose occurrence starts inside the horizon,
// capped by the series end date.
func (s *Service) through(rs generic.RecurringSeries, now time.Time, loc *time.Location) generic.Date {
	limit := now.AddDate(0, 0, rs.MaxAdvanceDays)
	last := generic.DateOf(limit.In(loc))
	if rs.StartTime.On(last, loc).After(limit) {
		last = last.AddDays(-1)
	}
	if rs.EndDate != nil && rs.EndDate.Before(last) {
		last = *rs.EndDate
	}
	return last
}

// finished reports whether the rule has nothing left to generate after
// through.
func (s *Service) finished(rs generic.RecurringSeries, through generic.Date) bool {
	if rs.EndDate != nil && !rs.EndDate.After(through) {
		return true
	}
	return rs.Rule.Exhausted(rs.StartDate, through)
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) Series(ctx context.Context, id string) (generic.RecurringSeries, error) {
	return s.store.GetSeries(ctx, id)
}

// ActiveSeries lists the series a sweep should expand.
func (s *Service) ActiveSeries(ctx context.Context) ([]generic.RecurringSeries, error) {
	return s.store.ListSeries(ctx, generic.SeriesActive)
}

func (s *Service) SeriesReservations(ctx context.Context, id string) ([]generic.Reservation, error) {
	if _, err := s.store.GetSeries(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ReservationsBySeries(ctx, id)
}

func (s *Service) SeriesSkips(ctx context.Context, id string) ([]generic.SeriesSkip, error) {
	if _, err := s.store.GetSeries(ctx, id); err != nil {
		return nil, err
	}
	return s.store.SeriesSkips(ctx, id)
}
