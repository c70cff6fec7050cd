/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	data for demos and manual testing. Each scenario drives the real
	services, so what it shows is what the API does.

AVAILABLE SCENARIOS:

	conflict:        Overlapping booking rejected, back-to-back accepted
	partial-credit:  Two free hours cover part of a three hour session
	weekly-series:   Four weekly sessions, one date already taken
	loan-condition:  Checkout refused until the item's condition is recorded

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Grant credits where the scenario needs them
 3. Book, create series or request loans through the services
 4. Report the outcome of each step

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "weekly-series"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Service handlers the scenarios mirror
  - factory/series.go: Series JSON definitions
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/warp/rehearsal-engine/billing"
	"github.com/warp/rehearsal-engine/booking"
	"github.com/warp/rehearsal-engine/equipment"
	"github.com/warp/rehearsal-engine/factory"
	"github.com/warp/rehearsal-engine/generic"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "conflict",
		Name:        "Double Booking",
		Description: "A band books 10:00-11:00; 10:30-11:30 is refused, 11:00-12:00 is accepted",
		Category:    "booking",
	},
	{
		ID:          "partial-credit",
		Name:        "Partial Credit",
		Description: "Two free hours cover two thirds of a three hour session; the rest is charged",
		Category:    "billing",
	},
	{
		ID:          "weekly-series",
		Name:        "Weekly Series",
		Description: "Four weekly sessions where one date is already booked: three created, one skipped",
		Category:    "series",
	},
	{
		ID:          "loan-condition",
		Name:        "Loan Checkout",
		Description: "Checkout without a recorded condition is refused and the loan stays ready",
		Category:    "equipment",
	},
}

// scenarioOutcome reports what each step of a scenario produced.
type scenarioOutcome map[string]any

type scenarioLoader func(h *Handler, ctx context.Context) (scenarioOutcome, error)

var scenarioLoaders = map[string]scenarioLoader{
	"conflict":       (*Handler).loadConflictScenario,
	"partial-credit": (*Handler).loadPartialCreditScenario,
	"weekly-series":  (*Handler).loadWeeklySeriesScenario,
	"loan-condition": (*Handler).loadLoanConditionScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "unknown_scenario", Message: "unknown scenario " + req.ScenarioID})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		h.fail(w, r, err)
		return
	}
	h.currentScenario = ""

	outcome, err := load(h, ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.log.Info().Str("scenario", req.ScenarioID).Msg("scenario loaded")

	writeJSON(w, http.StatusOK, map[string]any{"status": "loaded", "scenario": req.ScenarioID, "outcome": outcome})
}

// ResetDatabase clears all stored data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) reset(ctx context.Context) error {
	rs, ok := h.store.(Resetter)
	if !ok {
		return errors.New("store does not support reset")
	}
	return rs.Reset(ctx)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// tomorrow returns midnight UTC of the day after now.
func (h *Handler) tomorrow() time.Time {
	now := h.clock.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}

func (h *Handler) firstSpace() (booking.Space, error) {
	spaces := h.bookings.Catalog().Spaces()
	if len(spaces) == 0 {
		return booking.Space{}, errors.New("no spaces configured")
	}
	return spaces[0], nil
}

func band(id string) generic.Ref { return generic.Ref{Kind: generic.KindBand, ID: id} }

func (h *Handler) loadConflictScenario(ctx context.Context) (scenarioOutcome, error) {
	space, err := h.firstSpace()
	if err != nil {
		return nil, err
	}
	day := h.tomorrow()
	slot := func(fromH, fromM, toH, toM int) generic.Window {
		return generic.Window{
			Start: day.Add(time.Duration(fromH)*time.Hour + time.Duration(fromM)*time.Minute),
			End:   day.Add(time.Duration(toH)*time.Hour + time.Duration(toM)*time.Minute),
		}
	}

	first, err := h.bookings.Book(ctx, booking.BookRequest{SpaceID: space.ID, Reservable: band("the-feedback"), UserID: "alex", Window: slot(10, 0, 11, 0)})
	if err != nil {
		return nil, err
	}

	_, err = h.bookings.Book(ctx, booking.BookRequest{SpaceID: space.ID, Reservable: band("night-shift"), UserID: "sam", Window: slot(10, 30, 11, 30)})
	var conflict *generic.ConflictError
	if !errors.As(err, &conflict) {
		return nil, errors.New("overlapping booking was not refused")
	}

	second, err := h.bookings.Book(ctx, booking.BookRequest{SpaceID: space.ID, Reservable: band("night-shift"), UserID: "sam", Window: slot(11, 0, 12, 0)})
	if err != nil {
		return nil, err
	}

	return scenarioOutcome{
		"first":        toReservationDTO(first.Reservation),
		"refused":      ErrorResponse{Error: generic.ErrorCode(conflict), Message: errorMessage(conflict), Details: errorDetails(conflict)},
		"back_to_back": toReservationDTO(second.Reservation),
	}, nil
}

func (h *Handler) loadPartialCreditScenario(ctx context.Context) (scenarioOutcome, error) {
	space, err := h.firstSpace()
	if err != nil {
		return nil, err
	}
	grant, err := h.credits.Grant(ctx, billing.GrantRequest{UserID: "jo", CreditType: generic.CreditFreeHours, Amount: 4, Reason: "two welcome hours"})
	if err != nil {
		return nil, err
	}

	start := h.tomorrow().Add(14 * time.Hour)
	b, err := h.bookings.Book(ctx, booking.BookRequest{
		SpaceID:    space.ID,
		Reservable: band("jo-trio"),
		UserID:     "jo",
		Window:     generic.Window{Start: start, End: start.Add(3 * time.Hour)},
		Notes:      "three hour session",
	})
	if err != nil {
		return nil, err
	}

	balances, err := h.credits.Balances(ctx, "jo")
	if err != nil {
		return nil, err
	}
	out := make([]CreditBalanceDTO, len(balances))
	for i, c := range balances {
		out[i] = toCreditBalanceDTO(c)
	}
	return scenarioOutcome{
		"grant":    toCreditTransactionDTO(grant),
		"booking":  toBookingDTO(b),
		"balances": out,
	}, nil
}

func (h *Handler) loadWeeklySeriesScenario(ctx context.Context) (scenarioOutcome, error) {
	space, err := h.firstSpace()
	if err != nil {
		return nil, err
	}
	first := h.tomorrow()

	// Another band already holds the third week.
	taken := first.AddDate(0, 0, 14).Add(19*time.Hour + 30*time.Minute)
	blocker, err := h.bookings.Book(ctx, booking.BookRequest{
		SpaceID:    space.ID,
		Reservable: band("one-off"),
		UserID:     "kim",
		Window:     generic.Window{Start: taken, End: taken.Add(time.Hour)},
	})
	if err != nil {
		return nil, err
	}

	req, err := factory.BuildSeries(factory.SeriesJSON{
		OwnerID:    "lee",
		Reservable: factory.RefJSON{Kind: string(generic.KindBand), ID: "thursday-club"},
		SpaceID:    space.ID,
		Rule:       "FREQ=WEEKLY;COUNT=4",
		StartTime:  "19:00",
		EndTime:    "21:00",
		StartDate:  generic.DateOf(first).String(),
		Notes:      "weekly rehearsal",
	})
	if err != nil {
		return nil, err
	}
	rs, report, err := h.bookings.CreateSeries(ctx, req)
	if err != nil {
		return nil, err
	}

	return scenarioOutcome{
		"blocker":   toReservationDTO(blocker.Reservation),
		"series":    toSeriesDTO(rs),
		"expansion": toExpansionDTO(report),
	}, nil
}

func (h *Handler) loadLoanConditionScenario(ctx context.Context) (scenarioOutcome, error) {
	items := h.loans.Catalog().Items()
	if len(items) == 0 {
		return nil, errors.New("no equipment configured")
	}
	from := h.tomorrow().Add(10 * time.Hour)
	res, err := h.loans.Request(ctx, equipment.LoanRequest{
		EquipmentID:  items[0].ID,
		BorrowerID:   "robin",
		ReservedFrom: from,
		DueAt:        from.Add(48 * time.Hour),
	})
	if err != nil {
		return nil, err
	}

	id := res.Loan.ID
	for _, cmd := range []equipment.Command{equipment.BeginPreparation{}, equipment.MarkReady{}} {
		if _, err := h.loans.Transition(ctx, id, cmd, "front-desk"); err != nil {
			return nil, err
		}
	}

	_, refused := h.loans.Transition(ctx, id, equipment.CheckOut{}, "front-desk")
	if refused == nil {
		return nil, errors.New("checkout without condition was not refused")
	}

	loan, err := h.loans.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return scenarioOutcome{
		"loan":    toLoanDTO(loan, h.loans.Now()),
		"refused": ErrorResponse{Error: generic.ErrorCode(refused), Message: errorMessage(refused), Details: errorDetails(refused)},
	}, nil
}
