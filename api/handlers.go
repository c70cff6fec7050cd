/*
handlers.go - HTTP API handlers for the rehearsal space engine

PURPOSE:
  Exposes booking, recurring series, credits, payments and equipment
  loans via REST API. Handles HTTP request/response and JSON
  serialization, and delegates to the domain services.

ENDPOINTS:
  Spaces and reservations:
    GET    /api/spaces                          List spaces
    GET    /api/spaces/{id}/schedule            Active reservations in ?from=&to=
    POST   /api/reservations                    Book a window
    GET    /api/reservations/{id}               Get reservation
    POST   /api/reservations/{id}/cancel        Cancel and refund
    GET    /api/reservations/{id}/charge        Charge that settled it

  Series:
    POST   /api/series                          Create and expand
    GET    /api/series/{id}                     Get series
    GET    /api/series/{id}/reservations        Materialized instances
    GET    /api/series/{id}/skips               Skipped dates
    POST   /api/series/{id}/pause|resume|end|expand

  Payments:
    POST   /api/payments                        Payment confirmation signal

  Credits:
    GET    /api/users/{id}/credits              Balances
    GET    /api/users/{id}/credits/verify       Ledger replay check
    GET    /api/users/{id}/credits/{type}/transactions
    POST   /api/promos/{code}/redeem            Redeem a promo code

  Equipment (loans.go):
    GET    /api/equipment                       Catalog
    GET    /api/equipment/{id}/loans            Loans of an item
    POST   /api/loans                           Request a loan
    GET    /api/loans/{id}                      Get loan
    POST   /api/loans/{id}/transitions          Apply a loan command
    POST   /api/loans/{id}/extend               Move the due time

  Admin:
    POST   /api/admin/grants                    One-off credit grant
    POST   /api/admin/adjustments               Signed balance correction
    POST   /api/admin/allocations               Recurring grant
    POST   /api/admin/promos                    Create promo code
    POST   /api/admin/sweep                     Run the scheduler now

ERROR HANDLING:
  Errors are returned as {"error": code, "message": ..., "details": {...}}
  with the status from errors.go:
  - 400: Validation errors, refused transitions
  - 404: Resource not found
  - 409: Conflict (overlap, duplicate, concurrent update)
  - 422: Insufficient credit
  - 500: Internal errors (message withheld, logged)

SECURITY NOTE:
  No authentication or authorization. The user id travels in the body.
  Put the API behind an authenticating proxy in production.

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error to status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/warp/rehearsal-engine/billing"
	"github.com/warp/rehearsal-engine/booking"
	"github.com/warp/rehearsal-engine/equipment"
	"github.com/warp/rehearsal-engine/factory"
	"github.com/warp/rehearsal-engine/generic"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter clears all stored data. Both stores implement it.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Deps are the services the handlers delegate to.
type Deps struct {
	Store    generic.Store
	Clock    generic.Clock
	Bookings *booking.Service
	Credits  *billing.CreditService
	Loans    *equipment.Service
	Logger   *zerolog.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	store    generic.Store
	clock    generic.Clock
	bookings *booking.Service
	credits  *billing.CreditService
	loans    *equipment.Service
	log      zerolog.Logger

	// Scheduler backs POST /api/admin/sweep when set.
	Scheduler *Scheduler

	mu              sync.Mutex
	currentScenario string
}

func NewHandler(d Deps) *Handler {
	if d.Clock == nil {
		d.Clock = generic.SystemClock{}
	}
	l := zerolog.Nop()
	if d.Logger != nil {
		l = d.Logger.With().Str("component", "api").Logger()
	}
	return &Handler{
		store:    d.Store,
		clock:    d.Clock,
		bookings: d.Bookings,
		credits:  d.Credits,
		loans:    d.Loans,
		log:      l,
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, h.log, err)
}

// decode reads a JSON body into v, writing 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// SPACES AND RESERVATIONS
// =============================================================================

// ListSpaces returns the configured spaces.
func (h *Handler) ListSpaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.bookings.Catalog().Spaces())
}

// GetSchedule returns the active reservations of a space in [from, to).
// Defaults to the next seven days.
// GET /api/spaces/{id}/schedule?from=RFC3339&to=RFC3339
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	now := h.clock.Now()
	from, to := now, now.AddDate(0, 0, 7)
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			writeBadRequest(w, "from must be RFC3339")
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			writeBadRequest(w, "to must be RFC3339")
			return
		}
	}
	rs, err := h.bookings.Schedule(r.Context(), chi.URLParam(r, "id"), generic.Window{Start: from, End: to})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTOs(rs))
}

// CreateReservation books one window.
// POST /api/reservations
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req BookRequest
	if !decode(w, r, &req) {
		return
	}
	reservable, err := req.Reservable.ParseRef()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	b, err := h.bookings.Book(r.Context(), booking.BookRequest{
		SpaceID:    req.SpaceID,
		Reservable: reservable,
		UserID:     generic.UserID(req.UserID),
		Window:     generic.Window{Start: req.Start, End: req.End},
		Notes:      req.Notes,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingDTO(b))
}

func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.bookings.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(res))
}

// CancelReservation cancels a reservation and refunds its charge.
// POST /api/reservations/{id}/cancel
func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	res, err := h.bookings.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(res))
}

func (h *Handler) GetReservationCharge(w http.ResponseWriter, r *http.Request) {
	c, err := h.bookings.Charge(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChargeDTO(c))
}

// =============================================================================
// SERIES
// =============================================================================

// CreateSeries stores a series and materializes its first horizon.
// POST /api/series
func (h *Handler) CreateSeries(w http.ResponseWriter, r *http.Request) {
	var sj factory.SeriesJSON
	if !decode(w, r, &sj) {
		return
	}
	req, err := factory.BuildSeries(sj)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rs, report, err := h.bookings.CreateSeries(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SeriesResponse{Series: toSeriesDTO(rs), Expansion: toExpansionDTO(report)})
}

func (h *Handler) GetSeries(w http.ResponseWriter, r *http.Request) {
	rs, err := h.bookings.Series(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SeriesResponse{Series: toSeriesDTO(rs)})
}

func (h *Handler) GetSeriesReservations(w http.ResponseWriter, r *http.Request) {
	rs, err := h.bookings.SeriesReservations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTOs(rs))
}

func (h *Handler) GetSeriesSkips(w http.ResponseWriter, r *http.Request) {
	skips, err := h.bookings.SeriesSkips(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSkipDTOs(skips))
}

func (h *Handler) PauseSeries(w http.ResponseWriter, r *http.Request) {
	rs, err := h.bookings.PauseSeries(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SeriesResponse{Series: toSeriesDTO(rs)})
}

func (h *Handler) ResumeSeries(w http.ResponseWriter, r *http.Request) {
	rs, report, err := h.bookings.ResumeSeries(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SeriesResponse{Series: toSeriesDTO(rs), Expansion: toExpansionDTO(report)})
}

func (h *Handler) EndSeries(w http.ResponseWriter, r *http.Request) {
	rs, err := h.bookings.EndSeries(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SeriesResponse{Series: toSeriesDTO(rs)})
}

// ExpandSeries runs expansion for one series outside the scheduler.
func (h *Handler) ExpandSeries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := h.bookings.Expand(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rs, err := h.bookings.Series(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SeriesResponse{Series: toSeriesDTO(rs), Expansion: toExpansionDTO(report)})
}

// =============================================================================
// PAYMENTS
// =============================================================================

// ApplyPayment consumes a confirmation from the payment collaborator.
// POST /api/payments
func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.bookings.ApplyPayment(r.Context(), billing.PaymentSignal{
		ChargeID:    req.ChargeID,
		Outcome:     billing.PaymentOutcome(req.Outcome),
		Method:      req.Method,
		ExternalRef: req.ExternalRef,
		Reason:      req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChargeDTO(c))
}

// =============================================================================
// CREDITS
// =============================================================================

func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	credits, err := h.credits.Balances(r.Context(), generic.UserID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]CreditBalanceDTO, len(credits))
	for i, c := range credits {
		out[i] = toCreditBalanceDTO(c)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetCreditTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.credits.History(r.Context(), generic.UserID(chi.URLParam(r, "id")), generic.CreditType(chi.URLParam(r, "type")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]CreditTransactionDTO, len(txs))
	for i, t := range txs {
		out[i] = toCreditTransactionDTO(t)
	}
	writeJSON(w, http.StatusOK, out)
}

// VerifyCredits replays the user's ledger against the cached balances.
// A mismatch is reported in the body, not as a server error.
func (h *Handler) VerifyCredits(w http.ResponseWriter, r *http.Request) {
	userID := generic.UserID(chi.URLParam(r, "id"))
	err := h.credits.Verify(r.Context(), userID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "consistent": true})
	case errors.Is(err, generic.ErrInvariantViolation):
		h.log.Error().Err(err).Str("user_id", string(userID)).Msg("ledger replay mismatch")
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "consistent": false, "problem": err.Error()})
	default:
		h.fail(w, r, err)
	}
}

func (h *Handler) RedeemPromo(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.credits.RedeemPromo(r.Context(), chi.URLParam(r, "code"), generic.UserID(req.UserID))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditTransactionDTO(t))
}

// =============================================================================
// ADMIN
// =============================================================================

func (h *Handler) CreateGrant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.credits.Grant(r.Context(), billing.GrantRequest{
		UserID:     generic.UserID(req.UserID),
		CreditType: generic.CreditType(req.CreditType),
		Amount:     req.Amount,
		Reason:     req.Reason,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCreditTransactionDTO(t))
}

func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.credits.Adjust(r.Context(), generic.UserID(req.UserID), generic.CreditType(req.CreditType), req.Delta, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCreditTransactionDTO(t))
}

func (h *Handler) CreateAllocation(w http.ResponseWriter, r *http.Request) {
	var req AllocationRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.credits.CreateAllocation(r.Context(), generic.CreditAllocation{
		UserID:     generic.UserID(req.UserID),
		CreditType: generic.CreditType(req.CreditType),
		Amount:     req.Amount,
		Frequency:  generic.Frequency(req.Frequency),
		Source:     req.Source,
		StartsAt:   req.StartsAt,
		EndsAt:     req.EndsAt,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAllocationDTO(a))
}

func (h *Handler) CreatePromo(w http.ResponseWriter, r *http.Request) {
	var req PromoRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.credits.CreatePromo(r.Context(), generic.PromoCode{
		Code:       req.Code,
		CreditType: generic.CreditType(req.CreditType),
		Amount:     req.Amount,
		MaxUses:    req.MaxUses,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPromoDTO(p))
}

// RunSweep runs every scheduler job once and reports the totals.
// POST /api/admin/sweep
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "scheduler_unavailable", Message: "scheduler is not configured"})
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.RunNow(r.Context()))
}
