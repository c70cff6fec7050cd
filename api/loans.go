package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/warp/rehearsal-engine/equipment"
	"github.com/warp/rehearsal-engine/generic"
)

// =============================================================================
// EQUIPMENT HANDLERS
// =============================================================================

func (h *Handler) ListEquipment(w http.ResponseWriter, r *http.Request) {
	items := h.loans.Catalog().Items()
	out := make([]ItemDTO, len(items))
	for i, it := range items {
		out[i] = toItemDTO(it)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListEquipmentLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.loans.ForEquipment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	now := h.loans.Now()
	out := make([]LoanDTO, len(loans))
	for i, l := range loans {
		out[i] = toLoanDTO(l, now)
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateLoan reserves an item and settles its rental fee.
// POST /api/loans
func (h *Handler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var req LoanRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.loans.Request(r.Context(), equipment.LoanRequest{
		EquipmentID:  req.EquipmentID,
		BorrowerID:   generic.UserID(req.BorrowerID),
		ReservedFrom: req.ReservedFrom,
		DueAt:        req.DueAt,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	charge := toChargeDTO(res.Charge)
	writeJSON(w, http.StatusCreated, LoanResponse{Loan: toLoanDTO(res.Loan, h.loans.Now()), Charge: &charge})
}

func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	l, err := h.loans.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LoanResponse{Loan: toLoanDTO(l, h.loans.Now())})
}

// TransitionLoan applies one command to a loan.
// POST /api/loans/{id}/transitions
//
//	{"command": "check_out", "condition": "good", "actor": "staff-3"}
func (h *Handler) TransitionLoan(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !decode(w, r, &req) {
		return
	}
	cmd, err := equipment.ParseCommand(req.Command, equipment.CommandFields{
		Condition:     req.Condition,
		DamageNotes:   req.DamageNotes,
		Reason:        req.Reason,
		RetainDeposit: req.RetainDeposit,
		At:            req.At,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	l, err := h.loans.Transition(r.Context(), chi.URLParam(r, "id"), cmd, req.Actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LoanResponse{Loan: toLoanDTO(l, h.loans.Now())})
}

func (h *Handler) ExtendLoan(w http.ResponseWriter, r *http.Request) {
	var req ExtendRequest
	if !decode(w, r, &req) {
		return
	}
	l, err := h.loans.Extend(r.Context(), chi.URLParam(r, "id"), req.DueAt)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LoanResponse{Loan: toLoanDTO(l, h.loans.Now())})
}
