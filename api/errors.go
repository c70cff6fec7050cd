package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/warp/rehearsal-engine/generic"
)

// =============================================================================
// RESPONSES
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, generic.ErrConflict),
		errors.Is(err, generic.ErrDuplicate),
		errors.Is(err, generic.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, generic.ErrInsufficientCredit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, generic.ErrValidation),
		errors.Is(err, generic.ErrInvalidTransition):
		return http.StatusBadRequest
	case errors.Is(err, generic.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// writeError writes the structured error body. Internal errors are logged
// and replaced by a generic message.
func writeError(w http.ResponseWriter, r *http.Request, log zerolog.Logger, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: generic.ErrorCode(err), Message: errorMessage(err), Details: errorDetails(err)}
	if status == http.StatusInternalServerError {
		log.Error().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		resp = ErrorResponse{Error: "internal", Message: "internal error"}
	}
	writeJSON(w, status, resp)
}

// writeBadRequest rejects a body that could not be decoded.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: message})
}

// errorMessage is the client-facing text for err. It comes from the
// structured error itself, never from the wrapping chain, which names
// internal operations.
func errorMessage(err error) string {
	var (
		conflict   *generic.ConflictError
		credit     *generic.InsufficientCreditError
		validation *generic.ValidationError
		transition *generic.TransitionError
		notFound   *generic.NotFoundError
	)
	switch {
	case errors.As(err, &validation):
		return validation.Message
	case errors.As(err, &conflict):
		return conflict.Error()
	case errors.As(err, &credit):
		return credit.Error()
	case errors.As(err, &transition):
		return transition.Error()
	case errors.As(err, &notFound):
		return notFound.Error()
	case errors.Is(err, generic.ErrNotFound):
		return "record not found"
	case errors.Is(err, generic.ErrDuplicate):
		return "record already exists"
	case errors.Is(err, generic.ErrConcurrentModification):
		return "record was changed concurrently, retry the request"
	}
	return "request failed"
}

func errorDetails(err error) map[string]any {
	var (
		conflict   *generic.ConflictError
		credit     *generic.InsufficientCreditError
		validation *generic.ValidationError
		transition *generic.TransitionError
	)
	switch {
	case errors.As(err, &conflict):
		return map[string]any{
			"resource":         conflict.Key.String(),
			"requested_window": conflict.Requested,
			"conflict_with":    conflict.ExistingID,
			"existing_window":  conflict.Existing,
		}
	case errors.As(err, &credit):
		return map[string]any{
			"credit_type": credit.CreditType,
			"available":   credit.Available,
			"requested":   credit.Requested,
			"shortfall":   credit.Shortfall,
		}
	case errors.As(err, &validation):
		if validation.Field == "" {
			return nil
		}
		return map[string]any{"field": validation.Field}
	case errors.As(err, &transition):
		return map[string]any{"from": transition.From, "command": transition.Command}
	}
	return nil
}
