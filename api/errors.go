package api

import (
	"errors"
	"log/slog"
	"net/http"

	"shelfshare/arbitration"
	"shelfshare/identity"
	"shelfshare/listing"
	"shelfshare/request"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps domain sentinel errors onto HTTP status codes. Conflicts
// from lost races (a sibling won, the listing flipped under you) are 409 so
// clients can refresh and retry against the new state.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, listing.ErrNotFound),
		errors.Is(err, request.ErrNotFound),
		errors.Is(err, identity.ErrUserNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, arbitration.ErrListingNotAvailable),
		errors.Is(err, arbitration.ErrAlreadyDecided),
		errors.Is(err, arbitration.ErrNotActiveLoan),
		errors.Is(err, request.ErrDuplicatePending),
		errors.Is(err, identity.ErrDuplicateEmail):
		return http.StatusConflict, "conflict"
	case errors.Is(err, arbitration.ErrSelfRequest),
		errors.Is(err, arbitration.ErrInvalidLoanStart),
		errors.Is(err, arbitration.ErrRequestMismatch),
		errors.Is(err, identity.ErrWeakPassword):
		return http.StatusUnprocessableEntity, "validation"
	case errors.Is(err, arbitration.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, identity.ErrInvalidCredentials):
		return http.StatusUnauthorized, "unauthorized"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		// Internal detail stays out of the response body.
		s.writeJSON(w, status, errorBody{Error: "internal error", Code: code})
		return
	}
	s.writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}
