// Package transport contains the HTTP router, middleware chain, and request
// handlers for the approval API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/signoff/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:      http.StatusBadRequest,
	model.ErrUnknownModule:   http.StatusBadRequest,
	model.ErrUnauthorized:    http.StatusUnauthorized,
	model.ErrNotAuthorized:   http.StatusForbidden,
	model.ErrNotFound:        http.StatusNotFound,
	model.ErrStageNotFound:   http.StatusNotFound,
	model.ErrConflict:        http.StatusConflict,
	model.ErrInvalidState:    http.StatusConflict,
	model.ErrValidationError: http.StatusUnprocessableEntity,
	model.ErrInternalError:   http.StatusInternalServerError,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// StatusFor returns the HTTP status for err. Errors that do not carry an
// ErrorEnvelope map to 500.
func StatusFor(err error) int {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		return http.StatusInternalServerError
	}
	if status, ok := statusForCode[ee.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as an ErrorEnvelope with the matching HTTP status.
// Anything that is not an ErrorEnvelope is reported as a generic 500 so
// internal details never reach the client.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusFor(ee), errorResponse{Error: ee})
}
