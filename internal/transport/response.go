// Package transport contains the HTTP router, middleware chain, and the
// request handlers of the case API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/caseportal/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:          http.StatusBadRequest,
	model.ErrUnauthorized:        http.StatusUnauthorized,
	model.ErrForbidden:           http.StatusForbidden,
	model.ErrNotFound:            http.StatusNotFound,
	model.ErrConflict:            http.StatusConflict,
	model.ErrValidationError:     http.StatusUnprocessableEntity,
	model.ErrEmptyData:           http.StatusBadRequest,
	model.ErrInvalidStatus:       http.StatusUnprocessableEntity,
	model.ErrPatchTargetNotFound: http.StatusUnprocessableEntity,
	model.ErrInternalError:       http.StatusInternalServerError,
}

// StatusForCode returns the HTTP status for an envelope code, defaulting to
// 500 for unknown codes.
func StatusForCode(code string) int {
	if status, ok := statusForCode[code]; ok {
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
		_ = json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Wrapped envelopes are unwrapped; any other error becomes
// a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusForCode(ee.Code), errorResponse{Error: ee})
}
