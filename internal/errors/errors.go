// Package errors maps failures to HTTP statuses and writes them as
// gofulmen error envelopes.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/go-chi/chi/v5/middleware"
)

// Error codes used in envelopes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
	CodeLockUnavailable    = "LOCK_UNAVAILABLE"
)

// HTTPErrorResponse is the body written for every non-2xx response.
type HTTPErrorResponse struct {
	Error *gferrors.ErrorEnvelope `json:"error"`
}

// StatusError carries the HTTP status and envelope code for an error.
type StatusError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *StatusError) Unwrap() error { return e.Err }

// Envelope converts e into a gofulmen envelope. requestID becomes the
// correlation ID.
func (e *StatusError) Envelope(requestID string) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(e.Code, e.Error()).
		WithCorrelationID(requestID)
	if len(e.Details) > 0 {
		env = env.WithDetails(e.Details)
	}
	return env
}

// New builds a StatusError.
func New(status int, code, message string) *StatusError {
	return &StatusError{Status: status, Code: code, Message: message}
}

// Wrap builds a StatusError around err.
func Wrap(err error, status int, code, message string) *StatusError {
	return &StatusError{Status: status, Code: code, Message: message, Err: err}
}

// WithDetails attaches details to the envelope.
func (e *StatusError) WithDetails(details map[string]any) *StatusError {
	e.Details = details
	return e
}

// NotFound, MethodNotAllowed and ServiceUnavailable are shorthands for the
// routing and readiness errors.
func NotFound(message string) *StatusError {
	return New(http.StatusNotFound, CodeNotFound, message)
}

func MethodNotAllowed(message string) *StatusError {
	return New(http.StatusMethodNotAllowed, CodeMethodNotAllowed, message)
}

func ServiceUnavailable(message string, details map[string]any) *StatusError {
	return New(http.StatusServiceUnavailable, CodeServiceUnavailable, message).WithDetails(details)
}

// RespondWithError writes err as an envelope. Errors that are not a
// StatusError become 500 INTERNAL_ERROR.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var se *StatusError
	if !stderrors.As(err, &se) {
		se = Wrap(err, http.StatusInternalServerError, CodeInternal, "internal server error")
	}

	var reqID string
	if r != nil {
		reqID = middleware.GetReqID(r.Context())
	}
	env := se.Envelope(reqID)
	if r != nil {
		env = env.WithPath(r.URL.Path)
	}
	WriteEnvelope(w, se.Status, env)
}

// WriteEnvelope writes env under the "error" key with the given status.
func WriteEnvelope(w http.ResponseWriter, status int, env *gferrors.ErrorEnvelope) {
	WriteJSON(w, status, HTTPErrorResponse{Error: env})
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
