package util

import (
	"context"
	"errors"
	"net/http"
)

// StatusClientClosedRequest is the de facto status for caller
// cancellation (nginx convention); net/http has no constant for it.
const StatusClientClosedRequest = 499

// StatusForError maps the error taxonomy to an HTTP status code.
func StatusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrNoHealthyServer), errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrPoolExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return StatusClientClosedRequest
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
