package api

import (
	"errors"
	"net/http"

	"github.com/phrazzld/genq/internal/api/shared"
	"github.com/phrazzld/genq/internal/redact"
	"github.com/phrazzld/genq/internal/status"
	"github.com/phrazzld/genq/internal/task"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, task.ErrInvalidRequest),
		errors.Is(err, shared.ErrBodyTooLarge):
		return http.StatusBadRequest

	case errors.Is(err, status.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, status.ErrDuplicate),
		errors.Is(err, task.ErrNotReady),
		errors.Is(err, task.ErrAlreadyProcessing),
		errors.Is(err, task.ErrAlreadyFinished):
		return http.StatusConflict

	case errors.Is(err, status.ErrNotConnected):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	// Submission errors describe the caller's own input.
	case errors.Is(err, task.ErrInvalidRequest):
		return redact.Error(err)
	case errors.Is(err, shared.ErrBodyTooLarge):
		return "Request body too large"
	case errors.Is(err, status.ErrNotFound):
		return "Request not found"
	case errors.Is(err, status.ErrDuplicate):
		return "Request ID already exists"
	case errors.Is(err, task.ErrNotReady):
		return "Result not ready"
	case errors.Is(err, task.ErrAlreadyProcessing):
		return "Request is already being processed"
	case errors.Is(err, task.ErrAlreadyFinished):
		return "Request has already finished"
	case errors.Is(err, status.ErrNotConnected):
		return "Service temporarily unavailable"
	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError writes the mapped status code and safe message for err and
// logs the redacted error. A non-empty fallback replaces the generic message
// of unmapped errors.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	code := MapErrorToStatusCode(err)
	msg := GetSafeErrorMessage(err)
	if code == http.StatusInternalServerError && fallback != "" {
		msg = fallback
	}
	shared.RespondWithErrorAndLog(w, r, code, msg, err)
}
