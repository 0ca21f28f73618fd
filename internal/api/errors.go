package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/p-arndt/sandbox-engine/internal/governor"
	"github.com/p-arndt/sandbox-engine/internal/isolation"
	"github.com/p-arndt/sandbox-engine/internal/job"
	"github.com/p-arndt/sandbox-engine/internal/registry"
)

// Error codes returned in API responses, mirroring spec.md §7's error
// taxonomy. StageFailure and LaunchFailure never reach this mapping —
// both are reported inside a 2xx PhaseResult, not as HTTP errors.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeResourceExhausted = "RESOURCE_EXHAUSTED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// APIError is the structured error body written for every non-2xx response.
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

// ValidationError reports a malformed request, unknown runtime, path
// escape, or unknown signal (spec.md §7 kind 1): surfaced to the client,
// the Job is never created or is discarded pre-prime.
type ValidationError struct{ msg string }

func NewValidationError(msg string) *ValidationError { return &ValidationError{msg: msg} }

func (e *ValidationError) Error() string { return e.msg }

// writeAPIError maps an error returned from validation, registry lookup,
// governor admission, or the Job engine onto the taxonomy's HTTP status
// codes.
func writeAPIError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	var apiErr APIError
	status := http.StatusInternalServerError

	switch {
	case errors.As(err, &verr):
		apiErr = APIError{Code: ErrCodeValidation, Message: verr.Error()}
		status = http.StatusBadRequest

	case errors.Is(err, registry.ErrNotFound), errors.Is(err, job.ErrPathEscape):
		apiErr = APIError{Code: ErrCodeValidation, Message: err.Error()}
		status = http.StatusBadRequest

	case errors.Is(err, isolation.ErrExhausted), errors.Is(err, governor.ErrRejected):
		apiErr = APIError{Code: ErrCodeResourceExhausted, Message: err.Error()}
		status = http.StatusTooManyRequests

	default:
		apiErr = APIError{Code: ErrCodeInternal, Message: err.Error()}
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiErr)
}

func writeValidationError(w http.ResponseWriter, message string) {
	writeAPIError(w, NewValidationError(message))
}
