package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prn-tf/artifact-store/internal/domain"
	"github.com/prn-tf/artifact-store/internal/service"
)

// ErrorCode is the machine readable code of an error response.
type ErrorCode string

const (
	ErrorCodeNameMismatch ErrorCode = "name_mismatch"
	ErrorCodeInvalidMeta  ErrorCode = "invalid_meta"
	ErrorCodeInvalidBody  ErrorCode = "invalid_body"
	ErrorCodeHashMismatch ErrorCode = "hash_mismatch"
	ErrorCodeTooLarge     ErrorCode = "too_large"
	ErrorCodeUnavailable  ErrorCode = "unavailable"
	ErrorCodeInternal     ErrorCode = "internal"

	// Token failures use the token error kind as code: "unknown" or "expired".
)

// APIError is the JSON body of an error response.
type APIError struct {
	Error string    `json:"error"`
	Code  ErrorCode `json:"code"`

	// HTTPStatusCode is the HTTP status code to return.
	HTTPStatusCode int `json:"-"`
}

// mapError maps a service error to an API error.
// Token errors are checked first, a token issued for another typegraph
// carries a name mismatch but must still be reported as a token failure.
func mapError(err error) APIError {
	if kind, ok := domain.TokenErrorKindOf(err); ok {
		return APIError{Error: "invalid upload token", Code: ErrorCode(kind), HTTPStatusCode: http.StatusForbidden}
	}

	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, domain.ErrHashMismatch):
		return APIError{Error: "hash mismatch", Code: ErrorCodeHashMismatch, HTTPStatusCode: http.StatusForbidden}
	case errors.Is(err, domain.ErrTypegraphNameMismatch):
		return APIError{Error: err.Error(), Code: ErrorCodeNameMismatch, HTTPStatusCode: http.StatusBadRequest}
	case errors.Is(err, domain.ErrInvalidArtifactMeta):
		return APIError{Error: err.Error(), Code: ErrorCodeInvalidMeta, HTTPStatusCode: http.StatusBadRequest}
	case errors.As(err, &maxErr):
		return APIError{Error: "request body too large", Code: ErrorCodeTooLarge, HTTPStatusCode: http.StatusRequestEntityTooLarge}
	case errors.Is(err, service.ErrStoreClosed):
		return APIError{Error: "artifact store is shutting down", Code: ErrorCodeUnavailable, HTTPStatusCode: http.StatusServiceUnavailable}
	default:
		return APIError{Error: "internal server error", Code: ErrorCodeInternal, HTTPStatusCode: http.StatusInternalServerError}
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, apiErr APIError) {
	writeJSON(w, apiErr.HTTPStatusCode, apiErr)
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
