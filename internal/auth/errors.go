package auth

import (
	"errors"
	"net/http"
)

// Authentication errors.
var (
	// ErrMissingCredentials indicates the request carries no basic credentials.
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrInvalidCredentials indicates the username or password is wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidPasswordHash indicates the configured admin password hash is not a bcrypt hash.
	ErrInvalidPasswordHash = errors.New("admin password hash is not a valid bcrypt hash")

	// ErrInvalidTokenTTL indicates a non-positive token lifetime.
	ErrInvalidTokenTTL = errors.New("token ttl must be positive")
)

// AuthErrorCode is the machine readable code of an authentication failure.
type AuthErrorCode string

const (
	// AuthErrorUnauthorized maps to HTTP 401.
	AuthErrorUnauthorized AuthErrorCode = "unauthorized"
)

// AuthError represents an authentication error with its HTTP mapping.
type AuthError struct {
	// Code is the error code.
	Code AuthErrorCode

	// Message is the error message.
	Message string

	// HTTPStatus is the HTTP status code.
	HTTPStatus int
}

func (e *AuthError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// NewAuthError creates a new AuthError from a standard error.
func NewAuthError(err error) *AuthError {
	return &AuthError{
		Code:       AuthErrorUnauthorized,
		Message:    err.Error(),
		HTTPStatus: http.StatusUnauthorized,
	}
}
