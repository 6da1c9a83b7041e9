// Package domain contains the core entities of the artifact store.
package domain

import (
	"errors"
	"fmt"
)

// Domain errors - these represent business rule violations.
// They are distinct from infrastructure errors (database, network, etc.).

var (
	// ===========================================
	// Upload Errors
	// ===========================================

	// ErrInvalidUploadToken indicates the upload token is unknown, consumed or expired.
	// Use errors.As with *InvalidUploadTokenError to get the category.
	ErrInvalidUploadToken = errors.New("invalid upload token")

	// ErrHashMismatch indicates the uploaded bytes do not hash to the declared value.
	ErrHashMismatch = errors.New("hash mismatch")

	// ErrTypegraphNameMismatch indicates the metadata's typegraph name disagrees with the request.
	ErrTypegraphNameMismatch = errors.New("typegraph name mismatch")

	// ErrInvalidArtifactMeta indicates the artifact metadata is malformed.
	ErrInvalidArtifactMeta = errors.New("invalid artifact metadata")

	// ===========================================
	// Storage Errors
	// ===========================================

	// ErrArtifactNotFound indicates no blob exists for the requested hash.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrInvalidHash indicates a string that is not a lowercase hex SHA-256 digest.
	ErrInvalidHash = errors.New("invalid artifact hash")

	// ===========================================
	// System Errors
	// ===========================================

	// ErrNotImplemented indicates the requested operation is not supported.
	ErrNotImplemented = errors.New("not implemented")
)

// TokenErrorKind categorizes upload token failures.
type TokenErrorKind string

const (
	// TokenUnknown means the token was never issued, was already consumed,
	// or failed signature verification.
	TokenUnknown TokenErrorKind = "unknown"

	// TokenExpired means the token's signed expiry is in the past.
	TokenExpired TokenErrorKind = "expired"
)

// InvalidUploadTokenError is returned when an upload token cannot be redeemed.
type InvalidUploadTokenError struct {
	Kind TokenErrorKind
	Err  error
}

// NewInvalidUploadTokenError creates an InvalidUploadTokenError.
func NewInvalidUploadTokenError(kind TokenErrorKind, err error) *InvalidUploadTokenError {
	return &InvalidUploadTokenError{Kind: kind, Err: err}
}

// Error implements the error interface.
func (e *InvalidUploadTokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", ErrInvalidUploadToken.Error(), e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s)", ErrInvalidUploadToken.Error(), e.Kind)
}

// Is makes errors.Is(err, ErrInvalidUploadToken) succeed.
func (e *InvalidUploadTokenError) Is(target error) bool {
	return target == ErrInvalidUploadToken
}

// Unwrap returns the underlying cause.
func (e *InvalidUploadTokenError) Unwrap() error {
	return e.Err
}

// ArtifactError reports a failure of the backing store for a given hash.
type ArtifactError struct {
	// Op is the persistence operation that failed (save, fetch, delete, has).
	Op string

	// Hash is the affected content hash, empty when not yet known.
	Hash string

	// Err is the underlying error.
	Err error
}

// NewArtifactError creates an ArtifactError.
func NewArtifactError(op, hash string, err error) *ArtifactError {
	return &ArtifactError{Op: op, Hash: hash, Err: err}
}

// Error implements the error interface.
func (e *ArtifactError) Error() string {
	if e.Hash != "" {
		return fmt.Sprintf("artifact %s %s: %v", e.Op, e.Hash, e.Err)
	}
	return fmt.Sprintf("artifact %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *ArtifactError) Unwrap() error {
	return e.Err
}

// DomainError wraps a domain error with additional context.
type DomainError struct {
	// Err is the underlying domain error.
	Err error

	// Message provides additional context.
	Message string

	// Resource identifies the affected resource (e.g., typegraph name, hash).
	Resource string
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Err.Error(), e.Message, e.Resource)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new DomainError with context.
func NewDomainError(err error, message, resource string) *DomainError {
	return &DomainError{
		Err:      err,
		Message:  message,
		Resource: resource,
	}
}

// TokenErrorKindOf returns the token error category of err, if any.
func TokenErrorKindOf(err error) (TokenErrorKind, bool) {
	var tokenErr *InvalidUploadTokenError
	if errors.As(err, &tokenErr) {
		return tokenErr.Kind, true
	}
	return "", false
}
