// Package service provides the artifact store and its supporting services.
package service

import "errors"

// Common service errors.
var (
	// ErrStoreClosed indicates the artifact store was already closed.
	ErrStoreClosed = errors.New("artifact store is closed")

	// ErrInvalidTypegraphName indicates a typegraph name unusable as a directory name.
	ErrInvalidTypegraphName = errors.New("invalid typegraph name")

	// ErrInvalidExtension indicates an inline artifact extension containing a path separator.
	ErrInvalidExtension = errors.New("invalid inline artifact extension")
)
