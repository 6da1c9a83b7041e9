package repository

import "errors"

// Repository errors
var (
	// ErrNotFound indicates the requested entry was not found.
	ErrNotFound = errors.New("not found")

	// ErrClosed indicates the store was used after Close.
	ErrClosed = errors.New("store closed")
)
