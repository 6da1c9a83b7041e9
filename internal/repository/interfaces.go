// Package repository defines the coordination store contracts of the artifact store.
// Reference counts and upload tokens are the only state that needs atomic
// operations across instances; each backend (memory, SQLite, PostgreSQL,
// Redis) implements them as single server-side operations.
package repository

import (
	"context"
	"time"
)

// =============================================================================
// Reference Counter
// =============================================================================

// RefCounter tracks how many deployed typegraphs reference each artifact hash.
// Scores are never read as a presence check: several typegraphs may share an
// artifact, and only the score reaching zero makes it garbage.
type RefCounter interface {
	// Increment atomically adds one to the score of hash, creating it at 1.
	Increment(ctx context.Context, hash string) error

	// Decrement atomically subtracts one from the score of hash.
	// An absent hash is created at -1.
	Decrement(ctx context.Context, hash string) error

	// TakeGarbage atomically reads and removes every entry with a score of
	// zero or less and returns their hashes.
	// Entries with a positive score are never removed, and an increment that
	// races with the sweep is never lost.
	TakeGarbage(ctx context.Context) ([]string, error)

	// ResetAll removes every entry. Administrative and test use only.
	ResetAll(ctx context.Context) error

	// Close releases the underlying connection. It is safe to call more than once.
	Close() error
}

// =============================================================================
// Upload URL Store
// =============================================================================

// UploadURLStore maps upload tokens to the serialized metadata they authorize.
type UploadURLStore interface {
	// Put stores meta under token. The entry disappears after ttl.
	Put(ctx context.Context, token string, meta []byte, ttl time.Duration) error

	// Take atomically reads and deletes the entry for token.
	// Returns ErrNotFound if the token was never stored, was already taken,
	// or has expired.
	Take(ctx context.Context, token string) ([]byte, error)

	// Close releases the underlying connection. It is safe to call more than once.
	Close() error
}

// =============================================================================
// Keys
// =============================================================================

// Well-known coordination keys.
const (
	// RefCountsKey names the sorted set holding per-hash scores.
	RefCountsKey = "artifacts:refcounts"

	// UploadURLKeyPrefix prefixes upload token entries.
	UploadURLKeyPrefix = "artifacts:upload-urls:"
)

// UploadURLKey returns the coordination key of an upload token.
func UploadURLKey(token string) string {
	return UploadURLKeyPrefix + token
}
