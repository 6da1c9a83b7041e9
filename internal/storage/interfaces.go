// Package storage defines the persistence contract for artifact blobs.
// Blobs are content-addressed: the SHA-256 of the bytes is the storage key,
// so each unique artifact is stored exactly once.
package storage

import (
	"context"
	"errors"
	"io"

	"github.com/prn-tf/artifact-store/internal/domain"
)

// Persistence defines the interface for artifact blob backends.
// The filesystem backend serves single-instance deployments; the s3 backend
// serves multi-instance deployments with a local shadow cache. Both
// implement the same contract.
type Persistence interface {
	// Dirs returns the local directories used by the backend.
	Dirs() domain.Dirs

	// Save consumes the reader fully while hashing it and stores the content
	// under the resulting hash, which is returned.
	// The hash is not known before the stream is drained.
	// Saving content that already exists is a no-op in effect and is safe
	// to run concurrently.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - reader: Source of the content to store
	//   - sizeHint: Expected size in bytes, or -1 when unknown
	//   - opts: WithExpectedHash refuses to store content hashing to anything else
	//
	// Returns:
	//   - hash: SHA-256 hash of the content (64 hex characters)
	//   - err: Error if storage fails, wrapping domain.ErrHashMismatch when
	//     the expected hash was not met
	Save(ctx context.Context, reader io.Reader, sizeHint int64, opts ...SaveOption) (hash string, err error)

	// Has checks if content with the given hash exists in the backing store.
	Has(ctx context.Context, hash string) (bool, error)

	// Delete removes content by its hash. Deleting a missing hash is not an error.
	Delete(ctx context.Context, hash string) error

	// Fetch ensures the blob is present in the local cache and returns its path.
	// Returns an error wrapping domain.ErrArtifactNotFound if the hash is unknown.
	Fetch(ctx context.Context, hash string) (path string, err error)

	// Close releases backend resources. It is safe to call more than once.
	Close() error
}

// SaveOptions holds the optional settings of a Save call.
type SaveOptions struct {
	// ExpectedHash, when set, must equal the hash of the content.
	ExpectedHash string
}

// SaveOption configures a Save call.
type SaveOption func(*SaveOptions)

// WithExpectedHash makes Save discard the content instead of storing it when
// it does not hash to hash. Nothing under the content address is touched, so
// a blob already stored there survives.
func WithExpectedHash(hash string) SaveOption {
	return func(o *SaveOptions) {
		o.ExpectedHash = hash
	}
}

// ApplySaveOptions folds opts into a SaveOptions value.
func ApplySaveOptions(opts ...SaveOption) SaveOptions {
	var o SaveOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// CheckHash returns an ArtifactError wrapping domain.ErrInvalidHash when hash
// is not a content address. Backends call it before building paths or keys.
func CheckHash(op, hash string) error {
	if !domain.IsValidHash(hash) {
		return domain.NewArtifactError(op, hash, domain.ErrInvalidHash)
	}
	return nil
}

// CheckExpected returns an ArtifactError wrapping domain.ErrHashMismatch when
// an expected hash was set and differs from hash.
func (o SaveOptions) CheckExpected(hash string) error {
	if o.ExpectedHash != "" && o.ExpectedHash != hash {
		return domain.NewArtifactError("save", hash, domain.NewDomainError(
			domain.ErrHashMismatch, "content does not match the expected hash", o.ExpectedHash))
	}
	return nil
}

// IsNotFound reports whether err means the blob does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrArtifactNotFound)
}
