// Package filesystem implements storage.Persistence on the local disk.
// It is meant for single-instance deployments: blobs live as plain files in
// the cache directory and Fetch never downloads anything.
package filesystem

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/prn-tf/artifact-store/internal/domain"
	"github.com/prn-tf/artifact-store/internal/pkg/crypto"
	"github.com/prn-tf/artifact-store/internal/storage"
)

// Backend stores blobs under Dirs.Cache.
type Backend struct {
	dirs   domain.Dirs
	logger zerolog.Logger
	closed atomic.Bool
}

// New creates the directory layout and returns a Backend.
func New(dirs domain.Dirs, logger zerolog.Logger) (*Backend, error) {
	if err := storage.EnsureDirs(dirs); err != nil {
		return nil, err
	}

	logger = logger.With().Str("component", "persistence.filesystem").Logger()
	logger.Info().Stringer("dirs", dirs).Msg("filesystem persistence ready")

	return &Backend{
		dirs:   dirs,
		logger: logger,
	}, nil
}

// Dirs returns the local directories.
func (b *Backend) Dirs() domain.Dirs {
	return b.dirs
}

// Save streams the reader into a temp file, then renames it to cache/<hash>.
// Content missing the expected hash never leaves the temp dir.
func (b *Backend) Save(ctx context.Context, reader io.Reader, sizeHint int64, opts ...storage.SaveOption) (string, error) {
	o := storage.ApplySaveOptions(opts...)
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(b.dirs.Temp, "upload-*")
	if err != nil {
		return "", domain.NewArtifactError("save", "", fmt.Errorf("failed to create temp file: %w", err))
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	hr := crypto.NewHashReader(reader)
	_, err = io.Copy(tmp, hr)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", domain.NewArtifactError("save", "", err)
	}

	hash, err := hr.Sum()
	if err != nil {
		return "", domain.NewArtifactError("save", "", err)
	}
	if err := o.CheckExpected(hash); err != nil {
		return "", err
	}

	if err := os.Rename(tmpPath, b.dirs.CachePath(hash)); err != nil {
		return "", domain.NewArtifactError("save", hash, err)
	}

	b.logger.Debug().
		Str("hash", hash).
		Int64("size", hr.Size()).
		Int64("size_hint", sizeHint).
		Msg("saved artifact")

	return hash, nil
}

// Has checks if the blob exists in the cache directory.
func (b *Backend) Has(ctx context.Context, hash string) (bool, error) {
	if err := storage.CheckHash("has", hash); err != nil {
		return false, err
	}
	ok, err := storage.FileExists(b.dirs.CachePath(hash))
	if err != nil {
		return false, domain.NewArtifactError("has", hash, err)
	}
	return ok, nil
}

// Delete removes the blob file. Missing files are ignored.
func (b *Backend) Delete(ctx context.Context, hash string) error {
	if err := storage.CheckHash("delete", hash); err != nil {
		return err
	}
	if err := os.Remove(b.dirs.CachePath(hash)); err != nil && !os.IsNotExist(err) {
		return domain.NewArtifactError("delete", hash, err)
	}
	return nil
}

// Fetch returns the cache path. The blob is already local.
func (b *Backend) Fetch(ctx context.Context, hash string) (string, error) {
	if err := storage.CheckHash("fetch", hash); err != nil {
		return "", err
	}
	p := b.dirs.CachePath(hash)
	ok, err := storage.FileExists(p)
	if err != nil {
		return "", domain.NewArtifactError("fetch", hash, err)
	}
	if !ok {
		return "", domain.NewArtifactError("fetch", hash, domain.ErrArtifactNotFound)
	}
	return p, nil
}

// Close is a no-op beyond marking the backend closed.
func (b *Backend) Close() error {
	if b.closed.CompareAndSwap(false, true) {
		b.logger.Debug().Msg("filesystem persistence closed")
	}
	return nil
}

// Ensure Backend implements storage.Persistence.
var _ storage.Persistence = (*Backend)(nil)
