package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/prn-tf/artifact-store/internal/domain"
	"github.com/prn-tf/artifact-store/internal/metrics"
	"github.com/prn-tf/artifact-store/internal/pkg/crypto"
	"github.com/prn-tf/artifact-store/internal/repository"
	"github.com/prn-tf/artifact-store/internal/storage"
)

// ArtifactStore ties persistence, upload endpoints and reference counting
// together. It is the only component that mutates reference counts.
type ArtifactStore struct {
	persistence storage.Persistence
	uploads     *UploadEndpoints
	refCounter  repository.RefCounter
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	// link creates the hard links of the artifact tree.
	link func(oldname, newname string) error

	// Local path resolutions keyed by (hash, parentDirHash)
	mu         sync.Mutex
	localPaths map[localPathKey]*localPathEntry

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

type localPathKey struct {
	hash          string
	parentDirHash string
}

// localPathEntry is a resolution shared by every caller asking for the same key.
// done is closed once path and err are set.
type localPathEntry struct {
	done chan struct{}
	path string
	err  error
}

// NewArtifactStore creates a new ArtifactStore. It owns its three
// dependencies and closes them in Close.
func NewArtifactStore(
	persistence storage.Persistence,
	uploads *UploadEndpoints,
	refCounter repository.RefCounter,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *ArtifactStore {
	return &ArtifactStore{
		persistence: persistence,
		uploads:     uploads,
		refCounter:  refCounter,
		metrics:     m,
		logger:      logger.With().Str("service", "artifact_store").Logger(),
		link:        os.Link,
		localPaths:  make(map[localPathKey]*localPathEntry),
	}
}

// Dirs returns the local directories of the underlying persistence.
func (s *ArtifactStore) Dirs() domain.Dirs {
	return s.persistence.Dirs()
}

// =============================================================================
// Local Paths
// =============================================================================

// GetLocalPath materializes meta and its dependencies under a directory
// named after their combined hash and returns the path of meta.
// Concurrent calls for the same artifact and dependency set share one
// resolution. A failed resolution is forgotten so it can be retried.
func (s *ArtifactStore) GetLocalPath(ctx context.Context, meta domain.ArtifactMeta, deps []domain.ArtifactMeta) (string, error) {
	if s.closed.Load() {
		return "", ErrStoreClosed
	}
	if err := meta.Validate(); err != nil {
		return "", err
	}
	for _, dep := range deps {
		if err := dep.Validate(); err != nil {
			return "", err
		}
	}

	parentDirHash := domain.ParentDirHash(meta, deps)
	key := localPathKey{hash: meta.Hash, parentDirHash: parentDirHash}

	s.mu.Lock()
	entry, ok := s.localPaths[key]
	if !ok {
		entry = &localPathEntry{done: make(chan struct{})}
		s.localPaths[key] = entry
	}
	s.mu.Unlock()

	// The resolution belongs to every waiter, so it does not stop when the
	// caller that started it goes away.
	if !ok {
		go s.resolve(context.WithoutCancel(ctx), key, entry, meta, deps)
	}

	select {
	case <-entry.done:
		return entry.path, entry.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// resolve fills entry and evicts it again on failure.
func (s *ArtifactStore) resolve(ctx context.Context, key localPathKey, entry *localPathEntry, meta domain.ArtifactMeta, deps []domain.ArtifactMeta) {
	entry.path, entry.err = s.materialize(ctx, key.parentDirHash, meta, deps)
	if entry.err != nil {
		s.mu.Lock()
		delete(s.localPaths, key)
		s.mu.Unlock()
	}
	close(entry.done)
}

// materialize fetches every artifact into the local cache and links it
// into the tree of parentDirHash.
func (s *ArtifactStore) materialize(ctx context.Context, parentDirHash string, meta domain.ArtifactMeta, deps []domain.ArtifactMeta) (string, error) {
	dirs := s.persistence.Dirs()

	for _, dep := range deps {
		if _, err := s.linkArtifact(ctx, dirs, parentDirHash, dep); err != nil {
			return "", err
		}
	}

	entryPath, err := s.linkArtifact(ctx, dirs, parentDirHash, meta)
	if err != nil {
		return "", err
	}

	s.logger.Debug().
		Str("typegraph", meta.TypegraphName).
		Str("hash", meta.Hash).
		Str("parent_dir_hash", parentDirHash).
		Int("deps", len(deps)).
		Msg("Artifact materialized")

	return entryPath, nil
}

func (s *ArtifactStore) linkArtifact(ctx context.Context, dirs domain.Dirs, parentDirHash string, meta domain.ArtifactMeta) (string, error) {
	src, err := s.persistence.Fetch(ctx, meta.Hash)
	if err != nil {
		return "", err
	}

	dst := dirs.ArtifactPath(parentDirHash, meta)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	// The tree is content addressed, an existing link already holds the same bytes.
	if err := s.link(src, dst); err != nil && !errors.Is(err, fs.ErrExist) {
		return "", fmt.Errorf("failed to link artifact %s: %w", meta.RelativePath, err)
	}
	return dst, nil
}

// =============================================================================
// Reference Counting
// =============================================================================

// UpdateRefCounts increments every hash of added and decrements every hash
// of removed. Hashes present in both are left untouched. Updates run
// concurrently; the first error is returned once all of them finished.
// A malformed hash rejects the whole call before any count changes.
func (s *ArtifactStore) UpdateRefCounts(ctx context.Context, added, removed []string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	for _, hashes := range [][]string{added, removed} {
		for _, hash := range hashes {
			if !domain.IsValidHash(hash) {
				return domain.NewDomainError(domain.ErrInvalidHash, "cannot update ref count", hash)
			}
		}
	}

	addSet := toSet(added)
	removeSet := toSet(removed)
	for hash := range addSet {
		if _, ok := removeSet[hash]; ok {
			delete(addSet, hash)
			delete(removeSet, hash)
		}
	}

	var g errgroup.Group
	for hash := range addSet {
		g.Go(func() error {
			return s.refCounter.Increment(ctx, hash)
		})
	}
	for hash := range removeSet {
		g.Go(func() error {
			return s.refCounter.Decrement(ctx, hash)
		})
	}
	err := g.Wait()

	if s.metrics != nil {
		s.metrics.RecordRefCountUpdate(metrics.OpIncrement, len(addSet))
		s.metrics.RecordRefCountUpdate(metrics.OpDecrement, len(removeSet))
	}

	if err != nil {
		return fmt.Errorf("failed to update ref counts: %w", err)
	}

	s.logger.Debug().
		Int("incremented", len(addSet)).
		Int("decremented", len(removeSet)).
		Msg("Ref counts updated")
	return nil
}

func toSet(hashes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	return set
}

// =============================================================================
// Garbage Collection
// =============================================================================

// GCResult contains the result of a garbage collection run.
type GCResult struct {
	// Collected is the number of hashes taken from the ref counter.
	Collected int

	// Deleted is the number of blobs deleted.
	Deleted int

	// Errors is the number of blobs that could not be deleted.
	Errors int

	// Duration is how long the run took.
	Duration time.Duration
}

// RunArtifactGC deletes the blobs of every hash whose reference count
// dropped to zero or below. A failed deletion is logged and the sweep goes
// on. Full reconciliation is not supported and returns ErrNotImplemented.
func (s *ArtifactStore) RunArtifactGC(ctx context.Context, full bool) (GCResult, error) {
	if full {
		return GCResult{}, domain.NewDomainError(domain.ErrNotImplemented, "full garbage collection", "")
	}
	if s.closed.Load() {
		return GCResult{}, ErrStoreClosed
	}

	start := time.Now()
	result := GCResult{}

	hashes, err := s.refCounter.TakeGarbage(ctx)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordGCRun(time.Since(start).Seconds(), 0, 1)
		}
		return result, fmt.Errorf("failed to take garbage: %w", err)
	}
	result.Collected = len(hashes)

	for _, hash := range hashes {
		if err := s.persistence.Delete(ctx, hash); err != nil {
			s.logger.Error().
				Err(err).
				Str("hash", hash).
				Msg("Failed to delete artifact")
			result.Errors++
			continue
		}

		s.logger.Debug().Str("hash", hash).Msg("Deleted artifact")
		result.Deleted++
	}

	result.Duration = time.Since(start)

	if s.metrics != nil {
		s.metrics.RecordGCRun(result.Duration.Seconds(), result.Deleted, result.Errors)
		s.metrics.GCLastRunTime.SetToCurrentTime()
	}

	s.logger.Info().
		Int("collected", result.Collected).
		Int("deleted", result.Deleted).
		Int("errors", result.Errors).
		Dur("duration", result.Duration).
		Msg("Artifact garbage collection completed")

	return result, nil
}

// =============================================================================
// Inline Artifacts
// =============================================================================

// GetInlineArtifact stores transform(code) under the hash of code and
// returns its path. The file is written only when it does not exist yet.
// Inline artifacts are not reference counted.
func (s *ArtifactStore) GetInlineArtifact(typegraphName, code, ext string, transform func(string) string) (string, error) {
	if typegraphName == "" || typegraphName == "." || typegraphName == ".." || strings.ContainsAny(typegraphName, `/\`) {
		return "", ErrInvalidTypegraphName
	}
	if strings.ContainsAny(ext, `/\`) {
		return "", ErrInvalidExtension
	}

	dirs := s.persistence.Dirs()
	hash := crypto.ComputeSHA256([]byte(code))
	p := dirs.InlinePath(typegraphName, hash, ext)

	exists, err := storage.FileExists(p)
	if err != nil {
		return "", fmt.Errorf("failed to check inline artifact: %w", err)
	}
	if exists {
		return p, nil
	}

	content := code
	if transform != nil {
		content = transform(code)
	}
	if _, err := storage.WriteFileAtomic(dirs.Temp, p, strings.NewReader(content)); err != nil {
		return "", fmt.Errorf("failed to write inline artifact: %w", err)
	}

	s.logger.Debug().
		Str("typegraph", typegraphName).
		Str("hash", hash).
		Msg("Inline artifact written")
	return p, nil
}

// =============================================================================
// Uploads
// =============================================================================

// PrepareUpload returns an upload token for meta, or nil when the blob is
// already stored.
func (s *ArtifactStore) PrepareUpload(ctx context.Context, meta domain.ArtifactMeta) (*string, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	return s.uploads.PrepareUpload(ctx, meta, s.persistence)
}

// TakeArtifactMeta redeems an upload token.
func (s *ArtifactStore) TakeArtifactMeta(ctx context.Context, token string) (domain.ArtifactMeta, error) {
	if s.closed.Load() {
		return domain.ArtifactMeta{}, ErrStoreClosed
	}
	return s.uploads.TakeArtifactMeta(ctx, token)
}

// UploadArtifact redeems token and stores body. The token must have been
// issued for typegraphName. Bytes that do not hash to the declared value
// are never committed and ErrHashMismatch is returned; a blob already stored
// under their actual hash is left alone.
func (s *ArtifactStore) UploadArtifact(ctx context.Context, typegraphName, token string, body io.Reader, sizeHint int64) (domain.ArtifactMeta, error) {
	meta, err := s.TakeArtifactMeta(ctx, token)
	if err != nil {
		s.recordUpload(metrics.ResultRejected, 0)
		return domain.ArtifactMeta{}, err
	}

	if meta.TypegraphName != typegraphName {
		s.recordUpload(metrics.ResultRejected, 0)
		return domain.ArtifactMeta{}, domain.NewInvalidUploadTokenError(domain.TokenUnknown,
			domain.NewDomainError(domain.ErrTypegraphNameMismatch, "token was issued for another typegraph", typegraphName))
	}

	hash, err := s.persistence.Save(ctx, body, sizeHint, storage.WithExpectedHash(meta.Hash))
	if err == nil && hash != meta.Hash {
		err = domain.NewArtifactError("save", hash, domain.ErrHashMismatch)
	}
	if err != nil {
		if errors.Is(err, domain.ErrHashMismatch) {
			s.recordUpload(metrics.ResultRejected, 0)
			s.logger.Warn().
				Err(err).
				Str("typegraph", typegraphName).
				Str("expected_hash", meta.Hash).
				Msg("Upload rejected, hash mismatch")
			return domain.ArtifactMeta{}, domain.NewDomainError(domain.ErrHashMismatch, "uploaded content does not match the declared hash", meta.Hash)
		}
		s.recordUpload(metrics.ResultError, 0)
		return domain.ArtifactMeta{}, err
	}

	s.recordUpload(metrics.ResultOK, int64(meta.SizeInBytes))
	s.logger.Info().
		Str("typegraph", typegraphName).
		Str("path", meta.RelativePath).
		Str("hash", hash).
		Msg("Artifact uploaded")
	return meta, nil
}

func (s *ArtifactStore) recordUpload(result string, bytes int64) {
	if s.metrics != nil {
		s.metrics.RecordUpload(result, bytes)
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Close tears down the ref counter, the upload endpoints and persistence,
// in that order. It is safe to call more than once.
func (s *ArtifactStore) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = errors.Join(
			s.refCounter.Close(),
			s.uploads.Close(),
			s.persistence.Close(),
		)
		if s.closeErr != nil {
			s.logger.Error().Err(s.closeErr).Msg("Artifact store closed with errors")
			return
		}
		s.logger.Info().Msg("Artifact store closed")
	})
	return s.closeErr
}
