// Package storage defines the persistence contract for artifact blobs.
package storage

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/prn-tf/artifact-store/internal/domain"
)

// Object store key layout.
const (
	// ObjectCachePrefix is the key prefix of permanent blobs.
	ObjectCachePrefix = "artifacts-cache"

	// ObjectTempPrefix is the key prefix of in-flight uploads.
	ObjectTempPrefix = "artifacts-cache/tmp"
)

// ObjectKey returns the permanent object key for a hash.
//
// Example:
//
//	prefix: "prod/"
//	hash: "abcdef..."
//	result: "prod/artifacts-cache/abcdef..."
func ObjectKey(prefix, hash string) string {
	return prefix + path.Join(ObjectCachePrefix, hash)
}

// TempObjectKey returns the object key for an in-flight upload.
func TempObjectKey(prefix, id string) string {
	return prefix + path.Join(ObjectTempPrefix, id)
}

// EnsureDirs creates the cache, temp and artifacts directories.
func EnsureDirs(dirs domain.Dirs) error {
	for _, dir := range []string{dirs.Cache, dirs.Temp, dirs.Artifacts} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// WriteFileAtomic copies r into a temp file under tempDir, syncs it and
// renames it to dst. Readers of dst never observe a partial file.
// Returns the number of bytes written.
func WriteFileAtomic(tempDir, dst string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(tempDir, "write-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return n, err
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return n, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}

// FileExists reports whether a regular file exists at p.
func FileExists(p string) (bool, error) {
	info, err := os.Stat(p)
	if err == nil {
		return info.Mode().IsRegular(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
