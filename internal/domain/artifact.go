// Package domain contains the core entities of the artifact store.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ArtifactMeta describes an artifact referenced by a typegraph.
// Identity for storage purposes is Hash alone; TypegraphName and RelativePath
// only describe where the bytes appear in a deployment's local artifact tree.
type ArtifactMeta struct {
	// TypegraphName is the typegraph the artifact was uploaded for.
	TypegraphName string `json:"typegraphName"`

	// RelativePath is the path of the artifact relative to the typegraph root.
	RelativePath string `json:"relativePath"`

	// Hash is the SHA-256 digest of the content (64 lowercase hex characters).
	Hash string `json:"hash"`

	// SizeInBytes is the declared size of the content.
	SizeInBytes uint64 `json:"sizeInBytes"`
}

// Validate checks the hash format and rejects names or paths that would
// escape the materialized artifact tree.
func (m ArtifactMeta) Validate() error {
	if !IsValidHash(m.Hash) {
		return NewDomainError(ErrInvalidArtifactMeta, "hash must be 64 lowercase hex characters", m.Hash)
	}
	if m.TypegraphName == "" || strings.ContainsAny(m.TypegraphName, `/\`) || m.TypegraphName == "." || m.TypegraphName == ".." {
		return NewDomainError(ErrInvalidArtifactMeta, "invalid typegraph name", m.TypegraphName)
	}
	if !isLocalPath(m.RelativePath) {
		return NewDomainError(ErrInvalidArtifactMeta, "relative path must stay inside the typegraph root", m.RelativePath)
	}
	return nil
}

// isLocalPath reports whether p is a non-empty relative slash path that
// does not climb above its root.
func isLocalPath(p string) bool {
	if p == "" || strings.Contains(p, `\`) || path.IsAbs(p) {
		return false
	}
	clean := path.Clean(p)
	return clean != "." && clean != ".." && !strings.HasPrefix(clean, "../")
}

// IsValidHash reports whether s is a lowercase hex SHA-256 digest.
func IsValidHash(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// ParentDirHash computes the directory hash shared by an entry point and its
// dependencies. The metas are sorted by relative path so the result does not
// depend on the order the caller listed the dependencies in.
func ParentDirHash(entry ArtifactMeta, deps []ArtifactMeta) string {
	all := make([]ArtifactMeta, 0, len(deps)+1)
	all = append(all, entry)
	all = append(all, deps...)
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].RelativePath != all[j].RelativePath {
			return all[i].RelativePath < all[j].RelativePath
		}
		return all[i].Hash < all[j].Hash
	})

	h := sha256.New()
	for _, m := range all {
		// ArtifactMeta has only string and integer fields, Marshal cannot fail.
		b, _ := json.Marshal(m)
		h.Write(b)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Dirs are the local directories used by a persistence backend.
type Dirs struct {
	// Cache holds one file per content hash.
	Cache string

	// Temp holds in-flight writes before they are renamed into Cache.
	Temp string

	// Artifacts holds the hard-linked views per parent directory hash.
	Artifacts string
}

// NewDirs returns the default layout under a base directory.
func NewDirs(baseDir string) Dirs {
	return Dirs{
		Cache:     filepath.Join(baseDir, "cache"),
		Temp:      filepath.Join(baseDir, "tmp"),
		Artifacts: filepath.Join(baseDir, "artifacts"),
	}
}

// CachePath returns the canonical blob path for a hash.
func (d Dirs) CachePath(hash string) string {
	return filepath.Join(d.Cache, hash)
}

// InlinePath returns the path of an inline artifact.
func (d Dirs) InlinePath(typegraphName, hash, ext string) string {
	return filepath.Join(d.Cache, "inline", typegraphName, hash+ext)
}

// ArtifactPath returns the materialized path of an artifact under a parent directory hash.
func (d Dirs) ArtifactPath(parentDirHash string, meta ArtifactMeta) string {
	return filepath.Join(d.Artifacts, parentDirHash, meta.TypegraphName, filepath.FromSlash(meta.RelativePath))
}

// String is used in log lines.
func (d Dirs) String() string {
	return fmt.Sprintf("cache=%s temp=%s artifacts=%s", d.Cache, d.Temp, d.Artifacts)
}
