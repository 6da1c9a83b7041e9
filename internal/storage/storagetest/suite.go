// Package storagetest provides a contract test suite for storage.Persistence
// implementations. Every backend runs the same suite so they stay
// interchangeable.
package storagetest

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/artifact-store/internal/domain"
	"github.com/prn-tf/artifact-store/internal/pkg/crypto"
	"github.com/prn-tf/artifact-store/internal/storage"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) storage.Persistence

// RunPersistenceSuite runs the persistence contract against backends from newBackend.
func RunPersistenceSuite(t *testing.T, newBackend Factory) {
	t.Run("SaveFetchRoundTrip", func(t *testing.T) {
		testRoundTrip(t, newBackend(t))
	})
	t.Run("SaveIsIdempotent", func(t *testing.T) {
		testIdempotentSave(t, newBackend(t))
	})
	t.Run("ConcurrentSaveSameContent", func(t *testing.T) {
		testConcurrentSave(t, newBackend(t))
	})
	t.Run("HasAndDelete", func(t *testing.T) {
		testHasAndDelete(t, newBackend(t))
	})
	t.Run("FetchMissing", func(t *testing.T) {
		testFetchMissing(t, newBackend(t))
	})
	t.Run("ExpectedHash", func(t *testing.T) {
		testExpectedHash(t, newBackend(t))
	})
	t.Run("MismatchKeepsStoredBlob", func(t *testing.T) {
		testMismatchKeepsStoredBlob(t, newBackend(t))
	})
	t.Run("RejectsInvalidHash", func(t *testing.T) {
		testRejectsInvalidHash(t, newBackend(t))
	})
	t.Run("CloseIsIdempotent", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Close())
		require.NoError(t, b.Close())
	})
}

func testRoundTrip(t *testing.T, b storage.Persistence) {
	ctx := context.Background()

	payloads := map[string][]byte{
		"empty": {},
		"small": []byte("hello"),
		"large": randomBytes(t, 3<<20),
	}

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			hash, err := b.Save(ctx, bytes.NewReader(payload), int64(len(payload)))
			require.NoError(t, err)
			require.Equal(t, crypto.ComputeSHA256(payload), hash)

			p, err := b.Fetch(ctx, hash)
			require.NoError(t, err)
			require.True(t, strings.HasPrefix(p, b.Dirs().Cache), "fetched path %s must be inside the cache dir", p)

			got, err := os.ReadFile(p)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(payload, got), "fetched content differs from saved content")
		})
	}
}

func testIdempotentSave(t *testing.T, b storage.Persistence) {
	ctx := context.Background()
	payload := []byte("same bytes twice")

	h1, err := b.Save(ctx, bytes.NewReader(payload), -1)
	require.NoError(t, err)
	h2, err := b.Save(ctx, bytes.NewReader(payload), -1)
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	ok, err := b.Has(ctx, h1)
	require.NoError(t, err)
	assert.True(t, ok)

	p, err := b.Fetch(ctx, h1)
	require.NoError(t, err)
	got, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func testConcurrentSave(t *testing.T, b storage.Persistence) {
	ctx := context.Background()
	payload := randomBytes(t, 256<<10)
	want := crypto.ComputeSHA256(payload)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hash, err := b.Save(ctx, bytes.NewReader(payload), int64(len(payload)))
			if err == nil && hash != want {
				err = assert.AnError
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	p, err := b.Fetch(ctx, want)
	require.NoError(t, err)
	got, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func testHasAndDelete(t *testing.T, b storage.Persistence) {
	ctx := context.Background()
	payload := []byte("to be deleted")
	hash := crypto.ComputeSHA256(payload)

	ok, err := b.Has(ctx, hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.Save(ctx, bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)

	ok, err = b.Has(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, b.Delete(ctx, hash))
	require.NoError(t, b.Delete(ctx, hash), "delete must be idempotent")

	ok, err = b.Has(ctx, hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testFetchMissing(t *testing.T, b storage.Persistence) {
	_, err := b.Fetch(context.Background(), crypto.ComputeSHA256([]byte("never saved")))
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err), "expected not found, got %v", err)
}

func testExpectedHash(t *testing.T, b storage.Persistence) {
	ctx := context.Background()
	payload := []byte("declared content")
	want := crypto.ComputeSHA256(payload)

	for _, sizeHint := range []int64{int64(len(payload)), -1} {
		hash, err := b.Save(ctx, bytes.NewReader(payload), sizeHint, storage.WithExpectedHash(want))
		require.NoError(t, err)
		assert.Equal(t, want, hash)
	}
}

func testMismatchKeepsStoredBlob(t *testing.T, b storage.Persistence) {
	ctx := context.Background()

	live := []byte("live content")
	liveHash, err := b.Save(ctx, bytes.NewReader(live), int64(len(live)))
	require.NoError(t, err)

	declared := crypto.ComputeSHA256([]byte("declared content"))

	for _, sizeHint := range []int64{int64(len(live)), -1} {
		_, err := b.Save(ctx, bytes.NewReader(live), sizeHint, storage.WithExpectedHash(declared))
		require.ErrorIs(t, err, domain.ErrHashMismatch)

		ok, err := b.Has(ctx, liveHash)
		require.NoError(t, err)
		assert.True(t, ok, "stored blob must survive a mismatched save")

		ok, err = b.Has(ctx, declared)
		require.NoError(t, err)
		assert.False(t, ok)
	}

	p, err := b.Fetch(ctx, liveHash)
	require.NoError(t, err)
	got, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, live, got)

	// A mismatched save of new content leaves nothing behind either.
	fresh := []byte("never committed")
	_, err = b.Save(ctx, bytes.NewReader(fresh), -1, storage.WithExpectedHash(declared))
	require.ErrorIs(t, err, domain.ErrHashMismatch)
	ok, err := b.Has(ctx, crypto.ComputeSHA256(fresh))
	require.NoError(t, err)
	assert.False(t, ok)
}

func testRejectsInvalidHash(t *testing.T, b storage.Persistence) {
	ctx := context.Background()

	victim := filepath.Join(b.Dirs().Cache, "..", "victim")
	require.NoError(t, os.WriteFile(victim, []byte("outside the cache"), 0o644))

	for _, hash := range []string{"../victim", "", "ABC", strings.Repeat("g", 64)} {
		_, err := b.Has(ctx, hash)
		assert.ErrorIs(t, err, domain.ErrInvalidHash, "has %q", hash)

		err = b.Delete(ctx, hash)
		assert.ErrorIs(t, err, domain.ErrInvalidHash, "delete %q", hash)

		_, err = b.Fetch(ctx, hash)
		assert.ErrorIs(t, err, domain.ErrInvalidHash, "fetch %q", hash)
	}

	ok, err := storage.FileExists(victim)
	require.NoError(t, err)
	assert.True(t, ok)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}
