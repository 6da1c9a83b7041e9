package filesystem

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/artifact-store/internal/domain"
	"github.com/prn-tf/artifact-store/internal/storage"
	"github.com/prn-tf/artifact-store/internal/storage/storagetest"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(domain.NewDirs(t.TempDir()), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBackend_Contract(t *testing.T) {
	storagetest.RunPersistenceSuite(t, func(t *testing.T) storage.Persistence {
		return newTestBackend(t)
	})
}

func TestNew_CreatesDirs(t *testing.T) {
	b := newTestBackend(t)

	for _, dir := range []string{b.Dirs().Cache, b.Dirs().Temp, b.Dirs().Artifacts} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestSave_LeavesNoTempFiles(t *testing.T) {
	b := newTestBackend(t)

	hash, err := b.Save(context.Background(), bytes.NewReader([]byte("hello")), 5)
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", hash)
	assert.Equal(t, filepath.Join(b.Dirs().Cache, hash), b.Dirs().CachePath(hash))

	entries, err := os.ReadDir(b.Dirs().Temp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSave_CanceledContext(t *testing.T) {
	b := newTestBackend(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Save(ctx, bytes.NewReader([]byte("hello")), 5)
	require.ErrorIs(t, err, context.Canceled)
}
