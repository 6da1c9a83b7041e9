package service

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/artifact-store/internal/auth"
	"github.com/prn-tf/artifact-store/internal/domain"
	"github.com/prn-tf/artifact-store/internal/metrics"
	"github.com/prn-tf/artifact-store/internal/pkg/crypto"
	"github.com/prn-tf/artifact-store/internal/repository/memory"
	"github.com/prn-tf/artifact-store/internal/storage"
	"github.com/prn-tf/artifact-store/internal/storage/filesystem"
)

// =============================================================================
// Mock Types
// =============================================================================

type mockPersistence struct {
	mock.Mock
	dirs domain.Dirs
}

func (m *mockPersistence) Dirs() domain.Dirs {
	return m.dirs
}

func (m *mockPersistence) Save(ctx context.Context, r io.Reader, sizeHint int64, _ ...storage.SaveOption) (string, error) {
	args := m.Called(ctx, r, sizeHint)
	return args.String(0), args.Error(1)
}

func (m *mockPersistence) Has(ctx context.Context, hash string) (bool, error) {
	args := m.Called(ctx, hash)
	return args.Bool(0), args.Error(1)
}

func (m *mockPersistence) Delete(ctx context.Context, hash string) error {
	args := m.Called(ctx, hash)
	return args.Error(0)
}

func (m *mockPersistence) Fetch(ctx context.Context, hash string) (string, error) {
	args := m.Called(ctx, hash)
	return args.String(0), args.Error(1)
}

func (m *mockPersistence) Close() error {
	args := m.Called()
	return args.Error(0)
}

type mockRefCounter struct {
	mock.Mock
}

func (m *mockRefCounter) Increment(ctx context.Context, hash string) error {
	args := m.Called(ctx, hash)
	return args.Error(0)
}

func (m *mockRefCounter) Decrement(ctx context.Context, hash string) error {
	args := m.Called(ctx, hash)
	return args.Error(0)
}

func (m *mockRefCounter) TakeGarbage(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockRefCounter) ResetAll(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockRefCounter) Close() error {
	args := m.Called()
	return args.Error(0)
}

// =============================================================================
// Fixtures
// =============================================================================

const testSecret = "test-upload-secret"

type testEnv struct {
	store       *ArtifactStore
	persistence *filesystem.Backend
	refCounter  *memory.RefCounter
	urls        *memory.UploadURLStore
	metrics     *metrics.Metrics
}

func newTestIssuer(t *testing.T, opts ...auth.IssuerOption) *auth.TokenIssuer {
	t.Helper()
	issuer, err := auth.NewTokenIssuer(testSecret, 5*time.Minute, opts...)
	require.NoError(t, err)
	return issuer
}

// newTestEnv wires a store over a filesystem backend and in-memory coordination.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	persistence, err := filesystem.New(domain.NewDirs(t.TempDir()), zerolog.Nop())
	require.NoError(t, err)

	refCounter := memory.NewRefCounter()
	urls := memory.NewUploadURLStore(time.Minute)
	m := metrics.New("")

	uploads := NewUploadEndpoints(newTestIssuer(t), urls, m, zerolog.Nop())
	store := NewArtifactStore(persistence, uploads, refCounter, m, zerolog.Nop())
	t.Cleanup(func() { _ = store.Close() })

	return &testEnv{
		store:       store,
		persistence: persistence,
		refCounter:  refCounter,
		urls:        urls,
		metrics:     m,
	}
}

// save stores content directly and returns the meta describing it.
func (e *testEnv) save(t *testing.T, typegraph, relPath, content string) domain.ArtifactMeta {
	t.Helper()
	hash, err := e.persistence.Save(context.Background(), strings.NewReader(content), int64(len(content)))
	require.NoError(t, err)
	return newMeta(typegraph, relPath, content, hash)
}

func newMeta(typegraph, relPath, content, hash string) domain.ArtifactMeta {
	if hash == "" {
		hash = crypto.ComputeSHA256([]byte(content))
	}
	return domain.ArtifactMeta{
		TypegraphName: typegraph,
		RelativePath:  relPath,
		Hash:          hash,
		SizeInBytes:   uint64(len(content)),
	}
}

var _ storage.Persistence = (*mockPersistence)(nil)
