package service

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/artifact-store/internal/domain"
	"github.com/prn-tf/artifact-store/internal/metrics"
	"github.com/prn-tf/artifact-store/internal/pkg/crypto"
	"github.com/prn-tf/artifact-store/internal/repository/memory"
	"github.com/prn-tf/artifact-store/internal/storage"
)

// =============================================================================
// GetLocalPath
// =============================================================================

func TestGetLocalPath_MaterializesTree(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entry := env.save(t, "tg", "src/main.py", "import util")
	dep := env.save(t, "tg", "src/util.py", "def f(): pass")

	p, err := env.store.GetLocalPath(ctx, entry, []domain.ArtifactMeta{dep})
	require.NoError(t, err)

	parentDirHash := domain.ParentDirHash(entry, []domain.ArtifactMeta{dep})
	dirs := env.store.Dirs()
	assert.Equal(t, filepath.Join(dirs.Artifacts, parentDirHash, "tg", "src", "main.py"), p)

	got, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "import util", string(got))

	got, err = os.ReadFile(filepath.Join(filepath.Dir(p), "util.py"))
	require.NoError(t, err)
	assert.Equal(t, "def f(): pass", string(got))

	// Hard link, not a copy.
	cacheInfo, err := os.Stat(dirs.CachePath(entry.Hash))
	require.NoError(t, err)
	linkInfo, err := os.Stat(p)
	require.NoError(t, err)
	assert.True(t, os.SameFile(cacheInfo, linkInfo))
}

func TestGetLocalPath_DependencyOrderDoesNotMatter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entry := env.save(t, "tg", "main.py", "main")
	a := env.save(t, "tg", "a.py", "a")
	b := env.save(t, "tg", "b.py", "b")

	p1, err := env.store.GetLocalPath(ctx, entry, []domain.ArtifactMeta{a, b})
	require.NoError(t, err)
	p2, err := env.store.GetLocalPath(ctx, entry, []domain.ArtifactMeta{b, a})
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}

func TestGetLocalPath_ConcurrentCallsLinkOnce(t *testing.T) {
	env := newTestEnv(t)
	entry := env.save(t, "tg", "main.py", "concurrent")

	var links atomic.Int32
	env.store.link = func(oldname, newname string) error {
		links.Add(1)
		// Widen the window for racing callers.
		time.Sleep(20 * time.Millisecond)
		return os.Link(oldname, newname)
	}

	const callers = 100
	var wg sync.WaitGroup
	paths := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = env.store.GetLocalPath(context.Background(), entry, nil)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, paths[0], paths[i])
	}
	assert.Equal(t, int32(1), links.Load())
}

func TestGetLocalPath_CanceledCallerDoesNotFailWaiters(t *testing.T) {
	env := newTestEnv(t)
	entry := env.save(t, "tg", "main.py", "shared resolution")

	started := make(chan struct{})
	release := make(chan struct{})
	var links atomic.Int32
	env.store.link = func(oldname, newname string) error {
		if links.Add(1) == 1 {
			close(started)
		}
		<-release
		return os.Link(oldname, newname)
	}

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := env.store.GetLocalPath(firstCtx, entry, nil)
		firstErr <- err
	}()
	<-started

	type result struct {
		path string
		err  error
	}
	waiter := make(chan result, 1)
	go func() {
		p, err := env.store.GetLocalPath(context.Background(), entry, nil)
		waiter <- result{p, err}
	}()

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	close(release)

	got := <-waiter
	require.NoError(t, got.err)
	content, err := os.ReadFile(got.path)
	require.NoError(t, err)
	assert.Equal(t, "shared resolution", string(content))
	assert.Equal(t, int32(1), links.Load())
}

func TestGetLocalPath_FailureIsRetried(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	meta := newMeta("tg", "late.py", "uploaded later", "")

	_, err := env.store.GetLocalPath(ctx, meta, nil)
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err))

	env.save(t, "tg", "late.py", "uploaded later")

	p, err := env.store.GetLocalPath(ctx, meta, nil)
	require.NoError(t, err)
	got, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "uploaded later", string(got))
}

func TestGetLocalPath_AcceptsExistingLink(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	entry := env.save(t, "tg", "main.py", "linked before restart")

	p1, err := env.store.GetLocalPath(ctx, entry, nil)
	require.NoError(t, err)

	// A second store over the same directories has an empty memo.
	restarted := NewArtifactStore(env.persistence, env.store.uploads, env.refCounter, nil, zerolog.Nop())
	p2, err := restarted.GetLocalPath(ctx, entry, nil)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}

func TestGetLocalPath_RejectsInvalidMeta(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	entry := env.save(t, "tg", "main.py", "main")

	tests := []struct {
		name  string
		entry domain.ArtifactMeta
		deps  []domain.ArtifactMeta
	}{
		{name: "absolute path", entry: newMeta("tg", "/etc/passwd", "x", "")},
		{name: "bad hash", entry: domain.ArtifactMeta{TypegraphName: "tg", RelativePath: "a.py", Hash: "xyz"}},
		{name: "escaping dependency", entry: entry, deps: []domain.ArtifactMeta{newMeta("tg", "../../x", "x", "")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.store.GetLocalPath(ctx, tt.entry, tt.deps)
			require.ErrorIs(t, err, domain.ErrInvalidArtifactMeta)
		})
	}
}

// =============================================================================
// UpdateRefCounts
// =============================================================================

func TestUpdateRefCounts_Redeploy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	hashA := crypto.ComputeSHA256([]byte("a"))
	hashB := crypto.ComputeSHA256([]byte("b"))
	hashC := crypto.ComputeSHA256([]byte("c"))

	require.NoError(t, env.store.UpdateRefCounts(ctx, []string{hashA, hashB}, nil))
	require.NoError(t, env.store.UpdateRefCounts(ctx, []string{hashA, hashC}, []string{hashA, hashB}))

	assert.Equal(t, int64(1), env.refCounter.Score(hashA))
	assert.Equal(t, int64(0), env.refCounter.Score(hashB))
	assert.Equal(t, int64(1), env.refCounter.Score(hashC))
}

func TestUpdateRefCounts_DuplicatesCountOnce(t *testing.T) {
	env := newTestEnv(t)
	hash := crypto.ComputeSHA256([]byte("dup"))

	require.NoError(t, env.store.UpdateRefCounts(context.Background(), []string{hash, hash, hash}, nil))
	assert.Equal(t, int64(1), env.refCounter.Score(hash))
}

func TestUpdateRefCounts_WaitsForAllAndReturnsError(t *testing.T) {
	ok := crypto.ComputeSHA256([]byte("ok"))
	bad := crypto.ComputeSHA256([]byte("bad"))
	old := crypto.ComputeSHA256([]byte("old"))

	refCounter := &mockRefCounter{}
	refCounter.On("Increment", mock.Anything, ok).Return(nil).Once()
	refCounter.On("Increment", mock.Anything, bad).Return(errors.New("connection reset")).Once()
	refCounter.On("Decrement", mock.Anything, old).Return(nil).Once()

	store := NewArtifactStore(&mockPersistence{}, nil, refCounter, nil, zerolog.Nop())

	err := store.UpdateRefCounts(context.Background(), []string{ok, bad}, []string{old})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	refCounter.AssertExpectations(t)
}

func TestUpdateRefCounts_RejectsInvalidHashes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	victim := filepath.Join(env.store.Dirs().Cache, "..", "victim")
	require.NoError(t, os.WriteFile(victim, []byte("not an artifact"), 0o644))

	valid := crypto.ComputeSHA256([]byte("valid"))

	tests := []struct {
		name    string
		added   []string
		removed []string
	}{
		{name: "path escape in removed", removed: []string{"../victim"}},
		{name: "path escape in added", added: []string{valid, "../victim"}},
		{name: "uppercase digest", added: []string{strings.ToUpper(valid)}},
		{name: "empty", removed: []string{""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.store.UpdateRefCounts(ctx, tt.added, tt.removed)
			require.ErrorIs(t, err, domain.ErrInvalidHash)
		})
	}

	// Nothing was counted, so nothing is collected.
	assert.Equal(t, int64(0), env.refCounter.Score(valid))
	result, err := env.store.RunArtifactGC(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, result.Collected)

	ok, err := storage.FileExists(victim)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunArtifactGC_InvalidHashIsNotDeleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	victim := filepath.Join(env.store.Dirs().Cache, "..", "victim")
	require.NoError(t, os.WriteFile(victim, []byte("not an artifact"), 0o644))

	// A hash written to the counter behind the store's back.
	require.NoError(t, env.refCounter.Decrement(ctx, "../victim"))

	result, err := env.store.RunArtifactGC(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Collected)
	assert.Zero(t, result.Deleted)
	assert.Equal(t, 1, result.Errors)

	ok, err := storage.FileExists(victim)
	require.NoError(t, err)
	assert.True(t, ok)
}

// =============================================================================
// RunArtifactGC
// =============================================================================

func TestRunArtifactGC_DeployRedeployScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	h1 := env.save(t, "t1", "v1.py", "version one")
	h2 := env.save(t, "t1", "v2.py", "version two")

	// Deploy T1 with h1.
	require.NoError(t, env.store.UpdateRefCounts(ctx, []string{h1.Hash}, nil))
	// Redeploy T1 with h2 only.
	require.NoError(t, env.store.UpdateRefCounts(ctx, []string{h2.Hash}, []string{h1.Hash}))

	result, err := env.store.RunArtifactGC(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Collected)
	assert.Equal(t, 1, result.Deleted)
	assert.Zero(t, result.Errors)

	ok, err := env.persistence.Has(ctx, h1.Hash)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = env.persistence.Has(ctx, h2.Hash)
	require.NoError(t, err)
	assert.True(t, ok)

	// Nothing left to collect.
	result, err = env.store.RunArtifactGC(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, result.Collected)

	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.GCDeletedTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(env.metrics.GCRunsTotal.WithLabelValues(metrics.ResultOK)))
}

func TestRunArtifactGC_FullIsNotImplemented(t *testing.T) {
	refCounter := &mockRefCounter{}
	store := NewArtifactStore(&mockPersistence{}, nil, refCounter, nil, zerolog.Nop())

	_, err := store.RunArtifactGC(context.Background(), true)
	require.ErrorIs(t, err, domain.ErrNotImplemented)
	refCounter.AssertNotCalled(t, "TakeGarbage", mock.Anything)
}

func TestRunArtifactGC_PartialFailure(t *testing.T) {
	persistence := &mockPersistence{}
	persistence.On("Delete", mock.Anything, "h1").Return(errors.New("access denied")).Once()
	persistence.On("Delete", mock.Anything, "h2").Return(nil).Once()
	persistence.On("Delete", mock.Anything, "h3").Return(nil).Once()

	refCounter := &mockRefCounter{}
	refCounter.On("TakeGarbage", mock.Anything).Return([]string{"h1", "h2", "h3"}, nil).Once()

	m := metrics.New("")
	store := NewArtifactStore(persistence, nil, refCounter, m, zerolog.Nop())

	result, err := store.RunArtifactGC(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Collected)
	assert.Equal(t, 2, result.Deleted)
	assert.Equal(t, 1, result.Errors)

	mock.AssertExpectationsForObjects(t, persistence, refCounter)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GCErrorsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GCRunsTotal.WithLabelValues(metrics.ResultError)))
}

func TestRunArtifactGC_TakeGarbageError(t *testing.T) {
	refCounter := &mockRefCounter{}
	refCounter.On("TakeGarbage", mock.Anything).Return(nil, errors.New("redis down")).Once()

	store := NewArtifactStore(&mockPersistence{}, nil, refCounter, nil, zerolog.Nop())

	_, err := store.RunArtifactGC(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
}

// =============================================================================
// GetInlineArtifact
// =============================================================================

func TestGetInlineArtifact(t *testing.T) {
	env := newTestEnv(t)

	calls := 0
	upper := func(s string) string {
		calls++
		return strings.ToUpper(s)
	}

	p, err := env.store.GetInlineArtifact("tg", "export default 1", ".ts", upper)
	require.NoError(t, err)

	hash := crypto.ComputeSHA256([]byte("export default 1"))
	assert.Equal(t, env.store.Dirs().InlinePath("tg", hash, ".ts"), p)

	got, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "EXPORT DEFAULT 1", string(got))

	// A cached file is not rewritten.
	p2, err := env.store.GetInlineArtifact("tg", "export default 1", ".ts", upper)
	require.NoError(t, err)
	assert.Equal(t, p, p2)
	assert.Equal(t, 1, calls)

	// Inline artifacts never reach the ref counter.
	assert.Equal(t, int64(0), env.refCounter.Score(hash))
}

func TestGetInlineArtifact_RejectsBadNames(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.store.GetInlineArtifact("../tg", "code", ".js", nil)
	require.ErrorIs(t, err, ErrInvalidTypegraphName)

	_, err = env.store.GetInlineArtifact("tg", "code", "/../../x", nil)
	require.ErrorIs(t, err, ErrInvalidExtension)
}

// =============================================================================
// UploadArtifact
// =============================================================================

func TestUploadArtifact(t *testing.T) {
	ctx := context.Background()
	content := []byte("artifact bytes")
	meta := newMeta("tg", "main.py", string(content), "")

	t.Run("success", func(t *testing.T) {
		env := newTestEnv(t)
		token, err := env.store.PrepareUpload(ctx, meta)
		require.NoError(t, err)

		got, err := env.store.UploadArtifact(ctx, "tg", *token, bytes.NewReader(content), int64(len(content)))
		require.NoError(t, err)
		assert.Equal(t, meta, got)

		ok, err := env.persistence.Has(ctx, meta.Hash)
		require.NoError(t, err)
		assert.True(t, ok)

		// The token is spent.
		_, err = env.store.UploadArtifact(ctx, "tg", *token, bytes.NewReader(content), int64(len(content)))
		require.ErrorIs(t, err, domain.ErrInvalidUploadToken)

		assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.UploadsTotal.WithLabelValues(metrics.ResultOK)))
	})

	t.Run("hash mismatch", func(t *testing.T) {
		env := newTestEnv(t)
		token, err := env.store.PrepareUpload(ctx, meta)
		require.NoError(t, err)

		tampered := []byte("something else")
		_, err = env.store.UploadArtifact(ctx, "tg", *token, bytes.NewReader(tampered), -1)
		require.ErrorIs(t, err, domain.ErrHashMismatch)

		for _, hash := range []string{meta.Hash, crypto.ComputeSHA256(tampered)} {
			ok, err := env.persistence.Has(ctx, hash)
			require.NoError(t, err)
			assert.False(t, ok)
		}
	})

	t.Run("mismatch keeps live artifact", func(t *testing.T) {
		env := newTestEnv(t)

		live := env.save(t, "tg", "live.py", "live content")
		require.NoError(t, env.store.UpdateRefCounts(ctx, []string{live.Hash}, nil))

		for _, sizeHint := range []int64{int64(len("live content")), -1} {
			token, err := env.store.PrepareUpload(ctx, meta)
			require.NoError(t, err)
			require.NotNil(t, token)

			_, err = env.store.UploadArtifact(ctx, "tg", *token, strings.NewReader("live content"), sizeHint)
			require.ErrorIs(t, err, domain.ErrHashMismatch)

			ok, err := env.persistence.Has(ctx, live.Hash)
			require.NoError(t, err)
			assert.True(t, ok, "referenced artifact must survive a mismatched upload")
		}

		p, err := env.store.GetLocalPath(ctx, live, nil)
		require.NoError(t, err)
		got, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, "live content", string(got))
		assert.Equal(t, float64(2), testutil.ToFloat64(env.metrics.UploadsTotal.WithLabelValues(metrics.ResultRejected)))
	})

	t.Run("other typegraph", func(t *testing.T) {
		env := newTestEnv(t)
		token, err := env.store.PrepareUpload(ctx, meta)
		require.NoError(t, err)

		_, err = env.store.UploadArtifact(ctx, "other", *token, bytes.NewReader(content), int64(len(content)))
		require.ErrorIs(t, err, domain.ErrInvalidUploadToken)
		kind, _ := domain.TokenErrorKindOf(err)
		assert.Equal(t, domain.TokenUnknown, kind)

		ok, err := env.persistence.Has(ctx, meta.Hash)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("save error", func(t *testing.T) {
		urls := memory.NewUploadURLStore(time.Minute)
		t.Cleanup(func() { _ = urls.Close() })
		persistence := &mockPersistence{dirs: domain.NewDirs(t.TempDir())}
		persistence.On("Has", mock.Anything, meta.Hash).Return(false, nil)
		persistence.On("Save", mock.Anything, mock.Anything, int64(len(content))).
			Return("", domain.NewArtifactError("save", "", errors.New("disk full")))

		uploads := NewUploadEndpoints(newTestIssuer(t), urls, nil, zerolog.Nop())
		store := NewArtifactStore(persistence, uploads, memory.NewRefCounter(), nil, zerolog.Nop())

		token, err := store.PrepareUpload(ctx, meta)
		require.NoError(t, err)

		_, err = store.UploadArtifact(ctx, "tg", *token, bytes.NewReader(content), int64(len(content)))
		var artErr *domain.ArtifactError
		require.ErrorAs(t, err, &artErr)
		persistence.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
	})
}

// =============================================================================
// Close
// =============================================================================

func TestClose_OrderAndIdempotence(t *testing.T) {
	var order []string

	refCounter := &mockRefCounter{}
	refCounter.On("Close").Run(func(mock.Arguments) { order = append(order, "refcounter") }).Return(nil).Once()

	persistence := &mockPersistence{}
	persistence.On("Close").Run(func(mock.Arguments) { order = append(order, "persistence") }).Return(errors.New("flush failed")).Once()

	urls := memory.NewUploadURLStore(time.Minute)
	uploads := NewUploadEndpoints(newTestIssuer(t), urls, nil, zerolog.Nop())

	store := NewArtifactStore(persistence, uploads, refCounter, nil, zerolog.Nop())

	err := store.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush failed")
	assert.Equal(t, []string{"refcounter", "persistence"}, order)

	// Second call returns the same result without closing anything again.
	assert.Equal(t, err, store.Close())
	mock.AssertExpectationsForObjects(t, refCounter, persistence)

	_, err = store.GetLocalPath(context.Background(), newMeta("tg", "a.py", "a", ""), nil)
	require.ErrorIs(t, err, ErrStoreClosed)
	require.ErrorIs(t, store.UpdateRefCounts(context.Background(), []string{"x"}, nil), ErrStoreClosed)
	_, err = store.PrepareUpload(context.Background(), newMeta("tg", "a.py", "a", ""))
	require.ErrorIs(t, err, ErrStoreClosed)
}
