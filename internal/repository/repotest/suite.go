// Package repotest provides contract test suites for the coordination stores.
// Every backend runs the same suites so they stay interchangeable.
package repotest

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/artifact-store/internal/repository"
)

const (
	hashA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hashB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	hashC = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
)

// RunRefCounterSuite runs the RefCounter contract against stores from newStore.
// Each subtest gets a fresh, empty store.
func RunRefCounterSuite(t *testing.T, newStore func(t *testing.T) repository.RefCounter) {
	t.Run("RedeployScenario", func(t *testing.T) {
		rc := newStore(t)
		ctx := context.Background()

		// Deploy {A, B}.
		require.NoError(t, rc.Increment(ctx, hashA))
		require.NoError(t, rc.Increment(ctx, hashB))

		// Redeploy with {A, C}: A is in both sets and is skipped by the caller.
		require.NoError(t, rc.Increment(ctx, hashC))
		require.NoError(t, rc.Decrement(ctx, hashB))

		garbage, err := rc.TakeGarbage(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{hashB}, garbage)
	})

	t.Run("TakeGarbageSkipsPositive", func(t *testing.T) {
		rc := newStore(t)
		ctx := context.Background()

		require.NoError(t, rc.Increment(ctx, hashA))
		require.NoError(t, rc.Increment(ctx, hashA))
		require.NoError(t, rc.Decrement(ctx, hashA))

		garbage, err := rc.TakeGarbage(ctx)
		require.NoError(t, err)
		assert.Empty(t, garbage)
	})

	t.Run("TakeGarbageRemovesTakenEntries", func(t *testing.T) {
		rc := newStore(t)
		ctx := context.Background()

		require.NoError(t, rc.Increment(ctx, hashA))
		require.NoError(t, rc.Decrement(ctx, hashA))
		require.NoError(t, rc.Increment(ctx, hashB))
		require.NoError(t, rc.Decrement(ctx, hashB))

		garbage, err := rc.TakeGarbage(ctx)
		require.NoError(t, err)
		sort.Strings(garbage)
		assert.Equal(t, []string{hashA, hashB}, garbage)

		garbage, err = rc.TakeGarbage(ctx)
		require.NoError(t, err)
		assert.Empty(t, garbage)
	})

	t.Run("IncrementAfterTakeIsNotLost", func(t *testing.T) {
		rc := newStore(t)
		ctx := context.Background()

		require.NoError(t, rc.Increment(ctx, hashA))
		require.NoError(t, rc.Decrement(ctx, hashA))
		garbage, err := rc.TakeGarbage(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{hashA}, garbage)

		// A deploy re-references A right after the sweep.
		require.NoError(t, rc.Increment(ctx, hashA))
		garbage, err = rc.TakeGarbage(ctx)
		require.NoError(t, err)
		assert.Empty(t, garbage, "positive entry must survive the sweep")

		require.NoError(t, rc.Decrement(ctx, hashA))
		garbage, err = rc.TakeGarbage(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{hashA}, garbage)
	})

	t.Run("DecrementAbsentIsGarbage", func(t *testing.T) {
		rc := newStore(t)
		ctx := context.Background()

		require.NoError(t, rc.Decrement(ctx, hashC))
		garbage, err := rc.TakeGarbage(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{hashC}, garbage)
	})

	t.Run("ConcurrentUpdates", func(t *testing.T) {
		rc := newStore(t)
		ctx := context.Background()

		const n = 25
		var wg sync.WaitGroup
		errs := make(chan error, 2*n)
		for i := 0; i < n; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				errs <- rc.Increment(ctx, hashA)
			}()
			go func() {
				defer wg.Done()
				errs <- rc.Increment(ctx, hashB)
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		for i := 0; i < n-1; i++ {
			require.NoError(t, rc.Decrement(ctx, hashA))
		}
		for i := 0; i < n; i++ {
			require.NoError(t, rc.Decrement(ctx, hashB))
		}

		garbage, err := rc.TakeGarbage(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{hashB}, garbage, "A keeps one reference")
	})

	t.Run("ResetAll", func(t *testing.T) {
		rc := newStore(t)
		ctx := context.Background()

		require.NoError(t, rc.Decrement(ctx, hashA))
		require.NoError(t, rc.ResetAll(ctx))

		garbage, err := rc.TakeGarbage(ctx)
		require.NoError(t, err)
		assert.Empty(t, garbage)
	})

	t.Run("CloseIsIdempotent", func(t *testing.T) {
		rc := newStore(t)
		require.NoError(t, rc.Close())
		require.NoError(t, rc.Close())
	})
}

// RunUploadURLStoreSuite runs the UploadURLStore contract against stores from newStore.
// advance moves the store's clock forward; nil means real time (time.Sleep).
func RunUploadURLStoreSuite(t *testing.T, newStore func(t *testing.T) repository.UploadURLStore, advance func(d time.Duration)) {
	if advance == nil {
		advance = time.Sleep
	}

	t.Run("TakeOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		token := uuid.NewString()

		require.NoError(t, s.Put(ctx, token, []byte(`{"hash":"x"}`), time.Minute))

		got, err := s.Take(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, `{"hash":"x"}`, string(got))

		_, err = s.Take(ctx, token)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("TakeUnknown", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Take(context.Background(), uuid.NewString())
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("TakeExpired", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		token := uuid.NewString()

		require.NoError(t, s.Put(ctx, token, []byte("meta"), 50*time.Millisecond))
		advance(200 * time.Millisecond)

		_, err := s.Take(ctx, token)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("TokensAreIndependent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		t1, t2 := uuid.NewString(), uuid.NewString()

		require.NoError(t, s.Put(ctx, t1, []byte("one"), time.Minute))
		require.NoError(t, s.Put(ctx, t2, []byte("two"), time.Minute))

		got, err := s.Take(ctx, t2)
		require.NoError(t, err)
		assert.Equal(t, "two", string(got))

		got, err = s.Take(ctx, t1)
		require.NoError(t, err)
		assert.Equal(t, "one", string(got))
	})

	t.Run("ConcurrentTakeRedeemsOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		token := uuid.NewString()
		require.NoError(t, s.Put(ctx, token, []byte("meta"), time.Minute))

		const callers = 20
		var wins, misses atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Take(ctx, token)
				switch {
				case err == nil:
					wins.Add(1)
				case assert.ErrorIs(t, err, repository.ErrNotFound):
					misses.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(callers-1), misses.Load())
	})

	t.Run("CloseIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())
	})
}
