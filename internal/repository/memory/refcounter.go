package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/prn-tf/artifact-store/internal/repository"
)

// RefCounter implements repository.RefCounter using a mutex-guarded map.
type RefCounter struct {
	mu     sync.Mutex
	scores map[string]int64
}

// NewRefCounter creates an empty RefCounter.
func NewRefCounter() *RefCounter {
	return &RefCounter{scores: make(map[string]int64)}
}

// Increment adds one to the score of hash.
func (r *RefCounter) Increment(ctx context.Context, hash string) error {
	return r.add(hash, 1)
}

// Decrement subtracts one from the score of hash.
func (r *RefCounter) Decrement(ctx context.Context, hash string) error {
	return r.add(hash, -1)
}

func (r *RefCounter) add(hash string, delta int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.scores[hash] += delta
	return nil
}

// TakeGarbage removes and returns every hash with a score of zero or less.
// The result is sorted so callers see a stable order.
func (r *RefCounter) TakeGarbage(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var garbage []string
	for hash, score := range r.scores {
		if score <= 0 {
			garbage = append(garbage, hash)
			delete(r.scores, hash)
		}
	}
	sort.Strings(garbage)
	return garbage, nil
}

// ResetAll removes every entry.
func (r *RefCounter) ResetAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.scores = make(map[string]int64)
	return nil
}

// Score returns the current score of hash. Used by tests and the admin CLI.
func (r *RefCounter) Score(hash string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.scores[hash]
}

// Close is a no-op; the map lives as long as the process.
func (r *RefCounter) Close() error {
	return nil
}

// Ensure RefCounter implements repository.RefCounter.
var _ repository.RefCounter = (*RefCounter)(nil)
