package redis

import (
	"context"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/prn-tf/artifact-store/internal/repository"
)

// takeGarbageScript reads and removes the non-positive range in one step.
// The range is evaluated inside the script, so an increment landing before
// it runs keeps its entry and one landing after it recreates the entry.
// KEYS[1] = sorted set key
var takeGarbageScript = goredis.NewScript(`
local hashes = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", 0)
if #hashes > 0 then
    redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", 0)
end
return hashes
`)

// RefCounter implements repository.RefCounter on a Redis sorted set.
type RefCounter struct {
	client    goredis.UniversalClient
	key       string
	logger    zerolog.Logger
	closeOnce sync.Once
	closeErr  error
}

// NewRefCounter creates a RefCounter that owns client.
func NewRefCounter(client goredis.UniversalClient, logger zerolog.Logger) *RefCounter {
	return &RefCounter{
		client: client,
		key:    repository.RefCountsKey,
		logger: logger.With().Str("component", "refcounter.redis").Logger(),
	}
}

// Increment runs ZINCRBY +1.
func (r *RefCounter) Increment(ctx context.Context, hash string) error {
	if err := r.client.ZIncrBy(ctx, r.key, 1, hash).Err(); err != nil {
		return fmt.Errorf("failed to increment ref count of %s: %w", hash, err)
	}
	return nil
}

// Decrement runs ZINCRBY -1.
func (r *RefCounter) Decrement(ctx context.Context, hash string) error {
	if err := r.client.ZIncrBy(ctx, r.key, -1, hash).Err(); err != nil {
		return fmt.Errorf("failed to decrement ref count of %s: %w", hash, err)
	}
	return nil
}

// TakeGarbage runs takeGarbageScript.
func (r *RefCounter) TakeGarbage(ctx context.Context) ([]string, error) {
	res, err := takeGarbageScript.Run(ctx, r.client, []string{r.key}).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to take garbage: %w", err)
	}
	if len(res) > 0 {
		r.logger.Debug().Int("count", len(res)).Msg("took garbage")
	}
	return res, nil
}

// ResetAll deletes the sorted set.
func (r *RefCounter) ResetAll(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("failed to reset ref counts: %w", err)
	}
	r.logger.Warn().Msg("all ref counts reset")
	return nil
}

// Close closes the client once.
func (r *RefCounter) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.client.Close()
	})
	return r.closeErr
}

// Ensure RefCounter implements repository.RefCounter.
var _ repository.RefCounter = (*RefCounter)(nil)
