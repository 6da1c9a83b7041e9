package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/prn-tf/artifact-store/internal/repository"
)

// takeScript reads and deletes a key in one step so two concurrent uploads
// can never both redeem the same token.
// KEYS[1] = token key
var takeScript = goredis.NewScript(`
local value = redis.call("GET", KEYS[1])
if value then
    redis.call("DEL", KEYS[1])
end
return value
`)

// UploadURLStore implements repository.UploadURLStore with expiring keys.
type UploadURLStore struct {
	client    goredis.UniversalClient
	logger    zerolog.Logger
	closeOnce sync.Once
	closeErr  error
}

// NewUploadURLStore creates an UploadURLStore that owns client.
func NewUploadURLStore(client goredis.UniversalClient, logger zerolog.Logger) *UploadURLStore {
	return &UploadURLStore{
		client: client,
		logger: logger.With().Str("component", "upload_urls.redis").Logger(),
	}
}

// Put runs SET key meta PX ttl.
func (s *UploadURLStore) Put(ctx context.Context, token string, meta []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, repository.UploadURLKey(token), meta, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store upload token: %w", err)
	}
	return nil
}

// Take runs takeScript.
func (s *UploadURLStore) Take(ctx context.Context, token string) ([]byte, error) {
	res, err := takeScript.Run(ctx, s.client, []string{repository.UploadURLKey(token)}).Text()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to take upload token: %w", err)
	}
	return []byte(res), nil
}

// Close closes the client once.
func (s *UploadURLStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

// Ensure UploadURLStore implements repository.UploadURLStore.
var _ repository.UploadURLStore = (*UploadURLStore)(nil)
