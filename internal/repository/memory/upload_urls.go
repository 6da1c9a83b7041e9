// Package memory provides in-process coordination stores.
// They are suitable for single-node deployments where neither Redis nor a
// database is available, and are NOT shared between instances.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/prn-tf/artifact-store/internal/repository"
)

// DefaultCleanupInterval is how often expired upload tokens are purged.
const DefaultCleanupInterval = time.Minute

// UploadURLStore implements repository.UploadURLStore using an in-memory map.
type UploadURLStore struct {
	mu      sync.Mutex
	items   map[string]*uploadItem
	now     func() time.Time
	stopCh  chan struct{}
	stopped bool
}

// uploadItem represents a single stored token.
type uploadItem struct {
	meta      []byte
	expiresAt time.Time
}

// NewUploadURLStore creates a new in-memory upload URL store and starts its
// cleanup goroutine.
func NewUploadURLStore(cleanupInterval time.Duration) *UploadURLStore {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	s := &UploadURLStore{
		items:  make(map[string]*uploadItem),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}

	go s.cleanupLoop(cleanupInterval)

	return s
}

// cleanupLoop periodically removes expired tokens.
func (s *UploadURLStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes expired tokens.
func (s *UploadURLStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, item := range s.items {
		if !now.Before(item.expiresAt) {
			delete(s.items, key)
		}
	}
}

// Put stores meta under token until ttl elapses.
func (s *UploadURLStore) Put(ctx context.Context, token string, meta []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return repository.ErrClosed
	}

	// Make a copy of the value.
	metaCopy := make([]byte, len(meta))
	copy(metaCopy, meta)

	s.items[repository.UploadURLKey(token)] = &uploadItem{
		meta:      metaCopy,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Take reads and deletes the entry for token under one lock.
func (s *UploadURLStore) Take(ctx context.Context, token string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, repository.ErrClosed
	}

	key := repository.UploadURLKey(token)
	item, exists := s.items[key]
	if !exists {
		return nil, repository.ErrNotFound
	}
	delete(s.items, key)

	if !s.now().Before(item.expiresAt) {
		return nil, repository.ErrNotFound
	}
	return item.meta, nil
}

// Close stops the cleanup goroutine.
func (s *UploadURLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stopped {
		close(s.stopCh)
		s.stopped = true
	}
	return nil
}

// Ensure UploadURLStore implements repository.UploadURLStore.
var _ repository.UploadURLStore = (*UploadURLStore)(nil)
