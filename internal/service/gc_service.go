package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ArtifactCollector runs one garbage collection sweep.
type ArtifactCollector interface {
	RunArtifactGC(ctx context.Context, full bool) (GCResult, error)
}

// GarbageCollector runs artifact garbage collection periodically.
// Sweeps from several instances may overlap; taking garbage is atomic in
// the coordination store, so each hash is deleted by one sweep only.
type GarbageCollector struct {
	store  ArtifactCollector
	logger zerolog.Logger
	config GCConfig

	// Control
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// GCConfig contains garbage collection configuration.
type GCConfig struct {
	// Enabled determines if GC runs automatically.
	Enabled bool

	// Interval is how often to run garbage collection.
	Interval time.Duration

	// Timeout bounds a single run.
	Timeout time.Duration
}

// DefaultGCConfig returns sensible defaults.
func DefaultGCConfig() GCConfig {
	return GCConfig{
		Enabled:  true,
		Interval: 10 * time.Minute,
		Timeout:  5 * time.Minute,
	}
}

// NewGarbageCollector creates a new garbage collector.
func NewGarbageCollector(store ArtifactCollector, logger zerolog.Logger, config GCConfig) *GarbageCollector {
	return &GarbageCollector{
		store:    store,
		logger:   logger.With().Str("service", "gc").Logger(),
		config:   config,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the garbage collection scheduler.
func (gc *GarbageCollector) Start() {
	gc.mu.Lock()
	if gc.running {
		gc.mu.Unlock()
		return
	}
	gc.running = true
	gc.mu.Unlock()

	gc.logger.Info().
		Dur("interval", gc.config.Interval).
		Dur("timeout", gc.config.Timeout).
		Msg("Starting garbage collector")

	go gc.runLoop()
}

// Stop stops the garbage collection scheduler and waits for a running sweep.
func (gc *GarbageCollector) Stop() {
	gc.mu.Lock()
	if !gc.running {
		gc.mu.Unlock()
		return
	}
	gc.running = false
	gc.mu.Unlock()

	close(gc.stopChan)
	<-gc.doneChan

	gc.logger.Info().Msg("Garbage collector stopped")
}

// runLoop is the main garbage collection loop.
func (gc *GarbageCollector) runLoop() {
	defer close(gc.doneChan)

	ticker := time.NewTicker(gc.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			gc.runOnce()
		case <-gc.stopChan:
			return
		}
	}
}

// RunOnce executes a single garbage collection run.
// This can be called manually or by the scheduler.
func (gc *GarbageCollector) RunOnce(ctx context.Context) (GCResult, error) {
	if gc.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, gc.config.Timeout)
		defer cancel()
	}
	return gc.store.RunArtifactGC(ctx, false)
}

// runOnce is called by the scheduler loop. A stop request cancels the sweep.
func (gc *GarbageCollector) runOnce() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-gc.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := gc.RunOnce(ctx); err != nil {
		gc.logger.Error().Err(err).Msg("Garbage collection run failed")
	}
}
