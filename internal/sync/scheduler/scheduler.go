// Package scheduler runs the periodic background work around the sync
// engine: interval syncs while online and queue maintenance sweeps.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kyawswar/orderpad/internal/logging"
	"github.com/kyawswar/orderpad/internal/sync/engine"
	"github.com/kyawswar/orderpad/internal/sync/queue"
)

// Config holds scheduler intervals.
type Config struct {
	SyncInterval    time.Duration // how often to sync when online
	CleanupInterval time.Duration // how often to drop expired requests
	SyncTimeout     time.Duration // per-pass deadline
}

// DefaultConfig returns the standard intervals.
func DefaultConfig() Config {
	return Config{
		SyncInterval:    30 * time.Second,
		CleanupInterval: 10 * time.Minute,
		SyncTimeout:     5 * time.Minute,
	}
}

// Scheduler drives the engine on timers. It owns two goroutines: the
// sync loop and the cleanup loop.
type Scheduler struct {
	engine *engine.Engine
	queue  *queue.Manager

	syncInterval    time.Duration
	cleanupInterval time.Duration
	syncTimeout     time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// New creates a scheduler. Zero intervals fall back to defaults.
func New(eng *engine.Engine, q *queue.Manager, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = def.SyncTimeout
	}
	return &Scheduler{
		engine:          eng,
		queue:           q,
		syncInterval:    cfg.SyncInterval,
		cleanupInterval: cfg.CleanupInterval,
		syncTimeout:     cfg.SyncTimeout,
	}
}

// Start launches the background loops. Calling Start on a running
// scheduler is a no-op; a stopped scheduler can be started again.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(2)
	go s.syncLoop(ctx, stopCh)
	go s.cleanupLoop(ctx, stopCh)

	logging.Info("background sync scheduler started", map[string]interface{}{
		"sync_interval":    s.syncInterval.String(),
		"cleanup_interval": s.cleanupInterval.String(),
	})
}

// Stop shuts the loops down and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh := s.stopCh
	s.mu.Unlock()

	close(stopCh)
	s.wg.Wait()

	logging.Info("background sync scheduler stopped", nil)
}

// Running reports whether the loops are active.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// SetOnline forwards a network-state change to the engine, which kicks
// an immediate sync on the offline-to-online transition.
func (s *Scheduler) SetOnline(online bool) {
	s.engine.SetOnline(online)
}

func (s *Scheduler) syncLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.runSync(ctx)
		}
	}
}

func (s *Scheduler) cleanupLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if removed := s.queue.CleanupExpired(); removed > 0 {
				logging.Info("expired queue entries removed", map[string]interface{}{
					"removed": removed,
				})
			}
		}
	}
}

func (s *Scheduler) runSync(ctx context.Context) {
	if !s.engine.Online() {
		logging.Debug("skipping scheduled sync while offline", nil)
		return
	}

	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx, "")
	if err != nil {
		if errors.Is(err, engine.ErrSyncInProgress) || errors.Is(err, engine.ErrOffline) {
			return
		}
		logging.Error("scheduled sync failed", err, nil)
		return
	}
	if result.Attempted > 0 {
		logging.Info("scheduled sync completed", map[string]interface{}{
			"attempted": result.Attempted,
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
			"conflicts": result.Conflicts,
		})
	}
}

// SyncNow triggers an immediate pass and waits for it, bypassing the
// interval timer. Concurrent passes still collapse to one.
func (s *Scheduler) SyncNow(ctx context.Context) (*engine.Result, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()
	return s.engine.Sync(syncCtx, "")
}
