// Package scheduler decides when the sync engine runs: a quick sync on a
// fixed interval and on focus or visibility changes, a full sync at startup
// and whenever the network comes back.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/restopos/kotsync/internal/errors"
	"github.com/restopos/kotsync/internal/logging"
	syncpkg "github.com/restopos/kotsync/internal/sync"
)

// Syncer runs sync passes.
type Syncer interface {
	QuickSync(ctx context.Context) (*syncpkg.Result, error)
	FullSync(ctx context.Context) (*syncpkg.Result, error)
}

// PolicyReader reports whether sync is enabled.
type PolicyReader interface {
	IsEnabled() bool
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine        Syncer
	policy        PolicyReader
	quickInterval time.Duration
	syncTimeout   time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu           sync.RWMutex
	ctx          context.Context
	isRunning    bool
	stopped      bool
	isOnline     bool
	isVisible    bool
	lastSyncTime time.Time
	lastResult   *syncpkg.Result
}

// Config holds scheduler configuration.
type Config struct {
	QuickInterval time.Duration // quick sync period (default: 15 seconds)
	SyncTimeout   time.Duration // upper bound of one sync pass (default: 2 minutes)
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		QuickInterval: 15 * time.Second,
		SyncTimeout:   2 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. A nil policy is treated as always
// enabled.
func NewScheduler(engine Syncer, policy PolicyReader, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.QuickInterval <= 0 {
		config.QuickInterval = defaults.QuickInterval
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = defaults.SyncTimeout
	}

	return &Scheduler{
		engine:        engine,
		policy:        policy,
		quickInterval: config.QuickInterval,
		syncTimeout:   config.SyncTimeout,
		stopCh:        make(chan struct{}),
		isOnline:      true, // Assume online initially
		isVisible:     true,
		ctx:           context.Background(),
	}
}

// Start starts the quick sync loop and runs an initial full sync.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning || s.stopped {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.ctx = ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go s.quickSyncLoop(ctx)
	s.launch(syncpkg.SyncKindFull)

	logging.Info("sync scheduler started", map[string]interface{}{
		"quick_interval": s.quickInterval.String(),
	})
}

// Stop stops the scheduler and waits for in-flight syncs it started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	wasRunning := s.isRunning
	s.isRunning = false
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	if wasRunning {
		logging.Info("sync scheduler stopped")
	}
}

// OnNetworkChange records connectivity. Coming back online triggers a full
// sync.
func (s *Scheduler) OnNetworkChange(online bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = online
	s.mu.Unlock()

	if wasOnline == online {
		return
	}
	logging.Info("online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  online,
	})
	if online {
		s.launch(syncpkg.SyncKindFull)
	}
}

// SetOnlineStatus is an alias of OnNetworkChange.
func (s *Scheduler) SetOnlineStatus(online bool) {
	s.OnNetworkChange(online)
}

// OnFocus triggers a quick sync when the window regains focus.
func (s *Scheduler) OnFocus() {
	s.launch(syncpkg.SyncKindQuick)
}

// OnVisibilityChange triggers a quick sync when the window becomes visible.
func (s *Scheduler) OnVisibilityChange(visible bool) {
	s.mu.Lock()
	was := s.isVisible
	s.isVisible = visible
	s.mu.Unlock()

	if visible && !was {
		s.launch(syncpkg.SyncKindQuick)
	}
}

// TriggerSync starts a full sync in the background. It returns false when
// sync cannot run right now (offline, disabled or stopped).
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	return s.launchWith(ctx, syncpkg.SyncKindFull)
}

// SyncNow runs a full sync and waits for it.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.Result, error) {
	if !s.IsOnline() {
		return nil, errors.New(errors.ErrNetwork, "cannot sync while offline")
	}
	if !s.enabled() {
		return nil, errors.New(errors.ErrOperationBlocked, "sync is disabled")
	}
	return s.run(ctx, syncpkg.SyncKindFull)
}

func (s *Scheduler) quickSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.quickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.canSync() {
				continue
			}
			// The engine skips the pass if another sync is in flight.
			_, _ = s.run(ctx, syncpkg.SyncKindQuick)
		}
	}
}

func (s *Scheduler) launch(kind syncpkg.SyncKind) bool {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	return s.launchWith(ctx, kind)
}

func (s *Scheduler) launchWith(ctx context.Context, kind syncpkg.SyncKind) bool {
	if !s.canSync() {
		logging.Debug("sync not started", map[string]interface{}{
			"kind":    string(kind),
			"online":  s.IsOnline(),
			"enabled": s.enabled(),
		})
		return false
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		_, _ = s.run(ctx, kind)
	}()
	return true
}

// run executes one sync pass with a timeout.
func (s *Scheduler) run(ctx context.Context, kind syncpkg.SyncKind) (*syncpkg.Result, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	var (
		result *syncpkg.Result
		err    error
	)
	if kind == syncpkg.SyncKindFull {
		result, err = s.engine.FullSync(syncCtx)
	} else {
		result, err = s.engine.QuickSync(syncCtx)
	}
	if err != nil {
		logging.ErrorWithCode("scheduled sync failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"kind": string(kind)})
		return result, err
	}

	if result != nil && !result.Skipped {
		s.mu.Lock()
		s.lastSyncTime = result.EndTime
		s.lastResult = result
		s.mu.Unlock()
	}
	return result, nil
}

func (s *Scheduler) canSync() bool {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	return !stopped && s.IsOnline() && s.enabled()
}

func (s *Scheduler) enabled() bool {
	return s.policy == nil || s.policy.IsEnabled()
}

// Status describes the scheduler.
type Status struct {
	IsRunning    bool            `json:"is_running"`
	IsOnline     bool            `json:"is_online"`
	IsVisible    bool            `json:"is_visible"`
	SyncEnabled  bool            `json:"sync_enabled"`
	LastSyncTime *time.Time      `json:"last_sync_time,omitempty"`
	LastResult   *syncpkg.Result `json:"last_result,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() Status {
	enabled := s.enabled()

	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		IsRunning:   s.isRunning,
		IsOnline:    s.isOnline,
		IsVisible:   s.isVisible,
		SyncEnabled: enabled,
		LastResult:  s.lastResult,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
