// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/restopos/kotsync/internal/errors"
	syncpkg "github.com/restopos/kotsync/internal/sync"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeSyncer struct {
	quick atomic.Int32
	full  atomic.Int32
	err   error
}

func (f *fakeSyncer) QuickSync(context.Context) (*syncpkg.Result, error) {
	f.quick.Add(1)
	return &syncpkg.Result{Kind: syncpkg.SyncKindQuick, EndTime: time.Now()}, f.err
}

func (f *fakeSyncer) FullSync(context.Context) (*syncpkg.Result, error) {
	f.full.Add(1)
	return &syncpkg.Result{Kind: syncpkg.SyncKindFull, EndTime: time.Now()}, f.err
}

type fakePolicy struct {
	mu      sync.Mutex
	enabled bool
}

func (p *fakePolicy) IsEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *fakePolicy) set(v bool) {
	p.mu.Lock()
	p.enabled = v
	p.mu.Unlock()
}

func createTestScheduler(t *testing.T, interval time.Duration) (*fakeSyncer, *fakePolicy, *Scheduler) {
	t.Helper()
	engine := &fakeSyncer{}
	policy := &fakePolicy{enabled: true}
	s := NewScheduler(engine, policy, &Config{QuickInterval: interval, SyncTimeout: time.Second})
	t.Cleanup(s.Stop)
	return engine, policy, s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// settle gives background goroutines a chance to run.
func settle() {
	time.Sleep(30 * time.Millisecond)
}

// =====================================================
// Construction
// =====================================================

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.QuickInterval != 15*time.Second {
		t.Errorf("QuickInterval = %v, want 15s", config.QuickInterval)
	}
	if config.SyncTimeout <= 0 {
		t.Errorf("SyncTimeout = %v, want positive", config.SyncTimeout)
	}
}

func TestNewScheduler(t *testing.T) {
	s := NewScheduler(&fakeSyncer{}, nil, &Config{})

	if s.quickInterval != 15*time.Second {
		t.Errorf("quickInterval = %v, want default", s.quickInterval)
	}
	if !s.IsOnline() {
		t.Error("scheduler should assume online initially")
	}
	if s.IsRunning() {
		t.Error("scheduler should not be running before Start")
	}
	if !s.enabled() {
		t.Error("nil policy should be treated as enabled")
	}
}

// =====================================================
// Start / Stop
// =====================================================

func TestStart_runsInitialFullSync(t *testing.T) {
	engine, _, s := createTestScheduler(t, time.Hour)

	s.Start(context.Background())
	if !s.IsRunning() {
		t.Fatal("IsRunning() = false after Start")
	}
	waitFor(t, "initial full sync", func() bool { return engine.full.Load() == 1 })

	// second Start is a no-op
	s.Start(context.Background())
	settle()
	if got := engine.full.Load(); got != 1 {
		t.Errorf("full syncs = %d, want 1", got)
	}

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}

func TestQuickSyncLoop(t *testing.T) {
	engine, _, s := createTestScheduler(t, 10*time.Millisecond)

	s.Start(context.Background())
	waitFor(t, "periodic quick syncs", func() bool { return engine.quick.Load() >= 2 })

	status := s.GetStatus()
	if status.LastSyncTime == nil {
		t.Error("LastSyncTime should be set after a sync")
	}
}

func TestQuickSyncLoop_skipsWhenOffline(t *testing.T) {
	engine, _, s := createTestScheduler(t, 10*time.Millisecond)
	s.OnNetworkChange(false)

	s.Start(context.Background())
	settle()

	if got := engine.quick.Load() + engine.full.Load(); got != 0 {
		t.Errorf("syncs while offline = %d, want 0", got)
	}
}

func TestStopWithContextCancel(t *testing.T) {
	_, _, s := createTestScheduler(t, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
}

// =====================================================
// Triggers
// =====================================================

func TestOnNetworkChange_onlineTriggersFullSync(t *testing.T) {
	engine, _, s := createTestScheduler(t, time.Hour)

	s.OnNetworkChange(true) // no transition
	settle()
	if got := engine.full.Load(); got != 0 {
		t.Fatalf("full syncs = %d, want 0 without a transition", got)
	}

	s.SetOnlineStatus(false)
	if s.IsOnline() {
		t.Fatal("IsOnline() = true after going offline")
	}
	s.OnNetworkChange(true)
	waitFor(t, "full sync on reconnect", func() bool { return engine.full.Load() == 1 })
}

func TestOnFocusAndVisibility(t *testing.T) {
	engine, _, s := createTestScheduler(t, time.Hour)

	s.OnFocus()
	waitFor(t, "quick sync on focus", func() bool { return engine.quick.Load() == 1 })

	s.OnVisibilityChange(true) // already visible
	settle()
	if got := engine.quick.Load(); got != 1 {
		t.Fatalf("quick syncs = %d, want 1", got)
	}

	s.OnVisibilityChange(false)
	s.OnVisibilityChange(true)
	waitFor(t, "quick sync on visibility", func() bool { return engine.quick.Load() == 2 })
	if !s.GetStatus().IsVisible {
		t.Error("IsVisible = false after becoming visible")
	}
}

func TestTriggerSync_respectsPolicyAndConnectivity(t *testing.T) {
	engine, policy, s := createTestScheduler(t, time.Hour)

	policy.set(false)
	if s.TriggerSync(context.Background()) {
		t.Error("TriggerSync() = true while sync is disabled")
	}

	policy.set(true)
	s.OnNetworkChange(false)
	if s.TriggerSync(context.Background()) {
		t.Error("TriggerSync() = true while offline")
	}
	s.OnFocus()
	settle()
	if got := engine.quick.Load() + engine.full.Load(); got != 0 {
		t.Fatalf("syncs = %d, want 0", got)
	}

	s.mu.Lock()
	s.isOnline = true
	s.mu.Unlock()
	if !s.TriggerSync(context.Background()) {
		t.Error("TriggerSync() = false while online and enabled")
	}
	waitFor(t, "triggered full sync", func() bool { return engine.full.Load() == 1 })
}

func TestSyncNow(t *testing.T) {
	engine, policy, s := createTestScheduler(t, time.Hour)

	res, err := s.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if res.Kind != syncpkg.SyncKindFull {
		t.Errorf("Kind = %v, want full", res.Kind)
	}
	if engine.full.Load() != 1 {
		t.Errorf("full syncs = %d, want 1", engine.full.Load())
	}

	policy.set(false)
	if _, err := s.SyncNow(context.Background()); !errors.Is(err, errors.ErrOperationBlocked) {
		t.Errorf("SyncNow() while disabled error = %v, want OPERATION_BLOCKED", err)
	}

	policy.set(true)
	s.OnNetworkChange(false)
	if _, err := s.SyncNow(context.Background()); !errors.Is(err, errors.ErrNetwork) {
		t.Errorf("SyncNow() offline error = %v, want NETWORK_ERROR", err)
	}
}

func TestSyncNow_propagatesEngineError(t *testing.T) {
	engine, _, s := createTestScheduler(t, time.Hour)
	engine.err = errors.New(errors.ErrSyncFailed, "boom")

	if _, err := s.SyncNow(context.Background()); !errors.Is(err, errors.ErrSyncFailed) {
		t.Errorf("SyncNow() error = %v, want SYNC_FAILED", err)
	}
	if s.GetStatus().LastSyncTime != nil {
		t.Error("failed syncs must not update LastSyncTime")
	}
}

func TestTriggersAfterStopAreIgnored(t *testing.T) {
	engine, _, s := createTestScheduler(t, time.Hour)
	s.Stop()

	if s.TriggerSync(context.Background()) {
		t.Error("TriggerSync() = true after Stop")
	}
	s.OnFocus()
	settle()
	if got := engine.quick.Load(); got != 0 {
		t.Errorf("quick syncs after Stop = %d, want 0", got)
	}
}
