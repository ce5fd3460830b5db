// Package sync reconciles the local store with the restaurant backend.
//
// The Engine drains the outbound queue, refreshes collections from the
// server and resolves conflicts between dirty local records and their server
// copies. Only one quick or full sync runs at a time; a sync requested while
// another is in flight is skipped rather than queued.
package sync

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/restopos/kotsync/internal/db"
	apperrors "github.com/restopos/kotsync/internal/errors"
	"github.com/restopos/kotsync/internal/logging"
	"github.com/restopos/kotsync/internal/models"
	"github.com/restopos/kotsync/internal/notify"
	"github.com/restopos/kotsync/internal/sync/conflict"
	"github.com/restopos/kotsync/internal/sync/queue"
)

// SyncState represents the current sync state.
type SyncState string

const (
	SyncStateIdle    SyncState = "idle"
	SyncStateSyncing SyncState = "syncing"
	SyncStateFailed  SyncState = "failed"
)

// SyncKind distinguishes quick from full syncs.
type SyncKind string

const (
	SyncKindQuick SyncKind = "quick"
	SyncKindFull  SyncKind = "full"
)

// QuickCollections are refreshed by a quick sync.
var QuickCollections = []models.Collection{models.CollectionOrders, models.CollectionDashboard}

// DefaultFetchConcurrency bounds parallel collection fetches.
const DefaultFetchConcurrency = 4

// Server is the part of the backend API the engine calls.
type Server interface {
	CreateOrder(ctx context.Context, order models.Record) (models.Record, error)
	UpdateOrder(ctx context.Context, id string, patch models.Record) (models.Record, error)
	UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus) (models.Record, error)
	DeleteOrder(ctx context.Context, id string) error
	FetchCollection(ctx context.Context, coll models.Collection) ([]models.Record, error)
	FetchTodayBills(ctx context.Context) ([]models.Record, error)
	Do(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error)
}

// Notifier publishes user-visible notifications.
type Notifier interface {
	Publish(n notify.Notification) notify.Notification
}

// Result is the outcome of one quick or full sync.
type Result struct {
	Kind      SyncKind      `json:"kind"`
	Skipped   bool          `json:"skipped"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Drain     DrainResult   `json:"drain"`
	Refresh   RefreshResult `json:"refresh"`
	Conflicts int           `json:"conflicts"`
	Error     string        `json:"error,omitempty"`
}

// Status is a snapshot of the engine for the operator UI.
type Status struct {
	State        SyncState  `json:"state"`
	Running      bool       `json:"running"`
	LastSync     *time.Time `json:"last_sync,omitempty"`
	LastFullSync *time.Time `json:"last_full_sync,omitempty"`
	Pending      int        `json:"pending"`
	DirtyOrders  int        `json:"dirty_orders"`
	LastError    string     `json:"last_error,omitempty"`
}

// Engine provides synchronization between the local store and the server.
type Engine struct {
	store     db.Store
	queue     *queue.Queue
	server    Server
	resolver  *conflict.Resolver
	notifier  Notifier
	conflicts db.ConflictLogRepository
	now       func() time.Time
	fetchConc int

	running atomic.Bool
	drainMu sync.Mutex

	mu           sync.RWMutex
	handler      SyncEventHandler
	state        SyncState
	lastSync     *time.Time
	lastErr      error
	errorHistory []SyncErrorEntry
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets where user-visible failures are published.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithConflictLog records every resolved conflict in repo.
func WithConflictLog(repo db.ConflictLogRepository) Option {
	return func(e *Engine) { e.conflicts = repo }
}

// WithEventHandler sets the sync event handler.
func WithEventHandler(h SyncEventHandler) Option {
	return func(e *Engine) { e.handler = h }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithFetchConcurrency bounds parallel collection fetches.
func WithFetchConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.fetchConc = n
		}
	}
}

// NewEngine creates a sync engine. A nil resolver uses the default strategy.
func NewEngine(store db.Store, q *queue.Queue, server Server, resolver *conflict.Resolver, opts ...Option) *Engine {
	if resolver == nil {
		resolver = conflict.NewResolver(conflict.DefaultStrategy)
	}
	e := &Engine{
		store:     store,
		queue:     q,
		server:    server,
		resolver:  resolver,
		now:       time.Now,
		fetchConc: DefaultFetchConcurrency,
		state:     SyncStateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current sync state.
func (e *Engine) State() SyncState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// IsRunning reports whether a quick or full sync is in flight.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// LastSync returns the time of the last successful sync.
func (e *Engine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// LastError returns the error of the last failed sync.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// LastFullSync returns the persisted time of the last completed full sync.
func (e *Engine) LastFullSync(ctx context.Context) (*time.Time, error) {
	v, ok, err := e.store.GetMeta(ctx, db.MetaLastFullSync)
	if err != nil || !ok {
		return nil, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "corrupt last full sync timestamp", err)
	}
	t := time.UnixMilli(ms)
	return &t, nil
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	e.mu.RLock()
	st := Status{
		State:    e.state,
		Running:  e.running.Load(),
		LastSync: e.lastSync,
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	e.mu.RUnlock()

	var err error
	if st.Pending, err = e.queue.Size(ctx); err != nil {
		return st, err
	}
	if st.DirtyOrders, err = e.store.CountDirty(ctx, models.CollectionOrders); err != nil {
		return st, err
	}
	st.LastFullSync, err = e.LastFullSync(ctx)
	return st, err
}

// QuickSync drains the queue and refreshes orders and dashboard stats.
func (e *Engine) QuickSync(ctx context.Context) (*Result, error) {
	return e.run(ctx, SyncKindQuick, func(ctx context.Context, res *Result) error {
		drain, err := e.Drain(ctx)
		res.Drain = drain
		if err != nil {
			return err
		}
		res.Refresh, err = e.InboundRefresh(ctx, QuickCollections)
		return err
	})
}

// FullSync drains the queue, refreshes every collection, resolves conflicts
// and records the completion time.
func (e *Engine) FullSync(ctx context.Context) (*Result, error) {
	return e.run(ctx, SyncKindFull, func(ctx context.Context, res *Result) error {
		drain, err := e.Drain(ctx)
		res.Drain = drain
		if err != nil {
			return err
		}

		fetched, err := e.fetch(ctx, models.DataCollections)
		if err != nil {
			e.warnStale(err)
			return apperrors.Wrap(apperrors.ErrSyncFailed, "inbound refresh failed", err)
		}
		if res.Refresh, err = e.merge(ctx, fetched); err != nil {
			return err
		}
		if res.Conflicts, err = e.reconcile(ctx, fetched); err != nil {
			return err
		}

		stamp := strconv.FormatInt(e.now().UnixMilli(), 10)
		return e.store.SetMeta(ctx, db.MetaLastFullSync, stamp)
	})
}

// run wraps one sync with the in-flight guard, state tracking and events.
func (e *Engine) run(ctx context.Context, kind SyncKind, body func(context.Context, *Result) error) (*Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		logging.Debug("sync already in progress, skipping", map[string]interface{}{"kind": string(kind)})
		e.emitEvent(SyncEvent{Type: SyncEventSkipped, Kind: kind})
		return &Result{Kind: kind, Skipped: true}, nil
	}
	defer e.running.Store(false)

	res := &Result{Kind: kind, StartTime: e.now()}
	e.setState(SyncStateSyncing, nil)
	e.emitEvent(SyncEvent{Type: SyncEventStarted, Kind: kind})
	logging.Info("sync started", map[string]interface{}{"kind": string(kind)})

	err := body(ctx, res)

	res.EndTime = e.now()
	res.Duration = res.EndTime.Sub(res.StartTime)
	fields := map[string]interface{}{
		"kind":        string(kind),
		"duration_ms": res.Duration.Milliseconds(),
		"drained":     res.Drain.Succeeded,
		"failed":      res.Drain.Failed,
		"inserted":    res.Refresh.Inserted,
		"updated":     res.Refresh.Updated,
		"conflicts":   res.Conflicts,
	}

	if err != nil {
		res.Error = err.Error()
		e.setState(SyncStateFailed, err)
		e.recordError("", string(kind)+"_sync", err)
		e.emitEvent(SyncEvent{Type: SyncEventFailed, Kind: kind, Message: err.Error()})
		logging.Error("sync failed", err, fields)
		return res, err
	}

	e.mu.Lock()
	e.state = SyncStateIdle
	e.lastErr = nil
	end := res.EndTime
	e.lastSync = &end
	e.mu.Unlock()

	e.emitEvent(SyncEvent{Type: SyncEventCompleted, Kind: kind, Count: res.Drain.Succeeded})
	logging.Info("sync completed", fields)
	return res, nil
}

func (e *Engine) setState(s SyncState, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
	if err != nil {
		e.lastErr = err
	}
}

func (e *Engine) publish(n notify.Notification) {
	if e.notifier == nil {
		return
	}
	e.notifier.Publish(n)
}
