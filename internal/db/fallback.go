package db

import (
	"context"
	"sync"

	apperrors "github.com/restopos/kotsync/internal/errors"
	"github.com/restopos/kotsync/internal/logging"
	"github.com/restopos/kotsync/internal/models"
)

// backend is what FallbackStore needs from its primary store.
type backend interface {
	Store
	ConflictLogRepository
}

// FallbackStore serves every call from a primary store until that store
// reports a storage failure. From then on it logs the failure, switches to
// an in-memory store for the rest of the session, and retries the call there.
// Input errors (unknown collection, missing id) are returned as-is.
type FallbackStore struct {
	mu        sync.RWMutex
	primary   backend
	memory    *MemoryStore
	degraded  bool
	cause     error
	onDegrade func(error)
}

// NewFallbackStore wraps primary.
func NewFallbackStore(primary backend) *FallbackStore {
	return &FallbackStore{
		primary: primary,
		memory:  NewMemoryStore(),
	}
}

// NewMemoryFallback returns a FallbackStore that runs from memory from the
// start, for sessions whose database could not be opened.
func NewMemoryFallback(cause error) *FallbackStore {
	return &FallbackStore{
		memory:   NewMemoryStore(),
		degraded: true,
		cause:    cause,
	}
}

// OnDegrade registers a callback invoked once when the store switches to
// memory.
func (f *FallbackStore) OnDegrade(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDegrade = fn
}

// Degraded reports whether the store is running from memory, and why.
func (f *FallbackStore) Degraded() (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.degraded, f.cause
}

func (f *FallbackStore) active() backend {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.degraded {
		return f.memory
	}
	return f.primary
}

// fail switches to memory when err is a storage failure and reports
// whether the caller should retry.
func (f *FallbackStore) fail(op string, err error) bool {
	if !apperrors.Is(err, apperrors.ErrStorage) {
		return false
	}

	f.mu.Lock()
	if f.degraded {
		f.mu.Unlock()
		return false
	}
	f.degraded = true
	f.cause = err
	hook := f.onDegrade
	f.mu.Unlock()

	logging.ErrorWithCode("persistent store failed, continuing in memory for this session",
		string(apperrors.ErrStorage), err, map[string]interface{}{"operation": op})
	if hook != nil {
		hook(err)
	}
	return true
}

// Get retrieves a record by id.
func (f *FallbackStore) Get(ctx context.Context, coll models.Collection, id string) (models.Record, error) {
	rec, err := f.active().Get(ctx, coll, id)
	if err != nil && f.fail("get", err) {
		return f.memory.Get(ctx, coll, id)
	}
	return rec, err
}

// GetAll returns every record of a collection.
func (f *FallbackStore) GetAll(ctx context.Context, coll models.Collection) ([]models.Record, error) {
	recs, err := f.active().GetAll(ctx, coll)
	if err != nil && f.fail("get_all", err) {
		return f.memory.GetAll(ctx, coll)
	}
	return recs, err
}

// Put upserts a record.
func (f *FallbackStore) Put(ctx context.Context, coll models.Collection, rec models.Record) (models.Record, error) {
	stored, err := f.active().Put(ctx, coll, rec)
	if err != nil && f.fail("put", err) {
		return f.memory.Put(ctx, coll, rec)
	}
	return stored, err
}

// Delete removes a record.
func (f *FallbackStore) Delete(ctx context.Context, coll models.Collection, id string) error {
	err := f.active().Delete(ctx, coll, id)
	if err != nil && f.fail("delete", err) {
		return f.memory.Delete(ctx, coll, id)
	}
	return err
}

// Clear removes every record of a collection.
func (f *FallbackStore) Clear(ctx context.Context, coll models.Collection) error {
	err := f.active().Clear(ctx, coll)
	if err != nil && f.fail("clear", err) {
		return f.memory.Clear(ctx, coll)
	}
	return err
}

// CountDirty returns how many records are not synced.
func (f *FallbackStore) CountDirty(ctx context.Context, coll models.Collection) (int, error) {
	n, err := f.active().CountDirty(ctx, coll)
	if err != nil && f.fail("count_dirty", err) {
		return f.memory.CountDirty(ctx, coll)
	}
	return n, err
}

// GetMeta returns a scalar value.
func (f *FallbackStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := f.active().GetMeta(ctx, key)
	if err != nil && f.fail("get_meta", err) {
		return f.memory.GetMeta(ctx, key)
	}
	return v, ok, err
}

// SetMeta stores a scalar value.
func (f *FallbackStore) SetMeta(ctx context.Context, key, value string) error {
	err := f.active().SetMeta(ctx, key, value)
	if err != nil && f.fail("set_meta", err) {
		return f.memory.SetMeta(ctx, key, value)
	}
	return err
}

// CreateConflictLog creates a new conflict log entry.
func (f *FallbackStore) CreateConflictLog(ctx context.Context, log *models.ConflictLog) error {
	err := f.active().CreateConflictLog(ctx, log)
	if err != nil && f.fail("create_conflict_log", err) {
		return f.memory.CreateConflictLog(ctx, log)
	}
	return err
}

// ListConflictLogs returns the most recent conflict log entries.
func (f *FallbackStore) ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	logs, err := f.active().ListConflictLogs(ctx, limit)
	if err != nil && f.fail("list_conflict_logs", err) {
		return f.memory.ListConflictLogs(ctx, limit)
	}
	return logs, err
}
