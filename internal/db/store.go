package db

import (
	"context"

	"github.com/restopos/kotsync/internal/models"
)

// Scalar metadata keys.
const (
	MetaLastFullSync = "last_full_sync"
	MetaSyncPolicy   = "sync_policy"
)

// Store is a keyed store of named record collections. Every operation is
// scoped to one collection; Put is an upsert keyed by the record id and is
// atomic per record. Store never enqueues sync work on its own.
type Store interface {
	// Get returns the record, or nil when it does not exist.
	Get(ctx context.Context, coll models.Collection, id string) (models.Record, error)

	// GetAll returns every record of a collection ordered by id.
	GetAll(ctx context.Context, coll models.Collection) ([]models.Record, error)

	// Put inserts or replaces the record and returns the stored copy.
	Put(ctx context.Context, coll models.Collection, rec models.Record) (models.Record, error)

	// Delete removes the record; deleting a missing record is not an error.
	Delete(ctx context.Context, coll models.Collection, id string) error

	// Clear removes every record of a collection.
	Clear(ctx context.Context, coll models.Collection) error

	// GetMeta returns a scalar value and whether it was set.
	GetMeta(ctx context.Context, key string) (string, bool, error)

	// SetMeta stores a scalar value.
	SetMeta(ctx context.Context, key, value string) error

	// CountDirty returns how many records of a collection are not synced.
	CountDirty(ctx context.Context, coll models.Collection) (int, error)
}

// ConflictLogRepository records resolved sync conflicts.
type ConflictLogRepository interface {
	CreateConflictLog(ctx context.Context, log *models.ConflictLog) error
	ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error)
}

// Ensure implementations satisfy the interfaces at compile time.
var (
	_ Store                 = (*Repository)(nil)
	_ Store                 = (*MemoryStore)(nil)
	_ Store                 = (*FallbackStore)(nil)
	_ ConflictLogRepository = (*Repository)(nil)
	_ ConflictLogRepository = (*MemoryStore)(nil)
	_ ConflictLogRepository = (*FallbackStore)(nil)
)
