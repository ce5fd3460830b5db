// Package queue provides the persistent outbound sync queue.
//
// Items live in the store's sync_queue collection so that mutations recorded
// while offline survive a restart. Pending returns them in drain order: high
// priority first, then FIFO by creation time.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/restopos/kotsync/internal/db"
	apperrors "github.com/restopos/kotsync/internal/errors"
	"github.com/restopos/kotsync/internal/logging"
	"github.com/restopos/kotsync/internal/models"
	"github.com/restopos/kotsync/internal/uuid"
)

// DefaultCapacity bounds the number of queued mutations.
const DefaultCapacity = 10000

// Stats summarizes the queue.
type Stats struct {
	Total           int   `json:"total"`
	High            int   `json:"high"`
	Normal          int   `json:"normal"`
	Retrying        int   `json:"retrying"`
	OldestCreatedAt int64 `json:"oldest_created_at,omitempty"`
}

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity sets the maximum number of queued items.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithMaxRetries sets the retry budget given to new items.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue is the persistent sync queue.
type Queue struct {
	store      db.Store
	mu         sync.Mutex
	capacity   int
	maxRetries int
	now        func() time.Time
	lastStamp  int64
}

// New creates a Queue over store.
func New(store db.Store, opts ...Option) *Queue {
	q := &Queue{
		store:      store,
		capacity:   DefaultCapacity,
		maxRetries: models.DefaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue stores a new item built from tmpl. ID, CreatedAt, RetryCount and
// MaxRetries are assigned by the queue; Priority defaults to normal.
func (q *Queue) Enqueue(ctx context.Context, tmpl models.SyncQueueItem) (models.SyncQueueItem, error) {
	if !tmpl.Action.Valid() {
		return models.SyncQueueItem{}, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown sync action %q", tmpl.Action))
	}
	if tmpl.Action == models.ActionGenericRequest && (tmpl.Method == "" || tmpl.Path == "") {
		return models.SyncQueueItem{}, apperrors.New(apperrors.ErrInvalid, "generic request needs a method and a path")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load(ctx)
	if err != nil {
		return models.SyncQueueItem{}, err
	}
	if len(items) >= q.capacity {
		return models.SyncQueueItem{}, apperrors.New(apperrors.ErrQueueFull,
			fmt.Sprintf("sync queue is full (max size: %d)", q.capacity))
	}

	item := tmpl
	item.ID = uuid.New()
	item.Payload = tmpl.Payload.Clone()
	item.CreatedAt = q.stamp(items)
	item.RetryCount = 0
	item.MaxRetries = q.maxRetries
	item.LastError = ""
	if item.Priority == "" {
		item.Priority = models.PriorityNormal
	}

	if err := q.put(ctx, item); err != nil {
		return models.SyncQueueItem{}, err
	}

	logging.Info("sync item queued", map[string]interface{}{
		"item_id":   item.ID,
		"action":    string(item.Action),
		"record_id": item.RecordID,
		"priority":  string(item.Priority),
	})
	return item, nil
}

// stamp returns a creation time strictly greater than any queued item's, so
// FIFO order survives several enqueues within one millisecond.
func (q *Queue) stamp(items []models.SyncQueueItem) int64 {
	for _, it := range items {
		if it.CreatedAt > q.lastStamp {
			q.lastStamp = it.CreatedAt
		}
	}
	ts := q.now().UnixMilli()
	if ts <= q.lastStamp {
		ts = q.lastStamp + 1
	}
	q.lastStamp = ts
	return ts
}

// Pending returns every queued item in drain order.
func (q *Queue) Pending(ctx context.Context) ([]models.SyncQueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].DrainsBefore(items[j])
	})
	return items, nil
}

// Get returns a queued item; ok is false when it is not queued.
func (q *Queue) Get(ctx context.Context, id string) (item models.SyncQueueItem, ok bool, err error) {
	rec, err := q.store.Get(ctx, models.CollectionSyncQueue, id)
	if err != nil || rec == nil {
		return models.SyncQueueItem{}, false, err
	}
	item, err = models.SyncQueueItemFromRecord(rec)
	if err != nil {
		return models.SyncQueueItem{}, false, apperrors.Wrap(apperrors.ErrStorage, "corrupt sync queue item", err)
	}
	return item, true, nil
}

// ForRecord returns the queued items that target one record, in drain order.
func (q *Queue) ForRecord(ctx context.Context, coll models.Collection, recordID string) ([]models.SyncQueueItem, error) {
	items, err := q.Pending(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.SyncQueueItem
	for _, it := range items {
		if it.Collection == coll && it.RecordID == recordID {
			out = append(out, it)
		}
	}
	return out, nil
}

// Complete removes an acknowledged item.
func (q *Queue) Complete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Delete(ctx, models.CollectionSyncQueue, id); err != nil {
		return err
	}
	logging.Debug("sync item completed", map[string]interface{}{"item_id": id})
	return nil
}

// Remove drops an item without sending it.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Delete(ctx, models.CollectionSyncQueue, id)
}

// Fail records a failed attempt. The returned item carries the incremented
// retry count; when exhausted is true the item has been removed from the
// queue and will not be sent again.
func (q *Queue) Fail(ctx context.Context, item models.SyncQueueItem, cause error) (next models.SyncQueueItem, exhausted bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	next = item.WithIncrementedRetry(cause)
	if next.Exhausted() {
		if err := q.store.Delete(ctx, models.CollectionSyncQueue, item.ID); err != nil {
			return next, true, err
		}
		logging.Warn("sync item dropped after max retries", map[string]interface{}{
			"item_id":     item.ID,
			"action":      string(item.Action),
			"record_id":   item.RecordID,
			"retry_count": next.RetryCount,
			"last_error":  next.LastError,
		})
		return next, true, nil
	}

	if err := q.put(ctx, next); err != nil {
		return next, false, err
	}
	logging.Info("sync item failed, will retry", map[string]interface{}{
		"item_id":     item.ID,
		"retry_count": next.RetryCount,
		"max_retries": next.MaxRetries,
		"last_error":  next.LastError,
	})
	return next, false, nil
}

// Remap points queued items for oldID at newID. It runs after the server
// assigns an id to a record created offline.
func (q *Queue) Remap(ctx context.Context, coll models.Collection, oldID, newID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		if it.Collection != coll || it.RecordID != oldID {
			continue
		}
		if err := q.put(ctx, it.Remapped(oldID, newID)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Size returns the number of queued items.
func (q *Queue) Size(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.load(ctx)
	return len(items), err
}

// Clear removes every queued item.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Clear(ctx, models.CollectionSyncQueue); err != nil {
		return err
	}
	logging.Info("sync queue cleared")
	return nil
}

// Stats returns queue statistics.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load(ctx)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, it := range items {
		s.Total++
		if it.Priority == models.PriorityHigh {
			s.High++
		} else {
			s.Normal++
		}
		if it.RetryCount > 0 {
			s.Retrying++
		}
		if s.OldestCreatedAt == 0 || it.CreatedAt < s.OldestCreatedAt {
			s.OldestCreatedAt = it.CreatedAt
		}
	}
	return s, nil
}

func (q *Queue) load(ctx context.Context) ([]models.SyncQueueItem, error) {
	recs, err := q.store.GetAll(ctx, models.CollectionSyncQueue)
	if err != nil {
		return nil, err
	}
	items := make([]models.SyncQueueItem, 0, len(recs))
	for _, rec := range recs {
		item, err := models.SyncQueueItemFromRecord(rec)
		if err != nil {
			logging.Error("skipping corrupt sync queue item", err, map[string]interface{}{"record_id": rec.ID()})
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (q *Queue) put(ctx context.Context, item models.SyncQueueItem) error {
	rec, err := item.ToRecord()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "sync queue item is not encodable", err)
	}
	_, err = q.store.Put(ctx, models.CollectionSyncQueue, rec)
	return err
}
