// Package dataaccess is the single entry point application code uses to read
// and write POS data.
//
// Reads go to the server while online and sync is enabled, writing the
// result through to the local store; otherwise they are served from the
// store. Writes are validated once, then either sent to the server and
// mirrored locally as synced, or kept locally as unsynced with a queued
// replay, depending on the sync policy and connectivity. A write never
// silently disappears: an online write that fails for network reasons is
// kept offline instead.
package dataaccess

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/restopos/kotsync/internal/cache"
	"github.com/restopos/kotsync/internal/db"
	apperrors "github.com/restopos/kotsync/internal/errors"
	"github.com/restopos/kotsync/internal/logging"
	"github.com/restopos/kotsync/internal/models"
	"github.com/restopos/kotsync/internal/sync/policy"
)

// Server is the part of the remote client the facade calls.
type Server interface {
	FetchCollection(ctx context.Context, coll models.Collection) ([]models.Record, error)
	CreateOrder(ctx context.Context, order models.Record) (models.Record, error)
	UpdateOrder(ctx context.Context, id string, patch models.Record) (models.Record, error)
	UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus) (models.Record, error)
	DeleteOrder(ctx context.Context, id string) error
	Do(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error)
}

// Gate decides where writes go. BeginWrite keeps the policy from being
// switched off while a write is in progress.
type Gate interface {
	IsEnabled() bool
	ValidateOperation(kind string) policy.Decision
	BeginWrite() func()
}

// Queue holds replays of offline writes.
type Queue interface {
	Enqueue(ctx context.Context, tmpl models.SyncQueueItem) (models.SyncQueueItem, error)
	ForRecord(ctx context.Context, coll models.Collection, recordID string) ([]models.SyncQueueItem, error)
	Remove(ctx context.Context, id string) error
}

// Connectivity reports whether the server is believed reachable.
type Connectivity interface {
	IsOnline() bool
}

// Change describes a completed write.
type Change struct {
	Collection models.Collection `json:"collection"`
	Method     string            `json:"method"`
	ID         string            `json:"id"`
	// Record is the stored copy; nil after a delete.
	Record models.Record `json:"record,omitempty"`
	Mode   policy.Mode   `json:"mode"`
}

// Handler receives changes of one collection.
type Handler func(Change)

// Deps are the collaborators of a Facade. Cache and Network are optional.
type Deps struct {
	Store   db.Store
	Server  Server
	Gate    Gate
	Queue   Queue
	Cache   *cache.Cache
	Network Connectivity
	Clock   func() time.Time
}

// Facade implements the read and write paths.
type Facade struct {
	store  db.Store
	server Server
	gate   Gate
	queue  Queue
	cache  *cache.Cache
	net    Connectivity
	now    func() time.Time

	mu        sync.RWMutex
	listeners map[models.Collection]map[int]Handler
	nextID    int
}

// New creates a Facade.
func New(deps Deps) (*Facade, error) {
	switch {
	case deps.Store == nil:
		return nil, apperrors.New(apperrors.ErrInvalid, "data access needs a store")
	case deps.Server == nil:
		return nil, apperrors.New(apperrors.ErrInvalid, "data access needs a server client")
	case deps.Gate == nil:
		return nil, apperrors.New(apperrors.ErrInvalid, "data access needs a sync policy gate")
	case deps.Queue == nil:
		return nil, apperrors.New(apperrors.ErrInvalid, "data access needs a sync queue")
	}
	f := &Facade{
		store:     deps.Store,
		server:    deps.Server,
		gate:      deps.Gate,
		queue:     deps.Queue,
		cache:     deps.Cache,
		net:       deps.Network,
		now:       deps.Clock,
		listeners: make(map[models.Collection]map[int]Handler),
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f, nil
}

// Subscribe registers handler for successful writes to coll. Handlers run
// synchronously after the local store has been updated. The returned
// function removes the subscription.
func (f *Facade) Subscribe(coll models.Collection, handler Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listeners[coll] == nil {
		f.listeners[coll] = make(map[int]Handler)
	}
	id := f.nextID
	f.nextID++
	f.listeners[coll][id] = handler
	return func() {
		f.mu.Lock()
		delete(f.listeners[coll], id)
		f.mu.Unlock()
	}
}

func (f *Facade) emit(c Change) {
	f.mu.RLock()
	handlers := make([]Handler, 0, len(f.listeners[c.Collection]))
	for _, h := range f.listeners[c.Collection] {
		handlers = append(handlers, h)
	}
	f.mu.RUnlock()

	for _, h := range handlers {
		h(c)
	}
}

func (f *Facade) online() bool {
	return f.net == nil || f.net.IsOnline()
}

func (f *Facade) invalidate(ctx context.Context, coll models.Collection) {
	if f.cache == nil {
		return
	}
	f.cache.Invalidate(ctx, string(coll))
	if kind := string(cache.KindOf(coll)); kind != string(coll) {
		f.cache.Invalidate(ctx, kind)
	}
}

func checkDataCollection(coll models.Collection) error {
	for _, c := range models.DataCollections {
		if c == coll {
			return nil
		}
	}
	return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown resource %q", coll))
}

func logFallback(msg string, coll models.Collection, err error) {
	logging.Warn(msg, map[string]interface{}{
		"collection": string(coll),
		"code":       string(apperrors.CodeOf(err)),
		"error":      err.Error(),
	})
}
