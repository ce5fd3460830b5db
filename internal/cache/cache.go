// Package cache serves hot reads from a bounded in-memory layer backed by
// the store's cache_entries collection.
//
// Read path for a key:
//  1. a fresh memory entry is returned as is;
//  2. a fresh store entry is promoted to memory and returned;
//  3. a store entry older than its TTL but within 2×TTL is promoted and
//     returned, and a background refresh is started;
//  4. anything else is fetched and written to both layers.
package cache

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/restopos/kotsync/internal/db"
	"github.com/restopos/kotsync/internal/logging"
	"github.com/restopos/kotsync/internal/models"
)

// Kind selects the TTL of an entry.
type Kind string

const (
	KindMenu      Kind = "menu"
	KindOrders    Kind = "orders"
	KindTables    Kind = "tables"
	KindDashboard Kind = "dashboard"
	KindSettings  Kind = "settings"
)

const (
	// DefaultCapacity is the memory layer's entry limit.
	DefaultCapacity = 1000
	// evictFraction of the entries are dropped when capacity is exceeded.
	evictFraction = 0.2
	// defaultRefreshTimeout bounds a background refresh.
	defaultRefreshTimeout = 10 * time.Second
)

// DefaultTTLs returns the default time-to-live per kind.
func DefaultTTLs() map[Kind]time.Duration {
	return map[Kind]time.Duration{
		KindMenu:      5 * time.Minute,
		KindOrders:    15 * time.Second,
		KindTables:    30 * time.Second,
		KindDashboard: 30 * time.Second,
		KindSettings:  30 * time.Minute,
	}
}

// KindOf maps a collection to its cache kind.
func KindOf(coll models.Collection) Kind {
	switch coll {
	case models.CollectionMenuItems:
		return KindMenu
	case models.CollectionOrders:
		return KindOrders
	case models.CollectionTables:
		return KindTables
	case models.CollectionDashboard:
		return KindDashboard
	case models.CollectionSettings:
		return KindSettings
	}
	return Kind(coll)
}

// Key builds a deterministic cache key from a logical query name and its
// filter parameters, e.g. Key("menu", {"cat": "Food"}) is "menu_cat_Food".
// Empty values are ignored.
func Key(name string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('_')
		b.WriteString(k)
		b.WriteByte('_')
		b.WriteString(params[k])
	}
	return b.String()
}

// FetchFunc loads the data of a key from its source.
type FetchFunc func(ctx context.Context) ([]models.Record, error)

type entry struct {
	kind        Kind
	data        []models.Record
	timestamp   time.Time
	accessCount int
	lastAccess  time.Time
}

// Stats describes the cache.
type Stats struct {
	Entries   int   `json:"entries"`
	Capacity  int   `json:"capacity"`
	Hits      int64 `json:"hits"`
	StoreHits int64 `json:"store_hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Refreshes int64 `json:"refreshes"`
}

// Cache is the two-layer read cache.
type Cache struct {
	store          db.Store
	ttls           map[Kind]time.Duration
	capacity       int
	now            func() time.Time
	refreshTimeout time.Duration

	mu         sync.RWMutex
	entries    map[string]*entry
	itemAccess map[string]time.Time

	refreshes sync.WaitGroup

	hits, storeHits, misses, evictions, refreshCount atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the TTL of one kind.
func WithTTL(kind Kind, ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttls[kind] = ttl
		}
	}
}

// WithCapacity overrides the memory layer's entry limit.
func WithCapacity(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache. A nil store keeps the cache in memory only.
func New(store db.Store, opts ...Option) *Cache {
	c := &Cache{
		store:          store,
		ttls:           DefaultTTLs(),
		capacity:       DefaultCapacity,
		now:            time.Now,
		refreshTimeout: defaultRefreshTimeout,
		entries:        make(map[string]*entry),
		itemAccess:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the time-to-live of kind.
func (c *Cache) TTL(kind Kind) time.Duration {
	if ttl, ok := c.ttls[kind]; ok {
		return ttl
	}
	return c.ttls[KindOrders]
}

// Get returns the data for key, fetching it when neither layer holds a
// usable entry.
func (c *Cache) Get(ctx context.Context, key string, kind Kind, fetch FetchFunc) ([]models.Record, error) {
	now := c.now()
	ttl := c.TTL(kind)

	var inMemory *entry
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if now.Sub(e.timestamp) <= ttl {
			e.accessCount++
			e.lastAccess = now
			data := cloneRecords(e.data)
			c.mu.Unlock()
			c.hits.Add(1)
			return data, nil
		}
		inMemory = &entry{kind: e.kind, data: e.data, timestamp: e.timestamp}
	}
	c.mu.Unlock()

	e := c.loadStored(ctx, key, kind)
	if e == nil {
		e = inMemory
	}
	if e != nil {
		age := now.Sub(e.timestamp)
		if age <= 2*ttl {
			c.storeHits.Add(1)
			c.promote(key, e, now)
			if age > ttl {
				c.refreshInBackground(ctx, key, kind, fetch)
			}
			return cloneRecords(e.data), nil
		}
	}

	c.misses.Add(1)
	data, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.Set(ctx, key, kind, data)
	return cloneRecords(data), nil
}

// Set writes data for key into both layers.
func (c *Cache) Set(ctx context.Context, key string, kind Kind, data []models.Record) {
	now := c.now()
	e := &entry{kind: kind, data: cloneRecords(data), timestamp: now, lastAccess: now, accessCount: 1}
	c.promote(key, e, now)
	c.persist(ctx, key, e)
}

// Touch records an access to the item id, boosting it in Search.
func (c *Cache) Touch(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.itemAccess[id] = c.now()
	if len(c.itemAccess) > c.capacity {
		c.pruneItemAccess()
	}
}

// Invalidate drops every entry whose key starts with prefix from both
// layers and returns how many memory entries were removed.
func (c *Cache) Invalidate(ctx context.Context, prefix string) int {
	c.mu.Lock()
	n := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			n++
		}
	}
	c.mu.Unlock()

	if c.store == nil {
		return n
	}
	stored, err := c.store.GetAll(ctx, models.CollectionCache)
	if err != nil {
		logging.Warn("cache invalidation skipped store layer", map[string]interface{}{
			"prefix": prefix,
			"error":  err.Error(),
		})
		return n
	}
	for _, rec := range stored {
		if !strings.HasPrefix(rec.ID(), prefix) {
			continue
		}
		if err := c.store.Delete(ctx, models.CollectionCache, rec.ID()); err != nil {
			logging.Warn("failed to drop stored cache entry", map[string]interface{}{
				"key":   rec.ID(),
				"error": err.Error(),
			})
		}
	}
	return n
}

// Stats returns counters and the current size.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()
	return Stats{
		Entries:   size,
		Capacity:  c.capacity,
		Hits:      c.hits.Load(),
		StoreHits: c.storeHits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Refreshes: c.refreshCount.Load(),
	}
}

// Wait blocks until background refreshes started so far have finished.
func (c *Cache) Wait() {
	c.refreshes.Wait()
}

func (c *Cache) promote(key string, e *entry, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.entries[key]; ok {
		e.accessCount += prev.accessCount
	}
	e.lastAccess = now
	c.entries[key] = e
	if len(c.entries) > c.capacity {
		c.evict(now)
	}
}

// evict drops the lowest-scoring fifth of the entries. Score is the access
// count weighted down by the minutes since the last access.
func (c *Cache) evict(now time.Time) {
	type scored struct {
		key   string
		score float64
	}
	all := make([]scored, 0, len(c.entries))
	for key, e := range c.entries {
		idle := now.Sub(e.lastAccess).Minutes()
		if idle < 0 {
			idle = 0
		}
		all = append(all, scored{key: key, score: float64(e.accessCount) / (1 + idle)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score < all[j].score
		}
		return all[i].key < all[j].key
	})

	n := int(float64(len(all)) * evictFraction)
	if n < 1 {
		n = 1
	}
	for _, s := range all[:n] {
		delete(c.entries, s.key)
	}
	c.evictions.Add(int64(n))
	logging.Debug("cache entries evicted", map[string]interface{}{"count": n, "remaining": len(c.entries)})
}

func (c *Cache) pruneItemAccess() {
	type access struct {
		id string
		at time.Time
	}
	all := make([]access, 0, len(c.itemAccess))
	for id, at := range c.itemAccess {
		all = append(all, access{id, at})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for _, a := range all[:len(all)-c.capacity] {
		delete(c.itemAccess, a.id)
	}
}

func (c *Cache) refreshInBackground(ctx context.Context, key string, kind Kind, fetch FetchFunc) {
	c.refreshes.Add(1)
	go func() {
		defer c.refreshes.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
		defer cancel()

		data, err := fetch(rctx)
		if err != nil {
			logging.Debug("background cache refresh failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			return
		}
		c.refreshCount.Add(1)
		c.Set(rctx, key, kind, data)
	}()
}

// stored cache entry fields
const (
	fieldKind      = "kind"
	fieldTimestamp = "timestamp"
	fieldData      = "data"
)

func (c *Cache) loadStored(ctx context.Context, key string, kind Kind) *entry {
	if c.store == nil {
		return nil
	}
	rec, err := c.store.Get(ctx, models.CollectionCache, key)
	if err != nil {
		logging.Warn("cache store read failed", map[string]interface{}{"key": key, "error": err.Error()})
		return nil
	}
	if rec == nil {
		return nil
	}

	raw, err := json.Marshal(rec[fieldData])
	if err != nil {
		return nil
	}
	var data []models.Record
	if err := json.Unmarshal(raw, &data); err != nil {
		logging.Warn("stored cache entry is corrupt", map[string]interface{}{"key": key})
		return nil
	}
	return &entry{
		kind:      kind,
		data:      data,
		timestamp: time.UnixMilli(int64(rec.Float(fieldTimestamp))),
	}
}

func (c *Cache) persist(ctx context.Context, key string, e *entry) {
	if c.store == nil {
		return
	}
	rec := models.Record{
		models.FieldID: key,
		fieldKind:      string(e.kind),
		fieldTimestamp: e.timestamp.UnixMilli(),
		fieldData:      e.data,
	}
	if _, err := c.store.Put(ctx, models.CollectionCache, rec); err != nil {
		logging.Warn("cache store write failed", map[string]interface{}{"key": key, "error": err.Error()})
	}
}

func cloneRecords(in []models.Record) []models.Record {
	if in == nil {
		return nil
	}
	out := make([]models.Record, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
