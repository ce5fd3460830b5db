package db

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	apperrors "github.com/restopos/kotsync/internal/errors"
	"github.com/restopos/kotsync/internal/models"
)

// MemoryStore is a Store held entirely in process memory. Records are kept
// in their JSON encoding so values read back have the same types as those
// read from the SQLite repository.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[models.Collection]map[string][]byte
	meta      map[string]string
	conflicts []*models.ConflictLog
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[models.Collection]map[string][]byte),
		meta:    make(map[string]string),
	}
}

// Get retrieves a record by id.
func (m *MemoryStore) Get(_ context.Context, coll models.Collection, id string) (models.Record, error) {
	m.mu.RLock()
	data, ok := m.records[coll][id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeRecord(string(data))
}

// GetAll returns every record of a collection ordered by id.
func (m *MemoryStore) GetAll(_ context.Context, coll models.Collection) ([]models.Record, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.records[coll]))
	for id := range m.records[coll] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	encoded := make([][]byte, len(ids))
	for i, id := range ids {
		encoded[i] = m.records[coll][id]
	}
	m.mu.RUnlock()

	out := make([]models.Record, 0, len(encoded))
	for _, data := range encoded {
		rec, err := decodeRecord(string(data))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Put upserts a record keyed by its id.
func (m *MemoryStore) Put(_ context.Context, coll models.Collection, rec models.Record) (models.Record, error) {
	stored, err := prepareForPut(coll, rec)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "record is not JSON encodable", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[coll] == nil {
		m.records[coll] = make(map[string][]byte)
	}
	m.records[coll][stored.ID()] = data
	return stored, nil
}

// Delete removes a record.
func (m *MemoryStore) Delete(_ context.Context, coll models.Collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records[coll], id)
	return nil
}

// Clear removes every record of a collection.
func (m *MemoryStore) Clear(_ context.Context, coll models.Collection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, coll)
	return nil
}

// CountDirty returns how many records are not synced.
func (m *MemoryStore) CountDirty(ctx context.Context, coll models.Collection) (int, error) {
	recs, err := m.GetAll(ctx, coll)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if rec.IsDirty() {
			n++
		}
	}
	return n, nil
}

// GetMeta returns a scalar value.
func (m *MemoryStore) GetMeta(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.meta[key]
	return v, ok, nil
}

// SetMeta stores a scalar value.
func (m *MemoryStore) SetMeta(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[key] = value
	return nil
}

// CreateConflictLog creates a new conflict log entry.
func (m *MemoryStore) CreateConflictLog(_ context.Context, log *models.ConflictLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *log
	m.conflicts = append(m.conflicts, &copied)
	return nil
}

// ListConflictLogs returns the most recent conflict log entries.
func (m *MemoryStore) ListConflictLogs(_ context.Context, limit int) ([]*models.ConflictLog, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.ConflictLog, 0, limit)
	for i := len(m.conflicts) - 1; i >= 0 && len(out) < limit; i-- {
		copied := *m.conflicts[i]
		out = append(out, &copied)
	}
	return out, nil
}
