// Package models provides data model definitions for the kotsync data layer.
package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SyncStatus tracks whether the local copy of a record has been acknowledged
// by the server.
type SyncStatus string

const (
	SyncStatusSynced         SyncStatus = "synced"
	SyncStatusPending        SyncStatus = "pending"
	SyncStatusOfflineCreated SyncStatus = "offline_created"
)

// Valid reports whether s is a known sync status.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusSynced, SyncStatusPending, SyncStatusOfflineCreated:
		return true
	}
	return false
}

// Collection names a keyed collection in the local store.
type Collection string

const (
	CollectionOrders    Collection = "orders"
	CollectionMenuItems Collection = "menu_items"
	CollectionTables    Collection = "tables"
	CollectionDashboard Collection = "dashboard_stats"
	CollectionSettings  Collection = "business_settings"
	CollectionSyncQueue Collection = "sync_queue"
	CollectionCache     Collection = "cache_entries"
)

// DataCollections are the server-backed collections, in refresh order.
var DataCollections = []Collection{
	CollectionOrders,
	CollectionMenuItems,
	CollectionTables,
	CollectionDashboard,
	CollectionSettings,
}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	switch c {
	case CollectionOrders, CollectionMenuItems, CollectionTables, CollectionDashboard,
		CollectionSettings, CollectionSyncQueue, CollectionCache:
		return true
	}
	return false
}

// Record field names shared by every entity kind.
const (
	FieldID           = "id"
	FieldSyncStatus   = "sync_status"
	FieldLastModified = "last_modified"
	FieldUpdatedAt    = "updated_at"
	FieldStatus       = "status"
)

// Record is a server-backed entity: a mapping from field name to value that
// always carries id, sync_status and last_modified.
type Record map[string]interface{}

// ID returns the record identifier as a string. Numeric ids issued by the
// server are formatted without a fractional part.
func (r Record) ID() string {
	return stringify(r[FieldID])
}

// SetID stores id as the record identifier.
func (r Record) SetID(id string) {
	r[FieldID] = id
}

// NormalizeID rewrites a non-string id into its string form.
func (r Record) NormalizeID() {
	if v, ok := r[FieldID]; ok && v != nil {
		if _, isString := v.(string); !isString {
			r[FieldID] = stringify(v)
		}
	}
}

// SyncStatus returns the record's sync status. Records without one are
// treated as synced, since only local mutations set the dirty states.
func (r Record) SyncStatus() SyncStatus {
	if s, ok := r[FieldSyncStatus].(string); ok && s != "" {
		return SyncStatus(s)
	}
	if s, ok := r[FieldSyncStatus].(SyncStatus); ok && s != "" {
		return s
	}
	return SyncStatusSynced
}

// SetSyncStatus sets the record's sync status.
func (r Record) SetSyncStatus(s SyncStatus) {
	r[FieldSyncStatus] = string(s)
}

// IsDirty reports whether the local copy has not been acknowledged by the server.
func (r Record) IsDirty() bool {
	return r.SyncStatus() != SyncStatusSynced
}

// LastModified returns the local modification time in unix milliseconds.
func (r Record) LastModified() int64 {
	return toMillis(r[FieldLastModified])
}

// Touch stamps the record with a modification time strictly greater than
// its previous one.
func (r Record) Touch(now time.Time) {
	ms := now.UnixMilli()
	if prev := r.LastModified(); ms <= prev {
		ms = prev + 1
	}
	r[FieldLastModified] = ms
}

// ServerModified returns the server's modification time in unix
// milliseconds, read from updated_at and falling back to last_modified.
func (r Record) ServerModified() int64 {
	if v, ok := r[FieldUpdatedAt]; ok && v != nil {
		if ms := toMillis(v); ms > 0 {
			return ms
		}
	}
	return r.LastModified()
}

// String returns the string value of a field, or "".
func (r Record) String(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	return stringify(v)
}

// Float returns the numeric value of a field, or 0.
func (r Record) Float(field string) float64 {
	f, _ := toFloat(r[field])
	return f
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return deepCopy(map[string]interface{}(r)).(map[string]interface{})
}

// Merge returns a copy of r with the fields of patch applied on top.
func (r Record) Merge(patch Record) Record {
	out := r.Clone()
	if out == nil {
		out = Record{}
	}
	for k, v := range patch {
		out[k] = deepCopy(v)
	}
	return out
}

// Decode unmarshals the record into v via its JSON form.
func (r Record) Decode(v interface{}) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// normalized returns r with a string id, copying only when needed.
func normalized(r Record) Record {
	if _, ok := r[FieldID].(string); ok || r[FieldID] == nil {
		return r
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	out.NormalizeID()
	return out
}

// RecordFrom converts a JSON-tagged struct into a Record.
func RecordFrom(v interface{}) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case Record:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return Record(out)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// toMillis reads a timestamp that may be unix millis, unix seconds or an
// RFC 3339 string.
func toMillis(v interface{}) int64 {
	if s, ok := v.(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UnixMilli()
		}
	}
	f, ok := toFloat(v)
	if !ok {
		return 0
	}
	ms := int64(f)
	// Anything below year 2001 in millis is a unix-seconds value.
	if ms > 0 && ms < 1_000_000_000_000 {
		ms *= 1000
	}
	return ms
}
