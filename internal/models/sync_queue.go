package models

import (
	"encoding/json"
	"net/url"
	"strings"
)

// SyncAction is the kind of mutation a queue item replays against the server.
type SyncAction string

const (
	ActionCreateOrder       SyncAction = "create_order"
	ActionUpdateOrderStatus SyncAction = "update_order_status"
	ActionUpdateOrder       SyncAction = "update_order"
	ActionDeleteOrder       SyncAction = "delete_order"
	ActionGenericRequest    SyncAction = "generic_request"
)

// Valid reports whether a is a known action.
func (a SyncAction) Valid() bool {
	switch a {
	case ActionCreateOrder, ActionUpdateOrderStatus, ActionUpdateOrder,
		ActionDeleteOrder, ActionGenericRequest:
		return true
	}
	return false
}

// Priority orders queue items during a drain.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// Rank returns a sort key; lower drains first.
func (p Priority) Rank() int {
	if p == PriorityHigh {
		return 0
	}
	return 1
}

// DefaultMaxRetries is the retry budget of a queue item.
const DefaultMaxRetries = 3

// SyncQueueItem is one pending mutation intended for the server. Values are
// treated as immutable; use WithIncrementedRetry to derive the next attempt.
type SyncQueueItem struct {
	ID         string     `json:"id"`
	Action     SyncAction `json:"action"`
	Collection Collection `json:"collection,omitempty"`
	RecordID   string     `json:"record_id,omitempty"`
	Payload    Record     `json:"payload,omitempty"`
	Method     string     `json:"method,omitempty"` // generic_request only
	Path       string     `json:"path,omitempty"`   // generic_request only
	Priority   Priority   `json:"priority"`
	CreatedAt  int64      `json:"created_at"`
	RetryCount int        `json:"retry_count"`
	MaxRetries int        `json:"max_retries"`
	LastError  string     `json:"last_error,omitempty"`
}

// WithIncrementedRetry returns a copy of the item with one more recorded
// failure.
func (i SyncQueueItem) WithIncrementedRetry(cause error) SyncQueueItem {
	next := i
	next.Payload = i.Payload.Clone()
	next.RetryCount = i.RetryCount + 1
	if cause != nil {
		next.LastError = cause.Error()
	}
	return next
}

// Remapped returns a copy of the item pointed at newID instead of oldID.
// A generic request path ending in the old id is rewritten as well.
func (i SyncQueueItem) Remapped(oldID, newID string) SyncQueueItem {
	next := i
	next.RecordID = newID
	if i.Payload != nil && i.Payload.ID() == oldID {
		next.Payload = i.Payload.Clone()
		next.Payload.SetID(newID)
	}
	if suffix := "/" + url.PathEscape(oldID); strings.HasSuffix(i.Path, suffix) {
		next.Path = strings.TrimSuffix(i.Path, suffix) + "/" + url.PathEscape(newID)
	}
	return next
}

// Deletes reports whether replaying the item removes the record.
func (i SyncQueueItem) Deletes() bool {
	return i.Action == ActionDeleteOrder ||
		(i.Action == ActionGenericRequest && strings.EqualFold(i.Method, "DELETE"))
}

// Exhausted reports whether the retry budget is spent.
func (i SyncQueueItem) Exhausted() bool {
	max := i.MaxRetries
	if max <= 0 {
		max = DefaultMaxRetries
	}
	return i.RetryCount >= max
}

// DrainsBefore reports whether i must be sent before other: high priority
// first, then FIFO by creation time.
func (i SyncQueueItem) DrainsBefore(other SyncQueueItem) bool {
	if i.Priority.Rank() != other.Priority.Rank() {
		return i.Priority.Rank() < other.Priority.Rank()
	}
	if i.CreatedAt != other.CreatedAt {
		return i.CreatedAt < other.CreatedAt
	}
	return i.ID < other.ID
}

// ToRecord converts the item for storage in the sync_queue collection.
func (i SyncQueueItem) ToRecord() (Record, error) {
	return RecordFrom(i)
}

// SyncQueueItemFromRecord decodes a stored queue item.
func SyncQueueItemFromRecord(r Record) (SyncQueueItem, error) {
	var item SyncQueueItem
	data, err := json.Marshal(r)
	if err != nil {
		return item, err
	}
	err = json.Unmarshal(data, &item)
	return item, err
}
