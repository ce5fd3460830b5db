package sync

import (
	"time"
)

// SyncEventType identifies a sync lifecycle event.
type SyncEventType string

const (
	SyncEventStarted     SyncEventType = "started"
	SyncEventCompleted   SyncEventType = "completed"
	SyncEventFailed      SyncEventType = "failed"
	SyncEventSkipped     SyncEventType = "skipped"
	SyncEventItemDropped SyncEventType = "item_dropped"
	SyncEventConflict    SyncEventType = "conflict"
)

// SyncEvent describes something that happened during a sync run.
type SyncEvent struct {
	Type      SyncEventType
	Kind      SyncKind
	Message   string
	ItemID    string
	Count     int
	Timestamp time.Time
}

// SyncEventHandler receives sync events. Handlers run synchronously on the
// syncing goroutine and must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(SyncEvent)

// OnSyncEvent calls f(event).
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) { f(event) }

// SyncErrorEntry is one failed operation kept in the error history.
type SyncErrorEntry struct {
	ItemID    string    `json:"item_id"`
	Operation string    `json:"operation"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

const maxErrorHistory = 100

// SetEventHandler sets the event handler; nil disables events.
func (e *Engine) SetEventHandler(h SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

func (e *Engine) emitEvent(event SyncEvent) {
	e.mu.RLock()
	h := e.handler
	e.mu.RUnlock()
	if h == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	h.OnSyncEvent(event)
}

func (e *Engine) recordError(itemID, operation string, err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.errorHistory = append(e.errorHistory, SyncErrorEntry{
		ItemID:    itemID,
		Operation: operation,
		Error:     err.Error(),
		Timestamp: e.now(),
	})
	if len(e.errorHistory) > maxErrorHistory {
		e.errorHistory = e.errorHistory[len(e.errorHistory)-maxErrorHistory:]
	}
}

// GetErrorHistory returns a copy of the recent error history, oldest first.
func (e *Engine) GetErrorHistory() []SyncErrorEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]SyncErrorEntry, len(e.errorHistory))
	copy(out, e.errorHistory)
	return out
}

// ClearErrorHistory empties the error history.
func (e *Engine) ClearErrorHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorHistory = nil
}
