// Package models tests for data model definitions.
package models

import (
	"errors"
	"testing"
	"time"
)

// =====================================================
// Record Tests
// =====================================================

func TestRecord_ID(t *testing.T) {
	tests := []struct {
		name string
		id   interface{}
		want string
	}{
		{"string", "ord-1", "ord-1"},
		{"server float", float64(42), "42"},
		{"int", 7, "7"},
		{"missing", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Record{}
			if tt.id != nil {
				r[FieldID] = tt.id
			}
			if got := r.ID(); got != tt.want {
				t.Errorf("ID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRecord_NormalizeID(t *testing.T) {
	r := Record{FieldID: float64(1234)}
	r.NormalizeID()
	if got, ok := r[FieldID].(string); !ok || got != "1234" {
		t.Errorf("id = %#v, want \"1234\"", r[FieldID])
	}

	empty := Record{}
	empty.NormalizeID()
	if _, ok := empty[FieldID]; ok {
		t.Error("NormalizeID should not add an id")
	}
}

func TestRecord_SyncStatus(t *testing.T) {
	r := Record{}
	if r.SyncStatus() != SyncStatusSynced {
		t.Errorf("default status = %q, want synced", r.SyncStatus())
	}
	if r.IsDirty() {
		t.Error("record without status should not be dirty")
	}

	r.SetSyncStatus(SyncStatusOfflineCreated)
	if r.SyncStatus() != SyncStatusOfflineCreated || !r.IsDirty() {
		t.Errorf("status = %q, dirty = %v", r.SyncStatus(), r.IsDirty())
	}
	if SyncStatus("lost").Valid() {
		t.Error("unknown status should not be valid")
	}
}

func TestRecord_TouchIsMonotonic(t *testing.T) {
	r := Record{}
	r.Touch(time.UnixMilli(5000))
	if r.LastModified() != 5000 {
		t.Fatalf("LastModified() = %d, want 5000", r.LastModified())
	}

	// A clock that went backwards still moves the record forward.
	r.Touch(time.UnixMilli(4000))
	if r.LastModified() != 5001 {
		t.Errorf("LastModified() = %d, want 5001", r.LastModified())
	}
	r.Touch(time.UnixMilli(5001))
	if r.LastModified() != 5002 {
		t.Errorf("LastModified() = %d, want 5002", r.LastModified())
	}
}

func TestRecord_Timestamps(t *testing.T) {
	rfc := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		rec  Record
		want int64
	}{
		{"updated_at rfc3339", Record{FieldUpdatedAt: rfc.Format(time.RFC3339)}, rfc.UnixMilli()},
		{"updated_at seconds", Record{FieldUpdatedAt: float64(1_700_000_000)}, 1_700_000_000_000},
		{"falls back to last_modified", Record{FieldLastModified: float64(1_700_000_000_123)}, 1_700_000_000_123},
		{"unparseable", Record{FieldUpdatedAt: "yesterday"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.ServerModified(); got != tt.want {
				t.Errorf("ServerModified() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRecord_CloneIsDeep(t *testing.T) {
	orig := Record{
		FieldID: "o1",
		"items": []interface{}{map[string]interface{}{"name": "Tea"}},
		"meta":  map[string]interface{}{"source": "pos"},
	}
	cp := orig.Clone()
	cp["items"].([]interface{})[0].(map[string]interface{})["name"] = "Coffee"
	cp["meta"].(map[string]interface{})["source"] = "web"

	item := orig["items"].([]interface{})[0].(map[string]interface{})
	if item["name"] != "Tea" {
		t.Errorf("clone shares items with original")
	}
	if orig["meta"].(map[string]interface{})["source"] != "pos" {
		t.Errorf("clone shares nested map with original")
	}
	if Record(nil).Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}

func TestRecord_Merge(t *testing.T) {
	base := Record{FieldID: "o1", "status": "pending", "notes": "no onion"}
	out := base.Merge(Record{"status": "ready"})

	if out.String("status") != "ready" || out.String("notes") != "no onion" {
		t.Errorf("Merge() = %v", out)
	}
	if base.String("status") != "pending" {
		t.Error("Merge must not modify the receiver")
	}
	if got := Record(nil).Merge(Record{"a": 1}); got.String("a") != "1" {
		t.Errorf("Merge on nil = %v", got)
	}
}

func TestRecord_Accessors(t *testing.T) {
	r := Record{"price": "12.50", "qty": float64(3), "name": "Dosa"}
	if r.Float("price") != 12.5 {
		t.Errorf("Float(price) = %v", r.Float("price"))
	}
	if r.String("qty") != "3" {
		t.Errorf("String(qty) = %q", r.String("qty"))
	}
	if r.Float("name") != 0 || r.String("missing") != "" {
		t.Error("non-numeric and missing fields should read as zero values")
	}
}

func TestCollection_Valid(t *testing.T) {
	for _, c := range DataCollections {
		if !c.Valid() {
			t.Errorf("%q should be valid", c)
		}
	}
	if !CollectionSyncQueue.Valid() {
		t.Error("sync_queue should be valid")
	}
	if Collection("customers").Valid() {
		t.Error("customers should not be valid")
	}
}

// =====================================================
// Order Tests
// =====================================================

func TestOrder_Totals(t *testing.T) {
	rec := Record{
		FieldID: "o1",
		"items": []interface{}{
			map[string]interface{}{"id": "tea", "name": "Tea", "price": 2.5, "quantity": float64(2)},
			map[string]interface{}{"id": "vada", "name": "Vada", "price": 4.0, "quantity": float64(1)},
		},
		"total": 9.0,
	}
	o, err := OrderFromRecord(rec)
	if err != nil {
		t.Fatalf("OrderFromRecord() error = %v", err)
	}
	if o.ItemsTotal() != 9.0 {
		t.Errorf("ItemsTotal() = %v, want 9", o.ItemsTotal())
	}
	if !o.TotalMatches() {
		t.Error("TotalMatches() should be true")
	}

	o.Total = 9.005
	if !o.TotalMatches() {
		t.Error("difference within tolerance should match")
	}
	o.Total = 9.5
	if o.TotalMatches() {
		t.Error("TotalMatches() should be false for 9.5")
	}
}

func TestOrderStatus_Valid(t *testing.T) {
	for _, s := range []OrderStatus{OrderStatusPending, OrderStatusPreparing, OrderStatusReady,
		OrderStatusCompleted, OrderStatusCancelled} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if OrderStatus("served").Valid() {
		t.Error("served should not be valid")
	}
}

func TestMenuItemFromRecord_NumericID(t *testing.T) {
	rec := Record{FieldID: float64(12), "name": "Idli", "price": 3.0}
	m, err := MenuItemFromRecord(rec)
	if err != nil {
		t.Fatalf("MenuItemFromRecord() error = %v", err)
	}
	if m.ID != "12" || m.Name != "Idli" || m.Price != 3 {
		t.Errorf("MenuItemFromRecord() = %+v", m)
	}
	if _, ok := rec[FieldID].(float64); !ok {
		t.Error("source record must not be modified")
	}
}

// =====================================================
// SyncQueueItem Tests
// =====================================================

func TestSyncQueueItem_WithIncrementedRetry(t *testing.T) {
	item := SyncQueueItem{ID: "q1", Action: ActionCreateOrder, Payload: Record{FieldID: "o1"}}
	next := item.WithIncrementedRetry(errors.New("timeout"))

	if next.RetryCount != 1 || next.LastError != "timeout" {
		t.Errorf("next = %+v", next)
	}
	if item.RetryCount != 0 || item.LastError != "" {
		t.Error("original item must not change")
	}
	next.Payload["total"] = 5.0
	if _, ok := item.Payload["total"]; ok {
		t.Error("payload must be copied")
	}
}

func TestSyncQueueItem_Exhausted(t *testing.T) {
	tests := []struct {
		retries, max int
		want         bool
	}{
		{2, 0, false},
		{3, 0, true},
		{1, 1, true},
		{4, 5, false},
	}
	for _, tt := range tests {
		item := SyncQueueItem{RetryCount: tt.retries, MaxRetries: tt.max}
		if got := item.Exhausted(); got != tt.want {
			t.Errorf("Exhausted(retries=%d, max=%d) = %v, want %v", tt.retries, tt.max, got, tt.want)
		}
	}
}

func TestSyncQueueItem_Remapped(t *testing.T) {
	item := SyncQueueItem{
		ID:       "q1",
		Action:   ActionGenericRequest,
		RecordID: "tmp-1",
		Payload:  Record{FieldID: "tmp-1", "status": "ready"},
		Method:   "PUT",
		Path:     "/api/orders/tmp-1",
	}
	next := item.Remapped("tmp-1", "501")

	if next.RecordID != "501" || next.Payload.ID() != "501" || next.Path != "/api/orders/501" {
		t.Errorf("Remapped() = %+v", next)
	}
	if item.Payload.ID() != "tmp-1" || item.Path != "/api/orders/tmp-1" {
		t.Error("original item must not change")
	}

	other := SyncQueueItem{RecordID: "tmp-1", Path: "/api/orders/tmp-10"}
	if got := other.Remapped("tmp-1", "501").Path; got != "/api/orders/tmp-10" {
		t.Errorf("unrelated path rewritten to %q", got)
	}
}

func TestSyncQueueItem_Deletes(t *testing.T) {
	tests := []struct {
		item SyncQueueItem
		want bool
	}{
		{SyncQueueItem{Action: ActionDeleteOrder}, true},
		{SyncQueueItem{Action: ActionGenericRequest, Method: "delete"}, true},
		{SyncQueueItem{Action: ActionGenericRequest, Method: "PUT"}, false},
		{SyncQueueItem{Action: ActionUpdateOrder}, false},
	}
	for _, tt := range tests {
		if got := tt.item.Deletes(); got != tt.want {
			t.Errorf("Deletes(%s %s) = %v, want %v", tt.item.Action, tt.item.Method, got, tt.want)
		}
	}
}

func TestSyncQueueItem_DrainsBefore(t *testing.T) {
	early := SyncQueueItem{ID: "a", Priority: PriorityNormal, CreatedAt: 100}
	late := SyncQueueItem{ID: "b", Priority: PriorityNormal, CreatedAt: 200}
	urgent := SyncQueueItem{ID: "c", Priority: PriorityHigh, CreatedAt: 300}

	if !early.DrainsBefore(late) || late.DrainsBefore(early) {
		t.Error("same priority should drain in creation order")
	}
	if !urgent.DrainsBefore(early) {
		t.Error("high priority should drain first")
	}
	tie := SyncQueueItem{ID: "b", Priority: PriorityNormal, CreatedAt: 100}
	if !early.DrainsBefore(tie) {
		t.Error("equal timestamps should order by id")
	}
}

func TestSyncQueueItem_Record(t *testing.T) {
	item := SyncQueueItem{
		ID:         "q1",
		Action:     ActionUpdateOrderStatus,
		Collection: CollectionOrders,
		RecordID:   "o1",
		Payload:    Record{"status": "ready"},
		Priority:   PriorityHigh,
		CreatedAt:  1_700_000_000_000,
		MaxRetries: DefaultMaxRetries,
	}
	rec, err := item.ToRecord()
	if err != nil {
		t.Fatalf("ToRecord() error = %v", err)
	}
	if rec.ID() != "q1" {
		t.Errorf("record id = %q", rec.ID())
	}

	got, err := SyncQueueItemFromRecord(rec)
	if err != nil {
		t.Fatalf("SyncQueueItemFromRecord() error = %v", err)
	}
	if got.CreatedAt != item.CreatedAt || got.Priority != PriorityHigh || got.Payload.String("status") != "ready" {
		t.Errorf("decoded = %+v", got)
	}
	if !got.Action.Valid() || SyncAction("refund").Valid() {
		t.Error("action validity mismatch")
	}
}

// =====================================================
// Sync Policy Tests
// =====================================================

func TestDefaultSyncPolicyState(t *testing.T) {
	s := DefaultSyncPolicyState()
	if !s.Enabled || s.OfflineAllowed() {
		t.Errorf("default state = %+v", s)
	}
	s.Enabled = false
	if !s.OfflineAllowed() {
		t.Error("disabled sync should allow offline writes")
	}
}

func TestTimestampHelpers(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	entry := AuditEntry{Timestamp: at.UnixMilli()}
	if !entry.Time().Equal(at) {
		t.Errorf("AuditEntry.Time() = %v", entry.Time())
	}
	log := ConflictLog{DetectedAt: at.UnixMilli()}
	if !log.DetectedAtTime().Equal(at) {
		t.Errorf("DetectedAtTime() = %v", log.DetectedAtTime())
	}
}
