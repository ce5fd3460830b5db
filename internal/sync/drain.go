package sync

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/restopos/kotsync/internal/errors"
	"github.com/restopos/kotsync/internal/logging"
	"github.com/restopos/kotsync/internal/models"
	"github.com/restopos/kotsync/internal/notify"
	"github.com/restopos/kotsync/internal/uuid"
)

// DrainResult counts what one pass over the queue did.
type DrainResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
	// Blocked items were held back because an earlier item for the same
	// record failed in this pass.
	Blocked   int    `json:"blocked"`
	Remaining int    `json:"remaining"`
	LastError string `json:"last_error,omitempty"`

	lastErr error
}

// Drain sends every queued item to the server in priority-then-FIFO order.
// Failures are recorded per item and never stop the pass; the returned
// error is reserved for local storage failures.
func (e *Engine) Drain(ctx context.Context) (DrainResult, error) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()
	return e.drain(ctx)
}

// ForceDrain pushes every unsynced change: queued items and dirty orders
// with no queued item. It fails with SYNC_DRAIN_FAILED unless both sets are
// empty afterwards.
func (e *Engine) ForceDrain(ctx context.Context) error {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	requeued, err := e.requeueDirtyOrders(ctx)
	if err != nil {
		return apperrors.DrainFailed(requeued, err)
	}

	res, err := e.drain(ctx)
	if err != nil {
		return apperrors.DrainFailed(res.Remaining, err)
	}
	lastErr := res.lastErr

	remaining, err := e.unsyncedCount(ctx)
	if err != nil {
		return apperrors.DrainFailed(res.Remaining, err)
	}
	if remaining > 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("%d change(s) still unsynced", remaining)
		}
		logging.Warn("force drain left unsynced changes", map[string]interface{}{
			"remaining": remaining,
			"failed":    res.Failed,
			"dropped":   res.Dropped,
		})
		return apperrors.DrainFailed(remaining, lastErr)
	}

	logging.Info("force drain completed", map[string]interface{}{"sent": res.Succeeded, "requeued": requeued})
	return nil
}

func (e *Engine) drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	items, err := e.queue.Pending(ctx)
	if err != nil {
		return res, err
	}

	blocked := make(map[string]bool)
	var lastErr error
	for idx := 0; idx < len(items); idx++ {
		item := items[idx]
		if err := ctx.Err(); err != nil {
			lastErr = apperrors.Wrap(apperrors.ErrNetwork, "drain interrupted", err)
			break
		}
		key := recordKey(item.Collection, item.RecordID)
		if key != "" && blocked[key] {
			res.Blocked++
			continue
		}

		res.Processed++
		ack, sendErr := e.dispatch(ctx, item)
		if sendErr != nil {
			lastErr = sendErr
			res.Failed++
			if key != "" {
				blocked[key] = true
			}
			e.recordError(item.RecordID, string(item.Action), sendErr)

			next, exhausted, err := e.queue.Fail(ctx, item, sendErr)
			if err != nil {
				return res, err
			}
			if exhausted {
				res.Dropped++
				e.surfaceDropped(next)
			}
			continue
		}

		if err := e.applyAck(ctx, item, ack, items[idx+1:]); err != nil {
			return res, err
		}
		res.Succeeded++
	}

	res.lastErr = lastErr
	if lastErr != nil {
		res.LastError = lastErr.Error()
	}
	size, err := e.queue.Size(ctx)
	if err != nil {
		return res, err
	}
	res.Remaining = size

	if res.Processed > 0 {
		logging.Info("sync queue drained", map[string]interface{}{
			"processed": res.Processed,
			"succeeded": res.Succeeded,
			"failed":    res.Failed,
			"dropped":   res.Dropped,
			"blocked":   res.Blocked,
			"remaining": res.Remaining,
		})
	}
	return res, nil
}

// dispatch sends one queued mutation and returns the server's copy of the
// record, when it sent one.
func (e *Engine) dispatch(ctx context.Context, item models.SyncQueueItem) (models.Record, error) {
	payload := outbound(item.Payload)

	switch item.Action {
	case models.ActionCreateOrder:
		return e.server.CreateOrder(ctx, payload)
	case models.ActionUpdateOrder:
		return e.server.UpdateOrder(ctx, item.RecordID, payload)
	case models.ActionUpdateOrderStatus:
		status := models.OrderStatus(item.Payload.String(models.FieldStatus))
		return e.server.UpdateOrderStatus(ctx, item.RecordID, status)
	case models.ActionDeleteOrder:
		return nil, e.server.DeleteOrder(ctx, item.RecordID)
	case models.ActionGenericRequest:
		var body interface{}
		if len(payload) > 0 {
			body = payload
		}
		raw, err := e.server.Do(ctx, item.Method, item.Path, body)
		if err != nil {
			return nil, err
		}
		var rec models.Record
		if len(raw) > 0 && json.Unmarshal(raw, &rec) == nil && rec.ID() != "" {
			rec.NormalizeID()
			return rec, nil
		}
		return nil, nil
	}
	return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown sync action %q", item.Action))
}

// outbound strips local bookkeeping and offline ids from a payload.
func outbound(payload models.Record) models.Record {
	out := payload.Clone()
	if out == nil {
		return models.Record{}
	}
	delete(out, models.FieldSyncStatus)
	delete(out, models.FieldLastModified)
	if uuid.IsOfflineID(out.ID()) {
		delete(out, models.FieldID)
	}
	return out
}

// applyAck completes an acknowledged item and brings the local record in
// line with the server. rest holds the items not yet processed in this pass;
// their record ids are rewritten in place when the server assigned a new id.
func (e *Engine) applyAck(ctx context.Context, item models.SyncQueueItem, ack models.Record, rest []models.SyncQueueItem) error {
	coll, recordID := item.Collection, item.RecordID

	var local models.Record
	if coll != "" && recordID != "" {
		var err error
		if local, err = e.store.Get(ctx, coll, recordID); err != nil {
			return err
		}
	}

	if recordID != "" && ack != nil && ack.ID() != "" && ack.ID() != recordID {
		newID := ack.ID()
		if _, err := e.queue.Remap(ctx, coll, recordID, newID); err != nil {
			return err
		}
		for i := range rest {
			if rest[i].Collection == coll && rest[i].RecordID == recordID {
				rest[i] = rest[i].Remapped(recordID, newID)
			}
		}
		if err := e.store.Delete(ctx, coll, recordID); err != nil {
			return err
		}
		logging.Info("offline record assigned server id", map[string]interface{}{
			"collection": string(coll),
			"offline_id": recordID,
			"server_id":  newID,
		})
		recordID = newID
	}

	if err := e.queue.Complete(ctx, item.ID); err != nil {
		return err
	}
	if coll == "" || recordID == "" {
		return nil
	}
	if item.Deletes() {
		return e.store.Delete(ctx, coll, recordID)
	}

	if hasPendingFor(rest, coll, recordID) {
		// Later edits are still queued; keep the local copy dirty.
		keep := firstRecord(local, ack, item.Payload)
		if keep == nil {
			return nil
		}
		keep = keep.Clone()
		keep.SetID(recordID)
		keep.SetSyncStatus(models.SyncStatusPending)
		_, err := e.store.Put(ctx, coll, keep)
		return err
	}

	synced := firstRecord(ack, local, item.Payload)
	if synced == nil {
		return nil
	}
	synced = synced.Clone()
	synced.SetID(recordID)
	synced.SetSyncStatus(models.SyncStatusSynced)
	if ms := synced.ServerModified(); ms > 0 && ack != nil {
		synced[models.FieldLastModified] = ms
	} else {
		synced.Touch(e.now())
	}
	_, err := e.store.Put(ctx, coll, synced)
	return err
}

func firstRecord(recs ...models.Record) models.Record {
	for _, r := range recs {
		if r != nil {
			return r
		}
	}
	return nil
}

// requeueDirtyOrders enqueues a high-priority push for every dirty order
// that has no queued item, and returns how many it queued.
func (e *Engine) requeueDirtyOrders(ctx context.Context) (int, error) {
	orders, err := e.store.GetAll(ctx, models.CollectionOrders)
	if err != nil {
		return 0, err
	}
	queued, err := e.queuedRecords(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, o := range orders {
		if !o.IsDirty() || queued[recordKey(models.CollectionOrders, o.ID())] {
			continue
		}
		action := models.ActionUpdateOrder
		if o.SyncStatus() == models.SyncStatusOfflineCreated || uuid.IsOfflineID(o.ID()) {
			action = models.ActionCreateOrder
		}
		if _, err := e.queue.Enqueue(ctx, models.SyncQueueItem{
			Action:     action,
			Collection: models.CollectionOrders,
			RecordID:   o.ID(),
			Payload:    o,
			Priority:   models.PriorityHigh,
		}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// unsyncedCount returns queued items plus dirty orders with no queued item.
func (e *Engine) unsyncedCount(ctx context.Context) (int, error) {
	items, err := e.queue.Pending(ctx)
	if err != nil {
		return 0, err
	}
	queued, err := e.queuedRecords(ctx)
	if err != nil {
		return 0, err
	}
	orders, err := e.store.GetAll(ctx, models.CollectionOrders)
	if err != nil {
		return 0, err
	}
	n := len(items)
	for _, o := range orders {
		if o.IsDirty() && !queued[recordKey(models.CollectionOrders, o.ID())] {
			n++
		}
	}
	return n, nil
}

func (e *Engine) queuedRecords(ctx context.Context) (map[string]bool, error) {
	items, err := e.queue.Pending(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(items))
	for _, it := range items {
		if key := recordKey(it.Collection, it.RecordID); key != "" {
			out[key] = true
		}
	}
	return out, nil
}

func (e *Engine) surfaceDropped(item models.SyncQueueItem) {
	target := item.RecordID
	if target == "" {
		target = item.Method + " " + item.Path
	}
	e.publish(notify.Notification{
		Level:      notify.LevelError,
		Title:      "Change could not be synced",
		Message:    fmt.Sprintf("%s for %s was dropped after %d failed attempts and is kept only on this device: %s", item.Action, target, item.RetryCount, item.LastError),
		Code:       string(apperrors.ErrMaxRetriesExceeded),
		Persistent: true,
		Data: map[string]interface{}{
			"item_id":    item.ID,
			"action":     string(item.Action),
			"collection": string(item.Collection),
			"record_id":  item.RecordID,
		},
	})
	e.emitEvent(SyncEvent{Type: SyncEventItemDropped, ItemID: item.ID, Message: item.LastError})
}

func hasPendingFor(items []models.SyncQueueItem, coll models.Collection, recordID string) bool {
	for _, it := range items {
		if it.Collection == coll && it.RecordID == recordID {
			return true
		}
	}
	return false
}

func recordKey(coll models.Collection, id string) string {
	if coll == "" || id == "" {
		return ""
	}
	return string(coll) + "/" + id
}
