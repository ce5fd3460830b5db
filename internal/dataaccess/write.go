package dataaccess

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	apperrors "github.com/restopos/kotsync/internal/errors"
	"github.com/restopos/kotsync/internal/logging"
	"github.com/restopos/kotsync/internal/models"
	"github.com/restopos/kotsync/internal/remote"
	"github.com/restopos/kotsync/internal/sync/policy"
	"github.com/restopos/kotsync/internal/uuid"
	"github.com/restopos/kotsync/internal/validation"
)

// writeOp is a validated write.
type writeOp struct {
	coll   models.Collection
	method string
	action models.SyncAction
	id     string
	// current is the stored record before the write, if any.
	current models.Record
	// record is the full record after the write; nil for deletes.
	record models.Record
	// body is what is sent to the server.
	body models.Record
}

// Write validates payload and applies it as a create (POST), update (PUT or
// PATCH) or delete (DELETE) of a coll record. It returns the stored copy,
// which is nil after a delete.
func (f *Facade) Write(ctx context.Context, coll models.Collection, payload models.Record, method string) (models.Record, error) {
	op, err := f.prepare(ctx, coll, payload, method)
	if err != nil {
		return nil, err
	}

	done := f.gate.BeginWrite()
	defer done()
	decision := f.gate.ValidateOperation(string(op.action))
	if !decision.Allowed {
		return nil, apperrors.New(apperrors.ErrOperationBlocked, decision.Reason)
	}

	mode := policy.ModeOffline
	var stored models.Record
	if decision.Mode == policy.ModeOnline && f.online() {
		behind, err := f.behindQueue(ctx, op)
		if err != nil {
			return nil, err
		}
		if behind {
			logging.Debug("earlier edits still queued, keeping write offline", map[string]interface{}{
				"collection": string(coll),
				"id":         op.id,
			})
		} else {
			stored, err = f.writeOnline(ctx, op)
			switch {
			case err == nil:
				mode = policy.ModeOnline
			case apperrors.Is(err, apperrors.ErrNetwork):
				logFallback("server write failed, keeping it offline", coll, err)
			default:
				return nil, err
			}
		}
	}
	if mode == policy.ModeOffline {
		if stored, err = f.writeOffline(ctx, op); err != nil {
			return nil, err
		}
	}

	f.invalidate(ctx, coll)
	id := op.id
	if stored != nil {
		id = stored.ID()
	}
	f.emit(Change{Collection: coll, Method: op.method, ID: id, Record: stored, Mode: mode})
	return stored, nil
}

// prepare validates the write. The same checks run whether the write ends
// up online or offline.
func (f *Facade) prepare(ctx context.Context, coll models.Collection, payload models.Record, method string) (*writeOp, error) {
	if err := checkDataCollection(coll); err != nil {
		return nil, err
	}
	op := &writeOp{coll: coll, method: strings.ToUpper(method), action: models.ActionGenericRequest}

	body := payload.Clone()
	if body == nil {
		body = models.Record{}
	}
	delete(body, models.FieldSyncStatus)
	delete(body, models.FieldLastModified)
	body.NormalizeID()

	switch op.method {
	case http.MethodPost:
		rec, err := validation.Validate(coll, body)
		if err != nil {
			return nil, err
		}
		if coll == models.CollectionOrders {
			op.action = models.ActionCreateOrder
		}
		if rec.ID() == "" {
			if id := singletonID(coll); id != "" {
				rec.SetID(id)
			}
		}
		op.id, op.record, op.body = rec.ID(), rec, rec

	case http.MethodPut, http.MethodPatch, http.MethodDelete:
		op.id = body.ID()
		if op.id == "" {
			op.id = singletonID(coll)
		}
		if op.id == "" {
			return nil, apperrors.Validation([]apperrors.FieldError{{Field: models.FieldID, Message: "is required"}})
		}
		current, err := f.store.Get(ctx, coll, op.id)
		if err != nil {
			return nil, err
		}
		op.current = current
		if op.method == http.MethodDelete {
			if coll == models.CollectionOrders {
				op.action = models.ActionDeleteOrder
			}
			return op, nil
		}
		if err := f.prepareUpdate(op, body); err != nil {
			return nil, err
		}

	default:
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unsupported write method %q", method))
	}
	return op, nil
}

func (f *Facade) prepareUpdate(op *writeOp, body models.Record) error {
	base := op.current
	if base == nil {
		base = models.Record{models.FieldID: op.id}
	}
	body.SetID(op.id)

	if op.coll != models.CollectionOrders {
		merged := base.Merge(body)
		rec, err := validation.Validate(op.coll, merged)
		if err != nil {
			return err
		}
		op.record, op.body = rec, rec
		return nil
	}

	patch, err := validation.ValidateOrderPatch(base, body)
	if err != nil {
		return err
	}
	op.action = models.ActionUpdateOrder
	if onlyStatus(patch) {
		op.action = models.ActionUpdateOrderStatus
	}
	op.record = base.Merge(patch)
	op.body = patch
	return nil
}

func onlyStatus(patch models.Record) bool {
	if _, ok := patch[models.FieldStatus]; !ok {
		return false
	}
	for k := range patch {
		if k != models.FieldStatus && k != models.FieldID {
			return false
		}
	}
	return true
}

func singletonID(coll models.Collection) string {
	switch coll {
	case models.CollectionSettings:
		return remote.SettingsID
	case models.CollectionDashboard:
		return remote.DashboardID
	}
	return ""
}

// behindQueue reports whether op must be queued behind earlier offline
// edits of the same record: the server has not seen the record yet, or
// replays of it are still pending.
func (f *Facade) behindQueue(ctx context.Context, op *writeOp) (bool, error) {
	if op.method == http.MethodPost || op.id == "" {
		return false, nil
	}
	if uuid.IsOfflineID(op.id) || (op.current != nil && op.current.IsDirty()) {
		return true, nil
	}
	queued, err := f.queue.ForRecord(ctx, op.coll, op.id)
	if err != nil {
		return false, err
	}
	return len(queued) > 0, nil
}

// writeOnline sends the write to the server and mirrors the result locally
// as synced.
func (f *Facade) writeOnline(ctx context.Context, op *writeOp) (models.Record, error) {
	body := outbound(op.body)

	var (
		ack models.Record
		err error
	)
	switch op.action {
	case models.ActionCreateOrder:
		ack, err = f.server.CreateOrder(ctx, body)
	case models.ActionUpdateOrder:
		ack, err = f.server.UpdateOrder(ctx, op.id, body)
	case models.ActionUpdateOrderStatus:
		ack, err = f.server.UpdateOrderStatus(ctx, op.id, models.OrderStatus(op.body.String(models.FieldStatus)))
	case models.ActionDeleteOrder:
		err = f.server.DeleteOrder(ctx, op.id)
	default:
		ack, err = f.genericRequest(ctx, op, body)
	}
	if err != nil {
		return nil, err
	}

	if op.method == http.MethodDelete {
		if err := f.dropQueued(ctx, op.coll, op.id); err != nil {
			return nil, err
		}
		return nil, f.store.Delete(ctx, op.coll, op.id)
	}

	rec := op.record.Clone()
	if ack != nil && ack.ID() != "" {
		rec = rec.Merge(ack)
		rec.NormalizeID()
	}
	if rec.ID() == "" {
		// The server assigned nothing we can key a local copy by.
		return rec, nil
	}
	return f.mirror(ctx, op.coll, rec)
}

func (f *Facade) genericRequest(ctx context.Context, op *writeOp, body models.Record) (models.Record, error) {
	path, ok := remote.ResourcePath(op.coll, pathIDFor(op.method, op.id))
	if !ok {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%s cannot be written to the server", op.coll))
	}
	var payload interface{}
	if op.method != http.MethodDelete {
		payload = body
	}
	raw, err := f.server.Do(ctx, op.method, path, payload)
	if err != nil {
		return nil, err
	}
	var ack models.Record
	if len(raw) > 0 && json.Unmarshal(raw, &ack) == nil {
		if data, ok := ack["data"].(map[string]interface{}); ok && len(ack) == 1 {
			ack = data
		}
		ack.NormalizeID()
		return ack, nil
	}
	return nil, nil
}

// mirror stores rec as synced, unless earlier offline edits of the same
// record are still queued.
func (f *Facade) mirror(ctx context.Context, coll models.Collection, rec models.Record) (models.Record, error) {
	queued, err := f.queue.ForRecord(ctx, coll, rec.ID())
	if err != nil {
		return nil, err
	}
	f.stampSynced(rec)
	if len(queued) > 0 {
		rec.SetSyncStatus(models.SyncStatusPending)
	}
	return f.store.Put(ctx, coll, rec)
}

// writeOffline stores the write locally as unsynced and queues its replay.
// If the replay cannot be queued the local change is rolled back.
func (f *Facade) writeOffline(ctx context.Context, op *writeOp) (models.Record, error) {
	if op.method == http.MethodDelete {
		return nil, f.deleteOffline(ctx, op)
	}

	rec := op.record.Clone()
	item := models.SyncQueueItem{
		Action:     op.action,
		Collection: op.coll,
		Payload:    op.body.Clone(),
	}

	switch {
	case op.method == http.MethodPost:
		if rec.ID() == "" {
			rec.SetID(uuid.NewOfflineID())
		}
		rec.SetSyncStatus(models.SyncStatusOfflineCreated)
		item.Payload = rec.Clone()
	case op.current != nil && op.current.SyncStatus() == models.SyncStatusOfflineCreated:
		rec.SetSyncStatus(models.SyncStatusOfflineCreated)
	default:
		rec.SetSyncStatus(models.SyncStatusPending)
	}
	rec.Touch(f.now())

	item.RecordID = rec.ID()
	if op.action == models.ActionGenericRequest {
		item.Method = op.method
		item.Path, _ = remote.ResourcePath(op.coll, pathIDFor(op.method, rec.ID()))
	}

	stored, err := f.store.Put(ctx, op.coll, rec)
	if err != nil {
		return nil, err
	}
	if _, err := f.queue.Enqueue(ctx, item); err != nil {
		f.rollback(ctx, op, rec.ID())
		return nil, err
	}

	logging.Info("write kept offline", map[string]interface{}{
		"collection": string(op.coll),
		"id":         rec.ID(),
		"action":     string(op.action),
	})
	return stored, nil
}

func pathIDFor(method, id string) string {
	if method == http.MethodPost {
		return ""
	}
	return id
}

// deleteOffline removes the local record. A record the server has never
// seen is dropped together with its queued create; anything else gets a
// queued delete.
func (f *Facade) deleteOffline(ctx context.Context, op *writeOp) error {
	neverSynced := uuid.IsOfflineID(op.id) ||
		(op.current != nil && op.current.SyncStatus() == models.SyncStatusOfflineCreated)
	if neverSynced {
		if err := f.dropQueued(ctx, op.coll, op.id); err != nil {
			return err
		}
		return f.store.Delete(ctx, op.coll, op.id)
	}

	if err := f.store.Delete(ctx, op.coll, op.id); err != nil {
		return err
	}
	item := models.SyncQueueItem{
		Action:     op.action,
		Collection: op.coll,
		RecordID:   op.id,
		Payload:    models.Record{models.FieldID: op.id},
	}
	if op.action == models.ActionGenericRequest {
		item.Method = http.MethodDelete
		item.Path, _ = remote.ResourcePath(op.coll, op.id)
	}
	if _, err := f.queue.Enqueue(ctx, item); err != nil {
		f.rollback(ctx, op, op.id)
		return err
	}
	return nil
}

// rollback restores the record as it was before op.
func (f *Facade) rollback(ctx context.Context, op *writeOp, id string) {
	var err error
	if op.current != nil {
		_, err = f.store.Put(ctx, op.coll, op.current)
	} else {
		err = f.store.Delete(ctx, op.coll, id)
	}
	if err != nil {
		logging.Error("failed to roll back offline write", err, map[string]interface{}{
			"collection": string(op.coll),
			"id":         id,
		})
	}
}

func (f *Facade) dropQueued(ctx context.Context, coll models.Collection, id string) error {
	items, err := f.queue.ForRecord(ctx, coll, id)
	if err != nil {
		return err
	}
	for _, it := range items {
		if err := f.queue.Remove(ctx, it.ID); err != nil {
			return err
		}
	}
	return nil
}

// outbound strips local bookkeeping and offline ids from a server payload.
func outbound(rec models.Record) models.Record {
	out := rec.Clone()
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

// CreateOrder writes a new order.
func (f *Facade) CreateOrder(ctx context.Context, order models.Record) (models.Record, error) {
	return f.Write(ctx, models.CollectionOrders, order, http.MethodPost)
}

// UpdateOrderStatus moves an order to status.
func (f *Facade) UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus) (models.Record, error) {
	return f.Write(ctx, models.CollectionOrders, models.Record{
		models.FieldID:     id,
		models.FieldStatus: string(status),
	}, http.MethodPut)
}

// UpdateOrder applies patch to an order.
func (f *Facade) UpdateOrder(ctx context.Context, id string, patch models.Record) (models.Record, error) {
	body := patch.Clone()
	if body == nil {
		body = models.Record{}
	}
	body.SetID(id)
	return f.Write(ctx, models.CollectionOrders, body, http.MethodPut)
}

// DeleteOrder deletes an order.
func (f *Facade) DeleteOrder(ctx context.Context, id string) error {
	_, err := f.Write(ctx, models.CollectionOrders, models.Record{models.FieldID: id}, http.MethodDelete)
	return err
}
