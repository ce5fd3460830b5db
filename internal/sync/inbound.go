package sync

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/restopos/kotsync/internal/errors"
	"github.com/restopos/kotsync/internal/logging"
	"github.com/restopos/kotsync/internal/models"
	"github.com/restopos/kotsync/internal/notify"
	"github.com/restopos/kotsync/internal/sync/conflict"
)

// RefreshResult counts what an inbound refresh changed locally.
type RefreshResult struct {
	Fetched   int `json:"fetched"`
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	// KeptDirty counts server records not applied because the local copy
	// has unsynced changes.
	KeptDirty int `json:"kept_dirty"`
}

func (r *RefreshResult) add(o RefreshResult) {
	r.Fetched += o.Fetched
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Unchanged += o.Unchanged
	r.KeptDirty += o.KeptDirty
}

// InboundRefresh fetches colls from the server and merges them into the
// store. Nothing is written unless every fetch succeeds; on failure a
// "data may be stale" warning is published and SYNC_FAILED returned.
func (e *Engine) InboundRefresh(ctx context.Context, colls []models.Collection) (RefreshResult, error) {
	fetched, err := e.fetch(ctx, colls)
	if err != nil {
		e.warnStale(err)
		return RefreshResult{}, apperrors.Wrap(apperrors.ErrSyncFailed, "inbound refresh failed", err)
	}
	return e.merge(ctx, fetched)
}

// ReconcileConflicts fetches orders and resolves every conflict between a
// dirty local order and its server copy. It returns the number resolved.
func (e *Engine) ReconcileConflicts(ctx context.Context) (int, error) {
	fetched, err := e.fetch(ctx, []models.Collection{models.CollectionOrders})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrSyncFailed, "conflict pass failed", err)
	}
	return e.reconcile(ctx, fetched)
}

type fetchedCollection struct {
	coll    models.Collection
	records []models.Record
}

// fetch downloads colls concurrently. Today's completed bills are folded
// into orders.
func (e *Engine) fetch(ctx context.Context, colls []models.Collection) ([]fetchedCollection, error) {
	out := make([]fetchedCollection, len(colls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.fetchConc)

	for i, coll := range colls {
		g.Go(func() error {
			recs, err := e.server.FetchCollection(gctx, coll)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", coll, err)
			}
			if coll == models.CollectionOrders {
				bills, err := e.server.FetchTodayBills(gctx)
				if err != nil {
					return fmt.Errorf("fetch today's bills: %w", err)
				}
				recs = unionByID(recs, bills)
			}
			out[i] = fetchedCollection{coll: coll, records: recs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// unionByID appends the records of extra whose id is not already in base.
func unionByID(base, extra []models.Record) []models.Record {
	seen := make(map[string]bool, len(base))
	for _, r := range base {
		seen[r.ID()] = true
	}
	for _, r := range extra {
		if id := r.ID(); id != "" && !seen[id] {
			seen[id] = true
			base = append(base, r)
		}
	}
	return base
}

func (e *Engine) merge(ctx context.Context, fetched []fetchedCollection) (RefreshResult, error) {
	var total RefreshResult
	for _, fc := range fetched {
		var res RefreshResult
		for _, remote := range fc.records {
			if remote.ID() == "" {
				continue
			}
			res.Fetched++
			if err := e.mergeRecord(ctx, fc.coll, remote, &res); err != nil {
				total.add(res)
				return total, err
			}
		}
		logging.Debug("collection refreshed", map[string]interface{}{
			"collection": string(fc.coll),
			"fetched":    res.Fetched,
			"inserted":   res.Inserted,
			"updated":    res.Updated,
			"kept_dirty": res.KeptDirty,
		})
		total.add(res)
	}
	return total, nil
}

// mergeRecord applies one server record: missing records are inserted as
// synced, synced records are overwritten only by a newer server copy, and
// dirty records are never touched.
func (e *Engine) mergeRecord(ctx context.Context, coll models.Collection, remote models.Record, res *RefreshResult) error {
	local, err := e.store.Get(ctx, coll, remote.ID())
	if err != nil {
		return err
	}

	switch {
	case local == nil:
		res.Inserted++
	case local.IsDirty():
		res.KeptDirty++
		return nil
	case !e.serverIsNewer(local, remote):
		res.Unchanged++
		return nil
	default:
		res.Updated++
	}

	rec := remote.Clone()
	rec.SetSyncStatus(models.SyncStatusSynced)
	if ms := remote.ServerModified(); ms > 0 {
		rec[models.FieldLastModified] = ms
	} else {
		rec[models.FieldLastModified] = e.now().UnixMilli()
	}
	_, err = e.store.Put(ctx, coll, rec)
	return err
}

// serverIsNewer compares modification times. A server record without one
// replaces the local copy whenever their contents differ.
func (e *Engine) serverIsNewer(local, remote models.Record) bool {
	if ms := remote.ServerModified(); ms > 0 {
		return ms > local.LastModified()
	}
	return !conflict.SameDomainFields(local, remote)
}

// reconcile runs the resolver over dirty local orders that have a server
// copy.
func (e *Engine) reconcile(ctx context.Context, fetched []fetchedCollection) (int, error) {
	n := 0
	for _, fc := range fetched {
		if fc.coll != models.CollectionOrders {
			continue
		}
		for _, remote := range fc.records {
			local, err := e.store.Get(ctx, fc.coll, remote.ID())
			if err != nil {
				return n, err
			}
			c, ok := e.resolver.Detect(fc.coll, local, remote)
			if !ok {
				continue
			}
			res, err := e.resolver.Resolve(c)
			if err != nil {
				return n, err
			}
			if err := e.applyResolution(ctx, c, res); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (e *Engine) applyResolution(ctx context.Context, c *conflict.Conflict, res *conflict.Result) error {
	items, err := e.queue.ForRecord(ctx, c.Collection, c.ItemID)
	if err != nil {
		return err
	}

	// Queued edits are discarded unless client_wins keeps them as they are.
	keepQueued := res.Strategy == conflict.StrategyClientWins && len(items) > 0
	if !keepQueued {
		for _, it := range items {
			if err := e.queue.Remove(ctx, it.ID); err != nil {
				return err
			}
		}
	}
	if res.PushToServer && !keepQueued {
		if _, err := e.queue.Enqueue(ctx, models.SyncQueueItem{
			Action:     models.ActionUpdateOrder,
			Collection: c.Collection,
			RecordID:   c.ItemID,
			Payload:    res.Winner,
			Priority:   models.PriorityHigh,
		}); err != nil {
			return err
		}
	}

	if _, err := e.store.Put(ctx, c.Collection, res.Winner); err != nil {
		return err
	}
	if e.conflicts != nil && res.Log != nil {
		if err := e.conflicts.CreateConflictLog(ctx, res.Log); err != nil {
			logging.Error("failed to record conflict", err, map[string]interface{}{"item_id": c.ItemID})
		}
	}
	e.emitEvent(SyncEvent{Type: SyncEventConflict, ItemID: c.ItemID, Message: string(res.Strategy)})
	return nil
}

func (e *Engine) warnStale(err error) {
	logging.Warn("inbound refresh failed, local data kept", map[string]interface{}{"error": err.Error()})
	e.publish(notify.Notification{
		Level:   notify.LevelWarning,
		Title:   "Sync failed",
		Message: "Sync failed, data may be stale",
		Code:    string(apperrors.CodeOf(err)),
	})
}
