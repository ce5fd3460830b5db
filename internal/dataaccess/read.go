package dataaccess

import (
	"context"

	"github.com/restopos/kotsync/internal/cache"
	apperrors "github.com/restopos/kotsync/internal/errors"
	"github.com/restopos/kotsync/internal/models"
)

// Read returns the records of coll whose fields equal every value in
// params. While online with sync enabled the server copy is fetched and
// written through to the store; local unsynced records are never replaced
// and are included in the result. When the server cannot be reached the
// store is used instead, and NETWORK_ERROR is returned only when the store
// has nothing for coll either.
func (f *Facade) Read(ctx context.Context, coll models.Collection, params map[string]string) ([]models.Record, error) {
	if err := checkDataCollection(coll); err != nil {
		return nil, err
	}
	if !f.online() || !f.gate.IsEnabled() {
		return f.readLocal(ctx, coll, params)
	}

	recs, err := f.readOnline(ctx, coll, params)
	if err == nil {
		return recs, nil
	}
	if apperrors.Is(err, apperrors.ErrStorage) {
		return nil, err
	}
	logFallback("server read failed, serving local data", coll, err)

	local, lerr := f.readLocal(ctx, coll, params)
	if lerr != nil {
		return nil, lerr
	}
	if len(local) == 0 {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "no local data for "+string(coll), err)
	}
	return local, nil
}

func (f *Facade) readOnline(ctx context.Context, coll models.Collection, params map[string]string) ([]models.Record, error) {
	fetch := func(ctx context.Context) ([]models.Record, error) {
		remote, err := f.server.FetchCollection(ctx, coll)
		if err != nil {
			return nil, err
		}
		if err := f.writeThrough(ctx, coll, remote); err != nil {
			return nil, err
		}
		return f.readLocal(ctx, coll, params)
	}
	if f.cache == nil {
		return fetch(ctx)
	}
	return f.cache.Get(ctx, cache.Key(string(coll), params), cache.KindOf(coll), fetch)
}

// writeThrough stores server records as synced, skipping local records
// with unsynced changes.
func (f *Facade) writeThrough(ctx context.Context, coll models.Collection, remote []models.Record) error {
	for _, r := range remote {
		rec := r.Clone()
		rec.NormalizeID()
		if rec.ID() == "" {
			continue
		}
		local, err := f.store.Get(ctx, coll, rec.ID())
		if err != nil {
			return err
		}
		if local != nil && local.IsDirty() {
			continue
		}
		f.stampSynced(rec)
		if _, err := f.store.Put(ctx, coll, rec); err != nil {
			return err
		}
	}
	return nil
}

func (f *Facade) readLocal(ctx context.Context, coll models.Collection, params map[string]string) ([]models.Record, error) {
	all, err := f.store.GetAll(ctx, coll)
	if err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return all, nil
	}
	out := make([]models.Record, 0, len(all))
	for _, rec := range all {
		if matches(rec, params) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func matches(rec models.Record, params map[string]string) bool {
	for k, v := range params {
		if v != "" && rec.String(k) != v {
			return false
		}
	}
	return true
}

// stampSynced marks rec synced with the server's modification time, or now.
func (f *Facade) stampSynced(rec models.Record) {
	rec.SetSyncStatus(models.SyncStatusSynced)
	if ms := rec.ServerModified(); ms > 0 {
		rec[models.FieldLastModified] = ms
	} else {
		rec.Touch(f.now())
	}
}

// GetOrders returns orders matching params.
func (f *Facade) GetOrders(ctx context.Context, params map[string]string) ([]models.Record, error) {
	return f.Read(ctx, models.CollectionOrders, params)
}

// GetMenu returns menu items matching params.
func (f *Facade) GetMenu(ctx context.Context, params map[string]string) ([]models.Record, error) {
	return f.Read(ctx, models.CollectionMenuItems, params)
}

// GetTables returns every table.
func (f *Facade) GetTables(ctx context.Context) ([]models.Record, error) {
	return f.Read(ctx, models.CollectionTables, nil)
}

// SearchMenu runs an incremental menu search through the read cache.
func (f *Facade) SearchMenu(ctx context.Context, query string) ([]cache.SearchResult, error) {
	if f.cache == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "menu search needs a cache")
	}
	return f.cache.SearchMenu(ctx, query, func(ctx context.Context) ([]models.Record, error) {
		return f.Read(ctx, models.CollectionMenuItems, nil)
	})
}

// PickMenuItem records that the operator chose menu item id, boosting it in
// later searches.
func (f *Facade) PickMenuItem(id string) {
	if f.cache != nil && id != "" {
		f.cache.Touch(id)
	}
}
