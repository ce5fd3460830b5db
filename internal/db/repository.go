package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/restopos/kotsync/internal/errors"
	"github.com/restopos/kotsync/internal/models"
)

// Repository is the SQLite-backed Store. Each record is one JSON document in
// the records table; sync_status and last_modified are mirrored into columns
// so dirty records can be counted without decoding.
type Repository struct {
	db *sql.DB

	// Prepared statements are created on first use and reused.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine stored one first, use it and close ours.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// =====================================================
// Record Operations
// =====================================================

// Get retrieves a record by id.
func (r *Repository) Get(ctx context.Context, coll models.Collection, id string) (models.Record, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT data FROM records WHERE collection = ? AND id = ?`)
	if err != nil {
		return nil, storageError("get", coll, err)
	}

	var data string
	err = stmt.QueryRowContext(ctx, string(coll), id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageError("get", coll, err)
	}
	return decodeRecord(data)
}

// GetAll returns every record of a collection ordered by id.
func (r *Repository) GetAll(ctx context.Context, coll models.Collection) ([]models.Record, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT data FROM records WHERE collection = ? ORDER BY id`)
	if err != nil {
		return nil, storageError("get all", coll, err)
	}

	rows, err := stmt.QueryContext(ctx, string(coll))
	if err != nil {
		return nil, storageError("get all", coll, err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, storageError("get all", coll, err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("get all", coll, err)
	}
	return out, nil
}

// Put upserts a record keyed by its id.
func (r *Repository) Put(ctx context.Context, coll models.Collection, rec models.Record) (models.Record, error) {
	stored, err := prepareForPut(coll, rec)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "record is not JSON encodable", err)
	}

	stmt, err := r.PrepareStmt(ctx, `
	INSERT INTO records (collection, id, data, sync_status, last_modified)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		data = excluded.data,
		sync_status = excluded.sync_status,
		last_modified = excluded.last_modified
	`)
	if err != nil {
		return nil, storageError("put", coll, err)
	}

	_, err = stmt.ExecContext(ctx, string(coll), stored.ID(), string(data),
		string(stored.SyncStatus()), stored.LastModified())
	if err != nil {
		return nil, storageError("put", coll, err)
	}
	return stored, nil
}

// Delete removes a record.
func (r *Repository) Delete(ctx context.Context, coll models.Collection, id string) error {
	stmt, err := r.PrepareStmt(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`)
	if err != nil {
		return storageError("delete", coll, err)
	}
	if _, err := stmt.ExecContext(ctx, string(coll), id); err != nil {
		return storageError("delete", coll, err)
	}
	return nil
}

// Clear removes every record of a collection.
func (r *Repository) Clear(ctx context.Context, coll models.Collection) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, string(coll)); err != nil {
		return storageError("clear", coll, err)
	}
	return nil
}

// CountDirty returns how many records are not synced.
func (r *Repository) CountDirty(ctx context.Context, coll models.Collection) (int, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT COUNT(*) FROM records WHERE collection = ? AND sync_status != 'synced'`)
	if err != nil {
		return 0, storageError("count dirty", coll, err)
	}
	var n int
	if err := stmt.QueryRowContext(ctx, string(coll)).Scan(&n); err != nil {
		return 0, storageError("count dirty", coll, err)
	}
	return n, nil
}

// =====================================================
// Metadata Operations
// =====================================================

// GetMeta returns a scalar value.
func (r *Repository) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.Wrap(apperrors.ErrStorage, "failed to read meta "+key, err)
	}
	return value, true, nil
}

// SetMeta stores a scalar value.
func (r *Repository) SetMeta(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to write meta "+key, err)
	}
	return nil
}

// =====================================================
// ConflictLog Operations
// =====================================================

// CreateConflictLog creates a new conflict log entry.
func (r *Repository) CreateConflictLog(ctx context.Context, log *models.ConflictLog) error {
	query := `
	INSERT INTO conflict_log (item_id, collection, local_modified, remote_modified, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query, log.ItemID, string(log.Collection), log.LocalModified,
		log.RemoteModified, log.Resolution, log.DetectedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to record conflict", err)
	}
	return nil
}

// ListConflictLogs returns the most recent conflict log entries.
func (r *Repository) ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
	SELECT item_id, collection, local_modified, remote_modified, resolution, detected_at
	FROM conflict_log ORDER BY detected_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list conflicts", err)
	}
	defer rows.Close()

	var logs []*models.ConflictLog
	for rows.Next() {
		var l models.ConflictLog
		var coll string
		if err := rows.Scan(&l.ItemID, &coll, &l.LocalModified, &l.RemoteModified, &l.Resolution, &l.DetectedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan conflict", err)
		}
		l.Collection = models.Collection(coll)
		logs = append(logs, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list conflicts", err)
	}
	return logs, nil
}

// prepareForPut validates a record for storage and returns the copy to store.
func prepareForPut(coll models.Collection, rec models.Record) (models.Record, error) {
	if !coll.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown collection %q", coll))
	}
	if rec == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "record is required")
	}
	stored := rec.Clone()
	stored.NormalizeID()
	if stored.ID() == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%s record has no id", coll))
	}
	if s := stored.SyncStatus(); !s.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid sync status %q", s))
	}
	return stored, nil
}

func decodeRecord(data string) (models.Record, error) {
	var rec models.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "stored record is corrupt", err)
	}
	return rec, nil
}

func storageError(op string, coll models.Collection, err error) error {
	return apperrors.Wrap(apperrors.ErrStorage, fmt.Sprintf("failed to %s %s", op, coll), err)
}
