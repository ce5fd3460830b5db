package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restopos/kotsync/internal/auth"
	"github.com/restopos/kotsync/internal/cache"
	"github.com/restopos/kotsync/internal/db"
	apperrors "github.com/restopos/kotsync/internal/errors"
	"github.com/restopos/kotsync/internal/export"
	bscheduler "github.com/restopos/kotsync/internal/export/scheduler"
	"github.com/restopos/kotsync/internal/models"
	"github.com/restopos/kotsync/internal/notify"
	syncpkg "github.com/restopos/kotsync/internal/sync"
	"github.com/restopos/kotsync/internal/sync/policy"
	"github.com/restopos/kotsync/internal/sync/scheduler"
)

var jwtCfg = auth.JWTCfg{HS256Secret: "test-secret"}

type fakeSyncer struct {
	err     error
	focused int
	visible []bool
}

func (f *fakeSyncer) OnFocus() { f.focused++ }

func (f *fakeSyncer) OnVisibilityChange(visible bool) {
	f.visible = append(f.visible, visible)
}

func (f *fakeSyncer) GetStatus() scheduler.Status {
	return scheduler.Status{IsOnline: true, SyncEnabled: true}
}

func (f *fakeSyncer) SyncNow(context.Context) (*syncpkg.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &syncpkg.Result{Kind: syncpkg.SyncKindFull}, nil
}

type drainerFunc func(ctx context.Context) error

func (f drainerFunc) ForceDrain(ctx context.Context) error { return f(ctx) }

type fakeData struct {
	writes   []string
	picked   []string
	writeErr error
}

func (f *fakeData) Read(_ context.Context, coll models.Collection, params map[string]string) ([]models.Record, error) {
	if coll == "nope" {
		return nil, apperrors.New(apperrors.ErrInvalid, "unknown resource")
	}
	return []models.Record{{"id": "1", "collection": string(coll), "status": params["status"]}}, nil
}

func (f *fakeData) Write(_ context.Context, coll models.Collection, payload models.Record, method string) (models.Record, error) {
	f.writes = append(f.writes, method+" "+string(coll)+" "+payload.ID())
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	if method == http.MethodDelete {
		return nil, nil
	}
	out := payload.Clone()
	if out.ID() == "" {
		out.SetID("offline_1")
	}
	return out, nil
}

func (f *fakeData) UpdateOrderStatus(_ context.Context, id string, status models.OrderStatus) (models.Record, error) {
	if !status.Valid() {
		return nil, apperrors.Validation([]apperrors.FieldError{{Field: "status", Message: "is not a known order status"}})
	}
	return models.Record{"id": id, "status": string(status)}, nil
}

func (f *fakeData) SearchMenu(_ context.Context, query string) ([]cache.SearchResult, error) {
	return []cache.SearchResult{{Item: models.MenuItem{ID: "tea", Name: "Masala Tea"}, Score: 50}}, nil
}

func (f *fakeData) PickMenuItem(id string) { f.picked = append(f.picked, id) }

type testEnv struct {
	server  *Server
	handler http.Handler
	gate    *policy.Gate
	center  *notify.Center
	store   db.Store
	data    *fakeData
	syncer  *fakeSyncer
}

func newEnv(t *testing.T, drainer policy.Drainer) *testEnv {
	t.Helper()
	store := db.NewMemoryStore()
	gate := policy.NewGate(store, drainer, auth.ContextResolver{})
	center := notify.NewCenter()
	env := &testEnv{
		gate:   gate,
		center: center,
		store:  store,
		data:   &fakeData{},
		syncer: &fakeSyncer{},
	}
	env.server = &Server{
		Sync:          env.syncer,
		Policy:        gate,
		Notifications: center,
		Backups:       export.NewService(store),
		Snapshots:     bscheduler.New(export.NewService(store), bscheduler.Config{Dir: t.TempDir(), RetentionCount: 2}),
		Data:          env.data,
	}
	env.handler = env.server.Routes(jwtCfg)
	return env
}

func token(t *testing.T, sub, role string) string {
	t.Helper()
	tok, err := auth.Issue(jwtCfg, sub, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, tok string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body struct {
		Error errorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestHealthz(t *testing.T) {
	env := newEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestRequiresToken(t *testing.T) {
	env := newEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/v1/sync/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSyncStatus(t *testing.T) {
	env := newEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/v1/sync/status", token(t, "sam", "staff"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp syncStatusResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Policy.Enabled)
	require.NotNil(t, resp.Scheduler)
	assert.True(t, resp.Scheduler.IsOnline)
	assert.Nil(t, resp.Engine)
}

func TestDisableAndEnable(t *testing.T) {
	env := newEnv(t, nil)
	admin := token(t, "alice", "admin")

	rec := env.do(t, http.MethodPost, "/v1/sync/disable", token(t, "sam", "staff"), strings.NewReader(`{"reason":"maintenance"}`))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, apperrors.ErrPermission, decodeError(t, rec).Code)

	rec = env.do(t, http.MethodPost, "/v1/sync/disable", admin, strings.NewReader(`{"reason":"  "}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/sync/disable", admin, strings.NewReader(`not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/sync/disable", admin, strings.NewReader(`{"reason":"network maintenance"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.gate.IsEnabled())
	assert.Equal(t, "network maintenance", env.gate.State().DisableReason)

	rec = env.do(t, http.MethodPost, "/v1/sync/enable", token(t, "mona", "manager"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.gate.IsEnabled())

	rec = env.do(t, http.MethodGet, "/v1/sync/audit", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var audit struct {
		Audit []models.AuditEntry `json:"audit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &audit))
	require.Len(t, audit.Audit, 2)
	assert.Equal(t, "alice", audit.Audit[0].Actor)
	assert.Equal(t, models.AuditEnable, audit.Audit[1].Action)
	assert.Equal(t, "mona", audit.Audit[1].Actor)
}

func TestDisableRefusedWhileItemsRemain(t *testing.T) {
	env := newEnv(t, drainerFunc(func(context.Context) error {
		return apperrors.DrainFailed(3, nil)
	}))

	rec := env.do(t, http.MethodPost, "/v1/sync/disable", token(t, "alice", "admin"), strings.NewReader(`{"reason":"closing"}`))
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, apperrors.ErrSyncDrainFailed, body.Code)
	assert.Equal(t, 3, body.Count)
	assert.True(t, env.gate.IsEnabled())
}

func TestEmergencyEnable(t *testing.T) {
	env := newEnv(t, nil)
	_, err := env.gate.Disable(auth.WithPrincipal(context.Background(), auth.Principal{Subject: "alice", Role: "admin"}), "alice", "audit")
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/v1/sync/emergency-enable", token(t, "sam", "staff"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.gate.IsEnabled())
	assert.Equal(t, models.EmergencyActor, env.gate.State().ChangedBy)
}

func TestForceSync(t *testing.T) {
	env := newEnv(t, nil)
	tok := token(t, "sam", "staff")

	rec := env.do(t, http.MethodPost, "/v1/sync/force", tok, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	env.syncer.err = apperrors.New(apperrors.ErrOperationBlocked, "sync is disabled")
	rec = env.do(t, http.MethodPost, "/v1/sync/force", tok, nil)
	assert.Equal(t, http.StatusLocked, rec.Code)

	env.syncer.err = apperrors.New(apperrors.ErrNetwork, "cannot sync while offline")
	rec = env.do(t, http.MethodPost, "/v1/sync/force", tok, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFocusAndVisibility(t *testing.T) {
	env := newEnv(t, nil)
	tok := token(t, "sam", "staff")

	rec := env.do(t, http.MethodPost, "/v1/sync/focus", tok, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, env.syncer.focused)

	rec = env.do(t, http.MethodPost, "/v1/sync/visibility?visible=false", tok, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/sync/visibility?visible=true", tok, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []bool{false, true}, env.syncer.visible)

	rec = env.do(t, http.MethodPost, "/v1/sync/visibility?visible=maybe", tok, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, env.syncer.visible, 2)

	rec = env.do(t, http.MethodPost, "/v1/sync/focus", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNotifications(t *testing.T) {
	env := newEnv(t, nil)
	tok := token(t, "sam", "staff")
	n := env.center.Publish(notify.Notification{Level: notify.LevelWarning, Title: "Sync failed", Persistent: true})

	rec := env.do(t, http.MethodGet, "/v1/notifications", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Sync failed")

	rec = env.do(t, http.MethodPost, "/v1/notifications/"+n.ID+"/dismiss", tok, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, env.center.List(true)[0].Dismissed)

	rec = env.do(t, http.MethodPost, "/v1/notifications/missing/dismiss", tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBackupExportImport(t *testing.T) {
	src := newEnv(t, nil)
	_, err := src.store.Put(context.Background(), models.CollectionTables, models.Record{"id": "t1", "name": "Window"})
	require.NoError(t, err)
	tok := token(t, "alice", "admin")

	rec := src.do(t, http.MethodGet, "/v1/backup", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), export.FileExt)
	assert.Len(t, rec.Header().Get("X-Backup-Checksum"), 64)
	backup := rec.Body.Bytes()

	dst := newEnv(t, nil)
	rec = dst.do(t, http.MethodPost, "/v1/backup/import?tables=overwrite", tok, bytes.NewReader(backup))
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := dst.store.Get(context.Background(), models.CollectionTables, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Window", got.String("name"))

	tampered := bytes.Replace(backup, []byte("Window"), []byte("Door"), 1)
	rec = dst.do(t, http.MethodPost, "/v1/backup/import", tok, bytes.NewReader(tampered))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, apperrors.ErrIntegrity, decodeError(t, rec).Code)

	rec = dst.do(t, http.MethodPost, "/v1/backup/import?orders=replace", tok, bytes.NewReader(backup))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = dst.do(t, http.MethodPost, "/v1/backup/import", tok, strings.NewReader(`{"format":"zip"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.ErrImportFailed, decodeError(t, rec).Code)
}

func TestBackupSnapshots(t *testing.T) {
	env := newEnv(t, nil)
	tok := token(t, "alice", "admin")

	rec := env.do(t, http.MethodPost, "/v1/backup/snapshot", tok, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/backup/files", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Backups []bscheduler.BackupInfo `json:"backups"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Backups, 1)
	assert.True(t, strings.HasSuffix(resp.Backups[0].Name, export.FileExt))
}

func TestDataRoutes(t *testing.T) {
	env := newEnv(t, nil)
	tok := token(t, "sam", "staff")

	rec := env.do(t, http.MethodGet, "/v1/data/orders?status=ready", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ready"`)

	rec = env.do(t, http.MethodGet, "/v1/data/nope", tok, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/data/orders", tok, strings.NewReader(`{"customer_name":"Ann"}`))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "offline_1")

	rec = env.do(t, http.MethodPut, "/v1/data/tables/t1", tok, strings.NewReader(`{"name":"Patio"}`))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPut, "/v1/data/business_settings", tok, strings.NewReader(`{"currency":"INR"}`))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v1/data/orders/42", tok, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/data/orders", tok, strings.NewReader(`[1,2]`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, []string{
		"POST orders ",
		"PUT tables t1",
		"PUT business_settings ",
		"DELETE orders 42",
	}, env.data.writes)
}

func TestDataRoutes_Errors(t *testing.T) {
	env := newEnv(t, nil)
	tok := token(t, "sam", "staff")

	env.data.writeErr = apperrors.New(apperrors.ErrOperationBlocked, "sync is disabled and offline writes are not allowed")
	rec := env.do(t, http.MethodPost, "/v1/data/orders", tok, strings.NewReader(`{}`))
	assert.Equal(t, http.StatusLocked, rec.Code)

	env.data.writeErr = apperrors.Validation([]apperrors.FieldError{{Field: "total", Message: "does not match"}})
	rec = env.do(t, http.MethodPost, "/v1/data/orders", tok, strings.NewReader(`{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, apperrors.ErrValidation, body.Code)
	assert.Equal(t, []apperrors.FieldError{{Field: "total", Message: "does not match"}}, body.Fields)

	env.data.writeErr = apperrors.New(apperrors.ErrQueueFull, "sync queue is full")
	rec = env.do(t, http.MethodPost, "/v1/data/orders", tok, strings.NewReader(`{}`))
	assert.Equal(t, http.StatusInsufficientStorage, rec.Code)
}

func TestOrderStatusAndMenu(t *testing.T) {
	env := newEnv(t, nil)
	tok := token(t, "sam", "staff")

	rec := env.do(t, http.MethodPut, "/v1/data/orders/7/status?status=ready", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ready"`)

	rec = env.do(t, http.MethodPut, "/v1/data/orders/7/status?status=eaten", tok, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/menu/search?q=tea", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Masala Tea")

	rec = env.do(t, http.MethodPost, "/v1/menu/tea/pick", tok, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"tea"}, env.data.picked)
}

func TestStatusFor(t *testing.T) {
	tests := map[apperrors.ErrorCode]int{
		apperrors.ErrPermission:       http.StatusForbidden,
		apperrors.ErrValidation:       http.StatusBadRequest,
		apperrors.ErrInvalid:          http.StatusBadRequest,
		apperrors.ErrSyncDrainFailed:  http.StatusConflict,
		apperrors.ErrIntegrity:        http.StatusUnprocessableEntity,
		apperrors.ErrOperationBlocked: http.StatusLocked,
		apperrors.ErrNetwork:          http.StatusServiceUnavailable,
		apperrors.ErrInternal:         http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, statusFor(code), code)
	}
}
