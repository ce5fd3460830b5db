// Package httpapi exposes the sync controls, notifications, backups and the
// data access facade to the POS front end and operator tools.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/restopos/kotsync/internal/auth"
	"github.com/restopos/kotsync/internal/cache"
	"github.com/restopos/kotsync/internal/export"
	bscheduler "github.com/restopos/kotsync/internal/export/scheduler"
	"github.com/restopos/kotsync/internal/logging"
	"github.com/restopos/kotsync/internal/models"
	"github.com/restopos/kotsync/internal/notify"
	syncpkg "github.com/restopos/kotsync/internal/sync"
	"github.com/restopos/kotsync/internal/sync/scheduler"
)

// Syncer runs and reports background synchronization.
type Syncer interface {
	GetStatus() scheduler.Status
	SyncNow(ctx context.Context) (*syncpkg.Result, error)
	OnFocus()
	OnVisibilityChange(visible bool)
}

// EngineStatus reports queue and record counts.
type EngineStatus interface {
	Status(ctx context.Context) (syncpkg.Status, error)
}

// PolicyGate changes the sync policy.
type PolicyGate interface {
	State() models.SyncPolicyState
	Enable(ctx context.Context, actor string) (models.SyncPolicyState, error)
	Disable(ctx context.Context, actor, reason string) (models.SyncPolicyState, error)
	EmergencyEnable(ctx context.Context) (models.SyncPolicyState, error)
}

// Notifications lists and dismisses operator notifications.
type Notifications interface {
	List(includeDismissed bool) []notify.Notification
	Dismiss(id string) error
}

// Backups exports and imports .kot documents.
type Backups interface {
	Export(ctx context.Context, w io.Writer) (*export.ExportResult, error)
	Import(ctx context.Context, r io.Reader, strategies export.Strategies) (*export.ImportResult, error)
}

// Snapshots writes backups into the backup directory.
type Snapshots interface {
	RunOnce(ctx context.Context) (*export.ExportResult, error)
	Config() bscheduler.Config
}

// Data is the data access facade.
type Data interface {
	Read(ctx context.Context, coll models.Collection, params map[string]string) ([]models.Record, error)
	Write(ctx context.Context, coll models.Collection, payload models.Record, method string) (models.Record, error)
	UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus) (models.Record, error)
	SearchMenu(ctx context.Context, query string) ([]cache.SearchResult, error)
	PickMenuItem(id string)
}

// Server holds dependencies for HTTP handlers. Nil dependencies leave their
// routes unregistered.
type Server struct {
	Sync          Syncer
	Engine        EngineStatus
	Policy        PolicyGate
	Notifications Notifications
	Backups       Backups
	Snapshots     Snapshots
	Data          Data
	Events        http.Handler
}

// Routes creates the HTTP router. Everything except /healthz requires a
// bearer token.
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(jwt))

		if s.Policy != nil {
			r.Get("/v1/sync/status", s.SyncStatus)
			r.Post("/v1/sync/enable", s.EnableSync)
			r.Post("/v1/sync/disable", s.DisableSync)
			r.Post("/v1/sync/emergency-enable", s.EmergencyEnable)
			r.Get("/v1/sync/audit", s.SyncAudit)
		}
		if s.Sync != nil {
			r.Post("/v1/sync/force", s.ForceSync)
			r.Post("/v1/sync/focus", s.Focus)
			r.Post("/v1/sync/visibility", s.Visibility)
		}

		if s.Notifications != nil {
			r.Get("/v1/notifications", s.ListNotifications)
			r.Post("/v1/notifications/{id}/dismiss", s.DismissNotification)
		}

		if s.Backups != nil {
			r.Get("/v1/backup", s.ExportBackup)
			r.Post("/v1/backup/import", s.ImportBackup)
		}
		if s.Snapshots != nil {
			r.Get("/v1/backup/files", s.ListBackupFiles)
			r.Post("/v1/backup/snapshot", s.Snapshot)
		}

		if s.Data != nil {
			r.Get("/v1/data/{collection}", s.ReadCollection)
			r.Post("/v1/data/{collection}", s.CreateRecord)
			r.Put("/v1/data/{collection}", s.UpdateRecord)
			r.Put("/v1/data/{collection}/{id}", s.UpdateRecord)
			r.Delete("/v1/data/{collection}/{id}", s.DeleteRecord)
			r.Put("/v1/data/orders/{id}/status", s.UpdateOrderStatus)
			r.Get("/v1/menu/search", s.SearchMenu)
			r.Post("/v1/menu/{id}/pick", s.PickMenuItem)
		}

		if s.Events != nil {
			r.Handle("/v1/events", s.Events)
		}
	})

	logging.Info("HTTP routes registered")
	return r
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("failed to encode json response", err)
	}
}

// requestLogger logs one line per request through the shared logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug("http request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}
