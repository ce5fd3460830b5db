package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/restopos/kotsync/internal/auth"
	apperrors "github.com/restopos/kotsync/internal/errors"
	"github.com/restopos/kotsync/internal/models"
	syncpkg "github.com/restopos/kotsync/internal/sync"
	"github.com/restopos/kotsync/internal/sync/scheduler"
)

type syncStatusResp struct {
	Policy    models.SyncPolicyState `json:"policy"`
	Scheduler *scheduler.Status      `json:"scheduler,omitempty"`
	Engine    *syncpkg.Status        `json:"engine,omitempty"`
}

// SyncStatus handles GET /v1/sync/status.
func (s *Server) SyncStatus(w http.ResponseWriter, r *http.Request) {
	resp := syncStatusResp{Policy: s.Policy.State()}
	resp.Policy.Audit = nil
	if s.Sync != nil {
		st := s.Sync.GetStatus()
		resp.Scheduler = &st
	}
	if s.Engine != nil {
		st, err := s.Engine.Status(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.Engine = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// EnableSync handles POST /v1/sync/enable.
func (s *Server) EnableSync(w http.ResponseWriter, r *http.Request) {
	state, err := s.Policy.Enable(r.Context(), actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type disableReq struct {
	Reason string `json:"reason"`
}

// DisableSync handles POST /v1/sync/disable with body {"reason": "..."}.
func (s *Server) DisableSync(w http.ResponseWriter, r *http.Request) {
	var req disableReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperrors.Wrap(apperrors.ErrInvalid, "body must be {\"reason\": \"...\"}", err))
		return
	}
	state, err := s.Policy.Disable(r.Context(), actor(r), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// EmergencyEnable handles POST /v1/sync/emergency-enable.
func (s *Server) EmergencyEnable(w http.ResponseWriter, r *http.Request) {
	state, err := s.Policy.EmergencyEnable(r.Context())
	if err != nil {
		// The bypass has already taken effect in memory.
		writeJSON(w, http.StatusOK, map[string]any{"policy": state, "warning": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policy": state})
}

// SyncAudit handles GET /v1/sync/audit.
func (s *Server) SyncAudit(w http.ResponseWriter, r *http.Request) {
	audit := s.Policy.State().Audit
	if audit == nil {
		audit = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": audit})
}

// ForceSync handles POST /v1/sync/force and waits for the sync to finish.
func (s *Server) ForceSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.Sync.SyncNow(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Focus handles POST /v1/sync/focus, sent by the UI when its window regains
// focus. A quick sync starts in the background.
func (s *Server) Focus(w http.ResponseWriter, r *http.Request) {
	s.Sync.OnFocus()
	w.WriteHeader(http.StatusAccepted)
}

// Visibility handles POST /v1/sync/visibility?visible=true.
func (s *Server) Visibility(w http.ResponseWriter, r *http.Request) {
	visible, err := strconv.ParseBool(r.URL.Query().Get("visible"))
	if err != nil {
		writeError(w, r, apperrors.New(apperrors.ErrInvalid, "visible must be true or false"))
		return
	}
	s.Sync.OnVisibilityChange(visible)
	w.WriteHeader(http.StatusAccepted)
}

// ListNotifications handles GET /v1/notifications?all=true.
func (s *Server) ListNotifications(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"
	writeJSON(w, http.StatusOK, map[string]any{"notifications": s.Notifications.List(all)})
}

// DismissNotification handles POST /v1/notifications/{id}/dismiss.
func (s *Server) DismissNotification(w http.ResponseWriter, r *http.Request) {
	if err := s.Notifications.Dismiss(chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func actor(r *http.Request) string {
	p, _ := auth.PrincipalFrom(r.Context())
	return p.Subject
}
