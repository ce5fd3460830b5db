package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/restopos/kotsync/internal/errors"
	"github.com/restopos/kotsync/internal/export"
	bscheduler "github.com/restopos/kotsync/internal/export/scheduler"
	"github.com/restopos/kotsync/internal/models"
)

// strategyParams maps query parameters of the import endpoint to collections.
var strategyParams = map[string]models.Collection{
	"orders":            models.CollectionOrders,
	"menu_items":        models.CollectionMenuItems,
	"menu":              models.CollectionMenuItems,
	"tables":            models.CollectionTables,
	"settings":          models.CollectionSettings,
	"business_settings": models.CollectionSettings,
}

// ExportBackup handles GET /v1/backup and downloads a .kot document.
func (s *Server) ExportBackup(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	res, err := s.Backups.Export(r.Context(), &buf)
	if err != nil {
		writeError(w, r, err)
		return
	}

	name := fmt.Sprintf("kotsync_%s%s", time.Now().UTC().Format("20060102_150405"), export.FileExt)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Backup-Checksum", res.Checksum)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// ImportBackup handles POST /v1/backup/import?orders=merge&menu_items=skip.
// The request body is the .kot document.
func (s *Server) ImportBackup(w http.ResponseWriter, r *http.Request) {
	strategies := export.Strategies{}
	for param, values := range r.URL.Query() {
		coll, ok := strategyParams[param]
		if !ok || len(values) == 0 {
			continue
		}
		st := export.Strategy(values[0])
		if !st.Valid() {
			writeError(w, r, apperrors.New(apperrors.ErrInvalid,
				fmt.Sprintf("%s: strategy must be skip, overwrite or merge", param)))
			return
		}
		strategies[coll] = st
	}

	body := http.MaxBytesReader(w, r.Body, export.MaxDocumentSize+1)
	res, err := s.Backups.Import(r.Context(), body, strategies)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListBackupFiles handles GET /v1/backup/files.
func (s *Server) ListBackupFiles(w http.ResponseWriter, r *http.Request) {
	files, err := bscheduler.List(s.Snapshots.Config().Dir)
	if err != nil {
		writeError(w, r, apperrors.Wrap(apperrors.ErrStorage, "failed to list backups", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": files})
}

// Snapshot handles POST /v1/backup/snapshot and writes a backup file now.
func (s *Server) Snapshot(w http.ResponseWriter, r *http.Request) {
	res, err := s.Snapshots.RunOnce(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
