package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/restopos/kotsync/internal/errors"
	"github.com/restopos/kotsync/internal/models"
)

// maxRecordBody bounds a single record write.
const maxRecordBody = 1 << 20

// ReadCollection handles GET /v1/data/{collection}. Query parameters filter
// on equal field values.
func (s *Server) ReadCollection(w http.ResponseWriter, r *http.Request) {
	params := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	recs, err := s.Data.Read(r.Context(), collection(r), params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": recs})
}

// CreateRecord handles POST /v1/data/{collection}.
func (s *Server) CreateRecord(w http.ResponseWriter, r *http.Request) {
	s.write(w, r, http.MethodPost, http.StatusCreated)
}

// UpdateRecord handles PUT /v1/data/{collection}[/{id}].
func (s *Server) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	s.write(w, r, http.MethodPut, http.StatusOK)
}

// DeleteRecord handles DELETE /v1/data/{collection}/{id}.
func (s *Server) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	payload := models.Record{models.FieldID: chi.URLParam(r, "id")}
	if _, err := s.Data.Write(r.Context(), collection(r), payload, http.MethodDelete); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) write(w http.ResponseWriter, r *http.Request, method string, okStatus int) {
	var payload models.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRecordBody)).Decode(&payload); err != nil {
		writeError(w, r, apperrors.Wrap(apperrors.ErrInvalid, "body must be a JSON object", err))
		return
	}
	if payload == nil {
		payload = models.Record{}
	}
	if id := chi.URLParam(r, "id"); id != "" {
		payload.SetID(id)
	}

	rec, err := s.Data.Write(r.Context(), collection(r), payload, method)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, okStatus, map[string]any{"data": rec})
}

// UpdateOrderStatus handles PUT /v1/data/orders/{id}/status?status=ready.
func (s *Server) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	status := models.OrderStatus(r.URL.Query().Get("status"))
	rec, err := s.Data.UpdateOrderStatus(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rec})
}

// SearchMenu handles GET /v1/menu/search?q=.
func (s *Server) SearchMenu(w http.ResponseWriter, r *http.Request) {
	results, err := s.Data.SearchMenu(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// PickMenuItem handles POST /v1/menu/{id}/pick.
func (s *Server) PickMenuItem(w http.ResponseWriter, r *http.Request) {
	s.Data.PickMenuItem(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func collection(r *http.Request) models.Collection {
	return models.Collection(chi.URLParam(r, "collection"))
}
