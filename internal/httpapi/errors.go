package httpapi

import (
	"net/http"

	apperrors "github.com/restopos/kotsync/internal/errors"
	"github.com/restopos/kotsync/internal/logging"
)

type errorBody struct {
	Code    apperrors.ErrorCode    `json:"code"`
	Message string                 `json:"message"`
	Fields  []apperrors.FieldError `json:"fields,omitempty"`
	// Count is the number of undrained items for SYNC_DRAIN_FAILED.
	Count int `json:"count,omitempty"`
}

// statusFor maps an error code to the HTTP status the UI branches on.
func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrPermission:
		return http.StatusForbidden
	case apperrors.ErrValidation, apperrors.ErrInvalid, apperrors.ErrImportFailed:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrSyncDrainFailed:
		return http.StatusConflict
	case apperrors.ErrIntegrity:
		return http.StatusUnprocessableEntity
	case apperrors.ErrOperationBlocked:
		return http.StatusLocked
	case apperrors.ErrNetwork:
		return http.StatusServiceUnavailable
	case apperrors.ErrServerRejected:
		return http.StatusBadGateway
	case apperrors.ErrQueueFull:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)

	body := errorBody{Code: code, Message: err.Error(), Fields: apperrors.FieldsOf(err)}
	if ae, ok := apperrors.As(err); ok {
		body.Message = ae.Message
		body.Count = ae.Count
	}
	if status == http.StatusInternalServerError {
		logging.Error("request failed", err, map[string]interface{}{"path": r.URL.Path})
		body.Message = "internal error"
	}
	writeJSON(w, status, map[string]any{"error": body})
}
