package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/device-manager/internal/device"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeNotFound          = "not_found"
	ErrCodeInternal          = "internal_error"
	ErrCodeMethodNotAllow    = "method_not_allowed"
	ErrCodeBadRequest        = "invalid_argument"
	ErrCodeUnauthorized      = "unauthorized"
	ErrCodeAttributeConflict = "attribute_conflict"
	ErrCodeConflict          = "conflict"
	ErrCodeUnavailable       = "id_generation_exhausted"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeDeviceError maps a device error kind to its HTTP status. Internal
// errors are logged and reported without detail.
func (s *Server) writeDeviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch device.Kind(err) {
	case device.KindNotFound:
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case device.KindInvalidArgument:
		writeBadRequest(w, err.Error())
	case device.KindAttributeConflict:
		writeError(w, http.StatusConflict, ErrCodeAttributeConflict, err.Error())
	case device.KindConflict:
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case device.KindIDGenerationExhausted:
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	default:
		s.logger.Error("device request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writeInternalError(w, "internal server error")
	}
}
