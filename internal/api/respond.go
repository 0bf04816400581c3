package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ChrisB0-2/extension-guard/internal/core"
	"github.com/ChrisB0-2/extension-guard/internal/logger"
)

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeErr maps err to a status code. Unexpected errors are logged and
// answered with a generic message.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":       verr.Message,
			"blockReason": string(verr.Kind),
		})
	case errors.Is(err, core.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrAlreadyExists), errors.Is(err, core.ErrLimitExceeded):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrInvalidExtension), errors.Is(err, core.ErrInvalidInput):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		logger.FromContext(r.Context(), s.log).Error("request failed",
			logger.F("method", r.Method),
			logger.F("path", r.URL.Path),
			logger.Err(err))
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

const maxJSONBody = 1 << 20

// decodeJSON reads a JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(v)
}
