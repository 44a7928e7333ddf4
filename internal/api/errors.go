package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pranavko12/weathervault/internal/controlstore"
	"github.com/pranavko12/weathervault/internal/domain"
	"github.com/pranavko12/weathervault/internal/progress"
)

const (
	codeNotFound         = "not_found"
	codeMethodNotAllowed = "method_not_allowed"
	codeNotReady         = "dependency_not_ready"
	codeInvalidStatus    = "invalid_status"
	codeInvalidLimit     = "invalid_limit"
	codeInvalidItemID    = "invalid_item_id"
	codeInvalidState     = "invalid_state_transition"
	codeInternal         = "internal_error"
)

// APIError is the body of every non-2xx response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, APIError{Code: code, Message: message, Details: details})
}

// writeStoreError maps tracker and control store failures onto status codes. A rejected
// conditional update means the item or job is in the wrong state for the request.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidItemID):
		writeAPIError(w, http.StatusBadRequest, codeInvalidItemID, err.Error(), nil)
	case errors.Is(err, controlstore.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, codeNotFound, "not found", nil)
	case errors.Is(err, progress.ErrConditionalUpdateRejected):
		writeAPIError(w, http.StatusConflict, codeInvalidState, err.Error(), nil)
	default:
		s.logger.Error("control store request failed", zap.Error(err))
		writeAPIError(w, http.StatusInternalServerError, codeInternal, "internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
