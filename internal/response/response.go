// Package response writes the admin API's JSON envelopes, including the
// mapping from internal/repository's four error kinds (spec §7) to HTTP
// status codes and wire error codes. Grounded in the teacher's
// internal/response/response.go, merged with the status-code switch that
// lived inline in internal/api/handlers.go so the two don't drift apart.
package response

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/driftmock/driftmock/internal/repository"
)

// ErrorResponse is the envelope every admin API error is wrapped in.
type ErrorResponse struct {
	Errors []Error `json:"errors"`
}

// Error is a single entry in an ErrorResponse.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Wire error codes, matching mountebank's.
const (
	ErrCodeBadData          = "bad data"
	ErrCodeResourceConflict = "resource conflict"
	ErrCodeNoSuchResource   = "no such resource"
	ErrCodeInvalidJSON      = "invalid JSON"
)

// WriteError writes a single-error ErrorResponse.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Errors: []Error{{Code: code, Message: message}}})
}

// WriteJSON writes data as a JSON body with statusCode.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// WriteRepositoryError classifies err against repository's four error
// kinds and writes the matching status code and wire error code. IO and
// Parse errors, and any error outside those kinds (such as
// repository.TornStateError or repository.ExhaustedStubError), fall back to
// a 500 with ErrCodeBadData.
func WriteRepositoryError(w http.ResponseWriter, port int, err error) {
	switch err.(type) {
	case *repository.MissingResourceError:
		WriteError(w, http.StatusNotFound, ErrCodeNoSuchResource, fmt.Sprintf("no such resource on port %d", port))
	case *repository.LockContentionError:
		WriteError(w, http.StatusServiceUnavailable, ErrCodeBadData, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, ErrCodeBadData, err.Error())
	}
}
