package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/haondt/talaria/internal/logging"
)

// envelope is the JSON wrapper every API response uses, so clients can
// branch on success/error without inspecting status codes alone.
type envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

func writeEnvelope(w http.ResponseWriter, statusCode int, e envelope) {
	e.Timestamp = time.Now().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(e); err != nil {
		logging.Default().Warn("encoding response: %v", err)
	}
}

// RespondSuccess writes a 200 OK envelope around data.
func RespondSuccess(w http.ResponseWriter, data interface{}) {
	writeEnvelope(w, http.StatusOK, envelope{Success: true, Data: data})
}

// RespondError writes an error envelope with the given status code.
func RespondError(w http.ResponseWriter, statusCode int, err error) {
	writeEnvelope(w, statusCode, envelope{Error: err.Error()})
}

// RespondBadRequest writes a 400 Bad Request envelope.
func RespondBadRequest(w http.ResponseWriter, err error) {
	RespondError(w, http.StatusBadRequest, err)
}

// RespondUnauthorized writes a 401 Unauthorized envelope.
func RespondUnauthorized(w http.ResponseWriter, err error) {
	RespondError(w, http.StatusUnauthorized, err)
}

// RespondInternalError writes a 500 Internal Server Error envelope.
func RespondInternalError(w http.ResponseWriter, err error) {
	RespondError(w, http.StatusInternalServerError, err)
}
