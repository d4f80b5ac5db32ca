package util

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// =============================================================================
// HTTP Response Helpers
// =============================================================================

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write json response", "error", err)
	}
}

// RespondLNURLError sends an LNURL error body ({"status":"ERROR","reason":...}).
// LNURL clients expect errors with a 200 status, so status is usually http.StatusOK.
func RespondLNURLError(w http.ResponseWriter, status int, reason string) {
	WriteJSON(w, status, map[string]string{"status": "ERROR", "reason": reason})
}
