package util

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes payload as the JSON response body.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError writes the gateway error body {"error": msg, "code": code}.
func WriteError(w http.ResponseWriter, status int, code, msg string) {
	body := map[string]string{"error": msg}
	if code != "" {
		body["code"] = code
	}
	WriteJSON(w, status, body)
}
