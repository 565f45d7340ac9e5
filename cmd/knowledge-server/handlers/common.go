// Package handlers provides the HTTP handlers for the knowledge engine API.
package handlers

import (
	"encoding/json"
	"net/http"
)

// errorBody is the stable error response shape.
type errorBody struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeTypedError(w http.ResponseWriter, status int, msg, errType, provider string) {
	writeJSON(w, status, errorBody{Error: msg, ErrorType: errType, Provider: provider})
}
