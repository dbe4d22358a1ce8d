package httpjson

import (
	"encoding/json"
	"errors"
	"net/http"

	"roomchat/internal/db"
)

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StorageError answers 503 for store outages and 500 for anything else.
func StorageError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrStorageUnavailable) {
		Error(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	Error(w, http.StatusInternalServerError, "internal error")
}

// Decode reads a JSON request body into v.
func Decode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
