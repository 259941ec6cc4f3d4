package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// Wire timestamps are UTC ISO-8601 without a timezone suffix; clients parse
// this exact shape.
const wireTimeLayout = "2006-01-02T15:04:05"

func wireTime(t time.Time) string {
	return t.UTC().Format(wireTimeLayout)
}

// wireTimePtr renders an optional timestamp; nil stays null (perpetual
// license).
func wireTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := wireTime(*t)
	return &s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
