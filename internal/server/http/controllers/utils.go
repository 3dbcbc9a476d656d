package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Helper functions for common HTTP responses

// writeError writes an error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes a JSON response with the given data.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// writeCreated writes a 201 Created response with a JSON body.
func writeCreated(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(data)
}

// parseLimit parses a limit string and returns a valid limit value.
//
// Returns def for empty strings or invalid values.
func parseLimit(limitStr string, def int) int {
	if limitStr == "" {
		return def
	}
	if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
		return limit
	}
	return def
}

// parseSpace parses a space id, defaulting to DefaultSpace.
func parseSpace(s string) (uint32, bool) {
	if s == "" {
		return DefaultSpace, true
	}
	n, err := strconv.ParseUint(s, 10, 32)
	return uint32(n), err == nil
}
