// Package api provides the HTTP handlers for the dualroom control API
package api

import (
	"net/http"
)

// HealthResponse represents the response for health check endpoints
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthLiveHandler handles liveness probe requests
func HealthLiveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "UP"})
}

// NewHealthReadyHandler reports UP once ready returns true
func NewHealthReadyHandler(ready func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "DOWN"})
			return
		}
		writeJSON(w, http.StatusOK, HealthResponse{Status: "UP"})
	}
}
