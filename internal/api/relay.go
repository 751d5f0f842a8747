package api

import (
	"net/http"
)

// RelayHandler serves /api/relay/*
type RelayHandler struct {
	relay RelayController
}

// NewRelayHandler creates a handler for the given coordinator
func NewRelayHandler(relay RelayController) *RelayHandler {
	return &RelayHandler{relay: relay}
}

// ServeHTTP routes on method and path
func (h *RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/relay":
		writeJSON(w, http.StatusOK, h.relay.Status())
	case r.Method == http.MethodPost && r.URL.Path == "/api/relay/start":
		if err := h.relay.Start(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h.relay.Status())
	case r.Method == http.MethodPost && r.URL.Path == "/api/relay/stop":
		if err := h.relay.Stop(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h.relay.Status())
	default:
		http.NotFound(w, r)
	}
}
