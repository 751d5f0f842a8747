package api

import (
	"net/http"
)

// SetupRoutes configures the HTTP routes for the control API. events may be
// nil when no UI stream is served.
func SetupRoutes(session SessionController, relay RelayController, ready func() bool, events http.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health/live", HealthLiveHandler)
	mux.HandleFunc("/health/ready", NewHealthReadyHandler(ready))

	sessionHandler := NewSessionHandler(session)
	mux.Handle("/api/rooms", sessionHandler)
	mux.Handle("/api/session", sessionHandler)
	mux.Handle("/api/session/", sessionHandler)
	mux.Handle("/api/participants", sessionHandler)
	// The panel belongs to the session state, the rest of /api/relay to the coordinator
	mux.Handle("/api/relay/panel", sessionHandler)

	relayHandler := NewRelayHandler(relay)
	mux.Handle("/api/relay", relayHandler)
	mux.Handle("/api/relay/", relayHandler)

	if events != nil {
		mux.Handle("/events", events)
	}

	return mux
}
