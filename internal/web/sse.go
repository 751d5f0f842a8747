// Package web streams session and relay snapshots to the UI over server-sent events
package web

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/navikt/dualroom/internal/models"
	"github.com/navikt/dualroom/internal/relay"
	"github.com/navikt/dualroom/internal/session"
)

const (
	// StreamSession is the only stream; clients connect with ?stream=session
	StreamSession = "session"

	EventSession = "session"
	EventRelay   = "relay"
)

// SessionSource is the connection state machine
type SessionSource interface {
	State() models.SessionState
	Subscribe(l session.Listener) func()
}

// RelaySource is the relay coordinator
type RelaySource interface {
	Status() relay.Status
	Subscribe(l func(relay.Status)) func()
}

// EventStream publishes a snapshot event on every session or relay change
type EventStream struct {
	server  *sse.Server
	session SessionSource
	relay   RelaySource
	logger  zerolog.Logger

	closeOnce   sync.Once
	unsubscribe []func()
}

// NewEventStream creates the stream and subscribes to both sources
func NewEventStream(sessionSource SessionSource, relaySource RelaySource) *EventStream {
	es := &EventStream{
		session: sessionSource,
		relay:   relaySource,
		logger:  log.With().Str("module", "web").Logger(),
	}

	server := sse.New()
	// Snapshots supersede each other, so a new client gets the current ones instead of a replay
	server.AutoReplay = false
	server.Headers = map[string]string{
		"Access-Control-Allow-Origin": "*",
		"Cache-Control":               "no-cache, no-transform",
		"X-Accel-Buffering":           "no",
	}
	server.OnSubscribe = func(streamID string, _ *sse.Subscriber) {
		es.logger.Debug().Str("stream", streamID).Msg("SSE client subscribed")
		es.PublishSnapshot()
	}
	server.OnUnsubscribe = func(streamID string, _ *sse.Subscriber) {
		es.logger.Debug().Str("stream", streamID).Msg("SSE client unsubscribed")
	}
	server.CreateStream(StreamSession)
	es.server = server

	es.unsubscribe = append(es.unsubscribe,
		// Incoming relays are filtered by the current room, so a session change
		// can change the relay snapshot too
		sessionSource.Subscribe(func(s models.SessionState) {
			es.publish(EventSession, s)
			es.publish(EventRelay, es.relay.Status())
		}),
		relaySource.Subscribe(func(s relay.Status) { es.publish(EventRelay, s) }),
	)
	return es
}

// PublishSnapshot sends the current session and relay state to every client
func (es *EventStream) PublishSnapshot() {
	es.publish(EventSession, es.session.State())
	es.publish(EventRelay, es.relay.Status())
}

func (es *EventStream) publish(event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		es.logger.Error().Err(err).Str("event", event).Msg("failed to encode SSE event")
		return
	}
	if !es.server.TryPublish(StreamSession, &sse.Event{Event: []byte(event), Data: data}) {
		es.logger.Warn().Str("event", event).Msg("SSE stream full or closed, event dropped")
	}
}

// ServeHTTP implements the http.Handler interface for SSE connections
func (es *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !isEventStreamSupported(r) {
		http.Error(w, "This endpoint requires EventStream support", http.StatusNotAcceptable)
		return
	}

	es.logger.Debug().
		Str("remote", r.RemoteAddr).
		Str("proto", r.Proto).
		Str("user_agent", r.Header.Get("User-Agent")).
		Msg("SSE client connected")

	if r.URL.Query().Get("stream") == "" {
		r = r.Clone(r.Context())
		q := r.URL.Query()
		q.Set("stream", StreamSession)
		r.URL.RawQuery = q.Encode()
	}
	es.server.ServeHTTP(w, r)
}

// Close detaches from the sources and disconnects every client
func (es *EventStream) Close() {
	es.closeOnce.Do(func() {
		for _, unsubscribe := range es.unsubscribe {
			unsubscribe()
		}
		es.server.Close()
	})
}

// isEventStreamSupported reports whether the Accept header admits text/event-stream
func isEventStreamSupported(r *http.Request) bool {
	accepts := r.Header.Get("Accept")
	return accepts == "" ||
		strings.Contains(accepts, "*/*") ||
		strings.Contains(accepts, "text/event-stream")
}
