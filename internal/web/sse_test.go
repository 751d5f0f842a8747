package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/r3labs/sse/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navikt/dualroom/internal/models"
	"github.com/navikt/dualroom/internal/relay"
	"github.com/navikt/dualroom/internal/session"
)

type fakeSessionSource struct {
	mu        sync.Mutex
	state     models.SessionState
	listeners []session.Listener
	removed   int
}

func (f *fakeSessionSource) State() models.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSessionSource) Subscribe(l session.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.removed++
	}
}

func (f *fakeSessionSource) set(s models.SessionState) {
	f.mu.Lock()
	f.state = s
	ls := append([]session.Listener(nil), f.listeners...)
	f.mu.Unlock()
	for _, l := range ls {
		l(s)
	}
}

type fakeRelaySource struct {
	mu        sync.Mutex
	status    relay.Status
	listeners []func(relay.Status)
	removed   int
}

func (f *fakeRelaySource) Status() relay.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeRelaySource) Subscribe(l func(relay.Status)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.removed++
	}
}

func (f *fakeRelaySource) set(s relay.Status) {
	f.mu.Lock()
	f.status = s
	ls := append(([]func(relay.Status))(nil), f.listeners...)
	f.mu.Unlock()
	for _, l := range ls {
		l(s)
	}
}

func TestEventStream_CORSPreflight(t *testing.T) {
	es := NewEventStream(&fakeSessionSource{}, &fakeRelaySource{})
	defer es.Close()

	recorder := httptest.NewRecorder()
	es.ServeHTTP(recorder, httptest.NewRequest(http.MethodOptions, "/events", nil))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "*", recorder.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, OPTIONS", recorder.Header().Get("Access-Control-Allow-Methods"))
}

func TestEventStream_RejectsNonStreamingClients(t *testing.T) {
	es := NewEventStream(&fakeSessionSource{}, &fakeRelaySource{})
	defer es.Close()

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/events", nil)
	request.Header.Set("Accept", "application/json")
	es.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusNotAcceptable, recorder.Code)

	recorder = httptest.NewRecorder()
	es.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/events", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
}

func TestIsEventStreamSupported(t *testing.T) {
	tests := map[string]bool{
		"":                               true,
		"*/*":                            true,
		"text/event-stream":              true,
		"text/html, text/event-stream":   true,
		"application/json":               false,
		"text/html,application/xml;q=.9": false,
	}
	for accept, want := range tests {
		r := httptest.NewRequest(http.MethodGet, "/events", nil)
		r.Header.Set("Accept", accept)
		assert.Equal(t, want, isEventStreamSupported(r), accept)
	}
}

// waitFor reads events until one of the given type satisfies match
func waitFor(t *testing.T, ch <-chan *sse.Event, event string, match func([]byte) bool) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if string(ev.Event) == event && match(ev.Data) {
				return
			}
		case <-timeout:
			t.Fatalf("no matching %q event received", event)
		}
	}
}

func TestEventStream_PublishesSnapshots(t *testing.T) {
	sess := &fakeSessionSource{state: models.SessionState{ParticipantName: "Alice"}}
	rel := &fakeRelaySource{status: relay.Status{Incoming: []models.RelayDescriptor{}}}
	es := NewEventStream(sess, rel)

	srv := httptest.NewServer(es)
	defer srv.Close()
	defer es.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan *sse.Event, 32)
	client := sse.NewClient(srv.URL + "/events")
	require.NoError(t, client.SubscribeChanWithContext(ctx, StreamSession, events))

	// A new subscriber receives the current state without waiting for a change
	waitFor(t, events, EventSession, func(data []byte) bool {
		var s models.SessionState
		return json.Unmarshal(data, &s) == nil && s.ParticipantName == "Alice"
	})

	sess.set(models.SessionState{
		ActiveRoom:      models.RoomA,
		ActiveMeetingID: "room-111",
		ParticipantName: "Alice",
		Connection:      models.PhaseConnected,
	})
	waitFor(t, events, EventSession, func(data []byte) bool {
		var s models.SessionState
		return json.Unmarshal(data, &s) == nil && s.Connection == models.PhaseConnected && s.ActiveRoom == models.RoomA
	})

	rel.set(relay.Status{Active: true, DurationSeconds: 3, Duration: "00:03", Incoming: []models.RelayDescriptor{}})
	waitFor(t, events, EventRelay, func(data []byte) bool {
		var s relay.Status
		return json.Unmarshal(data, &s) == nil && s.Active && s.Duration == "00:03"
	})
}

func TestEventStream_DefaultsStreamParameter(t *testing.T) {
	sess := &fakeSessionSource{state: models.SessionState{ParticipantName: "Bob"}}
	es := NewEventStream(sess, &fakeRelaySource{})

	srv := httptest.NewServer(es)
	defer srv.Close()
	defer es.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan *sse.Event, 32)
	client := sse.NewClient(srv.URL + "/events")
	// Raw subscriptions send no stream query parameter
	require.NoError(t, client.SubscribeChanRawWithContext(ctx, events))

	waitFor(t, events, EventSession, func(data []byte) bool {
		var s models.SessionState
		return json.Unmarshal(data, &s) == nil && s.ParticipantName == "Bob"
	})
}

func TestEventStream_Close(t *testing.T) {
	sess := &fakeSessionSource{}
	rel := &fakeRelaySource{}
	es := NewEventStream(sess, rel)

	es.Close()
	es.Close()

	assert.Equal(t, 1, sess.removed)
	assert.Equal(t, 1, rel.removed)

	// Publishing after close is dropped, not blocked
	es.PublishSnapshot()
}
