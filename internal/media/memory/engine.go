// Package memory provides an in-process media engine. All facades created
// from one Hub share meetings and pub/sub topics.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/navikt/dualroom/internal/media"
)

const eventBuffer = 64

// Hub is the shared state of the engine
type Hub struct {
	mu           sync.Mutex
	meetings     map[string]map[string]*Facade
	subs         map[string]map[*media.Dispatcher]struct{}
	persisted    map[string][]media.Message
	persistLimit int
}

// NewHub creates an engine. persistLimit caps persisted messages per topic,
// zero or less keeps all of them.
func NewHub(persistLimit int) *Hub {
	return &Hub{
		meetings:     make(map[string]map[string]*Facade),
		subs:         make(map[string]map[*media.Dispatcher]struct{}),
		persisted:    make(map[string][]media.Message),
		persistLimit: persistLimit,
	}
}

// NewFacade returns a new participant connection
func (h *Hub) NewFacade() *Facade {
	return &Facade{
		hub:    h,
		id:     uuid.NewString(),
		events: media.NewEventStream(eventBuffer),
	}
}

// Participants lists the members of meetingID
func (h *Hub) Participants(meetingID string) []media.Participant {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rosterLocked(meetingID, "")
}

// SetActiveSpeaker announces participantID as dominant speaker in meetingID
func (h *Hub) SetActiveSpeaker(meetingID, participantID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, f := range h.meetings[meetingID] {
		f.events.Emit(media.Event{Kind: media.EventSpeakerChanged, MeetingID: meetingID, ParticipantID: participantID})
	}
}

// Kick removes a participant as if the engine dropped it
func (h *Hub) Kick(participantID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for meetingID, members := range h.meetings {
		if f, ok := members[participantID]; ok {
			h.removeLocked(f)
			f.events.Emit(media.Event{Kind: media.EventLeft, MeetingID: meetingID})
			return true
		}
	}
	return false
}

// FailNextJoin makes the next Join or SwitchTo of f return err
func (h *Hub) FailNextJoin(f *Facade, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f.joinErr = err
}

func (h *Hub) addLocked(f *Facade, meetingID string) {
	members, ok := h.meetings[meetingID]
	if !ok {
		members = make(map[string]*Facade)
		h.meetings[meetingID] = members
	}
	for _, other := range members {
		other.events.Emit(media.Event{Kind: media.EventParticipantJoined, MeetingID: meetingID, ParticipantID: f.id})
	}
	members[f.id] = f
	f.meetingID = meetingID
}

func (h *Hub) removeLocked(f *Facade) {
	meetingID := f.meetingID
	members := h.meetings[meetingID]
	delete(members, f.id)
	if len(members) == 0 {
		delete(h.meetings, meetingID)
	}
	for _, other := range members {
		other.events.Emit(media.Event{Kind: media.EventParticipantLeft, MeetingID: meetingID, ParticipantID: f.id})
	}
	f.meetingID = ""
}

func (h *Hub) rosterLocked(meetingID, localID string) []media.Participant {
	members := h.meetings[meetingID]
	out := make([]media.Participant, 0, len(members))
	for _, f := range members {
		p := f.participantLocked()
		p.Local = f.id == localID
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Facade is one participant's connection to a Hub. All state is guarded by the hub lock.
type Facade struct {
	hub    *Hub
	id     string
	events *media.EventStream

	meetingID string
	name      string
	mic       bool
	webcam    bool
	closed    bool
	joinErr   error
	subs      []*media.Dispatcher
}

var (
	_ media.Facade   = (*Facade)(nil)
	_ media.Switcher = (*Facade)(nil)
)

// ID returns the participant id
func (f *Facade) ID() string {
	return f.id
}

func (f *Facade) participantLocked() media.Participant {
	return media.Participant{ID: f.id, Name: f.name, MicOn: f.mic, WebcamOn: f.webcam}
}

func (f *Facade) Join(_ context.Context, meetingID, name string) error {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()

	switch {
	case f.closed:
		return media.ErrClosed
	case f.meetingID != "":
		return media.ErrAlreadyJoined
	case f.joinErr != nil:
		err := f.joinErr
		f.joinErr = nil
		return err
	}

	f.name = name
	f.hub.addLocked(f, meetingID)
	f.events.Emit(media.Event{Kind: media.EventJoined, MeetingID: meetingID})
	log.Debug().Str("module", "media").Str("participant", f.id).Str("meetingId", meetingID).Msg("joined meeting")
	return nil
}

func (f *Facade) SwitchTo(_ context.Context, meetingID string) error {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()

	switch {
	case f.closed:
		return media.ErrClosed
	case f.meetingID == "":
		return media.ErrNotJoined
	case f.joinErr != nil:
		err := f.joinErr
		f.joinErr = nil
		return err
	}

	f.hub.removeLocked(f)
	f.hub.addLocked(f, meetingID)
	f.events.Emit(media.Event{Kind: media.EventJoined, MeetingID: meetingID})
	return nil
}

func (f *Facade) Leave(_ context.Context) error {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	f.leaveLocked()
	return nil
}

func (f *Facade) leaveLocked() {
	if f.meetingID == "" {
		return
	}
	meetingID := f.meetingID
	f.hub.removeLocked(f)
	f.events.Emit(media.Event{Kind: media.EventLeft, MeetingID: meetingID})
}

func (f *Facade) MeetingID() string {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	return f.meetingID
}

func (f *Facade) LocalParticipant() (media.Participant, bool) {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()

	if f.meetingID == "" {
		return media.Participant{}, false
	}
	p := f.participantLocked()
	p.Local = true
	return p, true
}

func (f *Facade) Participants(_ context.Context) ([]media.Participant, error) {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()

	if f.meetingID == "" {
		return nil, media.ErrNotJoined
	}
	return f.hub.rosterLocked(f.meetingID, f.id), nil
}

func (f *Facade) SetMic(on bool) {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	f.mic = on
}

func (f *Facade) SetWebcam(on bool) {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	f.webcam = on
}

func (f *Facade) MicOn() bool {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	return f.mic
}

func (f *Facade) WebcamOn() bool {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	return f.webcam
}

func (f *Facade) Events() <-chan media.Event {
	return f.events.C()
}

func (f *Facade) Publish(_ context.Context, topic string, payload []byte, opts media.PublishOptions) error {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()

	if f.closed {
		return media.ErrClosed
	}

	msg := media.Message{
		Topic:     topic,
		SenderID:  f.id,
		Payload:   append([]byte(nil), payload...),
		Timestamp: time.Now(),
	}
	if opts.Persist {
		kept := append(f.hub.persisted[topic], msg)
		if limit := f.hub.persistLimit; limit > 0 && len(kept) > limit {
			kept = kept[len(kept)-limit:]
		}
		f.hub.persisted[topic] = kept
	}
	for d := range f.hub.subs[topic] {
		d.Deliver(msg)
	}
	return nil
}

func (f *Facade) Subscribe(_ context.Context, topic string, handler media.Handler) (func(), error) {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()

	if f.closed {
		return nil, media.ErrClosed
	}

	d := media.NewDispatcher(handler)
	for _, msg := range f.hub.persisted[topic] {
		d.Deliver(msg)
	}
	if f.hub.subs[topic] == nil {
		f.hub.subs[topic] = make(map[*media.Dispatcher]struct{})
	}
	f.hub.subs[topic][d] = struct{}{}
	f.subs = append(f.subs, d)

	cancel := func() {
		f.hub.mu.Lock()
		delete(f.hub.subs[topic], d)
		f.hub.mu.Unlock()
		d.Stop()
	}
	return cancel, nil
}

func (f *Facade) Close() error {
	f.hub.mu.Lock()
	if f.closed {
		f.hub.mu.Unlock()
		return nil
	}
	f.leaveLocked()
	f.closed = true
	for _, d := range f.subs {
		for topic := range f.hub.subs {
			delete(f.hub.subs[topic], d)
		}
		d.Stop()
	}
	f.subs = nil
	f.hub.mu.Unlock()

	f.events.Close()
	return nil
}
