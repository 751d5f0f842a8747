// Package redis provides a media engine whose roster and pub/sub live in
// Redis/Valkey, so facades in separate processes see each other
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/navikt/dualroom/internal/media"
)

const (
	eventBuffer    = 64
	controlSpeaker = "speaker"
	controlJoined  = "joined"
	controlLeft    = "left"
)

// controlMessage is published on a meeting's control channel
type controlMessage struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participantId"`
}

// envelope wraps a pub/sub payload with its sender
type envelope struct {
	SenderID  string `json:"senderId"`
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// Engine creates facades sharing one Redis client
type Engine struct {
	client       *redis.Client
	keyPrefix    string
	persistLimit int64
}

// NewEngine creates an engine. persistLimit caps persisted messages per topic,
// zero or less keeps all of them.
func NewEngine(client *redis.Client, keyPrefix string, persistLimit int64) *Engine {
	return &Engine{
		client:       client,
		keyPrefix:    keyPrefix,
		persistLimit: persistLimit,
	}
}

func (e *Engine) rosterKey(meetingID string) string {
	return fmt.Sprintf("%smedia:meetings:%s:participants", e.keyPrefix, meetingID)
}

func (e *Engine) participantKey(participantID string) string {
	return fmt.Sprintf("%smedia:participants:%s", e.keyPrefix, participantID)
}

func (e *Engine) controlChannel(meetingID string) string {
	return fmt.Sprintf("%smedia:meetings:%s:control", e.keyPrefix, meetingID)
}

func (e *Engine) topicChannel(topic string) string {
	return fmt.Sprintf("%smedia:topics:%s", e.keyPrefix, topic)
}

func (e *Engine) persistKey(topic string) string {
	return fmt.Sprintf("%smedia:topics:%s:persisted", e.keyPrefix, topic)
}

// NewFacade returns a new participant connection
func (e *Engine) NewFacade() *Facade {
	return &Facade{
		engine: e,
		id:     uuid.NewString(),
		events: media.NewEventStream(eventBuffer),
		subs:   make(map[*redis.PubSub]*media.Dispatcher),
	}
}

// SetActiveSpeaker announces participantID as dominant speaker in meetingID
func (e *Engine) SetActiveSpeaker(ctx context.Context, meetingID, participantID string) error {
	return e.publishControl(ctx, meetingID, controlMessage{Type: controlSpeaker, ParticipantID: participantID})
}

// Participants lists the members of meetingID
func (e *Engine) Participants(ctx context.Context, meetingID string) ([]media.Participant, error) {
	return e.roster(ctx, meetingID, "")
}

func (e *Engine) publishControl(ctx context.Context, meetingID string, msg controlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal control message: %w", err)
	}
	if err := e.client.Publish(ctx, e.controlChannel(meetingID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish control message: %w", err)
	}
	return nil
}

func (e *Engine) roster(ctx context.Context, meetingID, localID string) ([]media.Participant, error) {
	ids, err := e.client.SMembers(ctx, e.rosterKey(meetingID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	if len(ids) == 0 {
		return []media.Participant{}, nil
	}

	pipe := e.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, e.participantKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to get participant data: %w", err)
	}

	out := make([]media.Participant, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		mic, _ := strconv.ParseBool(fields["mic"])
		webcam, _ := strconv.ParseBool(fields["webcam"])
		out = append(out, media.Participant{
			ID:       ids[i],
			Name:     fields["name"],
			Local:    ids[i] == localID,
			MicOn:    mic,
			WebcamOn: webcam,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Facade is one participant's connection through Redis
type Facade struct {
	engine *Engine
	id     string
	events *media.EventStream

	mu        sync.Mutex
	meetingID string
	name      string
	mic       bool
	webcam    bool
	closed    bool
	control   *redis.PubSub
	subs      map[*redis.PubSub]*media.Dispatcher
}

var (
	_ media.Facade   = (*Facade)(nil)
	_ media.Switcher = (*Facade)(nil)
)

// ID returns the participant id
func (f *Facade) ID() string {
	return f.id
}

// attachLocked registers the participant in meetingID and starts listening on its control channel
func (f *Facade) attachLocked(ctx context.Context, meetingID string) error {
	e := f.engine

	control := e.client.Subscribe(ctx, e.controlChannel(meetingID))
	if _, err := control.Receive(ctx); err != nil {
		_ = control.Close()
		return fmt.Errorf("failed to subscribe to meeting control: %w", err)
	}

	pipe := e.client.TxPipeline()
	pipe.SAdd(ctx, e.rosterKey(meetingID), f.id)
	pipe.HSet(ctx, e.participantKey(f.id), map[string]any{
		"name":      f.name,
		"meetingId": meetingID,
		"mic":       strconv.FormatBool(f.mic),
		"webcam":    strconv.FormatBool(f.webcam),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		_ = control.Close()
		return fmt.Errorf("failed to register participant: %w", err)
	}

	f.meetingID = meetingID
	f.control = control
	go f.readControl(control, meetingID)

	if err := e.publishControl(ctx, meetingID, controlMessage{Type: controlJoined, ParticipantID: f.id}); err != nil {
		log.Warn().Err(err).Str("module", "media").Str("meetingId", meetingID).Msg("failed to announce join")
	}
	return nil
}

// detachLocked is the reverse of attachLocked. Redis failures are logged, the
// local state is cleared regardless.
func (f *Facade) detachLocked(ctx context.Context) {
	e := f.engine
	meetingID := f.meetingID

	if f.control != nil {
		_ = f.control.Close()
		f.control = nil
	}

	pipe := e.client.TxPipeline()
	pipe.SRem(ctx, e.rosterKey(meetingID), f.id)
	pipe.Del(ctx, e.participantKey(f.id))
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("module", "media").Str("meetingId", meetingID).Msg("failed to unregister participant")
	}
	if err := e.publishControl(ctx, meetingID, controlMessage{Type: controlLeft, ParticipantID: f.id}); err != nil {
		log.Warn().Err(err).Str("module", "media").Str("meetingId", meetingID).Msg("failed to announce leave")
	}

	f.meetingID = ""
}

func (f *Facade) readControl(ps *redis.PubSub, meetingID string) {
	for msg := range ps.Channel() {
		var ctl controlMessage
		if err := json.Unmarshal([]byte(msg.Payload), &ctl); err != nil {
			log.Debug().Err(err).Str("module", "media").Msg("ignoring malformed control message")
			continue
		}

		switch ctl.Type {
		case controlSpeaker:
			f.events.Emit(media.Event{Kind: media.EventSpeakerChanged, MeetingID: meetingID, ParticipantID: ctl.ParticipantID})
		case controlJoined:
			if ctl.ParticipantID != f.id {
				f.events.Emit(media.Event{Kind: media.EventParticipantJoined, MeetingID: meetingID, ParticipantID: ctl.ParticipantID})
			}
		case controlLeft:
			if ctl.ParticipantID != f.id {
				f.events.Emit(media.Event{Kind: media.EventParticipantLeft, MeetingID: meetingID, ParticipantID: ctl.ParticipantID})
			}
		}
	}
}

func (f *Facade) Join(ctx context.Context, meetingID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case f.closed:
		return media.ErrClosed
	case f.meetingID != "":
		return media.ErrAlreadyJoined
	}

	f.name = name
	if err := f.attachLocked(ctx, meetingID); err != nil {
		return err
	}
	f.events.Emit(media.Event{Kind: media.EventJoined, MeetingID: meetingID})
	return nil
}

func (f *Facade) SwitchTo(ctx context.Context, meetingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case f.closed:
		return media.ErrClosed
	case f.meetingID == "":
		return media.ErrNotJoined
	}

	old := f.meetingID
	f.detachLocked(ctx)
	if err := f.attachLocked(ctx, meetingID); err != nil {
		// The old meeting is gone already; report it as left so callers do not wait forever
		f.events.Emit(media.Event{Kind: media.EventLeft, MeetingID: old})
		return err
	}
	f.events.Emit(media.Event{Kind: media.EventJoined, MeetingID: meetingID})
	return nil
}

func (f *Facade) Leave(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.meetingID == "" {
		return nil
	}
	meetingID := f.meetingID
	f.detachLocked(ctx)
	f.events.Emit(media.Event{Kind: media.EventLeft, MeetingID: meetingID})
	return nil
}

func (f *Facade) MeetingID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meetingID
}

func (f *Facade) LocalParticipant() (media.Participant, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.meetingID == "" {
		return media.Participant{}, false
	}
	return media.Participant{ID: f.id, Name: f.name, Local: true, MicOn: f.mic, WebcamOn: f.webcam}, true
}

func (f *Facade) Participants(ctx context.Context) ([]media.Participant, error) {
	meetingID := f.MeetingID()
	if meetingID == "" {
		return nil, media.ErrNotJoined
	}
	return f.engine.roster(ctx, meetingID, f.id)
}

func (f *Facade) SetMic(on bool) {
	f.setDevice("mic", on, func() { f.mic = on })
}

func (f *Facade) SetWebcam(on bool) {
	f.setDevice("webcam", on, func() { f.webcam = on })
}

func (f *Facade) setDevice(field string, on bool, apply func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	apply()
	if f.meetingID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.engine.client.HSet(ctx, f.engine.participantKey(f.id), field, strconv.FormatBool(on)).Err(); err != nil {
		log.Warn().Err(err).Str("module", "media").Str("device", field).Msg("failed to store device state")
	}
}

func (f *Facade) MicOn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mic
}

func (f *Facade) WebcamOn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.webcam
}

func (f *Facade) Events() <-chan media.Event {
	return f.events.C()
}

func (f *Facade) Publish(ctx context.Context, topic string, payload []byte, opts media.PublishOptions) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return media.ErrClosed
	}

	e := f.engine
	data, err := json.Marshal(envelope{SenderID: f.id, Payload: payload, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if !opts.Persist {
		if err := e.client.Publish(ctx, e.topicChannel(topic), data).Err(); err != nil {
			return fmt.Errorf("failed to publish message: %w", err)
		}
		return nil
	}

	pipe := e.client.TxPipeline()
	pipe.RPush(ctx, e.persistKey(topic), data)
	if e.persistLimit > 0 {
		pipe.LTrim(ctx, e.persistKey(topic), -e.persistLimit, -1)
	}
	pipe.Publish(ctx, e.topicChannel(topic), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish persisted message: %w", err)
	}
	return nil
}

// Subscribe replays persisted messages and then streams live ones. A message
// persisted while subscribing may be delivered twice.
func (f *Facade) Subscribe(ctx context.Context, topic string, handler media.Handler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, media.ErrClosed
	}

	e := f.engine
	ps := e.client.Subscribe(ctx, e.topicChannel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	history, err := e.client.LRange(ctx, e.persistKey(topic), 0, -1).Result()
	if err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to read persisted messages: %w", err)
	}

	d := media.NewDispatcher(handler)
	for _, raw := range history {
		if msg, ok := decodeEnvelope(topic, raw); ok {
			d.Deliver(msg)
		}
	}
	f.subs[ps] = d

	go func() {
		for m := range ps.Channel() {
			if msg, ok := decodeEnvelope(topic, m.Payload); ok {
				d.Deliver(msg)
			}
		}
	}()

	cancel := func() {
		f.mu.Lock()
		delete(f.subs, ps)
		f.mu.Unlock()
		_ = ps.Close()
		d.Stop()
	}
	return cancel, nil
}

func decodeEnvelope(topic, raw string) (media.Message, bool) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		log.Debug().Err(err).Str("module", "media").Str("topic", topic).Msg("ignoring malformed message")
		return media.Message{}, false
	}
	return media.Message{
		Topic:     topic,
		SenderID:  env.SenderID,
		Payload:   env.Payload,
		Timestamp: time.UnixMilli(env.Timestamp),
	}, true
}

func (f *Facade) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true

	if f.meetingID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		meetingID := f.meetingID
		f.detachLocked(ctx)
		cancel()
		f.events.Emit(media.Event{Kind: media.EventLeft, MeetingID: meetingID})
	}
	for ps, d := range f.subs {
		_ = ps.Close()
		d.Stop()
	}
	f.subs = nil
	f.mu.Unlock()

	f.events.Close()
	return nil
}
