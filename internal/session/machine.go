// Package session implements the connection state machine of the primary
// context: IDLE -> CONNECTING -> CONNECTED, room switches and leave.
//
// Requests come from the control API, asynchronous facade callbacks arrive on
// the facade's event stream and are applied by Run, one at a time. The
// facade is never called with the machine lock held.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/navikt/dualroom/internal/media"
	"github.com/navikt/dualroom/internal/models"
	"github.com/navikt/dualroom/internal/repository"
	"github.com/navikt/dualroom/internal/utils"
)

const (
	DefaultJoinDebounce  = 150 * time.Millisecond
	DefaultSwitchTimeout = 15 * time.Second
)

var errSwitchTimeout = errors.New("no joined signal before switch timeout")

// RoomSource provides the resolved room pair
type RoomSource interface {
	Rooms() (models.RoomPair, bool)
}

// Listener receives a snapshot after every state change
type Listener func(models.SessionState)

// Options tunes the machine and wires it to its parent
type Options struct {
	JoinDebounce  time.Duration
	SwitchTimeout time.Duration
	// OnLeave is called after the session returned to IDLE because the user
	// left or the engine dropped the meeting
	OnLeave func(models.SessionState)
	// OnPanelClose is called whenever the relay panel is forced closed
	OnPanelClose func()
}

// Machine owns the SessionState of one execution context
type Machine struct {
	facade media.Facade
	store  repository.SessionStore
	rooms  RoomSource
	opts   Options
	logger zerolog.Logger

	mu        sync.Mutex
	state     models.SessionState
	lastErr   error
	gen       uint64
	joinTimer *time.Timer

	// switch bookkeeping, valid while state.Switching
	switchFrom        models.RoomLabel
	switchFromMeeting string
	switchInPlace     bool
	switchOldLeft     bool
	switchTimer       *time.Timer

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int
}

// NewMachine creates a machine in IDLE
func NewMachine(facade media.Facade, store repository.SessionStore, rooms RoomSource, opts Options) *Machine {
	if opts.JoinDebounce <= 0 {
		opts.JoinDebounce = DefaultJoinDebounce
	}
	if opts.SwitchTimeout <= 0 {
		opts.SwitchTimeout = DefaultSwitchTimeout
	}
	return &Machine{
		facade:    facade,
		store:     store,
		rooms:     rooms,
		opts:      opts,
		logger:    log.With().Str("module", "session").Logger(),
		listeners: make(map[int]Listener),
	}
}

// State returns a snapshot
func (m *Machine) State() models.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the typed error behind State().LastError, or nil
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Rooms returns the room pair the machine works with
func (m *Machine) Rooms() (models.RoomPair, bool) {
	return m.rooms.Rooms()
}

// Subscribe registers a listener. The returned func removes it.
func (m *Machine) Subscribe(l Listener) func() {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Machine) notify(s models.SessionState) {
	m.listenersMu.Lock()
	ls := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	m.listenersMu.Unlock()

	for _, l := range ls {
		l(s)
	}
}

// Run applies facade events until ctx is done or the event stream closes
func (m *Machine) Run(ctx context.Context) error {
	defer m.stopTimers()

	events := m.facade.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.apply(ev)
		}
	}
}

func (m *Machine) stopTimers() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gen++
	m.stopTimersLocked()
}

func (m *Machine) stopTimersLocked() {
	if m.joinTimer != nil {
		m.joinTimer.Stop()
		m.joinTimer = nil
	}
	if m.switchTimer != nil {
		m.switchTimer.Stop()
		m.switchTimer = nil
	}
}

// Restore re-joins the room persisted by an earlier run. It does nothing when
// no usable record exists or the machine is not IDLE.
func (m *Machine) Restore(ctx context.Context) error {
	active, ok, err := repository.LoadActiveSession(ctx, m.store)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	pair, resolved := m.rooms.Rooms()
	if id, _ := pair.MeetingID(active.Room); !resolved || id != active.MeetingID {
		m.logger.Info().Str("room", string(active.Room)).Msg("persisted session does not match room pair, discarding")
		return repository.ClearActiveSession(ctx, m.store)
	}

	err = m.RequestJoin(ctx, active.Room, active.Name)
	if errors.Is(err, models.ErrInvalidTransition) {
		return nil
	}
	return err
}

// RequestJoin moves IDLE -> CONNECTING and dispatches the facade join after
// the debounce. A second call before the session is IDLE again fails with
// ErrInvalidTransition, so only one join is ever in flight.
func (m *Machine) RequestJoin(ctx context.Context, label models.RoomLabel, name string) error {
	if !label.Valid() {
		return fmt.Errorf("invalid room %q", label)
	}
	pair, _ := m.rooms.Rooms()
	meetingID, ok := pair.MeetingID(label)
	if !ok {
		return models.ErrRoomUnresolved
	}
	name = models.ResolveParticipantName(utils.SanitizeDisplayName(name))

	m.mu.Lock()
	if m.state.Connection != models.PhaseIdle {
		m.mu.Unlock()
		return models.ErrInvalidTransition
	}

	active := repository.ActiveSession{Room: label, MeetingID: meetingID, Name: name}
	if err := repository.SaveActiveSession(ctx, m.store, active); err != nil {
		m.mu.Unlock()
		return err
	}

	m.state = models.SessionState{
		ActiveRoom:      label,
		ActiveMeetingID: meetingID,
		ParticipantName: name,
		Connection:      models.PhaseConnecting,
	}
	m.lastErr = nil
	m.gen++
	m.scheduleJoinLocked(meetingID, name)
	snapshot := m.state
	m.mu.Unlock()

	m.logger.Info().Str("room", string(label)).Str("meetingId", meetingID).
		Str("name", utils.SanitizeLogString(name)).Msg("joining room")
	m.notify(snapshot)
	return nil
}

// scheduleJoinLocked arms the debounced join for the current generation
func (m *Machine) scheduleJoinLocked(meetingID, name string) {
	gen := m.gen
	if m.joinTimer != nil {
		m.joinTimer.Stop()
	}
	m.joinTimer = time.AfterFunc(m.opts.JoinDebounce, func() {
		m.dispatchJoin(gen, meetingID, name)
	})
}

func (m *Machine) dispatchJoin(gen uint64, meetingID, name string) {
	m.mu.Lock()
	if gen != m.gen || m.state.Connection != models.PhaseConnecting || m.state.ActiveMeetingID != meetingID {
		m.mu.Unlock()
		return
	}
	m.joinTimer = nil
	m.mu.Unlock()

	ctx := context.Background()
	err := m.facade.Join(ctx, meetingID, name)

	m.mu.Lock()
	if gen != m.gen {
		// Left or restarted while the join was running
		m.mu.Unlock()
		if err == nil {
			_ = m.facade.Leave(ctx)
		}
		return
	}
	if err == nil {
		m.mu.Unlock()
		return
	}

	var failure error = &models.FacadeError{Op: "join", Err: err}
	if m.state.Switching {
		failure = &models.SwitchFailure{From: m.switchFrom, To: m.state.ActiveRoom, Err: err}
	}
	snapshot := m.failLocked(ctx, failure)
	m.mu.Unlock()

	m.logger.Error().Err(err).Str("meetingId", meetingID).Msg("join failed")
	m.notify(snapshot)
}

// failLocked drops to IDLE, records err and forgets the persisted active room
func (m *Machine) failLocked(ctx context.Context, err error) models.SessionState {
	m.gen++
	m.stopTimersLocked()

	m.state = models.SessionState{
		ParticipantName: m.state.ParticipantName,
		Connection:      models.PhaseIdle,
		LastError:       err.Error(),
	}
	m.lastErr = err
	if clearErr := repository.ClearActiveSession(ctx, m.store); clearErr != nil {
		m.logger.Warn().Err(clearErr).Msg("failed to clear persisted session")
	}
	return m.state
}

// CancelPendingJoin cancels a join whose debounce has not fired yet
func (m *Machine) CancelPendingJoin(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Connection != models.PhaseConnecting || m.state.Switching || m.joinTimer == nil {
		m.mu.Unlock()
		return models.ErrInvalidTransition
	}

	m.gen++
	m.stopTimersLocked()
	m.state = models.SessionState{ParticipantName: m.state.ParticipantName, Connection: models.PhaseIdle}
	if err := repository.ClearActiveSession(ctx, m.store); err != nil {
		m.logger.Warn().Err(err).Msg("failed to clear persisted session")
	}
	snapshot := m.state
	m.mu.Unlock()

	m.logger.Info().Msg("pending join cancelled")
	m.notify(snapshot)
	return nil
}

// RequestSwitch moves CONNECTED -> CONNECTING towards target. It is rejected
// unless the machine is CONNECTED, which makes it a no-op while another
// switch is in flight.
func (m *Machine) RequestSwitch(ctx context.Context, target models.RoomLabel) error {
	if !target.Valid() {
		return fmt.Errorf("invalid room %q", target)
	}

	m.mu.Lock()
	if m.state.Connection != models.PhaseConnected {
		m.mu.Unlock()
		return models.ErrInvalidTransition
	}
	if target == m.state.ActiveRoom {
		m.mu.Unlock()
		return nil
	}
	pair, _ := m.rooms.Rooms()
	targetMeeting, ok := pair.MeetingID(target)
	if !ok {
		m.mu.Unlock()
		return models.ErrRoomUnresolved
	}

	switcher, inPlace := m.facade.(media.Switcher)

	m.switchFrom = m.state.ActiveRoom
	m.switchFromMeeting = m.state.ActiveMeetingID
	m.switchInPlace = inPlace
	m.switchOldLeft = false

	m.state.ActiveRoom = target
	m.state.ActiveMeetingID = targetMeeting
	m.state.Connection = models.PhaseConnecting
	m.state.Switching = true
	m.state.RelayPanelOpen = false
	m.state.ActiveSpeakerID = ""
	m.state.LastError = ""
	m.lastErr = nil

	m.gen++
	gen := m.gen
	m.switchTimer = time.AfterFunc(m.opts.SwitchTimeout, func() {
		m.switchTimedOut(gen)
	})
	from := m.switchFrom
	snapshot := m.state
	m.mu.Unlock()

	m.logger.Info().Str("from", string(from)).Str("to", string(target)).Bool("inPlace", inPlace).Msg("switching room")
	if m.opts.OnPanelClose != nil {
		m.opts.OnPanelClose()
	}
	m.notify(snapshot)

	if inPlace {
		if err := switcher.SwitchTo(ctx, targetMeeting); err != nil {
			return m.switchRejected(ctx, gen, err)
		}
		return nil
	}

	if err := m.facade.Leave(ctx); err != nil {
		failure := &models.SwitchFailure{From: from, To: target, Err: err}
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return failure
		}
		snapshot := m.failLocked(ctx, failure)
		m.mu.Unlock()
		m.notify(snapshot)
		return failure
	}
	return nil
}

// switchRejected handles a synchronous in-place switch failure. The machine
// goes back to the old meeting only if the engine is still in it. An engine
// may detach before failing, and its Left event can still be queued behind
// this call, so the facade is asked directly.
func (m *Machine) switchRejected(ctx context.Context, gen uint64, err error) error {
	current := m.facade.MeetingID()

	m.mu.Lock()
	failure := &models.SwitchFailure{From: m.switchFrom, To: m.state.ActiveRoom, Err: err}
	if gen != m.gen {
		m.mu.Unlock()
		return failure
	}

	var snapshot models.SessionState
	if m.switchOldLeft || current != m.switchFromMeeting {
		snapshot = m.failLocked(ctx, failure)
	} else {
		m.gen++
		m.stopTimersLocked()
		m.state.ActiveRoom = m.switchFrom
		m.state.ActiveMeetingID = m.switchFromMeeting
		m.state.Connection = models.PhaseConnected
		m.state.Switching = false
		m.state.LastError = failure.Error()
		m.lastErr = failure
		snapshot = m.state
	}
	m.mu.Unlock()

	m.logger.Warn().Err(err).Str("phase", snapshot.Connection.String()).Msg("room switch failed")
	m.notify(snapshot)
	return failure
}

func (m *Machine) switchTimedOut(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.state.Switching {
		m.mu.Unlock()
		return
	}
	ctx := context.Background()
	snapshot := m.failLocked(ctx, &models.SwitchFailure{From: m.switchFrom, To: m.state.ActiveRoom, Err: errSwitchTimeout})
	m.mu.Unlock()

	m.logger.Warn().Msg("room switch timed out")
	_ = m.facade.Leave(ctx)
	m.notify(snapshot)
}

// RequestLeave returns to IDLE from any phase, forgets the persisted active
// room and tells the parent
func (m *Machine) RequestLeave(ctx context.Context) error {
	m.mu.Lock()
	m.gen++
	m.stopTimersLocked()
	m.state = models.SessionState{ParticipantName: m.state.ParticipantName, Connection: models.PhaseIdle}
	m.lastErr = nil
	clearErr := repository.ClearActiveSession(ctx, m.store)
	snapshot := m.state
	m.mu.Unlock()

	if clearErr != nil {
		m.logger.Warn().Err(clearErr).Msg("failed to clear persisted session")
	}

	var leaveErr error
	if err := m.facade.Leave(ctx); err != nil {
		leaveErr = &models.FacadeError{Op: "leave", Err: err}
	}

	m.logger.Info().Msg("left session")
	m.afterLeave(snapshot)
	return leaveErr
}

func (m *Machine) afterLeave(snapshot models.SessionState) {
	if m.opts.OnPanelClose != nil {
		m.opts.OnPanelClose()
	}
	if m.opts.OnLeave != nil {
		m.opts.OnLeave(snapshot)
	}
	m.notify(snapshot)
}

// TogglePanel opens or closes the relay panel and returns the new value
func (m *Machine) TogglePanel() (bool, error) {
	m.mu.Lock()
	if m.state.Connection != models.PhaseConnected {
		m.mu.Unlock()
		return false, models.ErrNotConnected
	}
	m.state.RelayPanelOpen = !m.state.RelayPanelOpen
	open := m.state.RelayPanelOpen
	snapshot := m.state
	m.mu.Unlock()

	if !open && m.opts.OnPanelClose != nil {
		m.opts.OnPanelClose()
	}
	m.notify(snapshot)
	return open, nil
}

// SetDevices changes the local media toggles. nil leaves a device unchanged.
func (m *Machine) SetDevices(mic, webcam *bool) (micOn, webcamOn bool) {
	if mic != nil {
		m.facade.SetMic(*mic)
	}
	if webcam != nil {
		m.facade.SetWebcam(*webcam)
	}
	return m.facade.MicOn(), m.facade.WebcamOn()
}

// ToggleDevices flips the selected toggles and returns both states
func (m *Machine) ToggleDevices(mic, webcam bool) (micOn, webcamOn bool) {
	if mic {
		media.ToggleMic(m.facade)
	}
	if webcam {
		media.ToggleWebcam(m.facade)
	}
	return m.facade.MicOn(), m.facade.WebcamOn()
}

// Participants returns the roster of the joined meeting
func (m *Machine) Participants(ctx context.Context) ([]media.Participant, error) {
	if m.State().Connection != models.PhaseConnected {
		return nil, models.ErrNotConnected
	}
	return m.facade.Participants(ctx)
}

// apply is the single reducer for facade events
func (m *Machine) apply(ev media.Event) {
	ctx := context.Background()

	m.mu.Lock()
	var (
		snapshot models.SessionState
		changed  bool
		left     bool
		leave    bool
	)

	switch ev.Kind {
	case media.EventJoined:
		if m.state.Connection != models.PhaseConnecting || ev.MeetingID != m.state.ActiveMeetingID {
			break
		}
		switched := m.state.Switching
		m.state.Connection = models.PhaseConnected
		m.state.Switching = false
		if m.switchTimer != nil {
			m.switchTimer.Stop()
			m.switchTimer = nil
		}
		active := repository.ActiveSession{Room: m.state.ActiveRoom, MeetingID: m.state.ActiveMeetingID, Name: m.state.ParticipantName}
		if err := repository.SaveActiveSession(ctx, m.store, active); err != nil {
			m.logger.Warn().Err(err).Msg("failed to persist active session")
		}
		m.logger.Info().Str("room", string(m.state.ActiveRoom)).Str("meetingId", ev.MeetingID).Bool("switched", switched).Msg("connected")
		changed = true

	case media.EventLeft:
		switch {
		case m.state.Switching && ev.MeetingID == m.switchFromMeeting:
			m.switchOldLeft = true
			if !m.switchInPlace {
				m.scheduleJoinLocked(m.state.ActiveMeetingID, m.state.ParticipantName)
			}
		case m.state.Connection == models.PhaseConnected && ev.MeetingID == m.state.ActiveMeetingID:
			// Not requested by the user and not part of a switch
			m.gen++
			m.stopTimersLocked()
			m.state = models.SessionState{ParticipantName: m.state.ParticipantName, Connection: models.PhaseIdle}
			m.lastErr = nil
			if err := repository.ClearActiveSession(ctx, m.store); err != nil {
				m.logger.Warn().Err(err).Msg("failed to clear persisted session")
			}
			m.logger.Info().Str("meetingId", ev.MeetingID).Msg("meeting left")
			left = true
		}

	case media.EventSpeakerChanged:
		if ev.MeetingID == m.state.ActiveMeetingID && m.state.ActiveSpeakerID != ev.ParticipantID {
			m.state.ActiveSpeakerID = ev.ParticipantID
			changed = true
		}

	case media.EventError:
		if m.state.Connection == models.PhaseIdle {
			break
		}
		var failure error = &models.FacadeError{Op: "media", Err: ev.Err}
		if m.state.Switching {
			failure = &models.SwitchFailure{From: m.switchFrom, To: m.state.ActiveRoom, Err: failure}
		}
		m.failLocked(ctx, failure)
		m.logger.Error().Err(ev.Err).Str("meetingId", ev.MeetingID).Msg("media engine error")
		changed = true
		leave = true
	}

	snapshot = m.state
	m.mu.Unlock()

	if leave {
		_ = m.facade.Leave(ctx)
	}
	switch {
	case left:
		m.afterLeave(snapshot)
	case changed:
		m.notify(snapshot)
	}
}
