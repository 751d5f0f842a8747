// Package relay lets the local participant broadcast into the other room by
// spawning a second execution context that joins it, and tracks the relays
// other participants announce on the bridge channel.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/navikt/dualroom/internal/media"
	"github.com/navikt/dualroom/internal/models"
	"github.com/navikt/dualroom/internal/utils"
)

// Status texts shown next to the relay controls
const (
	StatusDeviceNotReady = "Enable Mic or Camera before starting relay"
	StatusConnecting     = "Connecting to second room..."
	StatusSpawnBlocked   = "Popup blocked. Allow popups."
	StatusStopped        = "Relay stopped"
)

// SessionView is the part of the connection state machine the coordinator reads
type SessionView interface {
	State() models.SessionState
	Rooms() (models.RoomPair, bool)
}

// Options tunes the coordinator
type Options struct {
	Channel string
	// PollInterval is the liveness check period of the spawned context
	PollInterval time.Duration
	// Tick is the resolution of the displayed duration
	Tick time.Duration
}

// Status is a snapshot for the UI
type Status struct {
	Active          bool                     `json:"active"`
	Text            string                   `json:"status,omitempty"`
	DurationSeconds int                      `json:"durationSeconds"`
	Duration        string                   `json:"duration"`
	SourceRoom      models.RoomLabel         `json:"sourceRoom,omitempty"`
	TargetRoom      models.RoomLabel         `json:"targetRoom,omitempty"`
	TargetMeetingID string                   `json:"targetMeetingId,omitempty"`
	ParticipantID   string                   `json:"participantId,omitempty"`
	Incoming        []models.RelayDescriptor `json:"incoming"`
}

// FormatDuration renders seconds as mm:ss
func FormatDuration(seconds int) string {
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// Coordinator runs the relay protocol for the primary context
type Coordinator struct {
	facade  media.Facade
	session SessionView
	spawner Spawner
	opts    Options
	logger  zerolog.Logger

	mu          sync.Mutex
	active      bool
	starting    bool
	gen         uint64
	descriptor  models.RelayDescriptor
	handle      Handle
	seconds     int
	text        string
	cancelLoop  context.CancelFunc
	incoming    map[string]models.RelayDescriptor
	unsubscribe func()

	listenersMu sync.Mutex
	listeners   map[int]func(Status)
	nextID      int
}

// NewCoordinator creates an inactive coordinator
func NewCoordinator(facade media.Facade, session SessionView, spawner Spawner, opts Options) *Coordinator {
	if opts.Channel == "" {
		opts.Channel = models.RelayChannel
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	return &Coordinator{
		facade:    facade,
		session:   session,
		spawner:   spawner,
		opts:      opts,
		logger:    log.With().Str("module", "relay").Logger(),
		incoming:  make(map[string]models.RelayDescriptor),
		listeners: make(map[int]func(Status)),
	}
}

// Subscribe registers a status listener. The returned func removes it.
func (c *Coordinator) Subscribe(l func(Status)) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Coordinator) notify() {
	s := c.Status()

	c.listenersMu.Lock()
	ls := make([]func(Status), 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.listenersMu.Unlock()

	for _, l := range ls {
		l(s)
	}
}

func (c *Coordinator) setText(text string) {
	c.mu.Lock()
	c.text = text
	c.mu.Unlock()
	c.notify()
}

// Status returns the current relay status. Incoming relays are limited to
// those addressed to the room the session is in.
func (c *Coordinator) Status() Status {
	current := c.session.State()

	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		Active:          c.active,
		Text:            c.text,
		DurationSeconds: c.seconds,
		Duration:        FormatDuration(c.seconds),
		Incoming:        []models.RelayDescriptor{},
	}
	if c.active {
		s.SourceRoom = c.descriptor.SourceRoom
		s.TargetRoom = c.descriptor.TargetRoom
		s.TargetMeetingID = c.descriptor.TargetMeetingID
		s.ParticipantID = c.descriptor.ParticipantID
	}
	for _, d := range c.incoming {
		if addressedTo(d, current) {
			s.Incoming = append(s.Incoming, d)
		}
	}
	sort.Slice(s.Incoming, func(i, j int) bool { return s.Incoming[i].Timestamp < s.Incoming[j].Timestamp })
	return s
}

// Start begins relaying into the room the session is not in
func (c *Coordinator) Start(ctx context.Context) error {
	state := c.session.State()
	if state.Connection != models.PhaseConnected {
		return models.ErrNotConnected
	}
	if !c.facade.MicOn() && !c.facade.WebcamOn() {
		c.setText(StatusDeviceNotReady)
		return models.DeviceNotReadyError{}
	}

	pair, _ := c.session.Rooms()
	target := state.ActiveRoom.Other()
	targetMeeting, ok := pair.MeetingID(target)
	if !ok {
		return models.ErrRoomUnresolved
	}

	c.mu.Lock()
	if c.active || c.starting {
		c.mu.Unlock()
		return models.ErrRelayActive
	}
	c.starting = true
	c.text = StatusConnecting
	c.mu.Unlock()
	c.notify()

	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	local, _ := c.facade.LocalParticipant()
	descriptor := models.RelayDescriptor{
		SourceRoom:      state.ActiveRoom,
		TargetRoom:      target,
		TargetMeetingID: targetMeeting,
		ParticipantID:   local.ID,
		ParticipantName: state.ParticipantName,
	}
	started := models.NewRelayStarted(descriptor)
	if err := c.publish(ctx, started); err != nil {
		c.setText("")
		return &models.FacadeError{Op: "publish relay started", Err: err}
	}

	params := models.LaunchParams{
		Relay:     true,
		Room:      target,
		MeetingID: targetMeeting,
		Name:      models.RelayDisplayName(state.ParticipantName),
	}
	handle, err := c.spawner.Spawn(ctx, params)
	if err != nil {
		c.logger.Warn().Err(err).Str("target", string(target)).Msg("failed to spawn relay context")
		c.setText(StatusSpawnBlocked)
		return &models.RelaySpawnError{Err: err}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.active = true
	c.gen++
	gen := c.gen
	c.descriptor = started.RelayDescriptor
	c.handle = handle
	c.seconds = 0
	c.text = fmt.Sprintf("Live in Room %s & %s", descriptor.SourceRoom, descriptor.TargetRoom)
	c.cancelLoop = cancel
	c.mu.Unlock()

	go c.monitor(loopCtx, gen, handle)

	c.logger.Info().Str("source", string(descriptor.SourceRoom)).Str("target", string(target)).
		Str("name", utils.SanitizeLogString(state.ParticipantName)).Msg("relay started")
	c.notify()
	return nil
}

// monitor drives the duration counter and the liveness poll until cancelled
func (c *Coordinator) monitor(ctx context.Context, gen uint64, handle Handle) {
	tick := time.NewTicker(c.opts.Tick)
	defer tick.Stop()
	poll := time.NewTicker(c.opts.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			c.mu.Lock()
			if gen != c.gen {
				c.mu.Unlock()
				return
			}
			c.seconds++
			c.mu.Unlock()
			c.notify()
		case <-poll.C:
			if handle.Closed() {
				c.logger.Info().Msg("relay context closed, stopping relay")
				if err := c.stop(context.Background(), gen); err != nil && !errors.Is(err, models.ErrRelayInactive) {
					c.logger.Warn().Err(err).Msg("implicit relay stop failed")
				}
				return
			}
		}
	}
}

// Stop ends the active relay
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	return c.stop(ctx, gen)
}

// stop runs the stop procedure at most once per relay generation
func (c *Coordinator) stop(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	if !c.active || gen != c.gen {
		c.mu.Unlock()
		return models.ErrRelayInactive
	}
	c.active = false
	c.gen++
	handle := c.handle
	descriptor := c.descriptor
	cancel := c.cancelLoop
	c.handle = nil
	c.cancelLoop = nil
	c.seconds = 0
	c.text = StatusStopped
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if handle != nil && !handle.Closed() {
		if err := handle.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to close relay context")
		}
	}

	err := c.publish(ctx, models.NewRelayStopped(descriptor))
	c.logger.Info().Str("target", string(descriptor.TargetRoom)).Msg("relay stopped")
	c.notify()
	if err != nil {
		return &models.FacadeError{Op: "publish relay stopped", Err: err}
	}
	return nil
}

func (c *Coordinator) publish(ctx context.Context, msg models.PubSubMessage) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	return c.facade.Publish(ctx, c.opts.Channel, payload, media.PublishOptions{Persist: true})
}

// Listen subscribes to the bridge channel to track incoming relays
func (c *Coordinator) Listen(ctx context.Context) error {
	cancel, err := c.facade.Subscribe(ctx, c.opts.Channel, c.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.opts.Channel, err)
	}

	c.mu.Lock()
	previous := c.unsubscribe
	c.unsubscribe = cancel
	c.mu.Unlock()

	if previous != nil {
		previous()
	}
	return nil
}

func addressedTo(d models.RelayDescriptor, s models.SessionState) bool {
	if s.ActiveRoom == "" || d.TargetRoom != s.ActiveRoom {
		return false
	}
	return d.TargetMeetingID == "" || s.ActiveMeetingID == "" || d.TargetMeetingID == s.ActiveMeetingID
}

// handleMessage applies add-if-absent and remove-if-present, so duplicate
// and reordered deliveries converge
func (c *Coordinator) handleMessage(msg media.Message) {
	decoded, err := models.DecodePubSubMessage(msg.Payload)
	if err != nil {
		c.logger.Debug().Err(err).Msg("ignoring malformed bridge message")
		return
	}

	changed := false
	switch decoded.Type {
	case models.MessageRelayStarted:
		if !addressedTo(decoded.RelayDescriptor, c.session.State()) {
			return
		}
		c.mu.Lock()
		if _, exists := c.incoming[decoded.ParticipantID]; !exists {
			c.incoming[decoded.ParticipantID] = decoded.RelayDescriptor
			changed = true
		}
		c.mu.Unlock()
		if changed {
			c.logger.Info().Str("from", string(decoded.SourceRoom)).
				Str("name", utils.SanitizeLogString(decoded.ParticipantName)).Msg("incoming relay")
		}
	case models.MessageRelayStopped:
		c.mu.Lock()
		if _, exists := c.incoming[decoded.ParticipantID]; exists {
			delete(c.incoming, decoded.ParticipantID)
			changed = true
		}
		c.mu.Unlock()
	}

	if changed {
		c.notify()
	}
}

// Close tears the coordinator down. An active relay goes through the stop procedure.
func (c *Coordinator) Close(ctx context.Context) error {
	err := c.Stop(ctx)
	if errors.Is(err, models.ErrRelayInactive) {
		err = nil
	}

	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	return err
}
