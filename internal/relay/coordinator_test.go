package relay_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navikt/dualroom/internal/media"
	"github.com/navikt/dualroom/internal/media/memory"
	"github.com/navikt/dualroom/internal/models"
	"github.com/navikt/dualroom/internal/relay"
)

var testPair = models.RoomPair{RoomA: "room-111", RoomB: "room-222"}

type fakeSession struct {
	mu    sync.Mutex
	state models.SessionState
}

func connectedIn(label models.RoomLabel) *fakeSession {
	id, _ := testPair.MeetingID(label)
	return &fakeSession{state: models.SessionState{
		ActiveRoom:      label,
		ActiveMeetingID: id,
		ParticipantName: "Alice",
		Connection:      models.PhaseConnected,
	}}
}

func (f *fakeSession) State() models.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) Rooms() (models.RoomPair, bool) {
	return testPair, true
}

type fakeHandle struct {
	mu         sync.Mutex
	closed     bool
	closeCalls int
}

func (h *fakeHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeCalls++
	h.closed = true
	return nil
}

// terminate simulates the relay context being closed from outside
func (h *fakeHandle) terminate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

type fakeSpawner struct {
	mu      sync.Mutex
	err     error
	params  []models.LaunchParams
	handles []*fakeHandle
}

func (s *fakeSpawner) Spawn(_ context.Context, params models.LaunchParams) (relay.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.params = append(s.params, params)
	if s.err != nil {
		return nil, s.err
	}
	h := &fakeHandle{}
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *fakeSpawner) lastHandle() *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[len(s.handles)-1]
}

// bridgeObserver records every relay message on the bridge channel
type bridgeObserver struct {
	mu   sync.Mutex
	msgs []models.PubSubMessage
}

func observe(t *testing.T, hub *memory.Hub) *bridgeObserver {
	t.Helper()
	o := &bridgeObserver{}
	f := hub.NewFacade()
	t.Cleanup(func() { _ = f.Close() })
	_, err := f.Subscribe(context.Background(), models.RelayChannel, func(m media.Message) {
		decoded, err := models.DecodePubSubMessage(m.Payload)
		if err != nil {
			return
		}
		o.mu.Lock()
		o.msgs = append(o.msgs, decoded)
		o.mu.Unlock()
	})
	require.NoError(t, err)
	return o
}

func (o *bridgeObserver) count(kind models.MessageType, participantID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, m := range o.msgs {
		if m.Type == kind && m.ParticipantID == participantID {
			n++
		}
	}
	return n
}

func (o *bridgeObserver) total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.msgs)
}

type fixture struct {
	hub         *memory.Hub
	facade      *memory.Facade
	session     *fakeSession
	spawner     *fakeSpawner
	coordinator *relay.Coordinator
	observer    *bridgeObserver
}

func setup(t *testing.T, opts relay.Options) fixture {
	t.Helper()
	hub := memory.NewHub(0)
	facade := hub.NewFacade()
	require.NoError(t, facade.Join(context.Background(), "room-111", "Alice"))
	t.Cleanup(func() { _ = facade.Close() })

	if opts.PollInterval == 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	sess := connectedIn(models.RoomA)
	spawner := &fakeSpawner{}
	c := relay.NewCoordinator(facade, sess, spawner, opts)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	return fixture{
		hub:         hub,
		facade:      facade,
		session:     sess,
		spawner:     spawner,
		coordinator: c,
		observer:    observe(t, hub),
	}
}

func TestStart_RequiresConnected(t *testing.T) {
	fx := setup(t, relay.Options{})
	fx.session.mu.Lock()
	fx.session.state.Connection = models.PhaseConnecting
	fx.session.mu.Unlock()
	fx.facade.SetMic(true)

	assert.ErrorIs(t, fx.coordinator.Start(context.Background()), models.ErrNotConnected)
	assert.False(t, fx.coordinator.Status().Active)
}

func TestStart_DeviceNotReady(t *testing.T) {
	fx := setup(t, relay.Options{})

	err := fx.coordinator.Start(context.Background())

	assert.ErrorAs(t, err, &models.DeviceNotReadyError{})
	status := fx.coordinator.Status()
	assert.False(t, status.Active)
	assert.Equal(t, relay.StatusDeviceNotReady, status.Text)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, fx.observer.total(), "no publish may happen without a device")
	assert.Empty(t, fx.spawner.params)
}

func TestStartStop_Explicit(t *testing.T) {
	fx := setup(t, relay.Options{})
	ctx := context.Background()
	fx.facade.SetWebcam(true)
	pid := fx.facade.ID()

	require.NoError(t, fx.coordinator.Start(ctx))

	status := fx.coordinator.Status()
	assert.True(t, status.Active)
	assert.Equal(t, "Live in Room A & B", status.Text)
	assert.Equal(t, models.RoomB, status.TargetRoom)
	assert.Equal(t, "room-222", status.TargetMeetingID)
	assert.Equal(t, pid, status.ParticipantID)
	assert.Equal(t, []models.LaunchParams{{
		Relay:     true,
		Room:      models.RoomB,
		MeetingID: "room-222",
		Name:      "Alice (Relay)",
	}}, fx.spawner.params)

	assert.ErrorIs(t, fx.coordinator.Start(ctx), models.ErrRelayActive)

	require.NoError(t, fx.coordinator.Stop(ctx))
	assert.True(t, fx.spawner.lastHandle().Closed())
	assert.ErrorIs(t, fx.coordinator.Stop(ctx), models.ErrRelayInactive)

	status = fx.coordinator.Status()
	assert.False(t, status.Active)
	assert.Equal(t, relay.StatusStopped, status.Text)
	assert.Zero(t, status.DurationSeconds)

	assert.Eventually(t, func() bool {
		return fx.observer.count(models.MessageRelayStopped, pid) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, fx.observer.count(models.MessageRelayStarted, pid))
}

func TestLivenessLossStopsOnce(t *testing.T) {
	fx := setup(t, relay.Options{PollInterval: 20 * time.Millisecond})
	ctx := context.Background()
	fx.facade.SetMic(true)
	pid := fx.facade.ID()

	require.NoError(t, fx.coordinator.Start(ctx))
	fx.spawner.lastHandle().terminate()

	require.Eventually(t, func() bool {
		return !fx.coordinator.Status().Active
	}, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, fx.observer.count(models.MessageRelayStopped, pid))
	assert.Equal(t, 1, fx.observer.count(models.MessageRelayStarted, pid))
	assert.Zero(t, fx.spawner.lastHandle().closeCalls, "an already closed context is not closed again")
	assert.ErrorIs(t, fx.coordinator.Stop(ctx), models.ErrRelayInactive)
}

func TestStart_SpawnRefused(t *testing.T) {
	fx := setup(t, relay.Options{})
	fx.facade.SetMic(true)
	fx.spawner.err = errors.New("spawning disabled")
	pid := fx.facade.ID()

	err := fx.coordinator.Start(context.Background())

	var spawnErr *models.RelaySpawnError
	require.ErrorAs(t, err, &spawnErr)
	status := fx.coordinator.Status()
	assert.False(t, status.Active)
	assert.Equal(t, relay.StatusSpawnBlocked, status.Text)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fx.observer.count(models.MessageRelayStarted, pid))
	assert.Zero(t, fx.observer.count(models.MessageRelayStopped, pid))

	// The user can retry once spawning is allowed
	fx.spawner.mu.Lock()
	fx.spawner.err = nil
	fx.spawner.mu.Unlock()
	require.NoError(t, fx.coordinator.Start(context.Background()))
}

func TestDurationCounter(t *testing.T) {
	fx := setup(t, relay.Options{Tick: 10 * time.Millisecond, PollInterval: time.Second})
	fx.facade.SetMic(true)

	var mu sync.Mutex
	var seen []relay.Status
	fx.coordinator.Subscribe(func(s relay.Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	require.NoError(t, fx.coordinator.Start(context.Background()))
	require.Eventually(t, func() bool {
		return fx.coordinator.Status().DurationSeconds >= 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "00:03", relay.FormatDuration(3))

	require.NoError(t, fx.coordinator.Stop(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, fx.coordinator.Status().DurationSeconds, "the counter is cleared on stop")

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, seen)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00", relay.FormatDuration(0))
	assert.Equal(t, "01:05", relay.FormatDuration(65))
	assert.Equal(t, "61:01", relay.FormatDuration(3661))
}

func TestIncomingRelays(t *testing.T) {
	hub := memory.NewHub(0)
	ctx := context.Background()

	local := hub.NewFacade()
	defer local.Close()
	require.NoError(t, local.Join(ctx, "room-222", "Bob"))
	c := relay.NewCoordinator(local, connectedIn(models.RoomB), &fakeSpawner{}, relay.Options{})
	require.NoError(t, c.Listen(ctx))
	defer c.Close(ctx)

	remote := hub.NewFacade()
	defer remote.Close()
	publish := func(m models.PubSubMessage) {
		payload, err := m.Encode()
		require.NoError(t, err)
		require.NoError(t, remote.Publish(ctx, models.RelayChannel, payload, media.PublishOptions{Persist: true}))
	}

	started := models.NewRelayStarted(models.RelayDescriptor{
		SourceRoom:      models.RoomA,
		TargetRoom:      models.RoomB,
		TargetMeetingID: "room-222",
		ParticipantID:   "p-alice",
		ParticipantName: "Alice",
	})
	publish(started)
	publish(started)
	publish(models.NewRelayStarted(models.RelayDescriptor{
		SourceRoom:    models.RoomB,
		TargetRoom:    models.RoomA,
		ParticipantID: "p-carol",
	}))

	require.Eventually(t, func() bool { return len(c.Status().Incoming) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	incoming := c.Status().Incoming
	require.Len(t, incoming, 1, "duplicates and relays for the other room are ignored")
	assert.Equal(t, "p-alice", incoming[0].ParticipantID)
	assert.Equal(t, "Alice", incoming[0].ParticipantName)

	publish(models.NewRelayStopped(started.RelayDescriptor))
	publish(models.NewRelayStopped(started.RelayDescriptor))
	require.Eventually(t, func() bool { return len(c.Status().Incoming) == 0 }, time.Second, 5*time.Millisecond)
}

func TestIncomingRelays_ReplayedOnLateListen(t *testing.T) {
	hub := memory.NewHub(0)
	ctx := context.Background()

	remote := hub.NewFacade()
	defer remote.Close()
	payload, err := models.NewRelayStarted(models.RelayDescriptor{
		SourceRoom: models.RoomA, TargetRoom: models.RoomB, TargetMeetingID: "room-222", ParticipantID: "p-alice",
	}).Encode()
	require.NoError(t, err)
	require.NoError(t, remote.Publish(ctx, models.RelayChannel, payload, media.PublishOptions{Persist: true}))

	local := hub.NewFacade()
	defer local.Close()
	c := relay.NewCoordinator(local, connectedIn(models.RoomB), &fakeSpawner{}, relay.Options{})
	require.NoError(t, c.Listen(ctx))
	defer c.Close(ctx)

	assert.Eventually(t, func() bool { return len(c.Status().Incoming) == 1 }, time.Second, 5*time.Millisecond)
}

func TestClose_StopsActiveRelay(t *testing.T) {
	fx := setup(t, relay.Options{})
	ctx := context.Background()
	fx.facade.SetMic(true)
	pid := fx.facade.ID()

	require.NoError(t, fx.coordinator.Listen(ctx))
	require.NoError(t, fx.coordinator.Start(ctx))
	require.NoError(t, fx.coordinator.Close(ctx))

	assert.False(t, fx.coordinator.Status().Active)
	assert.True(t, fx.spawner.lastHandle().Closed())
	assert.Eventually(t, func() bool {
		return fx.observer.count(models.MessageRelayStopped, pid) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, fx.coordinator.Close(ctx), "closing twice is harmless")
}
