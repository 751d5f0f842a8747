package redis_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navikt/dualroom/internal/media"
	"github.com/navikt/dualroom/internal/media/redis"
)

func setupEngine(t *testing.T, persistLimit int64) (*redis.Engine, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redis.NewEngine(client, "test:", persistLimit), mr
}

func waitFor(t *testing.T, f media.Facade, kind media.EventKind) media.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-f.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
			return media.Event{}
		}
	}
}

func TestJoinRegistersParticipant(t *testing.T) {
	ctx := context.Background()
	engine, mr := setupEngine(t, 0)
	alice := engine.NewFacade()
	defer alice.Close()

	alice.SetMic(true)
	require.NoError(t, alice.Join(ctx, "room-111", "Alice"))
	ev := waitFor(t, alice, media.EventJoined)
	assert.Equal(t, "room-111", ev.MeetingID)

	members, err := mr.SMembers("test:media:meetings:room-111:participants")
	require.NoError(t, err)
	assert.Equal(t, []string{alice.ID()}, members)
	assert.Equal(t, "Alice", mr.HGet("test:media:participants:"+alice.ID(), "name"))
	assert.Equal(t, "true", mr.HGet("test:media:participants:"+alice.ID(), "mic"))

	alice.SetWebcam(true)
	assert.Equal(t, "true", mr.HGet("test:media:participants:"+alice.ID(), "webcam"))

	roster, err := engine.Participants(ctx, "room-111")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.True(t, roster[0].MicOn)
	assert.True(t, roster[0].WebcamOn)

	require.NoError(t, alice.Leave(ctx))
	waitFor(t, alice, media.EventLeft)
	assert.False(t, mr.Exists("test:media:participants:"+alice.ID()))
	assert.Empty(t, alice.MeetingID())
}

func TestParticipantAnnouncementsAndSpeaker(t *testing.T) {
	ctx := context.Background()
	engine, _ := setupEngine(t, 0)
	alice, bob := engine.NewFacade(), engine.NewFacade()
	defer alice.Close()
	defer bob.Close()

	require.NoError(t, alice.Join(ctx, "room-111", "Alice"))
	waitFor(t, alice, media.EventJoined)

	require.NoError(t, bob.Join(ctx, "room-111", "Bob"))
	ev := waitFor(t, alice, media.EventParticipantJoined)
	assert.Equal(t, bob.ID(), ev.ParticipantID)

	roster, err := alice.Participants(ctx)
	require.NoError(t, err)
	require.Len(t, roster, 2)
	assert.Equal(t, "Alice", roster[0].Name)
	assert.True(t, roster[0].Local)
	assert.Equal(t, "Bob", roster[1].Name)

	require.NoError(t, engine.SetActiveSpeaker(ctx, "room-111", bob.ID()))
	ev = waitFor(t, alice, media.EventSpeakerChanged)
	assert.Equal(t, bob.ID(), ev.ParticipantID)
}

func TestSwitchTo(t *testing.T) {
	ctx := context.Background()
	engine, mr := setupEngine(t, 0)
	alice := engine.NewFacade()
	defer alice.Close()

	require.NoError(t, alice.Join(ctx, "room-111", "Alice"))
	waitFor(t, alice, media.EventJoined)

	require.NoError(t, alice.SwitchTo(ctx, "room-222"))
	ev := waitFor(t, alice, media.EventJoined)
	assert.Equal(t, "room-222", ev.MeetingID)
	assert.Equal(t, "room-222", alice.MeetingID())

	assert.False(t, mr.Exists("test:media:meetings:room-111:participants"))
	members, err := mr.SMembers("test:media:meetings:room-222:participants")
	require.NoError(t, err)
	assert.Equal(t, []string{alice.ID()}, members)
}

type collector struct {
	mu   sync.Mutex
	msgs []media.Message
}

func (c *collector) handle(m media.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *collector) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = string(m.Payload)
	}
	return out
}

func TestPubSubWithPersistence(t *testing.T) {
	ctx := context.Background()
	engine, _ := setupEngine(t, 2)
	alice, bob := engine.NewFacade(), engine.NewFacade()
	defer alice.Close()
	defer bob.Close()

	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, alice.Publish(ctx, "DUAL_ROOM_BRIDGE", []byte(p), media.PublishOptions{Persist: true}))
	}
	require.NoError(t, alice.Publish(ctx, "DUAL_ROOM_BRIDGE", []byte("transient"), media.PublishOptions{}))

	var got collector
	cancel, err := bob.Subscribe(ctx, "DUAL_ROOM_BRIDGE", got.handle)
	require.NoError(t, err)

	require.NoError(t, alice.Publish(ctx, "DUAL_ROOM_BRIDGE", []byte("live"), media.PublishOptions{}))

	assert.Eventually(t, func() bool { return len(got.payloads()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"two", "three", "live"}, got.payloads())

	got.mu.Lock()
	assert.Equal(t, alice.ID(), got.msgs[0].SenderID)
	got.mu.Unlock()

	cancel()
	require.NoError(t, alice.Publish(ctx, "DUAL_ROOM_BRIDGE", []byte("after cancel"), media.PublishOptions{}))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, got.payloads(), 3)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	engine, mr := setupEngine(t, 0)
	alice := engine.NewFacade()

	require.NoError(t, alice.Join(ctx, "room-111", "Alice"))
	require.NoError(t, alice.Close())
	require.NoError(t, alice.Close())

	assert.False(t, mr.Exists("test:media:participants:"+alice.ID()))
	assert.ErrorIs(t, alice.Join(ctx, "room-111", "Alice"), media.ErrClosed)
	_, err := alice.Subscribe(ctx, "DUAL_ROOM_BRIDGE", func(media.Message) {})
	assert.ErrorIs(t, err, media.ErrClosed)
}
