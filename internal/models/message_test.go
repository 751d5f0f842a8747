package models_test

import (
	"testing"

	"github.com/navikt/dualroom/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayMessages(t *testing.T) {
	d := models.RelayDescriptor{
		SourceRoom:      models.RoomA,
		TargetRoom:      models.RoomB,
		TargetMeetingID: "room-222",
		ParticipantID:   "p-1",
		ParticipantName: "Alice",
	}

	started := models.NewRelayStarted(d)
	assert.Equal(t, models.MessageRelayStarted, started.Type)
	assert.NotZero(t, started.Timestamp)

	data, err := started.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"RELAY_STARTED"`)
	assert.Contains(t, string(data), `"targetRoom":"B"`)

	decoded, err := models.DecodePubSubMessage(data)
	require.NoError(t, err)
	assert.Equal(t, started, decoded)

	stopped := models.NewRelayStopped(d)
	assert.Equal(t, models.MessageRelayStopped, stopped.Type)
	assert.Equal(t, "p-1", stopped.ParticipantID)
	assert.Equal(t, models.RoomA, stopped.SourceRoom)
	assert.Empty(t, stopped.TargetMeetingID, "Stop message carries only the identifying subset")
}

func TestDecodePubSubMessage_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: "hello"},
		{name: "unknown type", payload: `{"type":"RELAY_PAUSED","participantId":"p-1"}`},
		{name: "missing participant", payload: `{"type":"RELAY_STARTED"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := models.DecodePubSubMessage([]byte(tt.payload))
			assert.Error(t, err)
		})
	}
}

func TestLaunchParams(t *testing.T) {
	p := models.LaunchParams{
		Relay:     true,
		Room:      models.RoomB,
		MeetingID: "room-222",
		Name:      models.RelayDisplayName("Alice"),
	}

	query := p.Encode()
	assert.Equal(t, "relay=true&room=B&roomId=room-222&name=Alice+%28Relay%29", query)

	parsed, err := models.ParseLaunchParams("?" + query)
	require.NoError(t, err)
	assert.Equal(t, p, parsed)
}

func TestParseLaunchParams_Errors(t *testing.T) {
	_, err := models.ParseLaunchParams("room=B&roomId=room-222")
	assert.ErrorIs(t, err, models.ErrNotRelayLaunch)

	_, err = models.ParseLaunchParams("relay=true&room=C&roomId=room-222")
	assert.Error(t, err)

	_, err = models.ParseLaunchParams("relay=true&room=B")
	assert.Error(t, err)

	p, err := models.ParseLaunchParams("relay=true&room=A&roomId=room-111")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultRelayName, p.Name)
}

func TestRelayDisplayName(t *testing.T) {
	assert.Equal(t, "Alice (Relay)", models.RelayDisplayName("Alice"))
	assert.Equal(t, "Alice (Relay)", models.RelayDisplayName("Alice (Relay)"))
	assert.Equal(t, "Alice(Relay)", models.RelayDisplayName("Alice(Relay)"))
	assert.Equal(t, models.DefaultRelayName, models.RelayDisplayName(" "))
}
