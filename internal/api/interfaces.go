package api

import (
	"context"

	"github.com/navikt/dualroom/internal/media"
	"github.com/navikt/dualroom/internal/models"
	"github.com/navikt/dualroom/internal/relay"
)

// SessionController is the connection state machine as seen by the API
type SessionController interface {
	State() models.SessionState
	Rooms() (models.RoomPair, bool)
	RequestJoin(ctx context.Context, label models.RoomLabel, name string) error
	RequestSwitch(ctx context.Context, target models.RoomLabel) error
	RequestLeave(ctx context.Context) error
	CancelPendingJoin(ctx context.Context) error
	TogglePanel() (bool, error)
	SetDevices(mic, webcam *bool) (bool, bool)
	ToggleDevices(mic, webcam bool) (bool, bool)
	Participants(ctx context.Context) ([]media.Participant, error)
}

// RelayController is the relay coordinator as seen by the API
type RelayController interface {
	Status() relay.Status
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
