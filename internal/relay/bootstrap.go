package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/navikt/dualroom/internal/media"
	"github.com/navikt/dualroom/internal/models"
	"github.com/navikt/dualroom/internal/utils"
)

// Bootstrap is the entry logic of a relay context. It joins the meeting named
// in its launch parameters and stays there. It never touches the session
// store and never publishes on the bridge channel.
type Bootstrap struct {
	facade media.Facade
	logger zerolog.Logger
}

// NewBootstrap creates a bootstrap on facade
func NewBootstrap(facade media.Facade) *Bootstrap {
	return &Bootstrap{
		facade: facade,
		logger: log.With().Str("module", "relay-context").Logger(),
	}
}

// Run joins and blocks until ctx is cancelled or the meeting ends
func (b *Bootstrap) Run(ctx context.Context, query string) error {
	params, err := models.ParseLaunchParams(query)
	if err != nil {
		return err
	}
	name := models.RelayDisplayName(params.Name)

	b.facade.SetMic(true)
	b.facade.SetWebcam(true)
	if err := b.facade.Join(ctx, params.MeetingID, name); err != nil {
		return &models.FacadeError{Op: "relay join", Err: err}
	}
	b.logger.Info().Str("room", string(params.Room)).Str("meetingId", params.MeetingID).
		Str("name", utils.SanitizeLogString(name)).Msg("relay context joining")

	events := b.facade.Events()
	for {
		select {
		case <-ctx.Done():
			leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := b.facade.Leave(leaveCtx); err != nil {
				b.logger.Warn().Err(err).Msg("failed to leave relay meeting")
			}
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case media.EventJoined:
				b.logger.Info().Str("meetingId", ev.MeetingID).Msg("relay context joined")
			case media.EventLeft:
				b.logger.Info().Str("meetingId", ev.MeetingID).Msg("relay meeting ended")
				return nil
			case media.EventError:
				return &models.FacadeError{Op: "relay", Err: ev.Err}
			}
		}
	}
}
