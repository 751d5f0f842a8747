package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/navikt/dualroom/internal/config"
	"github.com/navikt/dualroom/internal/relay"
)

var flagLaunch string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a relay context (spawned by serve)",
	Long: `Join the meeting named in the launch descriptor with mic and camera on
and stay until signalled. Started by the relay coordinator of a serve process.

Example:
  dualroom relay --launch "relay=true&room=B&roomId=abcd-efgh-ijkl&name=Alice"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelay(flagLaunch)
	},
}

func init() {
	relayCmd.Flags().StringVar(&flagLaunch, "launch", "", "relay launch descriptor query string")
	_ = relayCmd.MarkFlagRequired("launch")
}

func runRelay(query string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Media.Engine == config.EngineMemory {
		log.Warn().Str("module", "relay").Msg("in-memory media engine is private to this process, the relay will be alone in its room")
	}

	engine, err := newMediaEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.close()

	facade := engine.newFacade()
	defer facade.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return relay.NewBootstrap(facade).Run(ctx, query)
}
