// Package cli holds the dualroom commands: serve runs the primary context,
// relay runs a spawned relay context.
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/navikt/dualroom/internal/config"
	"github.com/navikt/dualroom/internal/logging"
)

var (
	flagConfig string
	v          = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "dualroom",
	Short: "Dual-room session coordinator",
	Long: `dualroom keeps one user in one of two conference rooms at a time,
switches between them without losing the session and can relay the user's
media into the other room through a second, independent context.`,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", "", "config file (default config/config.<CONFIG_ENV>.yaml)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (console or json)")
	flags.String("session", "", "session id scoping the persisted session keys")
	bindFlags(v, rootCmd, map[string]string{
		"log_level":  "log-level",
		"log_format": "log-format",
		"session_id": "session",
	})

	rootCmd.AddCommand(serveCmd, relayCmd)
}

// bindFlags binds persistent and local flags to config keys
func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for key, name := range keys {
		flag := cmd.PersistentFlags().Lookup(name)
		if flag == nil {
			flag = cmd.Flags().Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q is not defined on %s", name, cmd.Name()))
		}
		_ = v.BindPFlag(key, flag)
	}
}

// loadConfig reads configuration and initializes logging from it
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v, flagConfig)
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	logging.Init("info", "console")

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("dualroom failed")
		os.Exit(1)
	}
}
