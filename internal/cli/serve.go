package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/navikt/dualroom/internal/models"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the primary context and its control API",
	Long: `Provision or restore the room pair, restore the persisted session and
serve the control API and the event stream.

Examples:
  dualroom serve
  dualroom serve --port 9090 --session tab-2
  DUALROOM_MEDIA_ENGINE=redis REDIS_ENABLED=true dualroom serve`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "HTTP port (default 8080)")
	bindFlags(v, serveCmd, map[string]string{"port": "port"})
}

func serve() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		var provisioningErr *models.ProvisioningError
		if errors.As(err, &provisioningErr) {
			// Nothing can be shown before both rooms exist
			log.Fatal().Err(err).Str("module", "app").Msg("room provisioning failed")
		}
		return err
	}
	if err := app.Start(ctx); err != nil {
		app.Close(context.Background())
		return err
	}

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     app.Handler(),
		ReadTimeout: 15 * time.Second,
		// No write timeout, the event stream is long-lived
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("module", "app").Int("port", cfg.Port).Str("session", cfg.SessionID).Msg("starting dualroom server")
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		app.Close(context.Background())
		return fmt.Errorf("error starting server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Str("module", "app").Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Event stream clients are closed first, Shutdown would wait for them otherwise
	if err := app.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Str("module", "app").Msg("error during teardown")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		server.Close()
		return fmt.Errorf("error shutting down server: %w", err)
	}

	log.Info().Str("module", "app").Msg("server gracefully stopped")
	return nil
}
