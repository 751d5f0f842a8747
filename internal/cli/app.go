package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/navikt/dualroom/internal/api"
	"github.com/navikt/dualroom/internal/config"
	"github.com/navikt/dualroom/internal/media"
	mediamemory "github.com/navikt/dualroom/internal/media/memory"
	mediaredis "github.com/navikt/dualroom/internal/media/redis"
	"github.com/navikt/dualroom/internal/models"
	"github.com/navikt/dualroom/internal/provisioning"
	"github.com/navikt/dualroom/internal/relay"
	"github.com/navikt/dualroom/internal/repository"
	reporedis "github.com/navikt/dualroom/internal/repository/redis"
	"github.com/navikt/dualroom/internal/rooms"
	"github.com/navikt/dualroom/internal/session"
	"github.com/navikt/dualroom/internal/web"
)

// mediaEngine creates facades that can see each other
type mediaEngine struct {
	newFacade func() media.Facade
	close     func() error
}

func newMediaEngine(cfg *config.Config) (*mediaEngine, error) {
	switch cfg.Media.Engine {
	case config.EngineRedis:
		client, err := reporedis.Connect(cfg.Redis)
		if err != nil {
			return nil, err
		}
		engine := mediaredis.NewEngine(client, cfg.Redis.KeyPrefix, cfg.Media.PersistLimit)
		log.Info().Str("module", "media").Msg("using redis media engine")
		return &mediaEngine{
			newFacade: func() media.Facade { return engine.NewFacade() },
			close:     client.Close,
		}, nil
	default:
		hub := mediamemory.NewHub(int(cfg.Media.PersistLimit))
		log.Info().Str("module", "media").Msg("using in-memory media engine")
		return &mediaEngine{
			newFacade: func() media.Facade { return hub.NewFacade() },
			close:     func() error { return nil },
		}, nil
	}
}

func newProvisioner(cfg config.ProvisioningConfig) rooms.Provisioner {
	if cfg.Local {
		log.Warn().Str("module", "rooms").Msg("minting room ids locally, rooms only exist in this deployment")
		return provisioning.LocalProvisioner{}
	}
	return provisioning.NewClient(cfg)
}

func newSpawner(cfg *config.Config, engine *mediaEngine) relay.Spawner {
	if cfg.RelaySpawner() == config.SpawnerInProcess {
		return relay.InProcessSpawner{NewFacade: engine.newFacade}
	}
	args := append([]string(nil), cfg.Relay.ExtraArgs...)
	if flagConfig != "" {
		args = append(args, "--config", flagConfig)
	}
	return relay.ProcessSpawner{Executable: cfg.Relay.Executable, ExtraArgs: args}
}

// App is the primary context: rooms, session machine, relay coordinator and
// the HTTP surface over them
type App struct {
	cfg         *config.Config
	engine      *mediaEngine
	store       repository.SessionStore
	registry    *rooms.Registry
	facade      media.Facade
	machine     *session.Machine
	coordinator *relay.Coordinator
	events      *web.EventStream
	handler     http.Handler
	stopRun     context.CancelFunc
	runDone     chan struct{}
}

// NewApp wires the primary context and resolves the room pair. A
// *models.ProvisioningError means the app cannot start.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	store, err := repository.NewSessionStore(cfg.Redis, cfg.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session store: %w", err)
	}

	registry := rooms.NewRegistry(store, newProvisioner(cfg.Provisioning))
	if _, err := registry.EnsureRooms(ctx); err != nil {
		store.Close()
		return nil, err
	}

	engine, err := newMediaEngine(cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize media engine: %w", err)
	}

	a := &App{
		cfg:      cfg,
		engine:   engine,
		store:    store,
		registry: registry,
		facade:   engine.newFacade(),
	}

	a.machine = session.NewMachine(a.facade, store, registry, session.Options{
		JoinDebounce:  cfg.Session.JoinDebounce,
		SwitchTimeout: cfg.Session.SwitchTimeout,
		OnLeave:       a.stopRelay,
	})
	a.coordinator = relay.NewCoordinator(a.facade, a.machine, newSpawner(cfg, engine), relay.Options{
		Channel:      cfg.Relay.Channel,
		PollInterval: cfg.Relay.PollInterval,
	})
	a.events = web.NewEventStream(a.machine, a.coordinator)

	ready := func() bool {
		_, ok := registry.Rooms()
		return ok
	}
	mux := api.SetupRoutes(a.machine, a.coordinator, ready, a.events)
	a.handler = web.WrapMuxWithMiddleware(mux)
	return a, nil
}

// stopRelay ends an active relay once the user is no longer in a room
func (a *App) stopRelay(models.SessionState) {
	err := a.coordinator.Stop(context.Background())
	if err != nil && !errors.Is(err, models.ErrRelayInactive) {
		log.Warn().Err(err).Str("module", "app").Msg("failed to stop relay after leave")
	}
}

// Handler returns the HTTP handler of the control API
func (a *App) Handler() http.Handler {
	return a.handler
}

// Start runs the state machine, restores a persisted session and listens
// for relay announcements
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.stopRun = cancel
	a.runDone = make(chan struct{})
	go func() {
		defer close(a.runDone)
		if err := a.machine.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("module", "app").Msg("session machine stopped")
		}
	}()

	if err := a.coordinator.Listen(ctx); err != nil {
		return err
	}
	if err := a.machine.Restore(ctx); err != nil {
		// A stale session must not keep the app from starting
		log.Warn().Err(err).Str("module", "app").Msg("failed to restore session")
	}
	return nil
}

// Close stops the relay and the state machine and releases the engine. The
// persisted session is kept so the next start can restore it.
func (a *App) Close(ctx context.Context) error {
	a.events.Close()

	var errs []error
	if err := a.coordinator.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("relay: %w", err))
	}
	if a.stopRun != nil {
		a.stopRun()
		<-a.runDone
	}
	if err := a.facade.Close(); err != nil {
		errs = append(errs, fmt.Errorf("media facade: %w", err))
	}
	if err := a.engine.close(); err != nil {
		errs = append(errs, fmt.Errorf("media engine: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session store: %w", err))
	}
	return errors.Join(errs...)
}
