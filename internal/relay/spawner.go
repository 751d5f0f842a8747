package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/navikt/dualroom/internal/media"
	"github.com/navikt/dualroom/internal/models"
)

const closeGrace = 5 * time.Second

// Handle is the primary context's view of a spawned relay context
type Handle interface {
	// Closed reports whether the relay context has terminated
	Closed() bool
	// Close asks the relay context to terminate and waits for it
	Close() error
}

// Spawner starts a relay context for the given launch parameters
type Spawner interface {
	Spawn(ctx context.Context, params models.LaunchParams) (Handle, error)
}

// ProcessSpawner runs `<executable> relay --launch <query>` as a child process
type ProcessSpawner struct {
	// Executable defaults to the running binary
	Executable string
	ExtraArgs  []string
}

// Spawn starts the child. The child outlives ctx; only Close ends it.
func (s ProcessSpawner) Spawn(_ context.Context, params models.LaunchParams) (Handle, error) {
	exe := s.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve executable: %w", err)
		}
		exe = self
	}

	args := append([]string{"relay", "--launch", params.Encode()}, s.ExtraArgs...)
	cmd := exec.Command(exe, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start relay process: %w", err)
	}

	h := &processHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		h.err = cmd.Wait()
		close(h.done)
		log.Info().Str("module", "relay").Int("pid", cmd.Process.Pid).Msg("relay process exited")
	}()

	log.Info().Str("module", "relay").Int("pid", cmd.Process.Pid).Str("meetingId", params.MeetingID).Msg("relay process started")
	return h, nil
}

type processHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (h *processHandle) Closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Close interrupts the process and kills it if it does not exit in time
func (h *processHandle) Close() error {
	if h.Closed() {
		return nil
	}
	if err := h.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = h.cmd.Process.Kill()
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(closeGrace):
		if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to kill relay process: %w", err)
		}
		<-h.done
		return nil
	}
}

// InProcessSpawner runs the relay bootstrap on a goroutine with its own facade.
// It is used with engines that cannot be shared across processes.
type InProcessSpawner struct {
	NewFacade func() media.Facade
}

// Spawn starts the bootstrap
func (s InProcessSpawner) Spawn(_ context.Context, params models.LaunchParams) (Handle, error) {
	if s.NewFacade == nil {
		return nil, errors.New("no facade factory configured")
	}

	facade := s.NewFacade()
	ctx, cancel := context.WithCancel(context.Background())
	h := &goroutineHandle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer facade.Close()
		if err := NewBootstrap(facade).Run(ctx, params.Encode()); err != nil {
			log.Warn().Err(err).Str("module", "relay").Msg("in-process relay context ended with error")
		}
	}()
	return h, nil
}

type goroutineHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (h *goroutineHandle) Closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *goroutineHandle) Close() error {
	h.once.Do(h.cancel)
	select {
	case <-h.done:
		return nil
	case <-time.After(closeGrace):
		return errors.New("relay context did not stop in time")
	}
}
