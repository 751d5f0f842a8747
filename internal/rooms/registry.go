// Package rooms resolves the two room ids a session works with
package rooms

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/navikt/dualroom/internal/models"
	"github.com/navikt/dualroom/internal/repository"
)

// Provisioner creates a single room on the media provider
type Provisioner interface {
	CreateRoom(ctx context.Context) (string, error)
}

// Registry provisions the room pair once per session and then serves it from
// the session store
type Registry struct {
	store       repository.SessionStore
	provisioner Provisioner

	mu   sync.Mutex
	pair models.RoomPair
}

// NewRegistry creates a registry
func NewRegistry(store repository.SessionStore, provisioner Provisioner) *Registry {
	return &Registry{
		store:       store,
		provisioner: provisioner,
	}
}

// EnsureRooms returns the room pair, provisioning it if neither the process
// nor the session store has one. Concurrent callers share one provisioning run.
func (r *Registry) EnsureRooms(ctx context.Context) (models.RoomPair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pair.Complete() {
		return r.pair, nil
	}

	pair, ok, err := repository.LoadRoomPair(ctx, r.store)
	if err != nil {
		return models.RoomPair{}, &models.ProvisioningError{Op: "load", Err: err}
	}
	if ok {
		log.Debug().Str("module", "rooms").Str("roomA", pair.RoomA).Str("roomB", pair.RoomB).Msg("restored room pair")
		r.pair = pair
		return pair, nil
	}

	// Rooms are created one after the other; a failure on the second discards the first
	for _, label := range []models.RoomLabel{models.RoomA, models.RoomB} {
		id, err := r.provisioner.CreateRoom(ctx)
		if err != nil {
			log.Error().Err(err).Str("module", "rooms").Str("room", string(label)).Msg("failed to provision room")
			return models.RoomPair{}, &models.ProvisioningError{Op: fmt.Sprintf("create room %s", label), Err: err}
		}
		if label == models.RoomA {
			pair.RoomA = id
		} else {
			pair.RoomB = id
		}
	}

	if err := repository.SaveRoomPair(ctx, r.store, pair); err != nil {
		return models.RoomPair{}, &models.ProvisioningError{Op: "persist", Err: err}
	}

	log.Info().Str("module", "rooms").Str("roomA", pair.RoomA).Str("roomB", pair.RoomB).Msg("provisioned room pair")
	r.pair = pair
	return pair, nil
}

// Rooms returns the resolved pair without provisioning. ok is false before
// EnsureRooms has succeeded.
func (r *Registry) Rooms() (models.RoomPair, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pair, r.pair.Complete()
}
