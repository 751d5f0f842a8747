package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by session stores for keys that were never written or were removed
	ErrNotFound = errors.New("key not found")

	ErrInvalidTransition = errors.New("invalid connection phase transition")
	ErrRoomUnresolved    = errors.New("room id is not resolved")
	ErrNotConnected      = errors.New("not connected to a room")
	ErrRelayActive       = errors.New("relay already active")
	ErrRelayInactive     = errors.New("relay not active")
)

// ProvisioningError aborts initialization; no partial room pair is persisted
type ProvisioningError struct {
	Op  string
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("room provisioning failed (%s): %v", e.Op, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// DeviceNotReadyError is returned when a relay is started with mic and camera off
type DeviceNotReadyError struct{}

func (DeviceNotReadyError) Error() string {
	return "enable mic or camera before starting relay"
}

// RelaySpawnError is returned when the relay execution context cannot be spawned
type RelaySpawnError struct {
	Err error
}

func (e *RelaySpawnError) Error() string {
	return fmt.Sprintf("relay context could not be spawned: %v", e.Err)
}

func (e *RelaySpawnError) Unwrap() error { return e.Err }

// SwitchFailure records a room switch that did not complete
type SwitchFailure struct {
	From RoomLabel
	To   RoomLabel
	Err  error
}

func (e *SwitchFailure) Error() string {
	return fmt.Sprintf("switch from room %s to room %s failed: %v", e.From, e.To, e.Err)
}

func (e *SwitchFailure) Unwrap() error { return e.Err }

// FacadeError wraps an opaque media engine failure
type FacadeError struct {
	Op  string
	Err error
}

func (e *FacadeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media engine error during %s", e.Op)
	}
	return fmt.Sprintf("media engine error during %s: %v", e.Op, e.Err)
}

func (e *FacadeError) Unwrap() error { return e.Err }
