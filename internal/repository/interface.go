// Package repository defines the persistent session store
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/navikt/dualroom/internal/models"
)

// ErrNotFound is returned by Get when a key is absent
var ErrNotFound = models.ErrNotFound

// Keys of the persisted session. The names match what earlier deployments wrote.
const (
	KeyRoomA           = "videoSDK_roomA"
	KeyRoomB           = "videoSDK_roomB"
	KeyActiveRoom      = "activeRoom"
	KeyActiveMeetingID = "activeMeetingId"
	KeyActiveName      = "activeName"
)

// SessionStore is a per-session key/value store that survives process restarts
type SessionStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// SetMany writes all values or none of them
	SetMany(ctx context.Context, values map[string]string) error
	// Delete removes the given keys; absent keys are ignored
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// ActiveSession is the persisted record of the room a user last joined
type ActiveSession struct {
	Room      models.RoomLabel
	MeetingID string
	Name      string
}

// LoadRoomPair returns the persisted pair. ok is false unless both ids are present.
func LoadRoomPair(ctx context.Context, s SessionStore) (pair models.RoomPair, ok bool, err error) {
	if pair.RoomA, err = getOptional(ctx, s, KeyRoomA); err != nil {
		return models.RoomPair{}, false, err
	}
	if pair.RoomB, err = getOptional(ctx, s, KeyRoomB); err != nil {
		return models.RoomPair{}, false, err
	}
	if !pair.Complete() {
		return models.RoomPair{}, false, nil
	}
	return pair, true, nil
}

// SaveRoomPair persists both room ids in a single write
func SaveRoomPair(ctx context.Context, s SessionStore, pair models.RoomPair) error {
	if !pair.Complete() {
		return errors.New("refusing to persist incomplete room pair")
	}
	return s.SetMany(ctx, map[string]string{
		KeyRoomA: pair.RoomA,
		KeyRoomB: pair.RoomB,
	})
}

// LoadActiveSession returns the persisted active session. ok is false when no
// usable record exists.
func LoadActiveSession(ctx context.Context, s SessionStore) (ActiveSession, bool, error) {
	room, err := getOptional(ctx, s, KeyActiveRoom)
	if err != nil {
		return ActiveSession{}, false, err
	}
	meetingID, err := getOptional(ctx, s, KeyActiveMeetingID)
	if err != nil {
		return ActiveSession{}, false, err
	}
	name, err := getOptional(ctx, s, KeyActiveName)
	if err != nil {
		return ActiveSession{}, false, err
	}

	label, err := models.ParseRoomLabel(room)
	if err != nil || meetingID == "" {
		return ActiveSession{}, false, nil
	}
	return ActiveSession{Room: label, MeetingID: meetingID, Name: name}, true, nil
}

// SaveActiveSession persists the room, meeting id and display name together
func SaveActiveSession(ctx context.Context, s SessionStore, a ActiveSession) error {
	if !a.Room.Valid() || a.MeetingID == "" {
		return fmt.Errorf("invalid active session for room %q", a.Room)
	}
	return s.SetMany(ctx, map[string]string{
		KeyActiveRoom:      string(a.Room),
		KeyActiveMeetingID: a.MeetingID,
		KeyActiveName:      a.Name,
	})
}

// ClearActiveSession removes the active keys but keeps the room pair
func ClearActiveSession(ctx context.Context, s SessionStore) error {
	return s.Delete(ctx, KeyActiveRoom, KeyActiveMeetingID, KeyActiveName)
}

func getOptional(ctx context.Context, s SessionStore, key string) (string, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v, nil
}
