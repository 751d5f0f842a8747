package models

import (
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
)

const (
	// RelaySuffix marks display names of relay contexts
	RelaySuffix = " (Relay)"
	// DefaultRelayName is used when a launch descriptor carries no name
	DefaultRelayName = "Relay User"
	// DefaultGuestName is used when a restored session has no stored name
	DefaultGuestName = "Guest"
)

// ErrNotRelayLaunch is returned when the launch query lacks relay=true
var ErrNotRelayLaunch = errors.New("launch parameters are not a relay launch")

// LaunchParams are the four values a relay context reads at startup
type LaunchParams struct {
	Relay     bool
	Room      RoomLabel
	MeetingID string
	Name      string
}

// Encode renders the parameters as a query string
func (p LaunchParams) Encode() string {
	// Built by hand to keep the order stable: relay, room, roomId, name.
	var b strings.Builder
	b.WriteString("relay=")
	if p.Relay {
		b.WriteString("true")
	} else {
		b.WriteString("false")
	}
	b.WriteString("&room=")
	b.WriteString(url.QueryEscape(string(p.Room)))
	b.WriteString("&roomId=")
	b.WriteString(url.QueryEscape(p.MeetingID))
	b.WriteString("&name=")
	b.WriteString(url.QueryEscape(p.Name))
	return b.String()
}

// ParseLaunchParams decodes a relay launch query. A leading "?" is accepted.
func ParseLaunchParams(query string) (LaunchParams, error) {
	values, err := url.ParseQuery(strings.TrimPrefix(query, "?"))
	if err != nil {
		return LaunchParams{}, fmt.Errorf("failed to parse launch parameters: %w", err)
	}
	if values.Get("relay") != "true" {
		return LaunchParams{}, ErrNotRelayLaunch
	}

	p := LaunchParams{
		Relay:     true,
		Room:      RoomLabel(values.Get("room")),
		MeetingID: values.Get("roomId"),
		Name:      values.Get("name"),
	}
	if !p.Room.Valid() {
		return LaunchParams{}, fmt.Errorf("invalid relay room %q", p.Room)
	}
	if p.MeetingID == "" {
		return LaunchParams{}, errors.New("relay launch without meeting id")
	}
	if p.Name == "" {
		p.Name = DefaultRelayName
	}
	return p, nil
}

// RelayDisplayName suffixes a display name to mark relay origin, once
func RelayDisplayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultRelayName
	}
	if strings.HasSuffix(name, strings.TrimSpace(RelaySuffix)) {
		return name
	}
	return name + RelaySuffix
}

// DefaultParticipantName generates a name for users who did not enter one
func DefaultParticipantName() string {
	return fmt.Sprintf("User-%d", rand.Intn(10000))
}

// ResolveParticipantName trims the given name and falls back to a generated one
func ResolveParticipantName(name string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	return DefaultParticipantName()
}
