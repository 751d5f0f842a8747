package models

import (
	"encoding/json"
	"fmt"
)

// ConnectionPhase is the membership phase of a single execution context
type ConnectionPhase int

const (
	PhaseIdle ConnectionPhase = iota
	PhaseConnecting
	PhaseConnected
)

// String returns the string representation of a connection phase
func (p ConnectionPhase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseConnected:
		return "CONNECTED"
	}
	return fmt.Sprintf("ConnectionPhase(%d)", int(p))
}

// MarshalJSON encodes the phase as its string form
func (p ConnectionPhase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes the string form of a phase
func (p *ConnectionPhase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "IDLE":
		*p = PhaseIdle
	case "CONNECTING":
		*p = PhaseConnecting
	case "CONNECTED":
		*p = PhaseConnected
	default:
		return fmt.Errorf("unknown connection phase %q", s)
	}
	return nil
}

// SessionState is a snapshot of the primary context's room membership
type SessionState struct {
	ActiveRoom      RoomLabel       `json:"activeRoom,omitempty"`
	ActiveMeetingID string          `json:"activeMeetingId,omitempty"`
	ParticipantName string          `json:"participantName"`
	Connection      ConnectionPhase `json:"connection"`
	Switching       bool            `json:"switching"`
	RelayPanelOpen  bool            `json:"relayPanelOpen"`
	ActiveSpeakerID string          `json:"activeSpeakerId,omitempty"`
	LastError       string          `json:"lastError,omitempty"`
}

// Validate checks the phase invariant: a non-idle phase needs a meeting
func (s SessionState) Validate() error {
	if s.Connection != PhaseIdle && s.ActiveMeetingID == "" {
		return fmt.Errorf("phase %s without active meeting id", s.Connection)
	}
	return nil
}

// TargetRoom returns the room a switch or relay would go to
func (s SessionState) TargetRoom() RoomLabel {
	return s.ActiveRoom.Other()
}
