package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RelayChannel is the well-known pub/sub topic shared by both message types
const RelayChannel = "DUAL_ROOM_BRIDGE"

// MessageType discriminates relay pub/sub messages
type MessageType string

const (
	MessageRelayStarted MessageType = "RELAY_STARTED"
	MessageRelayStopped MessageType = "RELAY_STOPPED"
)

// RelayDescriptor identifies a single relay session
type RelayDescriptor struct {
	SourceRoom      RoomLabel `json:"sourceRoom"`
	TargetRoom      RoomLabel `json:"targetRoom,omitempty"`
	TargetMeetingID string    `json:"targetMeetingId,omitempty"`
	ParticipantID   string    `json:"participantId"`
	ParticipantName string    `json:"participantName,omitempty"`
	Timestamp       int64     `json:"timestamp"` // Unix timestamp in milliseconds
}

// PubSubMessage is the payload sent on the relay channel
type PubSubMessage struct {
	Type MessageType `json:"type"`
	RelayDescriptor
}

// NewRelayStarted builds the message announcing a relay
func NewRelayStarted(d RelayDescriptor) PubSubMessage {
	if d.Timestamp == 0 {
		d.Timestamp = time.Now().UnixMilli()
	}
	return PubSubMessage{Type: MessageRelayStarted, RelayDescriptor: d}
}

// NewRelayStopped builds the message ending a relay. Only the fields needed
// to identify the relay are carried.
func NewRelayStopped(d RelayDescriptor) PubSubMessage {
	return PubSubMessage{
		Type: MessageRelayStopped,
		RelayDescriptor: RelayDescriptor{
			SourceRoom:    d.SourceRoom,
			ParticipantID: d.ParticipantID,
			Timestamp:     time.Now().UnixMilli(),
		},
	}
}

// Encode marshals the message for the wire
func (m PubSubMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodePubSubMessage parses and validates a relay message
func DecodePubSubMessage(data []byte) (PubSubMessage, error) {
	var m PubSubMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return PubSubMessage{}, fmt.Errorf("failed to decode relay message: %w", err)
	}
	switch m.Type {
	case MessageRelayStarted, MessageRelayStopped:
	default:
		return PubSubMessage{}, fmt.Errorf("unknown relay message type %q", m.Type)
	}
	if m.ParticipantID == "" {
		return PubSubMessage{}, errors.New("relay message without participant id")
	}
	return m, nil
}
