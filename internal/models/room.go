package models

import "fmt"

// RoomLabel identifies one of the two rooms of a session ("A" or "B")
type RoomLabel string

const (
	RoomA RoomLabel = "A"
	RoomB RoomLabel = "B"
)

// Valid reports whether the label names one of the two rooms
func (l RoomLabel) Valid() bool {
	return l == RoomA || l == RoomB
}

// Other returns the opposite room label
func (l RoomLabel) Other() RoomLabel {
	if l == RoomA {
		return RoomB
	}
	return RoomA
}

// ParseRoomLabel converts user input into a RoomLabel
func ParseRoomLabel(s string) (RoomLabel, error) {
	l := RoomLabel(s)
	if !l.Valid() {
		return "", fmt.Errorf("invalid room label %q", s)
	}
	return l, nil
}

// RoomPair holds the meeting identifiers of the two provisioned rooms.
// It is created once per application launch and never mutated afterwards.
type RoomPair struct {
	RoomA string `json:"roomA"`
	RoomB string `json:"roomB"`
}

// Complete returns true if both room identifiers are known
func (p RoomPair) Complete() bool {
	return p.RoomA != "" && p.RoomB != ""
}

// MeetingID resolves the meeting identifier for a room label
func (p RoomPair) MeetingID(label RoomLabel) (string, bool) {
	var id string
	switch label {
	case RoomA:
		id = p.RoomA
	case RoomB:
		id = p.RoomB
	}
	return id, id != ""
}

// LabelOf returns the label of the room that owns the given meeting identifier
func (p RoomPair) LabelOf(meetingID string) (RoomLabel, bool) {
	switch {
	case meetingID == "":
		return "", false
	case meetingID == p.RoomA:
		return RoomA, true
	case meetingID == p.RoomB:
		return RoomB, true
	}
	return "", false
}
