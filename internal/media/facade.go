// Package media defines the boundary to the real-time media engine.
//
// The session state machine and the relay coordinator only talk to a Facade.
// Engines live in the memory and redis subpackages.
package media

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotJoined     = errors.New("not joined to a meeting")
	ErrAlreadyJoined = errors.New("already joined to a meeting")
	ErrClosed        = errors.New("media facade closed")
)

// EventKind identifies a facade callback
type EventKind int

const (
	EventJoined EventKind = iota + 1
	EventLeft
	EventSpeakerChanged
	EventParticipantJoined
	EventParticipantLeft
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventJoined:
		return "joined"
	case EventLeft:
		return "left"
	case EventSpeakerChanged:
		return "speaker-changed"
	case EventParticipantJoined:
		return "participant-joined"
	case EventParticipantLeft:
		return "participant-left"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered on Facade.Events. MeetingID is the meeting the event
// belongs to, ParticipantID is set for speaker and participant events.
type Event struct {
	Kind          EventKind
	MeetingID     string
	ParticipantID string
	Err           error
}

// Participant is a member of a meeting
type Participant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Local    bool   `json:"local"`
	MicOn    bool   `json:"micOn"`
	WebcamOn bool   `json:"webcamOn"`
}

// PublishOptions controls pub/sub delivery
type PublishOptions struct {
	// Persist keeps the message so that later subscribers receive it
	Persist bool
}

// Message is a pub/sub message as seen by a subscriber
type Message struct {
	Topic     string
	SenderID  string
	Payload   []byte
	Timestamp time.Time
}

// Handler receives pub/sub messages. Calls for one subscription are sequential.
type Handler func(Message)

// Facade is one participant's connection to the media engine
type Facade interface {
	// Join starts joining meetingID. Completion is signalled with EventJoined.
	Join(ctx context.Context, meetingID, name string) error
	// Leave leaves the current meeting and emits EventLeft. It is a no-op when not joined.
	Leave(ctx context.Context) error
	MeetingID() string
	LocalParticipant() (Participant, bool)
	Participants(ctx context.Context) ([]Participant, error)

	SetMic(on bool)
	SetWebcam(on bool)
	MicOn() bool
	WebcamOn() bool

	Events() <-chan Event

	// Publish broadcasts on topic to every subscriber of the engine, in any meeting
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error
	// Subscribe delivers persisted messages first, then live ones, until cancel is called
	Subscribe(ctx context.Context, topic string, handler Handler) (cancel func(), err error)

	Close() error
}

// Switcher is implemented by engines that can move to another meeting
// without a separate leave. Completion is signalled with EventJoined.
type Switcher interface {
	SwitchTo(ctx context.Context, meetingID string) error
}

// ToggleMic flips the microphone and returns the new state
func ToggleMic(f Facade) bool {
	on := !f.MicOn()
	f.SetMic(on)
	return on
}

// ToggleWebcam flips the camera and returns the new state
func ToggleWebcam(f Facade) bool {
	on := !f.WebcamOn()
	f.SetWebcam(on)
	return on
}
