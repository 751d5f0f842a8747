package media

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Dispatcher runs a Handler on its own goroutine. Deliver never blocks, so
// engines may call it while holding their own locks.
type Dispatcher struct {
	mu      sync.Mutex
	pending []Message
	stopped bool
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewDispatcher starts the delivery goroutine for handler
func NewDispatcher(handler Handler) *Dispatcher {
	d := &Dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run(handler)
	return d
}

func (d *Dispatcher) run(handler Handler) {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}

		for {
			d.mu.Lock()
			if d.stopped || len(d.pending) == 0 {
				d.mu.Unlock()
				break
			}
			msg := d.pending[0]
			d.pending = d.pending[1:]
			d.mu.Unlock()

			handler(msg)
		}
	}
}

// Deliver queues msg. It returns false once the dispatcher is stopped.
func (d *Dispatcher) Deliver(msg Message) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	d.pending = append(d.pending, msg)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Stop drops queued messages and ends the goroutine
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.pending = nil
		d.mu.Unlock()
		close(d.done)
	})
}

// EventStream is the buffered channel behind Facade.Events
type EventStream struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool
}

// NewEventStream creates a stream with the given buffer
func NewEventStream(buffer int) *EventStream {
	return &EventStream{ch: make(chan Event, buffer)}
}

// C returns the receive side
func (s *EventStream) C() <-chan Event {
	return s.ch
}

// Emit sends ev unless the stream is closed. A full buffer drops the event.
func (s *EventStream) Emit(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		log.Warn().Str("module", "media").Str("event", ev.Kind.String()).Str("meetingId", ev.MeetingID).Msg("event buffer full, dropping event")
	}
}

// Close closes the channel. Later Emit calls are ignored.
func (s *EventStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
