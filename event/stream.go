package event

import (
	"encoding/json"
	"io"
	"sync"
)

// DefaultBuffer is the channel depth for a new stream. Emission never
// drops events; a full buffer blocks the producer until the consumer
// catches up.
const DefaultBuffer = 256

// Stream is a single-consumer ordered event channel for one build or
// run. The producer calls Emit; the consumer ranges over Events. The
// channel closes after the terminal event, so consumers observe
// exactly one completed event and then end of stream.
type Stream struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// NewStream creates a stream with the default buffer depth.
func NewStream() *Stream {
	return NewStreamBuffer(DefaultBuffer)
}

// NewStreamBuffer creates a stream with an explicit buffer depth.
func NewStreamBuffer(buffer int) *Stream {
	if buffer < 1 {
		buffer = 1
	}
	return &Stream{ch: make(chan Event, buffer)}
}

// Emit appends an event to the stream. Emitting the terminal event
// closes the stream; later emits are dropped silently so a racing
// producer cannot panic on a closed channel. Sends happen under the
// lock, which is safe because the consumer never takes it.
func (s *Stream) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- ev
	if ev.IsTerminal() {
		s.closed = true
		close(s.ch)
	}
}

// Events returns the receive side of the stream.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Abandon closes the stream without a terminal event. Used when the
// producer died before it could complete; consumers see end of stream.
func (s *Stream) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// WriteNDJSON serializes one event as a single newline-terminated
// JSON line.
func WriteNDJSON(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
