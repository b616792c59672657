// Package codec runs stateful decode and encode transforms. A Session wraps
// a Backend with send/receive semantics and turns it into a pull loop that
// ends in one of three ways: an output was produced, more input is needed,
// or the stream has ended.
package codec

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/zsiec/avkit/internal/media"
)

// Control signals returned by Backend.Send and Backend.Receive. They are not
// failures and never leave the package.
var (
	ErrAgain = errors.New("codec: try again")
	ErrEOF   = errors.New("codec: end of stream")
)

// Backend is the send/receive contract a codec implementation fulfils.
type Backend[In, Out any] interface {
	// Send queues one input. It returns ErrAgain when outputs must be
	// received before more input is accepted.
	Send(in In) error
	// SendEOF marks the end of input; buffered outputs become available.
	SendEOF() error
	// Receive returns the next output, ErrAgain when more input is needed,
	// or ErrEOF once every output after SendEOF has been returned.
	Receive() (Out, error)
	Close() error
}

// State is the lifecycle position of a session.
type State int

// Sessions move strictly forward through these states. A session is Idle
// from the moment its backend opens until the first Submit.
const (
	StateIdle State = iota
	StateOpen
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Signal is the non-error outcome that ended the last drain.
type Signal int

const (
	SignalNone Signal = iota
	NeedMoreInput
	EndOfStream
)

func (s Signal) String() string {
	switch s {
	case NeedMoreInput:
		return "need-more-input"
	case EndOfStream:
		return "end-of-stream"
	default:
		return "none"
	}
}

// Session drives one backend instance.
type Session[In, Out any] struct {
	name    string
	kind    media.Kind
	log     *slog.Logger
	backend Backend[In, Out]

	state   State
	signal  Signal
	pending []In
}

// Decoder turns coded units into frames.
type Decoder = Session[*media.CodedUnit, *media.Frame]

// Encoder turns frames into coded units.
type Encoder = Session[*media.Frame, *media.CodedUnit]

func newSession[In, Out any](name string, kind media.Kind, b Backend[In, Out], log *slog.Logger) *Session[In, Out] {
	if log == nil {
		log = slog.Default()
	}
	s := &Session[In, Out]{
		name:    name,
		kind:    kind,
		log:     log.With("component", "codec", "codec", name),
		backend: b,
	}
	return s
}

// Name returns the codec identifier.
func (s *Session[In, Out]) Name() string { return s.name }

// Kind returns the media kind the codec handles.
func (s *Session[In, Out]) Kind() media.Kind { return s.kind }

// State returns the current lifecycle state.
func (s *Session[In, Out]) State() State { return s.state }

// Signal reports why the most recent Drain or Flush sequence ended.
func (s *Session[In, Out]) Signal() Signal { return s.signal }

// Submit enqueues one input. Inputs the backend cannot take yet stay queued
// until the next Drain.
func (s *Session[In, Out]) Submit(in In) error {
	switch s.state {
	case StateIdle:
		s.state = StateOpen
		s.log.Debug("first input submitted")
	case StateOpen:
	default:
		return fmt.Errorf("%w: %s: submit on %s session", media.ErrBackend, s.name, s.state)
	}
	s.pending = append(s.pending, in)
	return s.sendPending()
}

// sendPending hands queued inputs to the backend until it pushes back.
func (s *Session[In, Out]) sendPending() error {
	for len(s.pending) > 0 {
		err := s.backend.Send(s.pending[0])
		if errors.Is(err, ErrAgain) {
			return nil
		}
		if err != nil {
			return s.fail(err)
		}
		var zero In
		s.pending[0] = zero
		s.pending = s.pending[1:]
	}
	return nil
}

// Drain yields every output available for the inputs submitted so far. The
// sequence ends when the backend needs more input or reaches end of stream;
// Signal tells which. A backend fault is yielded as an error wrapping
// media.ErrBackend and closes the session. Breaking out of the loop early
// loses nothing: the next Drain continues where this one stopped.
func (s *Session[In, Out]) Drain() iter.Seq2[Out, error] {
	return func(yield func(Out, error) bool) {
		switch s.state {
		case StateClosed:
			return
		case StateIdle:
			s.signal = NeedMoreInput
			return
		}
		s.receive(yield)
	}
}

// Flush ends the input, then yields every remaining output. The session is
// Closed once the sequence has been fully consumed.
func (s *Session[In, Out]) Flush() iter.Seq2[Out, error] {
	return func(yield func(Out, error) bool) {
		if s.state == StateClosed {
			return
		}
		if s.state == StateIdle || s.state == StateOpen {
			for len(s.pending) > 0 {
				n := len(s.pending)
				if !s.receive(yield) || s.state == StateClosed {
					return
				}
				if len(s.pending) >= n {
					var zero Out
					yield(zero, s.fail(errors.New("backend refuses queued input")))
					return
				}
			}
			if err := s.backend.SendEOF(); err != nil {
				var zero Out
				yield(zero, s.fail(err))
				return
			}
			s.state = StateDraining
			s.log.Debug("draining")
		}
		s.receive(yield)
	}
}

// receive pulls outputs until a signal, an error, or the consumer stops. It
// reports whether the consumer wants more.
func (s *Session[In, Out]) receive(yield func(Out, error) bool) bool {
	var zero Out
	for {
		if err := s.sendPending(); err != nil {
			return yield(zero, err)
		}
		out, err := s.backend.Receive()
		switch {
		case err == nil:
			s.signal = SignalNone
			if !yield(out, nil) {
				return false
			}
		case errors.Is(err, ErrAgain):
			if s.state == StateDraining {
				return yield(zero, s.fail(fmt.Errorf("backend asked for input after end of stream")))
			}
			if n := len(s.pending); n > 0 {
				if err := s.sendPending(); err != nil {
					return yield(zero, err)
				}
				if len(s.pending) < n {
					continue
				}
			}
			s.signal = NeedMoreInput
			return true
		case errors.Is(err, ErrEOF) && s.state == StateOpen:
			return yield(zero, s.fail(fmt.Errorf("backend ended the stream before end of input")))
		case errors.Is(err, ErrEOF):
			s.signal = EndOfStream
			s.closeBackend()
			return true
		default:
			return yield(zero, s.fail(err))
		}
	}
}

// fail closes the session after a backend fault.
func (s *Session[In, Out]) fail(err error) error {
	s.log.Error("backend fault", "error", err)
	s.closeBackend()
	if errors.Is(err, media.ErrBackend) {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	return fmt.Errorf("%w: %s: %v", media.ErrBackend, s.name, err)
}

func (s *Session[In, Out]) closeBackend() error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	s.pending = nil
	s.log.Debug("session closed")
	return s.backend.Close()
}

// Close releases the backend. It is safe to call more than once.
func (s *Session[In, Out]) Close() error {
	if err := s.closeBackend(); err != nil {
		return fmt.Errorf("%w: %s: close: %v", media.ErrBackend, s.name, err)
	}
	return nil
}
