package event

import (
	"errors"
	"time"
)

// Standard errors.
var (
	ErrFDOutOfRange        = errors.New("event: fd out of range")
	ErrFDAlreadyRegistered = errors.New("event: fd already registered")
	ErrFDNotRegistered     = errors.New("event: fd not registered")
	ErrSourceClosed        = errors.New("event: source closed")
)

// Receiver accepts ready sinks from a Poll call. It runs on the polling
// context, inline with the poll.
type Receiver func(s *Sink, ev IOEvents)

// Source is the adapter to the OS readiness multiplexer. Implementations
// may batch register/arm state changes until Flush or the next Poll.
//
// One-shot semantics: a sink one-shot in a direction stops delivering
// that direction after one event and needs an explicit EnableInput or
// EnableOutput to arm the next one. Regular sinks keep delivering until
// closed.
type Source interface {
	// Register adds the sink with its initial interest set: regular
	// directions armed immediately, one-shot directions disarmed.
	Register(s *Sink) error

	// EnableInput arms the input direction for the next event.
	EnableInput(s *Sink) error

	// EnableOutput arms the output direction for the next event.
	EnableOutput(s *Sink) error

	// Unregister removes the sink. Takes effect immediately.
	Unregister(s *Sink) error

	// Flush pushes out batched state changes.
	Flush() error

	// Poll waits up to timeout for readiness and delivers ready sinks to
	// the receiver. A zero timeout never sleeps. Returns the number of
	// sink events delivered.
	Poll(timeout time.Duration) (int, error)

	// Notify wakes a concurrent Poll even with no fd event pending.
	// Idempotent until NotifyClean is called.
	Notify() error

	// NotifyClean re-arms Notify after a wakeup has been consumed.
	NotifyClean()

	// Close releases the backend.
	Close() error
}
