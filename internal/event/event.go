// Package event holds the per-file-descriptor sink state machine and the
// event-source abstraction over the OS readiness multiplexer.
//
// A sink is owned by exactly one context at any instant. The poller
// context touches only the atomic flag word and the receive and dispatch
// stamps; every other mutation happens on the owning context, reached
// through its async inbox when the poller is a different context.
package event

import (
	"code.hybscloud.com/atomix"

	"github.com/ehrlich-b/mainmemory/internal/epoch"
	"github.com/ehrlich-b/mainmemory/internal/task"
)

// IOEvents is the readiness set delivered by a backend.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

// Flags is the sink state bitfield.
type Flags uint32

const (
	FlagInputReady Flags = 1 << iota
	FlagOutputReady
	FlagInputError
	FlagOutputError
	FlagInputClosed
	FlagOutputClosed
	FlagBroken
	FlagInputStarted
	FlagOutputStarted
	FlagInputRestart
	FlagOutputRestart
	FlagRegularInput
	FlagRegularOutput
	FlagFixedPoller
	FlagCommonPoller
	FlagChangePending
)

// FlagClosed marks both directions shut. CLOSED is terminal; BROKEN
// implies CLOSED.
const FlagClosed = FlagInputClosed | FlagOutputClosed

// flags settable by PrepareFD callers.
const prepareMask = FlagRegularInput | FlagRegularOutput | FlagFixedPoller | FlagCommonPoller

// IOTasks is the I/O task pair of a sink: shared immutable descriptors
// whose argument is the sink itself.
type IOTasks struct {
	Input  *task.Desc
	Output *task.Desc
}

// Sink is the per-file-descriptor state handled by the event loop.
type Sink struct {
	fd    int
	flags atomix.Uint32

	// IO is the task pair; the sink passes itself as the task argument.
	IO *IOTasks

	// owning context index, resolved through the dispatch table.
	ctx  atomix.Uint32
	home uint32

	// per-sink monotonic 16-bit stamps
	receive    atomix.Uint32 // advanced by the poller on delivery
	dispatched atomix.Uint32 // advanced when forwarded to the owner
	complete   atomix.Uint32 // advanced by the owner after handling

	// optional bound fibers, resumed on readiness; interpreted by the
	// scheduler.
	InputFiber  any
	OutputFiber any

	// Owner is an arbitrary user attachment (e.g. the connection the
	// sink serves). Not touched by the runtime.
	Owner any

	retire  epoch.Entry
	destroy func(*Sink)

	// interest mask as last armed in the backend; backend-owned.
	armed IOEvents
}

// Prepare initializes a detached sink.
func (s *Sink) Prepare(fd int, flags Flags, io *IOTasks, destroy func(*Sink)) {
	s.fd = fd
	s.flags.StoreRelaxed(uint32(flags & prepareMask))
	s.IO = io
	s.ctx.StoreRelaxed(NoContext)
	s.home = NoContext
	s.receive.StoreRelaxed(0)
	s.dispatched.StoreRelaxed(0)
	s.complete.StoreRelaxed(0)
	s.destroy = destroy
	s.armed = 0
	s.retire = epoch.Entry{}
}

// NoContext is the context index of a detached sink.
const NoContext = ^uint32(0)

// FD returns the file descriptor.
func (s *Sink) FD() int {
	return s.fd
}

// Context returns the owning context index, or NoContext when detached.
func (s *Sink) Context() uint32 {
	return s.ctx.LoadAcquire()
}

// SetContext rebinds the sink to another context. Used at registration
// and by the task reassignment predicate.
func (s *Sink) SetContext(idx uint32) {
	s.ctx.StoreRelease(idx)
}

// Home returns the context the sink was registered with.
func (s *Sink) Home() uint32 {
	return s.home
}

// Bind records the registration context.
func (s *Sink) Bind(idx uint32) {
	s.home = idx
	s.ctx.StoreRelease(idx)
}

// Has reports whether all given flags are set.
func (s *Sink) Has(f Flags) bool {
	return Flags(s.flags.LoadAcquire())&f == f
}

// HasAny reports whether any of the given flags is set.
func (s *Sink) HasAny(f Flags) bool {
	return Flags(s.flags.LoadAcquire())&f != 0
}

// Set sets the given flags.
func (s *Sink) Set(f Flags) {
	for {
		old := s.flags.LoadAcquire()
		if old&uint32(f) == uint32(f) {
			return
		}
		if s.flags.CompareAndSwapAcqRel(old, old|uint32(f)) {
			return
		}
	}
}

// Clear clears the given flags.
func (s *Sink) Clear(f Flags) {
	for {
		old := s.flags.LoadAcquire()
		if old&uint32(f) == 0 {
			return
		}
		if s.flags.CompareAndSwapAcqRel(old, old&^uint32(f)) {
			return
		}
	}
}

// Flags returns a snapshot of the flag word.
func (s *Sink) Flags() Flags {
	return Flags(s.flags.LoadAcquire())
}

// Closed reports whether both directions are shut.
func (s *Sink) Closed() bool {
	return s.Has(FlagClosed)
}

// Broken reports whether the backend declared the sink unrecoverable.
func (s *Sink) Broken() bool {
	return s.Has(FlagBroken)
}

// Started reports whether any I/O task is in flight.
func (s *Sink) Started() bool {
	return s.HasAny(FlagInputStarted | FlagOutputStarted)
}

// Receive advances the receive stamp and reports whether the sink needs a
// dispatch to its owner: false when a previous dispatch has not completed
// yet, in which case the owner picks the new state up from the flags.
func (s *Sink) Receive() bool {
	s.receive.AddAcqRel(1)
	d := s.dispatched.LoadAcquire()
	if d != s.complete.LoadAcquire() {
		return false
	}
	s.dispatched.StoreRelease(d + 1)
	return true
}

// CompleteDispatch marks the pending dispatch handled.
func (s *Sink) CompleteDispatch() {
	s.complete.StoreRelease(s.dispatched.LoadAcquire())
}

// Stamps returns the (receive, dispatch, complete) stamps, truncated to
// their 16-bit wire width.
func (s *Sink) Stamps() (receive, dispatch, complete uint16) {
	return uint16(s.receive.LoadAcquire()),
		uint16(s.dispatched.LoadAcquire()),
		uint16(s.complete.LoadAcquire())
}

// RetireVia queues the sink on the epoch retire list. The destructor runs
// once reclamation frees the entry.
func (s *Sink) RetireVia(l *epoch.Local) {
	s.retire.Destroy = func() {
		if s.destroy != nil {
			s.destroy(s)
		}
	}
	l.Retire(&s.retire)
}

// OneShot reports whether the sink is one-shot in both directions.
func (s *Sink) OneShot() bool {
	return !s.HasAny(FlagRegularInput | FlagRegularOutput)
}
