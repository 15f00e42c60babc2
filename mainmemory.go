// Package mainmemory is a user-space runtime for building
// high-throughput network services on multicore machines: one context
// (OS thread) per CPU, each running a non-blocking I/O poller, a
// priority-based cooperative fiber scheduler, a deferred task queue with
// cross-context forwarding, timers, and epoch-based reclamation of event
// sinks. Contexts share nothing but the event backend, the reclamation
// epoch and each other's lock-free async inboxes.
package mainmemory

import (
	"time"

	"github.com/ehrlich-b/mainmemory/internal/event"
	"github.com/ehrlich-b/mainmemory/internal/sched"
	"github.com/ehrlich-b/mainmemory/internal/task"
	"github.com/ehrlich-b/mainmemory/internal/timer"
)

// Core types, defined in the scheduler and event layers.
type (
	// Dispatch is the set of contexts plus their shared resources.
	Dispatch = sched.Dispatch

	// Context is one OS thread running the scheduler loop.
	Context = sched.Context

	// ContextStats is the per-context statistics block.
	ContextStats = sched.ContextStats

	// Fiber is a stackful cooperative user thread.
	Fiber = sched.Fiber

	// FiberAttr carries fiber creation attributes.
	FiberAttr = sched.FiberAttr

	// FiberState is the fiber lifecycle state.
	FiberState = sched.FiberState

	// Cond is a condition variable for fibers of one context.
	Cond = sched.Cond

	// Params configures a dispatch.
	Params = sched.Params

	// StrandParams binds a context to its worker-fiber policy.
	StrandParams = sched.StrandParams

	// Sink is the per-file-descriptor event loop state.
	Sink = event.Sink

	// SinkFlags is the sink state bitfield.
	SinkFlags = event.Flags

	// IOEvents is a readiness set.
	IOEvents = event.IOEvents

	// IOTasks is a sink's input/output task pair.
	IOTasks = event.IOTasks

	// IOStatus is the result of an I/O task routine.
	IOStatus = sched.IOStatus

	// IORoutine is the body of an I/O task.
	IORoutine = sched.IORoutine

	// AsyncRoutine is the target of an async call.
	AsyncRoutine = sched.AsyncRoutine

	// Timer fires a task or resumes a fiber at a deadline.
	Timer = timer.Timer

	// Source is the event backend abstraction.
	Source = event.Source

	// Receiver accepts ready sinks from a Source poll.
	Receiver = event.Receiver
)

// Fiber lifecycle states.
const (
	FiberInvalid = sched.FiberInvalid
	FiberBlocked = sched.FiberBlocked
	FiberPending = sched.FiberPending
	FiberRunning = sched.FiberRunning
)

// I/O task routine results.
const (
	StatusDone  = sched.StatusDone
	StatusAgain = sched.StatusAgain
	StatusError = sched.StatusError
)

// Sink flags recognized by PrepareFD.
const (
	FlagRegularInput  = event.FlagRegularInput
	FlagRegularOutput = event.FlagRegularOutput
	FlagFixedPoller   = event.FlagFixedPoller
	FlagCommonPoller  = event.FlagCommonPoller
)

// Readiness event bits delivered by a Source.
const (
	EventRead   = event.EventRead
	EventWrite  = event.EventWrite
	EventError  = event.EventError
	EventHangup = event.EventHangup
)

// Observable sink state flags.
const (
	FlagInputReady   = event.FlagInputReady
	FlagOutputReady  = event.FlagOutputReady
	FlagInputError   = event.FlagInputError
	FlagOutputError  = event.FlagOutputError
	FlagInputClosed  = event.FlagInputClosed
	FlagOutputClosed = event.FlagOutputClosed
	FlagBroken       = event.FlagBroken
)

// Canceled is the result of a fiber that exited through cancellation.
var Canceled = sched.Canceled

// Prepare validates the attributes and builds a dispatch. Run each
// context with Context(i).Start on its own OS thread, typically one per
// CPU.
func Prepare(params Params) (*Dispatch, error) {
	return sched.Prepare(params)
}

// PrepareFD initializes a sink in the detached state. Register it with
// Context.RegisterSink on its owning context. The destroy callback runs
// once reclamation frees the sink; nil is allowed.
func PrepareFD(s *Sink, fd int, flags SinkFlags, io *IOTasks, destroy func(*Sink)) {
	s.Prepare(fd, flags, io, destroy)
}

// PrepareTaskTimer binds the timer to a task executed on the owning
// context when it fires.
func PrepareTaskTimer(t *Timer, execute func(arg any) any, arg any) {
	t.PrepareTask(&task.Desc{Execute: execute}, arg)
}

// PrepareFiberTimer binds the timer to a fiber resumed when it fires.
func PrepareFiberTimer(t *Timer, f *Fiber) {
	t.PrepareFiber(f)
}

// RepeatTimer makes the timer re-arm itself every interval after each
// fire.
func RepeatTimer(t *Timer, interval time.Duration) {
	t.SetInterval(interval)
}
