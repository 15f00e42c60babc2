package sched

import (
	"errors"

	"github.com/ehrlich-b/mainmemory/internal/event"
	"github.com/ehrlich-b/mainmemory/internal/task"
)

// errSinkAttached is returned when RegisterSink sees a sink already
// bound to a context.
var errSinkAttached = errors.New("sched: sink already attached")

// IOStatus is the result of an I/O task routine.
type IOStatus int

const (
	// StatusDone: the routine made all the progress it can for now.
	StatusDone IOStatus = iota
	// StatusAgain: the routine wants to run again right away.
	StatusAgain
	// StatusError: the sink is unusable in this direction.
	StatusError
)

// IORoutine is the user-provided body of an I/O task. It runs on a
// worker fiber of the sink's owning context.
type IORoutine func(c *Context, s *event.Sink) IOStatus

// PrepareIO builds a sink's I/O task pair from the two direction
// routines. Either routine may be nil; the descriptors are shared and
// immutable, per-sink state lives on the sink itself.
func (d *Dispatch) PrepareIO(input, output IORoutine) *event.IOTasks {
	io := &event.IOTasks{}
	if input != nil {
		io.Input = &task.Desc{
			Execute: func(arg any) any {
				s := arg.(*event.Sink)
				return input(d.ContextAt(s.Context()), s)
			},
			Complete: func(arg any, result any) {
				s := arg.(*event.Sink)
				d.ContextAt(s.Context()).completeInput(s, result.(IOStatus))
			},
			Reassign: sinkReassign,
		}
	}
	if output != nil {
		io.Output = &task.Desc{
			Execute: func(arg any) any {
				s := arg.(*event.Sink)
				return output(d.ContextAt(s.Context()), s)
			},
			Complete: func(arg any, result any) {
				s := arg.(*event.Sink)
				d.ContextAt(s.Context()).completeOutput(s, result.(IOStatus))
			},
			Reassign: sinkReassign,
		}
	}
	return io
}

// InstantIO returns a stub task pair for sinks that expect no events: a
// delivery is reported and the sink is closed.
func (d *Dispatch) InstantIO() *event.IOTasks {
	unexpected := func(c *Context, s *event.Sink) IOStatus {
		c.log.Warn("unexpected event on instant sink", "fd", s.FD())
		c.CloseFD(s)
		return StatusDone
	}
	return d.PrepareIO(unexpected, unexpected)
}

// sinkReassign implements the migration policy of I/O tasks: a sink may
// follow a stolen task iff it is not pinned to its poller, not
// one-shot, and exactly one of its directions is active, so two tasks
// of the same sink never run on two contexts at once.
func sinkReassign(arg any, target uint32) bool {
	s := arg.(*event.Sink)
	if s.Has(event.FlagFixedPoller) {
		return false
	}
	if s.OneShot() {
		return false
	}
	active := 0
	if s.Has(event.FlagInputStarted) {
		active++
	}
	if s.Has(event.FlagOutputStarted) {
		active++
	}
	if active != 1 {
		return false
	}
	s.SetContext(target)
	return true
}

// RegisterSink binds a detached sink to this context and registers it
// with the backend. Must run on this context.
func (c *Context) RegisterSink(s *event.Sink) error {
	if s.Context() != event.NoContext {
		return errSinkAttached
	}
	s.Bind(c.index)
	if err := c.disp.source.Register(s); err != nil {
		s.SetContext(event.NoContext)
		return err
	}
	c.stats.SinksRegistered.Add(1)
	return nil
}

// TriggerInput arms a one-shot sink for its next input event.
func (c *Context) TriggerInput(s *event.Sink) {
	if s.Has(event.FlagInputClosed) {
		return
	}
	_ = c.disp.source.EnableInput(s)
}

// TriggerOutput arms a one-shot sink for its next output event.
func (c *Context) TriggerOutput(s *event.Sink) {
	if s.Has(event.FlagOutputClosed) {
		return
	}
	_ = c.disp.source.EnableOutput(s)
}

// SubmitInput queues the sink's input task. With a task already in
// flight the restart bit makes its completion re-queue it instead.
func (c *Context) SubmitInput(s *event.Sink) {
	if s.Has(event.FlagInputClosed) || s.IO == nil || s.IO.Input == nil {
		return
	}
	if s.Has(event.FlagInputStarted) {
		s.Set(event.FlagInputRestart)
		return
	}
	s.Set(event.FlagInputStarted)
	c.tasks.Add(s.IO.Input, s)
}

// SubmitOutput queues the sink's output task.
func (c *Context) SubmitOutput(s *event.Sink) {
	if s.Has(event.FlagOutputClosed) || s.IO == nil || s.IO.Output == nil {
		return
	}
	if s.Has(event.FlagOutputStarted) {
		s.Set(event.FlagOutputRestart)
		return
	}
	s.Set(event.FlagOutputStarted)
	c.tasks.Add(s.IO.Output, s)
}

// completeInput runs after an input task returned. Either the task goes
// around again (restart requested or more progress to make on an open
// sink), or input stops and the sink completion step runs.
func (c *Context) completeInput(s *event.Sink, st IOStatus) {
	if st == StatusError {
		s.Set(event.FlagInputError)
	}
	closed := s.Has(event.FlagInputClosed)
	again := st == StatusAgain || s.Has(event.FlagInputRestart)
	if closed || !again {
		s.Clear(event.FlagInputStarted | event.FlagInputRestart)
		c.sinkCompletion(s)
		return
	}
	s.Clear(event.FlagInputRestart)
	c.tasks.Add(s.IO.Input, s)
}

// completeOutput is the output direction of completeInput.
func (c *Context) completeOutput(s *event.Sink, st IOStatus) {
	if st == StatusError {
		s.Set(event.FlagOutputError)
	}
	closed := s.Has(event.FlagOutputClosed)
	again := st == StatusAgain || s.Has(event.FlagOutputRestart)
	if closed || !again {
		s.Clear(event.FlagOutputStarted | event.FlagOutputRestart)
		c.sinkCompletion(s)
		return
	}
	s.Clear(event.FlagOutputRestart)
	c.tasks.Add(s.IO.Output, s)
}

// sinkCompletion runs once no task of the sink is in flight: pending
// errors close the sink, a migrated common-poller sink rebinds to the
// dispatch's common poller context, or to its home context without one.
func (c *Context) sinkCompletion(s *event.Sink) {
	if s.Started() {
		return
	}
	if s.Closed() {
		c.queueRetire(s)
		return
	}
	if s.HasAny(event.FlagInputError | event.FlagOutputError) {
		c.CloseFD(s)
		return
	}
	if s.HasAny(event.FlagRegularInput|event.FlagRegularOutput) &&
		s.Has(event.FlagCommonPoller) {
		// A migrated common-poller sink goes back to the designated
		// re-host context, or to its registration home without one.
		target := s.Home()
		if cp := c.disp.commonPoller; cp != noOwner {
			target = cp
		}
		if s.Context() != target {
			s.SetContext(target)
		}
	}
}

// CloseFD marks the sink closed and unregisters it from the backend.
// CLOSED is terminal and CloseFD is idempotent. Destruction is deferred
// through reclamation; with a task in flight it waits for the task's
// completion step.
func (c *Context) CloseFD(s *event.Sink) {
	if s.Closed() {
		return
	}
	s.Set(event.FlagClosed)
	_ = c.disp.source.Unregister(s)
	c.stats.SinksClosed.Add(1)
	c.resumeBound(s)
	if !s.Started() {
		c.queueRetire(s)
	}
}

// resumeBound wakes fibers parked on the sink so they observe CLOSED
// instead of waiting for an event that cannot arrive anymore.
func (c *Context) resumeBound(s *event.Sink) {
	if f, ok := s.InputFiber.(*Fiber); ok && f != nil {
		c.RunFiber(f)
	}
	if f, ok := s.OutputFiber.(*Fiber); ok && f != nil {
		c.RunFiber(f)
	}
}

// CloseBrokenFD closes an unrecoverable sink and forces the backend
// change out immediately instead of batching it.
func (c *Context) CloseBrokenFD(s *event.Sink) {
	if s.Closed() {
		s.Set(event.FlagBroken)
		return
	}
	s.Set(event.FlagClosed | event.FlagBroken)
	_ = c.disp.source.Unregister(s)
	_ = c.disp.source.Flush()
	c.stats.SinksClosed.Add(1)
	c.resumeBound(s)
	if !s.Started() {
		c.queueRetire(s)
	}
}

// queueRetire parks a dead sink until this context's next epoch
// critical section picks it up.
func (c *Context) queueRetire(s *event.Sink) {
	for _, q := range c.pendingRetire {
		if q == s {
			return
		}
	}
	c.pendingRetire = append(c.pendingRetire, s)
}

// retirePending moves dead sinks into the epoch retire queue. Must run
// inside the critical section.
func (c *Context) retirePending() {
	if len(c.pendingRetire) == 0 {
		return
	}
	for _, s := range c.pendingRetire {
		s.RetireVia(c.epochLocal)
		c.stats.SinksRetired.Add(1)
	}
	c.pendingRetire = c.pendingRetire[:0]
}

// dispatchSink applies delivered readiness on the owning context:
// resume bound fibers and submit I/O tasks for the ready directions.
// The dispatch completes before the flags are read, so an event landing
// mid-handling wins a fresh dispatch instead of being folded into a
// finished one.
func (c *Context) dispatchSink(s *event.Sink) {
	s.CompleteDispatch()
	if s.Closed() {
		return
	}
	fl := s.Flags()
	if fl&(event.FlagInputReady|event.FlagInputError) != 0 &&
		fl&event.FlagInputClosed == 0 {
		if f, ok := s.InputFiber.(*Fiber); ok && f != nil {
			c.RunFiber(f)
		}
		c.SubmitInput(s)
	}
	if fl&(event.FlagOutputReady|event.FlagOutputError) != 0 &&
		fl&event.FlagOutputClosed == 0 {
		if f, ok := s.OutputFiber.(*Fiber); ok && f != nil {
			c.RunFiber(f)
		}
		c.SubmitOutput(s)
	}
	// An error with nobody to observe it would linger; close here.
	if fl&(event.FlagInputError|event.FlagOutputError) != 0 &&
		!s.Started() && s.InputFiber == nil && s.OutputFiber == nil {
		c.CloseFD(s)
	}
}

// receive is the backend delivery callback; it runs on the polling
// context and forwards to the owner.
func (d *Dispatch) receive(s *event.Sink, ev event.IOEvents) {
	if ev&event.EventRead != 0 {
		s.Set(event.FlagInputReady)
	}
	if ev&event.EventWrite != 0 {
		s.Set(event.FlagOutputReady)
	}
	if ev&event.EventError != 0 {
		s.Set(event.FlagInputError | event.FlagOutputError)
	}
	if ev&event.EventHangup != 0 {
		// Remaining data stays readable; writing is over.
		s.Set(event.FlagInputReady | event.FlagOutputError)
	}

	if !s.Receive() {
		return // dispatch already in flight, owner picks up the flags
	}
	owner := d.ContextAt(s.Context())
	if owner == nil {
		return
	}
	if owner.polling() {
		owner.dispatchSink(s)
		return
	}
	owner.asyncCallRef(dispatchSinkRoutine, s)
}
