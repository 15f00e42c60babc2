package sched

import (
	"fmt"

	"github.com/ehrlich-b/mainmemory/internal/constants"
	"github.com/ehrlich-b/mainmemory/internal/event"
	"github.com/ehrlich-b/mainmemory/internal/task"
)

// AsyncRoutine is the target of an async call, executed inline on the
// receiving context during its scheduler tick. args holds at most
// MaxAsyncArgs words; ref carries an optional reference payload for
// runtime-internal calls.
type AsyncRoutine func(c *Context, args []uintptr, ref any)

// asyncSlot is one inbox ring node: a routine bundled with up to six
// word-sized arguments.
type asyncSlot struct {
	routine AsyncRoutine
	args    [constants.MaxAsyncArgs]uintptr
	n       uint8
	ref     any
}

func makeSlot(routine AsyncRoutine, ref any, args []uintptr) asyncSlot {
	if len(args) > constants.MaxAsyncArgs {
		panic(fmt.Sprintf("sched: async call with %d arguments, limit is %d",
			len(args), constants.MaxAsyncArgs))
	}
	slot := asyncSlot{routine: routine, n: uint8(len(args)), ref: ref}
	copy(slot.args[:], args)
	return slot
}

// AsyncCall posts a call into this context's inbox, spinning with
// back-off when the inbox is saturated.
func (c *Context) AsyncCall(routine AsyncRoutine, args ...uintptr) {
	slot := makeSlot(routine, nil, args)
	c.inbox.Enqueue(&slot)
	c.stats.AsyncCallsPosted.Add(1)
	c.notify()
}

// TryAsyncCall posts a call without blocking. Returns false when the
// inbox is full; the caller may retry.
func (c *Context) TryAsyncCall(routine AsyncRoutine, args ...uintptr) bool {
	slot := makeSlot(routine, nil, args)
	if c.inbox.Put(&slot) != nil {
		return false
	}
	c.stats.AsyncCallsPosted.Add(1)
	c.notify()
	return true
}

// asyncCallRef is the runtime-internal variant carrying a reference
// payload.
func (c *Context) asyncCallRef(routine AsyncRoutine, ref any) {
	slot := makeSlot(routine, ref, nil)
	c.inbox.Enqueue(&slot)
	c.stats.AsyncCallsPosted.Add(1)
	c.notify()
}

// drainInbox executes queued async calls. The inbox is multi-producer
// but its sole consumer is the owning context, so the relaxed consumer
// variant applies.
func (c *Context) drainInbox() int {
	n := 0
	for {
		slot, err := c.inbox.GetLocal()
		if err != nil {
			break
		}
		slot.routine(c, slot.args[:slot.n], slot.ref)
		n++
	}
	if n > 0 {
		c.stats.AsyncCallsRun.Add(uint64(n))
	}
	return n
}

// notify wakes the context if it is halted on the event source or on
// its wait channel. The state word is published by the halt path, so
// either we observe the halted state and signal, or the context
// observes our slot on its next drain.
func (c *Context) notify() {
	switch c.state.LoadAcquire() {
	case statePolling:
		_ = c.disp.source.Notify()
	case stateWaiting:
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// dispatchSinkRoutine forwards a ready sink to its owning context.
func dispatchSinkRoutine(c *Context, _ []uintptr, ref any) {
	c.dispatchSink(ref.(*event.Sink))
}

// addTaskRoutine appends a migrated task slot to the receiving
// context's task list. The ring itself stays single-writer: the write
// happens here, on the owner.
func addTaskRoutine(c *Context, _ []uintptr, ref any) {
	slot := ref.(task.Slot)
	c.tasks.Add(slot.Task, slot.Arg)
}

// stopRoutine sets the stop flag of the receiving context.
func stopRoutine(c *Context, _ []uintptr, _ any) {
	c.stopFlag = true
}
