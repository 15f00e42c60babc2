package sched

import (
	"errors"
	"fmt"
	"time"

	"github.com/ehrlich-b/mainmemory/internal/constants"
	"github.com/ehrlich-b/mainmemory/internal/timer"
)

// FiberState is the lifecycle state of a fiber.
type FiberState uint8

const (
	FiberInvalid FiberState = iota
	FiberBlocked
	FiberPending
	FiberRunning
)

// fiber flag bits
type fiberFlags uint8

const (
	flagCancelDisable fiberFlags = 1 << iota
	flagCancelRequired
	flagCancelOccurred
	flagWaiting
)

// Canceled is the well-known result of a fiber that exited through
// cancellation.
var Canceled = errors.New("fiber canceled")

// FiberAttr describes fiber creation attributes.
type FiberAttr struct {
	// StackPages selects the reuse class; fibers only recycle dead
	// fibers created with the same value. Zero means the context
	// default.
	StackPages int

	// Priority is the scheduling priority, 0 (highest) to 31. Zero
	// means the context default.
	Priority int
}

// Fiber is a cooperative user thread scheduled by its owning context.
// Execution is backed by a parked goroutine; the scheduler and the fiber
// pass a single execution token back and forth, so per context exactly
// one fiber (or the loop itself) runs at any instant.
type Fiber struct {
	next *Fiber
	prev *Fiber

	state FiberState
	flags fiberFlags

	basePrio uint8
	prio     uint8

	ctx    *Context
	start  func(arg any) any
	arg    any
	result any

	cleanups []func()

	resume chan struct{}

	stackPages int
	spawned    bool
}

// fiberExit unwinds a fiber to its trampoline.
type fiberExit struct {
	result any
}

// State returns the fiber lifecycle state.
func (f *Fiber) State() FiberState {
	return f.state
}

// Result returns the value the fiber exited with. Valid once the fiber
// is invalid again.
func (f *Fiber) Result() any {
	return f.result
}

// Context returns the owning context.
func (f *Fiber) Context() *Context {
	return f.ctx
}

func (c *Context) normalizeAttr(attr FiberAttr) FiberAttr {
	if attr.StackPages <= 0 {
		attr.StackPages = c.stackPages
	}
	if attr.StackPages < constants.MinStackPages {
		attr.StackPages = constants.MinStackPages
	}
	if attr.Priority <= 0 || attr.Priority >= constants.RunQueuePriorities {
		attr.Priority = constants.DefaultPriority
	}
	return attr
}

// SpawnFiber creates a fiber in the blocked state, reusing a dead fiber
// whose stack attribute matches exactly when one is available. Call
// RunFiber to make it runnable.
func (c *Context) SpawnFiber(attr FiberAttr, start func(arg any) any, arg any) *Fiber {
	attr = c.normalizeAttr(attr)

	var f *Fiber
	for g := c.dead.head; g != nil; g = g.next {
		if g.stackPages == attr.StackPages {
			f = g
			break
		}
	}
	if f != nil {
		c.dead.remove(f)
		c.deadN--
		c.stats.FibersRecycled.Add(1)
	} else {
		f = &Fiber{
			ctx:        c,
			resume:     make(chan struct{}),
			stackPages: attr.StackPages,
		}
		c.stats.FibersCreated.Add(1)
	}

	f.state = FiberBlocked
	f.flags = 0
	f.basePrio = uint8(attr.Priority)
	f.prio = uint8(attr.Priority)
	f.start = start
	f.arg = arg
	f.result = nil
	c.blocked.append(f)
	return f
}

// trampoline is the goroutine body behind a fiber. It parks until the
// scheduler hands over the execution token, runs the start routine, and
// parks again in the dead list for reuse.
func (f *Fiber) trampoline() {
	for {
		<-f.resume
		if f.start == nil {
			return // released by trim
		}
		f.invoke()
		c := f.ctx
		c.deadAppend(f)
		c.yieldCh <- struct{}{}
	}
}

func (f *Fiber) invoke() {
	defer f.runCleanups()
	defer func() {
		if r := recover(); r != nil {
			if ex, ok := r.(fiberExit); ok {
				f.result = ex.result
				return
			}
			panic(r)
		}
	}()
	f.result = f.start(f.arg)
}

func (f *Fiber) runCleanups() {
	for i := len(f.cleanups) - 1; i >= 0; i-- {
		fn := f.cleanups[i]
		f.cleanups = f.cleanups[:i]
		fn()
	}
}

func (c *Context) deadAppend(f *Fiber) {
	f.state = FiberInvalid
	f.flags = 0
	f.start = nil
	f.arg = nil
	c.dead.append(f)
	c.deadN++
}

// handBack returns the execution token to the scheduler and parks until
// rescheduled.
func (f *Fiber) handBack() {
	c := f.ctx
	c.yieldCh <- struct{}{}
	<-f.resume
}

// switchTo transfers the execution token to f and waits for it back.
func (c *Context) switchTo(f *Fiber) {
	c.current = f
	f.state = FiberRunning
	if !f.spawned {
		f.spawned = true
		go f.trampoline()
	}
	f.resume <- struct{}{}
	<-c.yieldCh
	c.current = nil
	c.stats.FiberSwitches.Add(1)
}

// checkCancel is a cancellation point: a fiber with cancellation enabled
// and requested exits with the Canceled marker.
func (f *Fiber) checkCancel() {
	if f.flags&flagCancelDisable != 0 {
		return
	}
	if f.flags&flagCancelRequired == 0 || f.flags&flagCancelOccurred != 0 {
		return
	}
	f.flags |= flagCancelOccurred
	panic(fiberExit{result: Canceled})
}

// Yield moves the current fiber back to pending and switches to the
// highest-priority other fiber. A hoisted priority is restored here.
func (c *Context) Yield() {
	f := c.mustCurrent("yield")
	f.checkCancel()
	f.prio = f.basePrio
	f.state = FiberPending
	c.runq.put(f)
	f.handBack()
	f.checkCancel()
}

// Block parks the current fiber; it runs again only after an explicit
// RunFiber.
func (c *Context) Block() {
	f := c.mustCurrent("block")
	f.checkCancel()
	f.state = FiberBlocked
	c.blocked.append(f)
	f.handBack()
	f.checkCancel()
}

// Pause is Block under its public suspension-point name.
func (c *Context) Pause() {
	c.Block()
}

// TimedPause blocks the current fiber for at most timeout. Returns true
// when woken explicitly before the deadline, false on timeout.
func (c *Context) TimedPause(timeout time.Duration) bool {
	f := c.mustCurrent("timed pause")
	var tm timer.Timer
	tm.PrepareFiber(f)
	if err := c.armTimer(&tm, timeout); err != nil {
		c.Block()
		return true
	}
	// The cleanup keeps a canceled fiber from leaving an armed timer
	// behind that would later resume a recycled fiber.
	c.CleanupPush(func() { c.timers.Disarm(&tm) })
	c.Block()
	fired := !tm.Armed()
	c.CleanupPop(true)
	return !fired
}

// RunFiber makes a blocked fiber pending. No-op otherwise.
func (c *Context) RunFiber(f *Fiber) {
	if f.state != FiberBlocked {
		return
	}
	c.blocked.remove(f)
	f.state = FiberPending
	c.runq.put(f)
}

// CancelFiber requests cancellation and makes the fiber runnable so it
// reaches a scheduling point. Exit happens at that point, not here.
func (c *Context) CancelFiber(f *Fiber) {
	if f.state == FiberInvalid {
		return
	}
	f.flags |= flagCancelRequired
	if f.state == FiberBlocked {
		c.RunFiber(f)
	}
}

// DisableCancel masks cancellation points until EnableCancel.
func (f *Fiber) DisableCancel() {
	f.flags |= flagCancelDisable
}

// EnableCancel re-enables cancellation points.
func (f *Fiber) EnableCancel() {
	f.flags &^= flagCancelDisable
}

// Exit terminates the current fiber with the given result, running
// cleanup handlers in LIFO order.
func (c *Context) Exit(result any) {
	c.mustCurrent("exit")
	panic(fiberExit{result: result})
}

// CleanupPush registers a handler to run when the current fiber exits.
// Handlers fire in reverse registration order.
func (c *Context) CleanupPush(fn func()) {
	f := c.mustCurrent("cleanup push")
	f.cleanups = append(f.cleanups, fn)
}

// CleanupPop removes the most recent handler, running it when run is
// true.
func (c *Context) CleanupPop(run bool) {
	f := c.mustCurrent("cleanup pop")
	n := len(f.cleanups)
	if n == 0 {
		return
	}
	fn := f.cleanups[n-1]
	f.cleanups = f.cleanups[:n-1]
	if run {
		fn()
	}
}

// Hoist raises the fiber's current priority. Restored on its next
// yield.
func (c *Context) Hoist(f *Fiber, priority int) {
	if priority < 0 || priority >= constants.RunQueuePriorities {
		return
	}
	p := uint8(priority)
	if p >= f.prio {
		return
	}
	if f.state == FiberPending {
		c.runq.delete(f)
		f.prio = p
		c.runq.put(f)
	} else {
		f.prio = p
	}
}

func (c *Context) mustCurrent(op string) *Fiber {
	f := c.current
	if f == nil {
		panic(fmt.Sprintf("sched: %s outside a fiber", op))
	}
	return f
}
