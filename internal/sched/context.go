package sched

import (
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	"code.hybscloud.com/atomix"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/mainmemory/internal/constants"
	"github.com/ehrlich-b/mainmemory/internal/epoch"
	"github.com/ehrlich-b/mainmemory/internal/event"
	"github.com/ehrlich-b/mainmemory/internal/logging"
	"github.com/ehrlich-b/mainmemory/internal/ring"
	"github.com/ehrlich-b/mainmemory/internal/task"
	"github.com/ehrlich-b/mainmemory/internal/timer"
)

// context states, published atomically so notify picks the right wake
// primitive.
const (
	stateRunning uint32 = iota
	statePolling
	stateWaiting
)

var errAlreadyStarted = errors.New("sched: context already started")

// ContextStats is the per-context statistics block.
type ContextStats struct {
	LoopIterations   atomic.Uint64
	Polls            atomic.Uint64
	EventsDelivered  atomic.Uint64
	Waits            atomic.Uint64
	FiberSwitches    atomic.Uint64
	FibersCreated    atomic.Uint64
	FibersRecycled   atomic.Uint64
	TasksExecuted    atomic.Uint64
	TasksMigrated    atomic.Uint64
	TimerFires       atomic.Uint64
	AsyncCallsPosted atomic.Uint64
	AsyncCallsRun    atomic.Uint64
	SinksRegistered  atomic.Uint64
	SinksClosed      atomic.Uint64
	SinksRetired     atomic.Uint64
}

// Context is one OS thread of the dispatch: it owns its fibers, tasks,
// timers and sinks, and talks to the other contexts only through their
// async inboxes and the shared epoch.
type Context struct {
	index uint32
	disp  *Dispatch
	log   *logging.Logger

	state atomix.Uint32

	runq    runQueue
	blocked fiberList
	dead    fiberList
	deadN   int
	idle    []*Fiber
	current *Fiber

	tasks  *task.List
	inbox  *ring.Ring[asyncSlot]
	timers *timer.Queue
	clock  *timer.Timepiece

	epochLocal    *epoch.Local
	pendingRetire []*event.Sink

	stopFlag bool
	started  atomix.Bool
	done     chan struct{}
	wake     chan struct{}
	yieldCh  chan struct{}

	workers    int
	workersMin int
	workersMax int
	stackPages int
	affinity   int

	stats ContextStats
}

// Index returns the context's position in the dispatch table.
func (c *Context) Index() int {
	return int(c.index)
}

// Dispatch returns the owning dispatch.
func (c *Context) Dispatch() *Dispatch {
	return c.disp
}

// Stats exposes the context statistics counters.
func (c *Context) Stats() *ContextStats {
	return &c.stats
}

// Now returns the context's cached monotonic clock, in nanoseconds.
func (c *Context) Now() int64 {
	return c.clock.Mono()
}

func (c *Context) polling() bool {
	return c.state.LoadAcquire() == statePolling
}

// Current returns the fiber running on this context, or nil from the
// master loop.
func (c *Context) Current() *Fiber {
	return c.current
}

// Start runs the scheduler loop on the calling OS thread until Stop.
func (c *Context) Start() error {
	if c.started.LoadAcquire() {
		return errAlreadyStarted
	}
	c.started.StoreRelease(true)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if c.affinity >= 0 {
		var mask unix.CPUSet
		mask.Set(c.affinity)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			// Not fatal; the loop just runs unpinned.
			c.log.Warn("failed to set CPU affinity", "context", c.Index(), "cpu", c.affinity)
		}
	}

	c.log.Debug("context loop starting", "context", c.Index())
	c.clock.Reset()
	c.spawnWorkers(c.workersMin)

	for !c.stopFlag {
		c.stats.LoopIterations.Add(1)
		c.drainInbox()
		if c.stopFlag {
			break
		}

		if c.tasks.Empty() && c.runq.empty() {
			c.trim()
			c.halt(c.haltTimeout())
			c.clock.Reset()
		} else {
			c.pollQuick()
			if c.clock.Stale() {
				c.clock.Reset()
			}
		}

		c.fireTimers()
		c.balanceTasks()
		c.ensureWorkers()
		c.scheduleOne()
	}

	c.shutdown()
	c.log.Debug("context loop stopped", "context", c.Index())
	close(c.done)
	return nil
}

// Stop posts an async call that sets the stop flag. Safe from any
// thread.
func (c *Context) Stop() {
	c.AsyncCall(stopRoutine)
}

// Done is closed once the loop has fully shut down.
func (c *Context) Done() <-chan struct{} {
	return c.done
}

// haltTimeout bounds the halt by the next timer deadline.
func (c *Context) haltTimeout() time.Duration {
	timeout := constants.MaxPollTimeout
	if when, ok := c.timers.PeekMin(); ok {
		d := time.Duration(when - c.clock.Mono())
		if d < 0 {
			d = 0
		}
		if d < timeout {
			timeout = d
		}
	}
	return timeout
}

// halt parks the context until work arrives: the poller-token winner
// sleeps inside the event source, everyone else waits on its wake
// channel. Both paths pass through the epoch critical section so
// retired sinks make progress.
func (c *Context) halt(timeout time.Duration) {
	d := c.disp
	if d.pollerAcquire(c) {
		c.state.StoreRelease(statePolling)
		c.epochLocal.Enter(d.epochGlobal)
		c.retirePending()

		// Late inbox arrivals may have raced the state publish.
		if !c.inbox.Empty() {
			timeout = 0
		}

		n := 0
		for i := uint32(0); i < d.pollSpinLimit; i++ {
			m, err := d.source.Poll(0)
			n += m
			if m > 0 || err != nil {
				break
			}
		}
		if n == 0 && timeout > 0 {
			m, err := d.source.Poll(timeout)
			n += m
			if err != nil {
				c.log.Error("event source poll failed", "error", err)
			}
		}
		d.source.NotifyClean()
		c.stats.Polls.Add(1)
		c.stats.EventsDelivered.Add(uint64(n))

		c.epochLocal.Leave(d.epochGlobal)
		c.state.StoreRelease(stateRunning)
		d.pollerRelease()
		d.wakeOneWaiter()
		return
	}

	c.state.StoreRelease(stateWaiting)
	c.epochLocal.Enter(d.epochGlobal)
	c.retirePending()
	c.epochLocal.Leave(d.epochGlobal)
	if c.inbox.Empty() && !c.stopFlag {
		c.stats.Waits.Add(1)
		c.timedWait(timeout)
	}
	c.state.StoreRelease(stateRunning)
}

func (c *Context) timedWait(timeout time.Duration) {
	if timeout <= 0 {
		select {
		case <-c.wake:
		default:
		}
		return
	}
	select {
	case <-c.wake:
	case <-time.After(timeout):
	}
}

// pollQuick gives a busy context a zero-timeout look at the event
// source when the poller token happens to be free.
func (c *Context) pollQuick() {
	d := c.disp
	if !d.pollerTryAcquire(c) {
		return
	}
	c.state.StoreRelease(statePolling)
	c.epochLocal.Enter(d.epochGlobal)
	c.retirePending()
	n, err := d.source.Poll(0)
	if err != nil {
		c.log.Error("event source poll failed", "error", err)
	}
	d.source.NotifyClean()
	c.epochLocal.Leave(d.epochGlobal)
	c.state.StoreRelease(stateRunning)
	d.pollerRelease()
	if n > 0 {
		c.stats.EventsDelivered.Add(uint64(n))
	}
	c.stats.Polls.Add(1)
}

// fireTimers pops due timers: fiber timers resume their fiber, task
// timers enqueue their task locally.
func (c *Context) fireTimers() {
	now := c.clock.Mono()
	n := c.timers.FireDue(now, func(f timer.Fire) {
		if f.Fiber != nil {
			if fb, ok := f.Fiber.(*Fiber); ok {
				c.RunFiber(fb)
			}
			return
		}
		if f.Desc != nil {
			c.tasks.Add(f.Desc, f.Arg)
		}
	})
	if n > 0 {
		c.stats.TimerFires.Add(uint64(n))
	}
}

// ArmTimer schedules the timer timeout from now against this context.
func (c *Context) ArmTimer(t *timer.Timer, timeout time.Duration) error {
	return c.armTimer(t, timeout)
}

func (c *Context) armTimer(t *timer.Timer, timeout time.Duration) error {
	return c.timers.Arm(t, c.clock.Mono(), timeout)
}

// DisarmTimer removes the timer; a disarmed timer does not fire.
func (c *Context) DisarmTimer(t *timer.Timer) {
	c.timers.Disarm(t)
}

// scheduleOne switches to the highest-priority pending fiber, if any.
func (c *Context) scheduleOne() {
	f := c.runq.get()
	if f == nil {
		return
	}
	c.switchTo(f)
}

// balanceTasks migrates willing task slots toward an idle context when
// this context has a backlog.
func (c *Context) balanceTasks() {
	if c.tasks.Size() < balanceThreshold {
		return
	}
	t := c.disp.idleContext(c)
	if t == nil {
		return
	}
	n := c.tasks.Reassign(t.index, func(slot task.Slot) {
		t.asyncCallRef(addTaskRoutine, slot)
	})
	if n > 0 {
		c.stats.TasksMigrated.Add(uint64(n))
	}
}

const balanceThreshold = 64

// spawnWorkers brings up n task-draining worker fibers.
func (c *Context) spawnWorkers(n int) {
	for i := 0; i < n && c.workers < c.workersMax; i++ {
		c.workers++
		f := c.SpawnFiber(FiberAttr{Priority: constants.WorkerPriority}, c.workerLoop, nil)
		c.RunFiber(f)
	}
}

// ensureWorkers wakes or grows the worker pool when tasks are queued.
func (c *Context) ensureWorkers() {
	if c.tasks.Empty() {
		return
	}
	if len(c.idle) > 0 {
		f := c.idle[len(c.idle)-1]
		c.idle = c.idle[:len(c.idle)-1]
		c.RunFiber(f)
		return
	}
	if c.workers < c.workersMax {
		c.spawnWorkers(1)
	}
}

// workerLoop drains the task list. Idle workers above the floor exit;
// the rest park until ensureWorkers wakes them.
func (c *Context) workerLoop(any) any {
	f := c.current
	for {
		slot, ok := c.tasks.Get()
		if !ok {
			if c.stopFlag || c.workers > c.workersMin {
				c.workers--
				return nil
			}
			c.idle = append(c.idle, f)
			c.Block()
			if c.stopFlag {
				c.workers--
				return nil
			}
			continue
		}
		res := slot.Task.Execute(slot.Arg)
		if slot.Task.Complete != nil {
			slot.Task.Complete(slot.Arg, res)
		}
		c.stats.TasksExecuted.Add(1)
		c.Yield()
	}
}

// trim applies the deferred dead-fiber policy: the reuse pool keeps a
// bounded number of exited fibers, the excess is released.
func (c *Context) trim() {
	for c.deadN > constants.MaxDeadFibers {
		f := c.dead.popHead()
		c.deadN--
		c.releaseFiber(f)
	}
}

// releaseFiber lets a parked dead fiber's goroutine exit.
func (c *Context) releaseFiber(f *Fiber) {
	if !f.spawned {
		return
	}
	f.start = nil
	f.resume <- struct{}{}
}

// shutdown drains the context after the stop flag: cancel blocked
// fibers, run everything runnable to completion, retire and reclaim
// remaining sinks.
func (c *Context) shutdown() {
	// Wake parked workers so they observe the stop flag.
	for _, f := range c.idle {
		c.RunFiber(f)
	}
	c.idle = nil

	for !c.blocked.empty() || !c.runq.empty() {
		for f := c.blocked.head; f != nil; {
			next := f.next
			c.CancelFiber(f)
			f = next
		}
		for {
			f := c.runq.get()
			if f == nil {
				break
			}
			c.switchTo(f)
		}
		c.drainInbox()
	}

	// Run leftover tasks inline; no fiber is left to drain them.
	for {
		slot, ok := c.tasks.Get()
		if !ok {
			break
		}
		res := slot.Task.Execute(slot.Arg)
		if slot.Task.Complete != nil {
			slot.Task.Complete(slot.Arg, res)
		}
	}

	c.epochLocal.Enter(c.disp.epochGlobal)
	c.retirePending()
	c.epochLocal.Leave(c.disp.epochGlobal)

	for !c.dead.empty() {
		f := c.dead.popHead()
		c.deadN--
		c.releaseFiber(f)
	}
}
