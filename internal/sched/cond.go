package sched

import "time"

// Cond is a condition variable for fibers of one context. No lock is
// involved: fibers of a context never run concurrently, so checking the
// predicate and calling Wait is atomic with respect to other fibers.
type Cond struct {
	waiters []*Fiber
}

func (cv *Cond) removeWaiter(f *Fiber) {
	for i, w := range cv.waiters {
		if w == f {
			cv.waiters = append(cv.waiters[:i], cv.waiters[i+1:]...)
			return
		}
	}
}

// Wait parks the current fiber until Signal or Broadcast. Like any
// condition wait it may wake spuriously; re-check the predicate in a
// loop.
func (cv *Cond) Wait(c *Context) {
	f := c.mustCurrent("condition wait")
	f.flags |= flagWaiting
	cv.waiters = append(cv.waiters, f)
	c.CleanupPush(func() {
		cv.removeWaiter(f)
		f.flags &^= flagWaiting
	})
	c.Block()
	c.CleanupPop(true)
}

// TimedWait is Wait with a deadline. Returns false when the deadline
// passed before a wake; it may return earlier than the deadline when
// notified.
func (cv *Cond) TimedWait(c *Context, timeout time.Duration) bool {
	f := c.mustCurrent("condition wait")
	f.flags |= flagWaiting
	cv.waiters = append(cv.waiters, f)
	c.CleanupPush(func() {
		cv.removeWaiter(f)
		f.flags &^= flagWaiting
	})
	ok := c.TimedPause(timeout)
	c.CleanupPop(true)
	return ok
}

// Signal wakes one waiting fiber, in wait order.
func (cv *Cond) Signal(c *Context) {
	if len(cv.waiters) == 0 {
		return
	}
	f := cv.waiters[0]
	cv.waiters = cv.waiters[1:]
	f.flags &^= flagWaiting
	c.RunFiber(f)
}

// Broadcast wakes every waiting fiber.
func (cv *Cond) Broadcast(c *Context) {
	waiters := cv.waiters
	cv.waiters = nil
	for _, f := range waiters {
		f.flags &^= flagWaiting
		c.RunFiber(f)
	}
}
