// Package timer implements the per-context timer queue and the coarse
// cached clock (timepiece) the scheduler orders deadlines with.
package timer

import (
	"container/heap"
	"errors"
	"time"

	"github.com/ehrlich-b/mainmemory/internal/task"
)

// ErrExhausted is returned when the identifier space wraps onto the
// sentinel. The caller may retry; the next arm draws a fresh identifier.
var ErrExhausted = errors.New("timer: identifier space exhausted")

// noID is the sentinel identifier of a disarmed timer.
const noID = uint64(0)

// Timer is one entry of the queue: a deadline plus either a fiber to
// resume or a task to enqueue when it fires.
type Timer struct {
	when     int64 // absolute monotonic deadline, ns
	id       uint64
	index    int // heap position, -1 when disarmed
	interval time.Duration

	// exactly one of the two fire bindings is set
	fiber any
	desc  *task.Desc
	arg   any
}

// PrepareTask binds the timer to a task enqueued on fire.
func (t *Timer) PrepareTask(desc *task.Desc, arg any) {
	t.fiber = nil
	t.desc = desc
	t.arg = arg
	t.index = -1
	t.id = noID
}

// PrepareFiber binds the timer to a fiber resumed on fire.
func (t *Timer) PrepareFiber(fiber any) {
	t.fiber = fiber
	t.desc = nil
	t.arg = nil
	t.index = -1
	t.id = noID
}

// SetInterval makes the timer re-arm itself interval after each fire.
// Zero restores one-shot behavior.
func (t *Timer) SetInterval(interval time.Duration) {
	t.interval = interval
}

// Armed reports whether the timer sits in a queue. The identifier is
// the authority so a zero-value timer reads as disarmed.
func (t *Timer) Armed() bool {
	return t.id != noID
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when != h[j].when {
		return h[i].when < h[j].when
	}
	// Identifier breaks ties, so equal deadlines fire in arm order.
	return h[i].id < h[j].id
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Queue is a priority queue of timers keyed by absolute monotonic time.
// Owned by one context; no internal locking.
type Queue struct {
	heap   timerHeap
	nextID uint64
}

// NewQueue creates an empty timer queue.
func NewQueue() *Queue {
	return &Queue{nextID: 1}
}

// Arm schedules the timer at now+timeout. An armed timer is rescheduled.
func (q *Queue) Arm(t *Timer, now int64, timeout time.Duration) error {
	if q.nextID == noID {
		// Wrapped onto the sentinel; the retry draws a valid identifier.
		q.nextID = 1
		return ErrExhausted
	}
	if t.Armed() {
		q.Disarm(t)
	}
	t.when = now + timeout.Nanoseconds()
	t.id = q.nextID
	q.nextID++
	heap.Push(&q.heap, t)
	return nil
}

// Disarm removes the timer; a disarmed timer never fires. No-op when not
// armed.
func (q *Queue) Disarm(t *Timer) {
	if !t.Armed() {
		return
	}
	heap.Remove(&q.heap, t.index)
	t.id = noID
}

// PeekMin returns the earliest deadline, or false when the queue is
// empty.
func (q *Queue) PeekMin() (int64, bool) {
	if len(q.heap) == 0 {
		return 0, false
	}
	return q.heap[0].when, true
}

// Fire is the fire binding handed to FireDue for each expired timer.
type Fire struct {
	Fiber any
	Desc  *task.Desc
	Arg   any
}

// FireDue pops every timer due at now and hands its binding to fire.
// Repeating timers are re-armed at now+interval. Returns the fire count.
func (q *Queue) FireDue(now int64, fire func(Fire)) int {
	n := 0
	for len(q.heap) > 0 && q.heap[0].when <= now {
		t := heap.Pop(&q.heap).(*Timer)
		t.id = noID
		if t.interval > 0 {
			// Re-arm before firing so the handler may disarm it again.
			if err := q.Arm(t, now, t.interval); err != nil {
				t.interval = 0
			}
		}
		fire(Fire{Fiber: t.fiber, Desc: t.desc, Arg: t.arg})
		n++
	}
	return n
}

// Len returns the number of armed timers.
func (q *Queue) Len() int {
	return len(q.heap)
}
