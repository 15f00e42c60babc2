package sched

import (
	"math/bits"

	"github.com/ehrlich-b/mainmemory/internal/constants"
)

// fiberList is an intrusive doubly-linked list. A fiber sits in at most
// one scheduler list at a time (run queue bin, blocked list or dead
// list).
type fiberList struct {
	head *Fiber
	tail *Fiber
	n    int
}

func (l *fiberList) empty() bool {
	return l.head == nil
}

func (l *fiberList) append(f *Fiber) {
	f.next = nil
	f.prev = l.tail
	if l.tail != nil {
		l.tail.next = f
	} else {
		l.head = f
	}
	l.tail = f
	l.n++
}

func (l *fiberList) remove(f *Fiber) {
	if f.prev != nil {
		f.prev.next = f.next
	} else {
		l.head = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	} else {
		l.tail = f.prev
	}
	f.next = nil
	f.prev = nil
	l.n--
}

func (l *fiberList) popHead() *Fiber {
	f := l.head
	if f != nil {
		l.remove(f)
	}
	return f
}

// runQueue is the 32-bin priority queue of ready fibers. Bin i is
// non-empty iff bitmap bit i is set; lower bins run first. All three
// operations are O(1).
type runQueue struct {
	bins   [constants.RunQueuePriorities]fiberList
	bitmap uint32
}

func (q *runQueue) put(f *Fiber) {
	q.bins[f.prio].append(f)
	q.bitmap |= 1 << f.prio
}

func (q *runQueue) get() *Fiber {
	if q.bitmap == 0 {
		return nil
	}
	i := bits.TrailingZeros32(q.bitmap)
	f := q.bins[i].popHead()
	if q.bins[i].empty() {
		q.bitmap &^= 1 << i
	}
	return f
}

func (q *runQueue) delete(f *Fiber) {
	q.bins[f.prio].remove(f)
	if q.bins[f.prio].empty() {
		q.bitmap &^= 1 << f.prio
	}
}

func (q *runQueue) empty() bool {
	return q.bitmap == 0
}

func (q *runQueue) size() int {
	n := 0
	for i := range q.bins {
		n += q.bins[i].n
	}
	return n
}
