// Package task provides the deferred work unit of the runtime: a task
// descriptor triple plus the per-context list of (task, argument) slots.
package task

import (
	"github.com/ehrlich-b/mainmemory/internal/constants"
)

// Desc describes one kind of task. Descriptors are shared and immutable;
// per-instance state travels in the slot argument.
type Desc struct {
	// Execute performs the work and returns a result value.
	Execute func(arg any) any

	// Complete runs after Execute returns, with Execute's result.
	Complete func(arg any, result any)

	// Reassign decides whether a queued slot may migrate to the given
	// target context. Nil means never.
	Reassign func(arg any, target uint32) bool
}

// Slot is one queued unit of work.
type Slot struct {
	Task *Desc
	Arg  any
}

// segment is one fixed-size ring of slots. head and tail are plain
// counters: the task list is single-writer on both ends by construction —
// only the owning context touches it, cross-context additions arrive as
// posted async calls executed by the owner.
type segment struct {
	next  *segment
	slots []Slot
	head  uint64
	tail  uint64
	mask  uint64
}

func (s *segment) empty() bool {
	return s.head == s.tail
}

func (s *segment) full() bool {
	return s.tail-s.head > s.mask
}

// List is a linked list of ring segments with append-at-tail,
// pop-at-head semantics.
type List struct {
	head *segment
	tail *segment

	// statistics
	headCount uint64
	tailCount uint64
}

// NewList creates an empty task list with one ring segment.
func NewList() *List {
	s := getSegment()
	return &List{head: s, tail: s}
}

// Add appends a (task, argument) slot, growing a new ring when the tail
// ring is full.
func (l *List) Add(task *Desc, arg any) {
	s := l.tail
	if s.full() {
		grown := getSegment()
		s.next = grown
		l.tail = grown
		s = grown
	}
	s.slots[s.tail&s.mask] = Slot{Task: task, Arg: arg}
	s.tail++
	l.tailCount++
}

// Get pops the head slot. Returns false when the list is empty.
func (l *List) Get() (Slot, bool) {
	s := l.head
	for s.empty() {
		if s.next == nil {
			return Slot{}, false
		}
		l.head = s.next
		putSegment(s)
		s = l.head
	}
	slot := s.slots[s.head&s.mask]
	s.slots[s.head&s.mask] = Slot{}
	s.head++
	l.headCount++
	return slot, true
}

// Empty reports whether no slot is queued.
func (l *List) Empty() bool {
	for s := l.head; s != nil; s = s.next {
		if !s.empty() {
			return false
		}
	}
	return true
}

// Size returns the number of queued slots.
func (l *List) Size() int {
	return int(l.tailCount - l.headCount)
}

// Counts returns the cumulative head (popped) and tail (appended)
// statistics counters.
func (l *List) Counts() (head, tail uint64) {
	return l.headCount, l.tailCount
}

// Reassign walks the queued slots and asks each one's descriptor whether
// it may migrate to the target context. Accepting slots are handed to
// post in queue order and removed; the rest stay queued. Returns the
// migrated count.
func (l *List) Reassign(target uint32, post func(Slot)) int {
	moved := 0
	total := l.Size()
	for i := 0; i < total; i++ {
		slot, ok := l.Get()
		if !ok {
			break
		}
		if slot.Task.Reassign != nil && slot.Task.Reassign(slot.Arg, target) {
			post(slot)
			moved++
		} else {
			l.Add(slot.Task, slot.Arg)
		}
	}
	return moved
}

const segmentSize = constants.DefaultTaskRingSize
