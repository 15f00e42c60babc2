// Package epoch implements the reclamation scheme that defers event-sink
// destruction until every context has observed the retirement.
//
// Contexts enter a critical section around every halt on the event source
// and retire sinks inside it. A retired entry traverses two limbo
// generations before its destructor runs, so the global epoch has advanced
// twice since retirement: every context that could hold a reference has
// either gone inactive or re-entered its critical section past the
// retirement point.
package epoch

import (
	"code.hybscloud.com/atomix"
)

// Entry is the intrusive retirement link. Embed it in the reclaimed object
// and set Destroy before retiring.
type Entry struct {
	next    *Entry
	Destroy func()
}

type entryStack struct {
	top *Entry
	n   int
}

func (s *entryStack) push(e *Entry) {
	e.next = s.top
	s.top = e
	s.n++
}

func (s *entryStack) empty() bool {
	return s.top == nil
}

func (s *entryStack) drain() {
	for e := s.top; e != nil; {
		next := e.next
		e.next = nil
		e.Destroy()
		e = next
	}
	s.top = nil
	s.n = 0
}

// Global is the shared epoch word plus the table of per-context states. A
// valid epoch is non-zero; the low bit flips between the two
// critical-section generations.
type Global struct {
	epoch  atomix.Uint32
	locals []*Local
}

// Local is the per-context reclamation state.
type Local struct {
	epoch  atomix.Uint32 // snapshot of the global epoch; 0 when inactive
	index  int           // resume point for the context-table walk
	retire entryStack    // retired within the current generation
	limbo  [2]entryStack // [0] younger, [1] older generation
	count  int
}

// NewGlobal creates the shared state for n contexts.
func NewGlobal(n int) *Global {
	g := &Global{locals: make([]*Local, n)}
	for i := range g.locals {
		g.locals[i] = &Local{}
	}
	g.epoch.StoreRelaxed(1)
	return g
}

// Local returns context i's reclamation state.
func (g *Global) Local(i int) *Local {
	return g.locals[i]
}

// Epoch returns the current global epoch.
func (g *Global) Epoch() uint32 {
	return g.epoch.LoadAcquire()
}

func next(e uint32) uint32 {
	e++
	if e == 0 {
		e = 1
	}
	return e
}

// Enter begins a critical section. Idempotent while already inside one.
// The snapshot is ordered by the kernel call that follows on the same
// thread.
func (l *Local) Enter(g *Global) {
	if l.epoch.LoadRelaxed() != 0 {
		return
	}
	l.epoch.StoreRelease(g.epoch.LoadAcquire())
	l.index = 0
}

// Retire appends an entry to the current generation's retire queue. Must
// be called inside a critical section.
func (l *Local) Retire(e *Entry) {
	if l.epoch.LoadRelaxed() == 0 {
		panic("epoch: retire outside critical section")
	}
	l.retire.push(e)
	l.count++
}

// Pending reports how many entries await destruction.
func (l *Local) Pending() int {
	return l.count
}

// Leave ends the critical section. With retirements pending it first tries
// to advance the global epoch; on success the oldest limbo generation is
// destroyed and the queues rotate.
func (l *Local) Leave(g *Global) {
	if l.retire.empty() && l.limbo[0].empty() && l.limbo[1].empty() {
		l.epoch.StoreRelease(0)
		return
	}
	l.tryAdvance(g)
	l.epoch.StoreRelease(0)
}

// tryAdvance walks the context table from the saved iteration index. The
// epoch may advance only when every context is either inactive or has
// observed the current epoch.
func (l *Local) tryAdvance(g *Global) bool {
	cur := g.epoch.LoadAcquire()
	if observed := l.epoch.LoadRelaxed(); observed != 0 && observed != cur {
		// Stale snapshot; going inactive right after is what unblocks
		// the other contexts, so do not force the advance here.
		return false
	}
	for ; l.index < len(g.locals); l.index++ {
		other := g.locals[l.index]
		if other == l {
			continue
		}
		e := other.epoch.LoadAcquire()
		if e != 0 && e != cur {
			return false
		}
	}
	l.index = 0
	if !g.epoch.CompareAndSwapAcqRel(cur, next(cur)) {
		return false
	}
	l.rotate()
	return true
}

func (l *Local) rotate() {
	old := l.limbo[1]
	l.limbo[1] = l.limbo[0]
	l.limbo[0] = l.retire
	l.retire = entryStack{}
	l.count -= old.n
	old.drain()
}

// Drain destroys everything this context still holds, regardless of the
// epoch. Only valid once no context can reference the retired objects,
// i.e. during dispatch cleanup after all loops stopped.
func (l *Local) Drain() {
	l.limbo[1].drain()
	l.limbo[0].drain()
	l.retire.drain()
	l.count = 0
	l.epoch.StoreRelease(0)
}
