package task

import "sync"

// Segment pool to avoid hot-path allocations when task lists grow and
// shrink. Segments are fixed-size rings; a drained segment goes back to
// the pool as soon as the list head moves past it.

var segmentPool = sync.Pool{
	New: func() any {
		return &segment{
			slots: make([]Slot, segmentSize),
			mask:  segmentSize - 1,
		}
	},
}

func getSegment() *segment {
	s := segmentPool.Get().(*segment)
	s.next = nil
	s.head = 0
	s.tail = 0
	return s
}

func putSegment(s *segment) {
	// Slots were cleared one by one as they were popped; only a fully
	// drained segment reaches here.
	s.next = nil
	segmentPool.Put(s)
}
