// Package ring implements the bounded lock-free MPMC slot queue used on
// every cross-context path of the runtime.
//
// The ring is an array of stamped nodes plus a producer stamp (tail) and a
// consumer stamp (head). Node i is empty when its stamp equals the producer
// stamp that would write it next, and full when it equals that stamp plus
// one. Stamps are monotonic, indices are stamp & (size-1), so there is no
// ABA hazard. Consumers observe values in stamp order; across concurrent
// producers the order is the CAS-winning order.
package ring

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"
)

// ErrWouldBlock indicates a non-blocking operation cannot proceed: the ring
// is full (Put) or empty (Get). A control flow signal, not a failure.
var ErrWouldBlock = iox.ErrWouldBlock

// IsWouldBlock reports whether err indicates the operation would block.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}

type pad [64]byte

type node[T any] struct {
	lock atomix.Uint64
	data T
}

// Ring is a bounded MPMC queue of fixed-width slots.
type Ring[T any] struct {
	_    pad
	tail atomix.Uint64 // producer stamp
	_    pad
	head atomix.Uint64 // consumer stamp
	_    pad
	buf  []node[T]
	mask uint64
}

func roundToPow2(v int) uint64 {
	n := uint64(1)
	for n < uint64(v) {
		n <<= 1
	}
	return n
}

// New creates a ring. Capacity rounds up to the next power of 2; the
// minimum is 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		panic("ring: capacity must be >= 1")
	}
	size := roundToPow2(capacity)
	r := &Ring[T]{
		buf:  make([]node[T], size),
		mask: size - 1,
	}
	for i := uint64(0); i < size; i++ {
		r.buf[i].lock.StoreRelaxed(i)
	}
	return r
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return int(r.mask + 1)
}

// Put offers one element without blocking. Returns ErrWouldBlock when the
// ring is full or a concurrent producer is ahead; the caller may retry.
// On success exactly one concurrent Get observes the stored value.
func (r *Ring[T]) Put(elem *T) error {
	t := r.tail.LoadAcquire()
	n := &r.buf[t&r.mask]
	if n.lock.LoadAcquire() != t {
		return ErrWouldBlock
	}
	if !r.tail.CompareAndSwapAcqRel(t, t+1) {
		return ErrWouldBlock
	}
	n.data = *elem
	n.lock.StoreRelease(t + 1)
	return nil
}

// Get takes one element without blocking. Returns ErrWouldBlock when the
// ring is empty or a concurrent consumer is ahead.
func (r *Ring[T]) Get() (T, error) {
	h := r.head.LoadAcquire()
	n := &r.buf[h&r.mask]
	if n.lock.LoadAcquire() != h+1 {
		var zero T
		return zero, ErrWouldBlock
	}
	if !r.head.CompareAndSwapAcqRel(h, h+1) {
		var zero T
		return zero, ErrWouldBlock
	}
	elem := n.data
	var zero T
	n.data = zero
	// Republish the slot for the next wrap of producers.
	n.lock.StoreRelease(h + r.mask + 1)
	return elem, nil
}

// Enqueue claims a slot unconditionally and busy-waits with back-off until
// the slot drains. Use only where forward progress of some consumer is
// guaranteed.
func (r *Ring[T]) Enqueue(elem *T) {
	t := r.tail.AddAcqRel(1) - 1
	n := &r.buf[t&r.mask]
	if n.lock.LoadAcquire() != t {
		waitStamp(&n.lock, t)
	}
	n.data = *elem
	n.lock.StoreRelease(t + 1)
}

// Dequeue claims the next consumer stamp unconditionally and busy-waits
// with back-off until a producer fills it.
func (r *Ring[T]) Dequeue() T {
	h := r.head.AddAcqRel(1) - 1
	n := &r.buf[h&r.mask]
	if n.lock.LoadAcquire() != h+1 {
		waitStamp(&n.lock, h+1)
	}
	elem := n.data
	var zero T
	n.data = zero
	n.lock.StoreRelease(h + r.mask + 1)
	return elem
}

// PutLocal is the relaxed single-producer variant of Put: the tail CAS is
// replaced by a plain store. Only the sole producer may call it.
func (r *Ring[T]) PutLocal(elem *T) error {
	t := r.tail.LoadRelaxed()
	n := &r.buf[t&r.mask]
	if n.lock.LoadAcquire() != t {
		return ErrWouldBlock
	}
	r.tail.StoreRelaxed(t + 1)
	n.data = *elem
	n.lock.StoreRelease(t + 1)
	return nil
}

// GetLocal is the relaxed single-consumer variant of Get.
func (r *Ring[T]) GetLocal() (T, error) {
	h := r.head.LoadRelaxed()
	n := &r.buf[h&r.mask]
	if n.lock.LoadAcquire() != h+1 {
		var zero T
		return zero, ErrWouldBlock
	}
	r.head.StoreRelaxed(h + 1)
	elem := n.data
	var zero T
	n.data = zero
	n.lock.StoreRelease(h + r.mask + 1)
	return elem, nil
}

// Empty reports whether the ring held no elements at some instant during
// the call.
func (r *Ring[T]) Empty() bool {
	return r.head.LoadAcquire() == r.tail.LoadAcquire()
}

// Stamps returns the producer and consumer stamps. The difference is the
// number of claimed-but-unconsumed slots. Put never lets it exceed Cap;
// producers waiting inside Enqueue hold claimed stamps beyond it.
func (r *Ring[T]) Stamps() (producer, consumer uint64) {
	return r.tail.LoadAcquire(), r.head.LoadAcquire()
}

func waitStamp(lock *atomix.Uint64, want uint64) {
	sw := spin.Wait{}
	backoff := iox.Backoff{}
	for i := 0; lock.LoadAcquire() != want; i++ {
		if i < stampSpinRounds {
			sw.Once()
		} else {
			backoff.Wait()
		}
	}
}

// stampSpinRounds is how long waitStamp stays on the CPU before the
// adaptive backoff starts yielding.
const stampSpinRounds = 64
