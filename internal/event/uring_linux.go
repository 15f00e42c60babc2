//go:build linux && uring

// io_uring readiness backend. Built with -tags uring; the default build
// uses the epoll backend. Poll submissions are one-shot at the io_uring
// level, so re-arming regular sinks is this backend's duty.
package event

import (
	"sync"
	"syscall"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/mainmemory/internal/constants"
)

const uringEntries = 1024

// UringSource multiplexes readiness through IORING_OP_POLL_ADD.
type UringSource struct {
	ring     *giouring.Ring
	wakeFd   int
	notified atomix.Bool
	closed   atomix.Bool
	receiver Receiver

	mu      sync.Mutex
	fds     []*Sink
	pending []*Sink

	cqes [constants.MaxEventBatch]*giouring.CompletionQueueEvent
}

// NewUringSource creates the io_uring backend delivering to receiver.
func NewUringSource(receiver Receiver) (Source, error) {
	ring, err := giouring.CreateRing(uringEntries)
	if err != nil {
		return nil, err
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		ring.QueueExit()
		return nil, err
	}
	s := &UringSource{
		ring:     ring,
		wakeFd:   wakeFd,
		receiver: receiver,
		fds:      make([]*Sink, maxFDs),
	}
	s.armPoll(wakeFd, EventRead)
	return s, nil
}

func pollMask(dir IOEvents) uint32 {
	var mask uint32
	if dir&EventRead != 0 {
		mask |= unix.POLLIN | unix.POLLRDHUP
	}
	if dir&EventWrite != 0 {
		mask |= unix.POLLOUT
	}
	return mask
}

// armPoll queues a one-shot poll submission for fd. Caller submits.
func (p *UringSource) armPoll(fd int, dir IOEvents) {
	sqe := p.ring.GetSQE()
	if sqe == nil {
		// Submission queue full: push it out and retry once.
		_, _ = p.ring.Submit()
		sqe = p.ring.GetSQE()
		if sqe == nil {
			return
		}
	}
	sqe.PreparePollAdd(fd, pollMask(dir))
	sqe.UserData = uint64(fd)
}

func (p *UringSource) Register(sink *Sink) error {
	if p.closed.LoadAcquire() {
		return ErrSourceClosed
	}
	fd := sink.FD()
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fds[fd] != nil {
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = sink
	sink.armed = 0
	if sink.Has(FlagRegularInput) {
		sink.armed |= EventRead
	}
	if sink.Has(FlagRegularOutput) {
		sink.armed |= EventWrite
	}
	if sink.armed != 0 {
		p.armPoll(fd, sink.armed)
		_, err := p.ring.Submit()
		return err
	}
	return nil
}

func (p *UringSource) enable(sink *Sink, dir IOEvents) error {
	if p.closed.LoadAcquire() {
		return ErrSourceClosed
	}
	fd := sink.FD()
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fds[fd] != sink {
		return ErrFDNotRegistered
	}
	if sink.armed&dir == dir {
		return nil
	}
	sink.armed |= dir
	if !sink.Has(FlagChangePending) {
		sink.Set(FlagChangePending)
		p.pending = append(p.pending, sink)
	}
	return nil
}

func (p *UringSource) EnableInput(sink *Sink) error {
	return p.enable(sink, EventRead)
}

func (p *UringSource) EnableOutput(sink *Sink) error {
	return p.enable(sink, EventWrite)
}

func (p *UringSource) Unregister(sink *Sink) error {
	fd := sink.FD()
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fds[fd] != sink {
		return ErrFDNotRegistered
	}
	p.fds[fd] = nil
	sink.armed = 0
	sink.Clear(FlagChangePending)
	if sqe := p.ring.GetSQE(); sqe != nil {
		sqe.PreparePollRemove(uint64(fd))
		sqe.UserData = uint64(fd)
	}
	_, err := p.ring.Submit()
	return err
}

// Flush submits batched poll arms.
func (p *UringSource) Flush() error {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	for _, sink := range pending {
		if !sink.Has(FlagChangePending) {
			continue
		}
		sink.Clear(FlagChangePending)
		fd := sink.FD()
		if fd < 0 || fd >= maxFDs || p.fds[fd] != sink {
			continue
		}
		p.armPoll(fd, sink.armed)
	}
	p.mu.Unlock()
	_, err := p.ring.Submit()
	return err
}

func pollToEvents(res int32) IOEvents {
	var ev IOEvents
	mask := uint32(res)
	if mask&(unix.POLLIN|unix.POLLRDHUP) != 0 {
		ev |= EventRead
	}
	if mask&unix.POLLOUT != 0 {
		ev |= EventWrite
	}
	if mask&unix.POLLERR != 0 {
		ev |= EventError
	}
	if mask&unix.POLLHUP != 0 {
		ev |= EventHangup
	}
	return ev
}

func (p *UringSource) Poll(timeout time.Duration) (int, error) {
	if err := p.Flush(); err != nil {
		return 0, err
	}

	if timeout > 0 {
		ts := syscall.NsecToTimespec(timeout.Nanoseconds())
		_, _ = p.ring.SubmitAndWaitTimeout(1, &ts, nil)
	}

	n := p.ring.PeekBatchCQE(p.cqes[:])
	delivered := 0
	for i := uint32(0); i < n; i++ {
		cqe := p.cqes[i]
		fd := int(cqe.UserData)
		if fd == p.wakeFd {
			// Wake deliveries re-arm immediately; the counter itself is
			// drained by NotifyClean.
			p.armPoll(p.wakeFd, EventRead)
			continue
		}
		if cqe.Res < 0 {
			continue // canceled poll (unregister)
		}
		p.mu.Lock()
		sink := p.fds[fd]
		p.mu.Unlock()
		if sink == nil {
			continue
		}
		ev := pollToEvents(cqe.Res)
		p.mu.Lock()
		if sink.OneShot() {
			sink.armed &^= ev & (EventRead | EventWrite)
		} else if sink.armed != 0 {
			// Regular sink: io_uring polls are one-shot, re-arm here.
			p.armPoll(fd, sink.armed)
		}
		p.mu.Unlock()
		p.receiver(sink, ev)
		delivered++
	}
	p.ring.CQAdvance(n)
	_, _ = p.ring.Submit()
	return delivered, nil
}

func (p *UringSource) Notify() error {
	if p.notified.LoadAcquire() {
		return nil
	}
	p.notified.StoreRelease(true)
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(p.wakeFd, one[:])
	if err == unix.EAGAIN {
		err = nil
	}
	return err
}

func (p *UringSource) NotifyClean() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakeFd, buf[:]); err != nil {
			break
		}
	}
	p.notified.StoreRelease(false)
}

func (p *UringSource) Close() error {
	if p.closed.LoadAcquire() {
		return nil
	}
	p.closed.StoreRelease(true)
	_ = unix.Close(p.wakeFd)
	p.ring.QueueExit()
	return nil
}
