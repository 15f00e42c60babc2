//go:build linux

package event

import (
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/mainmemory/internal/constants"
)

// Maximum file descriptor supported with direct indexing.
const maxFDs = 65536

// EpollSource is the default Linux backend: epoll with edge-triggered
// regular sinks and EPOLLONESHOT one-shot sinks. Arm changes are batched
// on a pending list and applied by Flush or at the head of Poll; urgent
// changes (unregister of a broken fd) go through immediately.
type EpollSource struct {
	epfd     int
	wakeFd   int // eventfd, registered in the epoll set
	notified atomix.Bool
	closed   atomix.Bool
	receiver Receiver

	mu      sync.Mutex // guards fds table and pending list
	fds     []*Sink
	pending []*Sink

	eventBuf [constants.MaxEventBatch]unix.EpollEvent
}

// NewEpollSource creates the epoll backend delivering to receiver.
func NewEpollSource(receiver Receiver) (*EpollSource, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	s := &EpollSource{
		epfd:     epfd,
		wakeFd:   wakeFd,
		receiver: receiver,
		fds:      make([]*Sink, maxFDs),
	}
	ev := &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(wakeFd),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, ev); err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)
		return nil, err
	}
	return s, nil
}

// interest computes the epoll mask for the sink's currently armed
// directions.
func interest(sink *Sink) uint32 {
	var events uint32
	if sink.armed&EventRead != 0 {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if sink.armed&EventWrite != 0 {
		events |= unix.EPOLLOUT
	}
	if sink.OneShot() {
		events |= unix.EPOLLONESHOT
	} else {
		events |= unix.EPOLLET
	}
	return events
}

func (p *EpollSource) Register(sink *Sink) error {
	if p.closed.LoadAcquire() {
		return ErrSourceClosed
	}
	fd := sink.FD()
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}

	p.mu.Lock()
	if p.fds[fd] != nil {
		p.mu.Unlock()
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
	p.mu.Unlock()

	ev := &unix.EpollEvent{Events: interest(sink), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.mu.Lock()
		p.fds[fd] = nil
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *EpollSource) enable(sink *Sink, dir IOEvents) error {
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
	sink.armed |= dir
	if !sink.Has(FlagChangePending) {
		sink.Set(FlagChangePending)
		p.pending = append(p.pending, sink)
	}
	return nil
}

func (p *EpollSource) EnableInput(sink *Sink) error {
	return p.enable(sink, EventRead)
}

func (p *EpollSource) EnableOutput(sink *Sink) error {
	return p.enable(sink, EventWrite)
}

func (p *EpollSource) Unregister(sink *Sink) error {
	fd := sink.FD()
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}
	p.mu.Lock()
	if p.fds[fd] != sink {
		p.mu.Unlock()
		return ErrFDNotRegistered
	}
	p.fds[fd] = nil
	sink.armed = 0
	sink.Clear(FlagChangePending)
	p.mu.Unlock()

	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Flush applies batched arm changes.
func (p *EpollSource) Flush() error {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	var firstErr error
	for _, sink := range pending {
		if !sink.Has(FlagChangePending) {
			continue
		}
		sink.Clear(FlagChangePending)
		fd := sink.FD()
		p.mu.Lock()
		registered := fd >= 0 && fd < maxFDs && p.fds[fd] == sink
		p.mu.Unlock()
		if !registered {
			continue
		}
		ev := &unix.EpollEvent{Events: interest(sink), Fd: int32(fd)}
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func epollToEvents(ep uint32) IOEvents {
	var ev IOEvents
	if ep&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		ev |= EventRead
	}
	if ep&unix.EPOLLOUT != 0 {
		ev |= EventWrite
	}
	if ep&unix.EPOLLERR != 0 {
		ev |= EventError
	}
	if ep&unix.EPOLLHUP != 0 {
		ev |= EventHangup
	}
	return ev
}

func (p *EpollSource) Poll(timeout time.Duration) (int, error) {
	if err := p.Flush(); err != nil {
		return 0, err
	}

	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}

	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	delivered := 0
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd == p.wakeFd {
			continue
		}
		p.mu.Lock()
		sink := p.fds[fd]
		p.mu.Unlock()
		if sink == nil {
			continue
		}
		ev := epollToEvents(p.eventBuf[i].Events)
		p.mu.Lock()
		// The kernel disarmed a one-shot sink with this delivery;
		// mirror that so the next Trigger re-arms it.
		if sink.OneShot() {
			sink.armed &^= ev & (EventRead | EventWrite)
		}
		p.mu.Unlock()
		p.receiver(sink, ev)
		delivered++
	}
	return delivered, nil
}

// Notify wakes a polling context. Idempotent until NotifyClean.
func (p *EpollSource) Notify() error {
	if p.notified.LoadAcquire() {
		return nil
	}
	p.notified.StoreRelease(true)
	var one [8]byte
	one[0] = 1 // eventfd counters are host-endian uint64
	_, err := unix.Write(p.wakeFd, one[:])
	if err == unix.EAGAIN {
		err = nil
	}
	return err
}

// NotifyClean drains the wake eventfd and re-arms Notify.
func (p *EpollSource) NotifyClean() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakeFd, buf[:]); err != nil {
			break
		}
	}
	p.notified.StoreRelease(false)
}

func (p *EpollSource) Close() error {
	if p.closed.LoadAcquire() {
		return nil
	}
	p.closed.StoreRelease(true)
	_ = unix.Close(p.wakeFd)
	return unix.Close(p.epfd)
}
