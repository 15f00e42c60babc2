package mainmemory

import (
	"sync"
	"time"

	"github.com/ehrlich-b/mainmemory/internal/event"
)

// MockSource is a deterministic event source for testing code built on
// the runtime. Events are injected with PushEvent and delivered on the
// next poll of the dispatch, so tests drive sink state machines without
// touching real file descriptors.
//
// Wire it in through Params.Source and call Bind(d) right after
// Prepare.
type MockSource struct {
	mu           sync.Mutex
	receiver     event.Receiver
	registered   map[int]*Sink
	queue        []mockDelivery
	wakeCh       chan struct{}
	notified     bool
	flushes      int
	unregistered []int
}

type mockDelivery struct {
	sink *Sink
	ev   IOEvents
}

// NewMockSource creates an empty mock source.
func NewMockSource() *MockSource {
	return &MockSource{
		registered: make(map[int]*Sink),
		wakeCh:     make(chan struct{}, 1),
	}
}

// Bind wires the mock to the dispatch delivery path. Call it once,
// right after Prepare.
func (m *MockSource) Bind(d *Dispatch) {
	m.mu.Lock()
	m.receiver = d.DeliveryReceiver()
	m.mu.Unlock()
}

// PushEvent injects a readiness event, delivered on the next poll.
func (m *MockSource) PushEvent(s *Sink, ev IOEvents) {
	m.mu.Lock()
	m.queue = append(m.queue, mockDelivery{s, ev})
	m.mu.Unlock()
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// Registered reports whether the fd currently has a sink.
func (m *MockSource) Registered(fd int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.registered[fd]
	return ok
}

// Flushes returns how many explicit backend flushes were forced.
func (m *MockSource) Flushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes
}

func (m *MockSource) Register(s *Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registered[s.FD()]; ok {
		return event.ErrFDAlreadyRegistered
	}
	m.registered[s.FD()] = s
	return nil
}

func (m *MockSource) EnableInput(s *Sink) error  { return nil }
func (m *MockSource) EnableOutput(s *Sink) error { return nil }

func (m *MockSource) Unregister(s *Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered[s.FD()] != s {
		return event.ErrFDNotRegistered
	}
	delete(m.registered, s.FD())
	m.unregistered = append(m.unregistered, s.FD())
	return nil
}

func (m *MockSource) Flush() error {
	m.mu.Lock()
	m.flushes++
	m.mu.Unlock()
	return nil
}

func (m *MockSource) Poll(timeout time.Duration) (int, error) {
	m.mu.Lock()
	pending := m.queue
	m.queue = nil
	receiver := m.receiver
	m.mu.Unlock()

	if len(pending) == 0 && timeout > 0 {
		select {
		case <-m.wakeCh:
		case <-time.After(timeout):
		}
		m.mu.Lock()
		pending = m.queue
		m.queue = nil
		m.mu.Unlock()
	}

	n := 0
	for _, e := range pending {
		if !m.Registered(e.sink.FD()) {
			continue
		}
		if receiver != nil {
			receiver(e.sink, e.ev)
			n++
		}
	}
	return n, nil
}

func (m *MockSource) Notify() error {
	m.mu.Lock()
	if m.notified {
		m.mu.Unlock()
		return nil
	}
	m.notified = true
	m.mu.Unlock()
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

func (m *MockSource) NotifyClean() {
	m.mu.Lock()
	m.notified = false
	m.mu.Unlock()
}

func (m *MockSource) Close() error { return nil }
