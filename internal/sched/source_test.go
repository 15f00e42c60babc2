package sched

import (
	"sync"
	"time"

	"github.com/ehrlich-b/mainmemory/internal/event"
	"github.com/ehrlich-b/mainmemory/internal/task"
)

// testTaskDesc wraps a bare execute routine into a descriptor.
func testTaskDesc(execute func(arg any) any) *task.Desc {
	return &task.Desc{Execute: execute}
}

// mockSource is a deterministic event source for scheduler tests.
// Events are injected with push and delivered on the next poll.
type mockSource struct {
	mu           sync.Mutex
	receiver     event.Receiver
	registered   map[int]*event.Sink
	queue        []mockEvent
	wakeCh       chan struct{}
	notified     bool
	flushes      int
	unregistered []int
	closed       bool
}

type mockEvent struct {
	sink *event.Sink
	ev   event.IOEvents
}

func newMockSource() *mockSource {
	return &mockSource{
		registered: make(map[int]*event.Sink),
		wakeCh:     make(chan struct{}, 1),
	}
}

// bind wires the dispatch receiver; done by the test right after
// Prepare since the source is built first.
func (m *mockSource) bind(r event.Receiver) {
	m.mu.Lock()
	m.receiver = r
	m.mu.Unlock()
}

// push injects a readiness event for delivery on the next poll.
func (m *mockSource) push(s *event.Sink, ev event.IOEvents) {
	m.mu.Lock()
	m.queue = append(m.queue, mockEvent{s, ev})
	m.mu.Unlock()
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

func (m *mockSource) isRegistered(fd int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.registered[fd]
	return ok
}

func (m *mockSource) flushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes
}

func (m *mockSource) unregisterCount(fd int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range m.unregistered {
		if u == fd {
			n++
		}
	}
	return n
}

func (m *mockSource) Register(s *event.Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registered[s.FD()]; ok {
		return event.ErrFDAlreadyRegistered
	}
	m.registered[s.FD()] = s
	return nil
}

func (m *mockSource) EnableInput(s *event.Sink) error  { return nil }
func (m *mockSource) EnableOutput(s *event.Sink) error { return nil }

func (m *mockSource) Unregister(s *event.Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered[s.FD()] != s {
		return event.ErrFDNotRegistered
	}
	delete(m.registered, s.FD())
	m.unregistered = append(m.unregistered, s.FD())
	return nil
}

func (m *mockSource) Flush() error {
	m.mu.Lock()
	m.flushes++
	m.mu.Unlock()
	return nil
}

func (m *mockSource) Poll(timeout time.Duration) (int, error) {
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
		// Skip sinks unregistered while the event was queued, the way
		// the kernel stops reporting a deleted fd.
		if !m.isRegistered(e.sink.FD()) {
			continue
		}
		if receiver != nil {
			receiver(e.sink, e.ev)
			n++
		}
	}
	return n, nil
}

func (m *mockSource) Notify() error {
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

func (m *mockSource) NotifyClean() {
	m.mu.Lock()
	m.notified = false
	m.mu.Unlock()
}

func (m *mockSource) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
