//go:build linux

package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

type delivery struct {
	sink *Sink
	ev   IOEvents
}

func TestEpollRegularInput(t *testing.T) {
	var got []delivery
	src, err := NewEpollSource(func(s *Sink, ev IOEvents) {
		got = append(got, delivery{s, ev})
	})
	require.NoError(t, err)
	defer src.Close()

	a, b := newPair(t)
	var s Sink
	s.Prepare(a, FlagRegularInput, &IOTasks{}, nil)
	require.NoError(t, src.Register(&s))

	n, err := src.Poll(0)
	require.NoError(t, err)
	assert.Zero(t, n, "no data, no event")

	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)

	n, err = src.Poll(time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Same(t, &s, got[0].sink)
	assert.NotZero(t, got[0].ev&EventRead)

	require.NoError(t, src.Unregister(&s))
	require.ErrorIs(t, src.Unregister(&s), ErrFDNotRegistered)
}

func TestEpollOneShotRearm(t *testing.T) {
	events := 0
	src, err := NewEpollSource(func(s *Sink, ev IOEvents) { events++ })
	require.NoError(t, err)
	defer src.Close()

	a, b := newPair(t)
	var s Sink
	s.Prepare(a, 0, &IOTasks{}, nil) // one-shot both directions
	require.NoError(t, src.Register(&s))

	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)

	// Not armed yet: one-shot sinks start disarmed.
	n, err := src.Poll(0)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, src.EnableInput(&s))
	n, err = src.Poll(time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Delivered once; the direction disarmed with the event.
	n, err = src.Poll(0)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Re-arm fires again since the data is still unread.
	require.NoError(t, src.EnableInput(&s))
	n, err = src.Poll(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, events)
}

func TestEpollNotify(t *testing.T) {
	src, err := NewEpollSource(func(s *Sink, ev IOEvents) {})
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, src.Notify())
	require.NoError(t, src.Notify(), "notify is idempotent until cleaned")

	done := make(chan error, 1)
	go func() {
		_, err := src.Poll(5 * time.Second)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err, "poll must wake on a pending notify")
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not wake on notify")
	}
	src.NotifyClean()
}

func TestEpollRegisterTwice(t *testing.T) {
	src, err := NewEpollSource(func(s *Sink, ev IOEvents) {})
	require.NoError(t, err)
	defer src.Close()

	a, _ := newPair(t)
	var s Sink
	s.Prepare(a, FlagRegularInput, &IOTasks{}, nil)
	require.NoError(t, src.Register(&s))
	assert.ErrorIs(t, src.Register(&s), ErrFDAlreadyRegistered)
}
