package mainmemory

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRuntime(t *testing.T, listeners int) (*Dispatch, *MockSource) {
	t.Helper()
	src := NewMockSource()
	params := DefaultParams(listeners)
	params.Source = src
	d, err := Prepare(params)
	require.NoError(t, err)
	src.Bind(d)

	for i := 0; i < listeners; i++ {
		go func(c *Context) {
			_ = c.Start()
		}(d.Context(i))
	}
	t.Cleanup(func() {
		require.NoError(t, d.Cleanup())
	})
	return d, src
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPrepareRejectsZeroListeners(t *testing.T) {
	_, err := Prepare(Params{Listeners: 0})
	assert.Error(t, err)
}

func TestPublicSinkLifecycle(t *testing.T) {
	d, src := startRuntime(t, 1)
	c := d.Context(0)

	var reads atomic.Int32
	tasks := d.PrepareIO(func(c *Context, s *Sink) IOStatus {
		reads.Add(1)
		return StatusDone
	}, nil)

	s := &Sink{}
	PrepareFD(s, 500, FlagRegularInput, tasks, nil)

	c.AsyncCall(func(c *Context, _ []uintptr, _ any) {
		assert.NoError(t, c.RegisterSink(s))
	})
	eventually(t, func() bool { return src.Registered(500) }, "sink not registered")

	src.PushEvent(s, EventRead)
	eventually(t, func() bool { return reads.Load() == 1 }, "input task did not run")

	c.AsyncCall(func(c *Context, _ []uintptr, _ any) {
		c.CloseFD(s)
	})
	eventually(t, func() bool { return s.Closed() }, "sink not closed")
	eventually(t, func() bool { return !src.Registered(500) }, "sink not unregistered")
}

func TestInstantIOClosesOnUnexpectedEvent(t *testing.T) {
	d, src := startRuntime(t, 1)
	c := d.Context(0)

	s := &Sink{}
	PrepareFD(s, 501, FlagRegularInput, d.InstantIO(), nil)
	c.AsyncCall(func(c *Context, _ []uintptr, _ any) {
		assert.NoError(t, c.RegisterSink(s))
	})
	eventually(t, func() bool { return src.Registered(501) }, "sink not registered")

	src.PushEvent(s, EventRead)
	eventually(t, s.Closed, "unexpected event must close an instant sink")
}

func TestPublicTimers(t *testing.T) {
	d, _ := startRuntime(t, 1)
	c := d.Context(0)

	var fired atomic.Int32
	c.AsyncCall(func(c *Context, _ []uintptr, _ any) {
		tm := &Timer{}
		PrepareTaskTimer(tm, func(arg any) any {
			fired.Add(1)
			return nil
		}, nil)
		assert.NoError(t, c.ArmTimer(tm, 5*time.Millisecond))
	})

	eventually(t, func() bool { return fired.Load() == 1 }, "task timer did not fire")
}

func TestRepeatingPublicTimer(t *testing.T) {
	d, _ := startRuntime(t, 1)
	c := d.Context(0)

	var fired atomic.Int32
	tm := &Timer{}
	c.AsyncCall(func(c *Context, _ []uintptr, _ any) {
		PrepareTaskTimer(tm, func(arg any) any {
			fired.Add(1)
			return nil
		}, nil)
		RepeatTimer(tm, 5*time.Millisecond)
		assert.NoError(t, c.ArmTimer(tm, 5*time.Millisecond))
	})

	eventually(t, func() bool { return fired.Load() >= 3 }, "repeating timer did not keep firing")
	c.AsyncCall(func(c *Context, _ []uintptr, _ any) {
		c.DisarmTimer(tm)
	})
}

func TestSnapshotAggregates(t *testing.T) {
	d, _ := startRuntime(t, 2)

	var done atomic.Int32
	for i := 0; i < 10; i++ {
		d.AsyncPost(func(c *Context, _ []uintptr, _ any) {
			done.Add(1)
		})
	}
	eventually(t, func() bool { return done.Load() == 10 }, "posts did not run")

	stats := Snapshot(d)
	require.Len(t, stats.Contexts, 2)
	assert.GreaterOrEqual(t, stats.AsyncCallsRun, uint64(10))

	var sum uint64
	for _, cs := range stats.Contexts {
		sum += cs.AsyncCallsRun
	}
	assert.Equal(t, stats.AsyncCallsRun, sum)
}

func TestFiberSurface(t *testing.T) {
	d, _ := startRuntime(t, 1)
	c := d.Context(0)

	var got atomic.Value
	c.AsyncCall(func(c *Context, _ []uintptr, _ any) {
		f := c.SpawnFiber(FiberAttr{}, func(arg any) any {
			c.Yield()
			return arg.(string) + " world"
		}, "hello")
		c.RunFiber(f)
		// Watch for the exit from a second fiber.
		w := c.SpawnFiber(FiberAttr{}, func(any) any {
			for f.State() != FiberInvalid {
				c.Yield()
			}
			got.Store(f.Result())
			return nil
		}, nil)
		c.RunFiber(w)
	})

	eventually(t, func() bool { return got.Load() != nil }, "fiber result not observed")
	assert.Equal(t, "hello world", got.Load())
}
