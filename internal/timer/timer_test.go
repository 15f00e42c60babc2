package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/mainmemory/internal/task"
)

func TestArmFireOrder(t *testing.T) {
	q := NewQueue()
	d := &task.Desc{}

	var t1, t2, t3 Timer
	t1.PrepareTask(d, "a")
	t2.PrepareTask(d, "b")
	t3.PrepareTask(d, "c")

	now := int64(0)
	require.NoError(t, q.Arm(&t2, now, 20*time.Millisecond))
	require.NoError(t, q.Arm(&t1, now, 10*time.Millisecond))
	require.NoError(t, q.Arm(&t3, now, 30*time.Millisecond))

	min, ok := q.PeekMin()
	require.True(t, ok)
	assert.Equal(t, (10 * time.Millisecond).Nanoseconds(), min)

	var fired []string
	n := q.FireDue(now+(25*time.Millisecond).Nanoseconds(), func(f Fire) {
		fired = append(fired, f.Arg.(string))
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 1, q.Len())
}

func TestZeroTimeoutFiresImmediately(t *testing.T) {
	q := NewQueue()
	var tm Timer
	tm.PrepareTask(&task.Desc{}, nil)

	require.NoError(t, q.Arm(&tm, 100, 0))
	n := q.FireDue(100, func(Fire) {})
	assert.Equal(t, 1, n, "timeout 0 fires on the very next iteration")
}

func TestDisarmPreventsFire(t *testing.T) {
	q := NewQueue()
	var tm Timer
	tm.PrepareFiber("fiber")

	require.NoError(t, q.Arm(&tm, 0, 10*time.Millisecond))
	require.True(t, tm.Armed())

	q.Disarm(&tm)
	require.False(t, tm.Armed())
	q.Disarm(&tm) // idempotent

	n := q.FireDue((time.Second).Nanoseconds(), func(Fire) {
		t.Fatal("disarmed timer must not fire")
	})
	assert.Zero(t, n)
}

func TestRearmMovesDeadline(t *testing.T) {
	q := NewQueue()
	var tm Timer
	tm.PrepareTask(&task.Desc{}, nil)

	require.NoError(t, q.Arm(&tm, 0, 10*time.Millisecond))
	require.NoError(t, q.Arm(&tm, 0, 50*time.Millisecond))
	require.Equal(t, 1, q.Len(), "re-arming replaces the previous deadline")

	n := q.FireDue((20 * time.Millisecond).Nanoseconds(), func(Fire) {})
	assert.Zero(t, n)
}

func TestRepeatingTimer(t *testing.T) {
	q := NewQueue()
	var tm Timer
	tm.PrepareTask(&task.Desc{}, nil)
	tm.SetInterval(10 * time.Millisecond)

	require.NoError(t, q.Arm(&tm, 0, 10*time.Millisecond))

	fires := 0
	now := int64(0)
	for i := 0; i < 3; i++ {
		now += (10 * time.Millisecond).Nanoseconds()
		fires += q.FireDue(now, func(Fire) {})
	}
	assert.Equal(t, 3, fires)
	assert.True(t, tm.Armed(), "repeating timer re-arms itself")

	q.Disarm(&tm)
	assert.False(t, tm.Armed())
}

func TestEqualDeadlinesFireInArmOrder(t *testing.T) {
	q := NewQueue()
	d := &task.Desc{}

	var timers [5]Timer
	for i := range timers {
		timers[i].PrepareTask(d, i)
		require.NoError(t, q.Arm(&timers[i], 0, time.Millisecond))
	}

	var order []int
	q.FireDue(time.Millisecond.Nanoseconds(), func(f Fire) {
		order = append(order, f.Arg.(int))
	})
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestTimepiece(t *testing.T) {
	tp := NewTimepiece()

	m1 := tp.Mono()
	time.Sleep(2 * time.Millisecond)
	assert.Equal(t, m1, tp.Mono(), "cached value stays stable until reset")

	tp.Reset()
	assert.Greater(t, tp.Mono(), m1)
	assert.False(t, tp.Real().IsZero())
}

func TestTimepieceStale(t *testing.T) {
	tp := NewTimepiece()
	require.False(t, tp.Stale())
	for i := 0; i < 1000; i++ {
		tp.Mono()
	}
	assert.True(t, tp.Stale())
	tp.Reset()
	assert.False(t, tp.Stale())
}
