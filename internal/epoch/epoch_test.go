package epoch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnterLeaveInactive(t *testing.T) {
	g := NewGlobal(2)
	l := g.Local(0)

	l.Enter(g)
	require.NotZero(t, l.epoch.LoadRelaxed())
	l.Enter(g) // idempotent
	l.Leave(g)
	assert.Zero(t, l.epoch.LoadRelaxed())
}

func TestRetireOutsideCriticalSectionPanics(t *testing.T) {
	g := NewGlobal(1)
	l := g.Local(0)
	assert.Panics(t, func() {
		l.Retire(&Entry{Destroy: func() {}})
	})
}

func TestRetireDestroyedAfterTwoAdvances(t *testing.T) {
	g := NewGlobal(1)
	l := g.Local(0)

	destroyed := false
	e := &Entry{Destroy: func() { destroyed = true }}

	l.Enter(g)
	l.Retire(e)
	l.Leave(g)
	assert.False(t, destroyed, "first advance only moves the entry to limbo")

	l.Enter(g)
	l.Leave(g)
	assert.False(t, destroyed, "second advance keeps the entry in the older limbo")

	l.Enter(g)
	l.Leave(g)
	assert.True(t, destroyed, "entry must be freed once the epoch has advanced past its generation")
	assert.Zero(t, l.Pending())
}

// Scenario: context 0 retires S while context 1 sits in a critical section
// that began before the retirement. S's destructor must not run until
// context 1 has left and re-entered.
func TestReclamationUnderContention(t *testing.T) {
	g := NewGlobal(2)
	l0, l1 := g.Local(0), g.Local(1)

	destroyed := false
	s := &Entry{Destroy: func() { destroyed = true }}

	l1.Enter(g) // old critical section, pins the epoch

	l0.Enter(g)
	l0.Retire(s)
	l0.Leave(g)
	assert.False(t, destroyed)

	// However many times context 0 cycles, the epoch cannot advance while
	// context 1 still shows the old snapshot.
	before := g.Epoch()
	for i := 0; i < 5; i++ {
		l0.Enter(g)
		l0.Leave(g)
	}
	assert.Equal(t, before, g.Epoch(), "epoch must not advance past an active stale context")
	assert.False(t, destroyed)

	l1.Leave(g)
	l1.Enter(g) // re-entry observes the current epoch

	for i := 0; i < 4 && !destroyed; i++ {
		l0.Enter(g)
		l0.Leave(g)
		l1.Leave(g)
		l1.Enter(g)
	}
	assert.True(t, destroyed, "destructor must run after every context re-observed the epoch")
	l1.Leave(g)
}

func TestDrain(t *testing.T) {
	g := NewGlobal(1)
	l := g.Local(0)

	n := 0
	l.Enter(g)
	for i := 0; i < 3; i++ {
		l.Retire(&Entry{Destroy: func() { n++ }})
	}
	l.Leave(g)

	require.Equal(t, 3, l.Pending())
	l.Drain()
	assert.Equal(t, 3, n)
	assert.Zero(t, l.Pending())
}
