package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/mainmemory/internal/epoch"
)

func TestPrepareDetached(t *testing.T) {
	var s Sink
	io := &IOTasks{}
	s.Prepare(3, FlagRegularInput|FlagFixedPoller, io, nil)

	assert.Equal(t, 3, s.FD())
	assert.Equal(t, NoContext, s.Context())
	assert.True(t, s.Has(FlagRegularInput))
	assert.True(t, s.Has(FlagFixedPoller))
	assert.False(t, s.Closed())
	assert.Same(t, io, s.IO)

	// Runtime state bits must not leak in through Prepare.
	s.Prepare(3, FlagInputStarted|FlagRegularOutput, io, nil)
	assert.False(t, s.Has(FlagInputStarted))
	assert.True(t, s.Has(FlagRegularOutput))
}

func TestFlagOps(t *testing.T) {
	var s Sink
	s.Prepare(1, 0, nil, nil)

	s.Set(FlagInputStarted)
	assert.True(t, s.Started())
	assert.True(t, s.HasAny(FlagInputStarted|FlagOutputStarted))
	assert.False(t, s.Has(FlagInputStarted|FlagOutputStarted))

	s.Set(FlagOutputStarted)
	assert.True(t, s.Has(FlagInputStarted|FlagOutputStarted))

	s.Clear(FlagInputStarted | FlagOutputStarted)
	assert.False(t, s.Started())
}

func TestReceiveDispatchStamps(t *testing.T) {
	var s Sink
	s.Prepare(1, 0, nil, nil)

	require.True(t, s.Receive(), "first event needs a dispatch")
	require.False(t, s.Receive(), "second event rides the in-flight dispatch")
	require.False(t, s.Receive())

	r, d, c := s.Stamps()
	assert.Equal(t, uint16(3), r)
	assert.Equal(t, uint16(1), d)
	assert.Equal(t, uint16(0), c)

	s.CompleteDispatch()
	_, d, c = s.Stamps()
	assert.Equal(t, d, c)

	require.True(t, s.Receive(), "after completion the next event dispatches again")
}

func TestRetireViaEpoch(t *testing.T) {
	g := epoch.NewGlobal(1)
	l := g.Local(0)

	destroyed := 0
	var s Sink
	s.Prepare(1, 0, nil, func(*Sink) { destroyed++ })

	l.Enter(g)
	s.RetireVia(l)
	l.Leave(g)
	require.Zero(t, destroyed)

	for i := 0; i < 3; i++ {
		l.Enter(g)
		l.Leave(g)
	}
	assert.Equal(t, 1, destroyed)
}

func TestOneShot(t *testing.T) {
	var s Sink
	s.Prepare(1, 0, nil, nil)
	assert.True(t, s.OneShot())

	s.Prepare(1, FlagRegularInput, nil, nil)
	assert.False(t, s.OneShot())
}
