// Black-box checks of the public surface, kept apart from the
// package-level tests the way the white-box suites are.
package unit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/mainmemory"
)

func TestDefaultsAreSane(t *testing.T) {
	assert.GreaterOrEqual(t, mainmemory.DefaultWorkersMax, mainmemory.DefaultWorkersMin)
	assert.GreaterOrEqual(t, mainmemory.DefaultStackPages, 1)
	assert.Equal(t, 6, mainmemory.MaxAsyncArgs)
}

func TestPrepareAndCleanupWithoutStart(t *testing.T) {
	params := mainmemory.DefaultParams(2)
	params.Source = mainmemory.NewMockSource()
	d, err := mainmemory.Prepare(params)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Size())
	assert.NotNil(t, d.Context(0))
	assert.NotNil(t, d.Context(1))

	// Cleanup of a dispatch whose loops never ran must not hang.
	require.NoError(t, d.Cleanup())
}

func TestOptionsFeedPrepare(t *testing.T) {
	params := mainmemory.DefaultParams(1)
	params.Source = mainmemory.NewMockSource()
	require.NoError(t, mainmemory.ParseOptions(&params, map[string]string{
		"workers.min": "1",
		"workers.max": "4",
	}))

	d, err := mainmemory.Prepare(params)
	require.NoError(t, err)
	require.NoError(t, d.Cleanup())
}

func TestErrorCategories(t *testing.T) {
	e := mainmemory.NewError("op", mainmemory.ErrCodeInboxSaturated, "")
	assert.ErrorIs(t, e, mainmemory.NewError("", mainmemory.ErrCodeInboxSaturated, ""))
}
