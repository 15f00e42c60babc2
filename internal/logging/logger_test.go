package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	l.Debug("dropped debug")
	l.Info("dropped info")
	l.Warn("kept warn")
	l.Error("kept error")

	out := buf.String()
	assert.NotContains(t, out, "dropped debug")
	assert.NotContains(t, out, "dropped info")
	assert.Contains(t, out, "kept warn")
	assert.Contains(t, out, "kept error")
}

func TestKeyValueFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	l.Info("sink closed", "fd", 42, "reason", "peer hangup")

	out := buf.String()
	assert.Contains(t, out, "sink closed")
	assert.Contains(t, out, "fd")
	assert.Contains(t, out, "42")
	assert.Contains(t, out, "peer hangup")
}

func TestPrintfStyle(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	l.Infof("context %d of %d", 1, 4)
	assert.Contains(t, buf.String(), "context 1 of 4")
}

func TestJSONOutputLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelInfo, Output: &buf})

	l.Info("one")
	l.Info("two")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "{"), "each entry is one JSON object: %s", line)
	}
}

func TestDefaultIsSingleton(t *testing.T) {
	a := Default()
	b := Default()
	assert.Same(t, a, b)

	custom := NewLogger(nil)
	SetDefault(custom)
	assert.Same(t, custom, Default())
	SetDefault(a)
}
