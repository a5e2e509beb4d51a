package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestLogger_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn).With("runner")

	l.Info("dispatch task=%s", "f-000001")
	l.Warn("agent_dead agent=%s", "claude")

	out := buf.String()
	assert.NotContains(t, out, "dispatch")
	assert.Contains(t, out, "WARN runner: agent_dead agent=claude")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestLogger_NilIsSafe(t *testing.T) {
	var l *Logger
	l.Info("nothing %d", 1)
	assert.Nil(t, l.With("x"))
	assert.False(t, l.Enabled(LevelError))
}
