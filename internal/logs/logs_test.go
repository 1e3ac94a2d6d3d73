package logs

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "info", Writer: &buf})
	require.NoError(t, err)

	l.Debug("hidden")
	l.Info("sidecar starting", "socket", "/tmp/pear.sock")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "sidecar starting")
	assert.Contains(t, out, "socket=/tmp/pear.sock")
}

func TestNew_LevelIsAdjustable(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Writer: &buf})
	require.NoError(t, err)

	l.Debug("before")
	l.Level.Set(slog.LevelDebug)
	l.Debug("after")

	assert.NotContains(t, buf.String(), "before")
	assert.Contains(t, buf.String(), "after")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
	_, err = New(Options{Level: "loud"})
	assert.Error(t, err)
}

func TestJournalKey(t *testing.T) {
	assert.Equal(t, "START_ID", journalKey("start-id"))
	assert.Equal(t, "APP_KEY2", journalKey("app.key2"))
}
