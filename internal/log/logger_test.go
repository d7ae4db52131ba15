package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesSessionContext(t *testing.T) {
	var buf bytes.Buffer
	l := newLoggerWithWriter("sess-1", "debug", &buf).Named("turn")

	l.Debug("line received", map[string]any{"kind": "thought"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "line received", entry["message"])
	assert.Equal(t, "sess-1", entry["session_id"])
	assert.Equal(t, "turn", entry["component"])
	assert.Equal(t, map[string]any{"kind": "thought"}, entry["fields"])
}

func TestLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := newLoggerWithWriter("sess-1", "", &buf)

	l.Debug("hidden", nil)
	l.Info("hidden", nil)
	l.Warn("shown", nil)

	out := strings.TrimSpace(buf.String())
	assert.Equal(t, 1, strings.Count(out, "\n")+1)
	assert.Contains(t, out, "shown")
}

func TestInfoLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newLoggerWithWriter("sess-1", "info", &buf)

	l.Debug("hidden", nil)
	l.Info("reauthentication requested", map[string]any{"status": "started"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "reauthentication requested", entry["message"])
}

func TestNopDiscards(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().Named("x").With("k", 1).Error("dropped", map[string]any{"a": 1})
	})
}
