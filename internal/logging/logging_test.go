package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestJSONLoggerMergesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, "server", DebugLevel).With(Fields{"session_id": "abc"})

	l.Info("session started", Fields{"role": "answerer", "error": errors.New("boom")})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "info", entries[0]["level"])
	assert.Equal(t, "server", entries[0]["component"])
	assert.Equal(t, "abc", entries[0]["session_id"])
	assert.Equal(t, "answerer", entries[0]["role"])
	assert.Equal(t, "boom", entries[0]["error"])
}

func TestJSONLoggerMinimumLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, "client", WarnLevel)

	l.Debug("hidden", nil)
	l.Info("hidden", nil)
	l.Warn("shown", nil)
	l.Error("shown", nil)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "warn", entries[0]["level"])
	assert.Equal(t, "error", entries[1]["level"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, WarnLevel, ParseLevel(" warning "))
	assert.Equal(t, ErrorLevel, ParseLevel("error"))
	assert.Equal(t, InfoLevel, ParseLevel("verbose"))
}

func TestPionLoggerFactoryAddsScope(t *testing.T) {
	var buf bytes.Buffer
	f := NewPionLoggerFactory(NewJSONLogger(&buf, "engine", DebugLevel))

	f.NewLogger("ice").Infof("pair %d succeeded", 3)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "ice", entries[0]["scope"])
	assert.Equal(t, "pair 3 succeeded", entries[0]["msg"])
}
