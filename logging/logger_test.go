package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDebugTogglesVerbosity(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "info", Output: &buf})

	log.Debug("hidden")
	assert.Empty(t, buf.String())
	assert.False(t, log.DebugEnabled())

	log.SetDebug(true)
	assert.True(t, log.DebugEnabled())
	log.Debug("shown")
	assert.Contains(t, buf.String(), "shown")

	log.SetDebug(false)
	buf.Reset()
	log.Debug("hidden again")
	assert.Empty(t, buf.String())
}

func TestSetDebugRestoresBaseLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "warn", Output: &buf})

	log.SetDebug(true)
	log.SetDebug(false)
	log.Info("filtered")
	log.Warn("kept")

	assert.NotContains(t, buf.String(), "filtered")
	assert.Contains(t, buf.String(), "kept")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Format: "json", Output: &buf})
	log.Info("client connected", "remote", "127.0.0.1:5000")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "client connected", record["msg"])
	assert.Equal(t, "127.0.0.1:5000", record["remote"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestDiscard(t *testing.T) {
	log := Discard()
	log.Error("nothing")
	log.SetDebug(true)
	assert.True(t, log.DebugEnabled())
}
