package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(&buf, "info", FormatJSON)
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("part assigned", zap.String("scheduler", "s1"), zap.Int("part", 3))
	require.NoError(t, log.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "exactly one json line")
	assert.Equal(t, "part assigned", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "s1", entry["scheduler"])
	assert.Equal(t, float64(3), entry["part"])
}

func TestConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(&buf, "debug", FormatConsole)
	require.NoError(t, err)

	log.Debug("check", zap.String("id", "p1"))
	require.NoError(t, log.Sync())
	assert.Contains(t, buf.String(), "check")
	assert.Contains(t, buf.String(), `"id": "p1"`)
}

func TestInvalidSettings(t *testing.T) {
	_, err := New("loud", FormatJSON)
	assert.ErrorContains(t, err, "log level")

	_, err = New("info", "xml")
	assert.ErrorContains(t, err, "unknown log format")
}
