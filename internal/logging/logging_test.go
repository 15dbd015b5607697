package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestBuild_JSONFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, sync, err := build("warn", "json", zapcore.AddSync(&buf))
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("symbol halted", slog.String("symbol", "AAPL"), slog.Int("depth", 3))
	require.NoError(t, sync())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "symbol halted", entry["msg"])
	assert.Equal(t, "AAPL", entry["symbol"])
	assert.Equal(t, float64(3), entry["depth"])
}

func TestBuild_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := build("debug", "console", zapcore.AddSync(&buf))
	require.NoError(t, err)

	logger.With(slog.String("session", "s-1")).Debug("session opened")
	assert.Contains(t, buf.String(), "session opened")
	assert.Contains(t, buf.String(), "s-1")
}

func TestBuild_Invalid(t *testing.T) {
	_, _, err := build("loud", "json", zapcore.AddSync(&bytes.Buffer{}))
	assert.Error(t, err)

	_, _, err = build("info", "xml", zapcore.AddSync(&bytes.Buffer{}))
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	logger, sync, err := New("info", "json")
	require.NoError(t, err)
	require.NotNil(t, logger)
	_ = sync()
}
