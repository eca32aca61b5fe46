package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/communicator/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(&buf, config.LoggingConfig{Level: "info", Format: "json"}, "1.2.3")

	logger.Debug("hidden")
	logger.Info("connected", "identifier", "robot-1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), buf.String())
	assert.Equal(t, "connected", entry["msg"])
	assert.Equal(t, "communicatord", entry["service"])
	assert.Equal(t, "1.2.3", entry["version"])
	assert.Equal(t, "robot-1", entry["identifier"])
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(&buf, config.LoggingConfig{Level: "debug", Format: "text"}, "dev")

	logger.Debug("decode failed")
	assert.Contains(t, buf.String(), "msg=\"decode failed\"")
	assert.Contains(t, buf.String(), "service=communicatord")
}

func TestNew_Output(t *testing.T) {
	assert.NotNil(t, New(config.LoggingConfig{Output: "stderr"}, "dev"))
	assert.NotNil(t, New(config.LoggingConfig{}, "dev"))
}
