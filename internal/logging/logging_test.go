package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestBuildJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := build(zapcore.AddSync(&buf), false, "info", FormatAuto)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Named("tcp").Info("Listening for peers", zap.String("addr", "127.0.0.1:4130"))
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Listening for peers", entry["msg"])
	assert.Equal(t, "tcp", entry["logger"])
	assert.Equal(t, "127.0.0.1:4130", entry["addr"])
}

func TestBuildConsoleOnTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger, err := build(zapcore.AddSync(&buf), true, "debug", FormatAuto)
	require.NoError(t, err)
	logger.Debug("hello")
	require.NoError(t, logger.Sync())
	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(buf.Bytes()))
}

func TestBuildErrors(t *testing.T) {
	_, err := build(zapcore.AddSync(&bytes.Buffer{}), false, "loud", FormatJSON)
	assert.Error(t, err)
	_, err = build(zapcore.AddSync(&bytes.Buffer{}), false, "info", "xml")
	assert.Error(t, err)
}
