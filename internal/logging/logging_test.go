// ABOUTME: Tests for logger construction
// ABOUTME: Covers level parsing, JSON console output and the rotated file tee

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("loud"))
}

func TestNew_JSONConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.With("component", "test").Info("hello", "tenant_id", "alice")
	logger.Debug("hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "test", rec["component"])
	assert.Equal(t, "alice", rec["tenant_id"])
}

func TestNew_TextConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.With("component", "router").Debug("update routed", "chat_id", 42)

	out := buf.String()
	assert.Contains(t, out, "update routed")
	assert.Contains(t, out, "component=")
	assert.Contains(t, out, "router")
	assert.Contains(t, out, "42")
}

func TestNew_TeesToRotatedFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "switchboard.log")

	logger, closer, err := New(config.LoggingConfig{Level: "info", Format: "text", File: path, MaxSizeMB: 1}, &buf)
	require.NoError(t, err)

	logger.Info("written twice", "n", 1)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"msg":"written twice"`))
	assert.Contains(t, buf.String(), "written twice")
}
