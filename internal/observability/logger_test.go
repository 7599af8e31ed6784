// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/catalog-relay/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// -- Test Helper Functions --

// captureFile swaps *target for a pipe for the duration of a test and returns what was written.
func captureFile(t *testing.T, target **os.File) (*bytes.Buffer, func()) {
	t.Helper()
	original := *target
	r, w, err := os.Pipe()
	require.NoError(t, err)

	*target = w
	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		_, _ = buf.ReadFrom(r)
		close(done)
	}()

	return &buf, func() {
		w.Close()
		<-done
		*target = original
	}
}

// -- Test Cases --

func TestInitialize(t *testing.T) {
	t.Run("console logger with colors", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		var buf bytes.Buffer
		Initialize(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "relay-test",
			Colors:      config.ColorConfig{Info: "green"},
		}, zapcore.AddSync(&buf))

		GetLogger().Info("Browser launched.")
		Sync()

		output := buf.String()
		assert.Contains(t, output, "INFO")
		assert.Contains(t, output, "Browser launched.")
		assert.Contains(t, output, "relay-test.")
		assert.Contains(t, output, ansiColors["green"])
		assert.Contains(t, output, colorReset)
	})

	t.Run("json logger with fields", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		var buf bytes.Buffer
		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "relay-test"}, zapcore.AddSync(&buf))

		GetLogger().Warn("Search rejected.", zap.Int("status", 503))
		Sync()

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "Search rejected.", entry["msg"])
		assert.Equal(t, float64(503), entry["status"])
		assert.Equal(t, "relay-test", entry["logger"])
		assert.Equal(t, float64(os.Getpid()), entry["pid"])
	})

	t.Run("level filtering", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		var buf bytes.Buffer
		Initialize(config.LoggerConfig{Level: "warn", Format: "json"}, zapcore.AddSync(&buf))

		GetLogger().Info("hidden")
		GetLogger().Error("shown")
		Sync()

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		var buf bytes.Buffer
		Initialize(config.LoggerConfig{Level: "verbose", Format: "json"}, zapcore.AddSync(&buf))

		GetLogger().Debug("debug line")
		GetLogger().Info("info line")
		Sync()

		assert.NotContains(t, buf.String(), "debug line")
		assert.Contains(t, buf.String(), "info line")
	})

	t.Run("writes rotated json file", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		logFile := filepath.Join(t.TempDir(), "relay.log")
		var buf bytes.Buffer
		Initialize(config.LoggerConfig{Level: "info", Format: "console", LogFile: logFile, MaxSize: 1}, zapcore.AddSync(&buf))

		GetLogger().Info("persisted line")
		Sync()

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(strings.TrimSpace(string(data)), "{"), "file output should be JSON")
		assert.Contains(t, string(data), "persisted line")
	})

	t.Run("initializes only once", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		var first, second bytes.Buffer
		Initialize(config.LoggerConfig{Level: "info", Format: "json"}, zapcore.AddSync(&first))
		Initialize(config.LoggerConfig{Level: "info", Format: "json"}, zapcore.AddSync(&second))

		GetLogger().Info("once")
		Sync()

		assert.Contains(t, first.String(), "once")
		assert.Empty(t, second.String())
	})
}

// The protocol owns stdout; production logging must never touch it.
func TestInitializeLogger_NeverWritesStdout(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	stdout, restoreStdout := captureFile(t, &os.Stdout)
	stderr, restoreStderr := captureFile(t, &os.Stderr)

	InitializeLogger(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "relay-test"})
	GetLogger().Info("to stderr")
	Sync()

	restoreStdout()
	restoreStderr()

	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), "to stderr")
}

func TestWithSession(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var buf bytes.Buffer
	Initialize(config.LoggerConfig{Level: "info", Format: "json"}, zapcore.AddSync(&buf))

	tagged := WithSession("4f1c2a9e")
	tagged.Info("from returned logger")
	GetLogger().Info("from global logger")
	zap.L().Info("from zap globals")
	Sync()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	for _, line := range lines {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		assert.Equal(t, "4f1c2a9e", entry["session_id"], line)
	}
}

func TestIsUnsyncable(t *testing.T) {
	assert.True(t, isUnsyncable(&os.PathError{Op: "sync", Path: "/dev/stderr", Err: syscall.EINVAL}))
	assert.True(t, isUnsyncable(fmt.Errorf("wrapped: %w", syscall.ENOTTY)))
	assert.False(t, isUnsyncable(errors.New("disk full")))
}

func TestGetLogger_Fallback(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
}
