package logging_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webalyze/internal/logging"
)

func TestNewLoggerWritesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	logger := logging.NewLogger(logging.Config{Level: "info", LogDir: dir, MaxSizeMB: 1, Quiet: true})

	logger.Debug("hidden")
	logger.Info("record processed", slog.String("table", "hosts"))

	data, err := os.ReadFile(filepath.Join(dir, "webalyze.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"record processed"`)
	assert.Contains(t, string(data), `"table":"hosts"`)
	assert.NotContains(t, string(data), "hidden")
}

func TestNewLoggerQuietWithoutDirectory(t *testing.T) {
	logger := logging.NewLogger(logging.Config{Level: "error", Quiet: true})
	require.NotNil(t, logger)
	assert.False(t, logger.Enabled(t.Context(), slog.LevelInfo))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, logging.ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, logging.ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, logging.ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, logging.ParseLevel("bogus"))
}

func TestStoreLoggerLevel(t *testing.T) {
	entry := logging.NewStoreLogger(logging.Config{Level: "info", Quiet: true})
	assert.Equal(t, logrus.WarnLevel, entry.Logger.GetLevel())
	assert.Equal(t, "store", entry.Data["component"])

	entry = logging.NewStoreLogger(logging.Config{Level: "debug", Quiet: true})
	assert.Equal(t, logrus.DebugLevel, entry.Logger.GetLevel())
}
