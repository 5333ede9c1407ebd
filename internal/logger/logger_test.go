package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"tempinbox/backend/internal/config"
)

func TestNewLogger(t *testing.T) {
	t.Run("JSON格式输出", func(t *testing.T) {
		var buf bytes.Buffer
		log, err := NewLogger(Options{Level: "info", Output: zapcore.AddSync(&buf)})
		require.NoError(t, err)

		log.Info("mailbox created")
		require.NoError(t, log.Sync())

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "info", entry["level"])
		assert.Equal(t, "mailbox created", entry["message"])
	})

	t.Run("低于级别的日志被丢弃", func(t *testing.T) {
		var buf bytes.Buffer
		log, err := NewLogger(Options{Level: "warn", Output: zapcore.AddSync(&buf)})
		require.NoError(t, err)

		log.Info("ignored")
		require.NoError(t, log.Sync())

		assert.Zero(t, buf.Len())
	})

	t.Run("无效级别回退到info", func(t *testing.T) {
		var buf bytes.Buffer
		log, err := NewLogger(Options{Level: "loud", Output: zapcore.AddSync(&buf)})
		require.NoError(t, err)

		log.Debug("ignored")
		log.Info("kept")
		require.NoError(t, log.Sync())

		assert.Contains(t, buf.String(), "kept")
		assert.NotContains(t, buf.String(), "ignored")
	})
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tempinbox.log")

	log, err := New(config.LogConfig{Level: "info", File: path})
	require.NoError(t, err)

	log.Info("written to file")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}
