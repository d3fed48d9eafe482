// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nullmap-sec/riskgraph/internal/config"
)

// resetGlobalLogger is critical for ensuring test isolation, as the logger
// is a global singleton. We must reset it before each test.
func resetGlobalLogger() {
	once = sync.Once{}
	globalLogger.Store(nil)
}

func TestInitialize(t *testing.T) {

	t.Run("should initialize console logger with colors", func(t *testing.T) {
		resetGlobalLogger()
		var buf bytes.Buffer

		cfg := config.LoggingConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "TestService",
			Colors: config.ColorConfig{
				Info: "green",
			},
		}
		Initialize(cfg, zapcore.AddSync(&buf))
		logger := GetLogger()
		logger.Info("This is a test message.")

		output := buf.String()
		assert.Contains(t, output, "INFO", "Output should contain the log level")
		assert.Contains(t, output, "This is a test message.", "Output should contain the message")
		assert.Contains(t, output, colorGreen, "Info level should be colorized green")
		assert.Contains(t, output, colorReset, "Output should contain the reset color code")
		assert.Contains(t, output, "TestService.", "Console format should dot-suffix the service name")
	})

	t.Run("should initialize json logger", func(t *testing.T) {
		resetGlobalLogger()
		var buf bytes.Buffer

		cfg := config.LoggingConfig{
			Level:       "info",
			Format:      "json",
			ServiceName: "JSONTest",
		}
		Initialize(cfg, zapcore.AddSync(&buf))
		logger := GetLogger()
		logger.Warn("This is a JSON message.", zap.String("key", "value"))

		var logEntry map[string]interface{}
		err := json.Unmarshal(buf.Bytes(), &logEntry)
		require.NoError(t, err, "Log output should be valid JSON")

		assert.Equal(t, "WARN", logEntry["level"])
		assert.Equal(t, "JSONTest", logEntry["logger"])
		assert.Equal(t, "This is a JSON message.", logEntry["msg"])
		assert.Equal(t, "value", logEntry["key"])
	})

	t.Run("should write to a log file if configured", func(t *testing.T) {
		resetGlobalLogger()
		logPath := filepath.Join(t.TempDir(), "riskgraph-test.log")

		cfg := config.LoggingConfig{
			Level:   "debug",
			Format:  "json",
			LogFile: logPath,
			MaxSize: 1, // 1 MB
		}
		Initialize(cfg, zapcore.AddSync(&bytes.Buffer{}))
		logger := GetLogger()
		logger.Error("This should go to the file.")
		Sync()

		content, err := os.ReadFile(logPath)
		require.NoError(t, err)
		assert.Contains(t, string(content), "This should go to the file.", "Log file should contain the message")
	})

	t.Run("should only initialize once", func(t *testing.T) {
		resetGlobalLogger()
		var buf bytes.Buffer

		cfg1 := config.LoggingConfig{Level: "info", Format: "json", ServiceName: "First"}
		Initialize(cfg1, zapcore.AddSync(&buf))
		logger1 := GetLogger()

		cfg2 := config.LoggingConfig{Level: "debug", Format: "json", ServiceName: "Second"}
		Initialize(cfg2, zapcore.AddSync(&buf))
		logger2 := GetLogger()

		assert.Equal(t, logger1, logger2)
		logger2.Info("test")

		assert.True(t, strings.Contains(buf.String(), "First"))
		assert.False(t, strings.Contains(buf.String(), "Second"))
	})

	t.Run("should fall back to info on an invalid level", func(t *testing.T) {
		resetGlobalLogger()
		var buf bytes.Buffer

		cfg := config.LoggingConfig{Level: "shouty", Format: "json", ServiceName: "BadLevel"}
		Initialize(cfg, zapcore.AddSync(&buf))
		logger := GetLogger()
		require.NotNil(t, logger)

		logger.Debug("should be suppressed at info level")
		logger.Info("should appear")

		assert.NotContains(t, buf.String(), "should be suppressed")
		assert.Contains(t, buf.String(), "should appear")
	})
}

func TestNewLogger(t *testing.T) {
	t.Run("rejects an invalid level", func(t *testing.T) {
		_, err := NewLogger(config.LoggingConfig{Level: "nope"}, zapcore.AddSync(&bytes.Buffer{}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log level")
	})

	t.Run("builds an independent instance", func(t *testing.T) {
		resetGlobalLogger()
		var buf bytes.Buffer
		logger, err := NewLogger(config.LoggingConfig{Level: "info", Format: "json", ServiceName: "DI"}, zapcore.AddSync(&buf))
		require.NoError(t, err)

		logger.Info("hello from DI")
		assert.Contains(t, buf.String(), "hello from DI")
		// The global slot must stay untouched.
		assert.Nil(t, globalLogger.Load())
	})
}

func TestGetLogger(t *testing.T) {
	t.Run("should return a fallback logger if not initialized", func(t *testing.T) {
		resetGlobalLogger()
		logger := GetLogger()
		require.NotNil(t, logger)
	})

	t.Run("should return the global logger after initialization", func(t *testing.T) {
		resetGlobalLogger()
		cfg := config.LoggingConfig{Level: "info", ServiceName: "GlobalTest"}
		Initialize(cfg, zapcore.AddSync(&bytes.Buffer{}))

		logger := GetLogger()
		assert.Equal(t, globalLogger.Load(), logger)
	})
}
