package logging

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger  *zap.Logger
	sugar   *zap.SugaredLogger
	once    sync.Once
	initErr error
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// initLogger performs lazy initialization of the logger.
func initLogger() {
	once.Do(func() {
		config := zap.NewProductionConfig()
		config.Encoding = "console"
		config.DisableStacktrace = true
		config.DisableCaller = true
		config.Level = level

		var err error
		logger, err = config.Build()
		if err != nil {
			// Fall back to a no-op logger instead of panicking.
			logger = zap.NewNop()
			initErr = err
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize logger: %v\n", err)
		}
		sugar = logger.Sugar()
	})
}

// SetLevel sets the logging level.
// verbosity: 0 = info, 1 = debug (-v), 2+ = debug (-vv)
func SetLevel(verbosity int) {
	switch verbosity {
	case 0:
		level.SetLevel(zapcore.InfoLevel)
	default:
		level.SetLevel(zapcore.DebugLevel)
	}
}

// GetLogger returns the structured logger.
func GetLogger() *zap.Logger {
	initLogger()
	return logger
}

// GetSugar returns the sugared logger for easier use.
func GetSugar() *zap.SugaredLogger {
	initLogger()
	return sugar
}

// Sync flushes any buffered log entries.
func Sync() {
	initLogger()
	_ = logger.Sync()
}

// InitError returns any error that occurred during logger initialization.
func InitError() error {
	initLogger()
	return initErr
}

// Info logs an informational message.
func Info(msg string, fields ...zap.Field) {
	initLogger()
	logger.Info(msg, fields...)
}

// Warn logs a warning message.
func Warn(msg string, fields ...zap.Field) {
	initLogger()
	logger.Warn(msg, fields...)
}

// Error logs an error message.
func Error(msg string, fields ...zap.Field) {
	initLogger()
	logger.Error(msg, fields...)
}

// Debug logs a debug message.
func Debug(msg string, fields ...zap.Field) {
	initLogger()
	logger.Debug(msg, fields...)
}
