// Package log is a thin wrapper around zap shared by every other package.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	mu     sync.RWMutex
	logger *zap.Logger
)

func init() {
	var l *zap.Logger
	var err error
	if os.Getenv("STREAMS_DEV_LOG") != "" {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		l = zap.NewNop()
	}
	logger = l
}

// Replace swaps the shared logger, letting cmd/ binaries install their own
// configured instance instead of the package default.
func Replace(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

func get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debug(msg string, fields ...zap.Field) { get().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { get().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { get().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { get().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { get().Fatal(msg, fields...) }

// Sync flushes buffered log entries; call before process exit.
func Sync() error { return get().Sync() }
