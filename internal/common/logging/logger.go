// Package logging provides structured logging using zap
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

// NewDefaultLogger creates a logger with default configuration using zap
func NewDefaultLogger() Logger {
	config := DefaultLogConfig()
	logger, err := NewZapLogger(config)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize default zap logger: %v", err))
	}
	return logger
}

// InitGlobalLogger initializes the global logger with the given level.
// When logFile is empty, entries go to stdout; otherwise they are appended
// to logFile. The returned closer releases the file handle.
func InitGlobalLogger(level, logFile string) (io.Closer, error) {
	parsed := ParseLevel(level)

	var output io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", logFile, err)
		}
		output = file
		closer = file
	}

	logger, err := NewZapLogger(LogConfig{
		Level:      parsed,
		Output:     output,
		TimeFormat: time.RFC3339,
	})
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	SetGlobalLogger(logger)

	logger.Debug("Logger initialized",
		Field{"level", parsed.String()},
		Field{"log_file", logFile},
	)

	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// MustSync flushes any buffered log entries for zap loggers
// This should be called before application exit
func MustSync() {
	logger := GetGlobalLogger()
	if zapLogger, ok := logger.(*ZapAdapter); ok {
		_ = zapLogger.Sync()
	}
}

// WithContext is a convenience function to add context to the global logger
func WithContext(ctx context.Context) Logger {
	return GetGlobalLogger().WithContext(ctx)
}

// Strings creates a string slice field
func Strings(key string, values []string) Field {
	return Field{Key: key, Value: values}
}

// Err creates an error field with key "error"
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Component tags a logger with the name of the coordination primitive
func Component(name string) Field {
	return Field{Key: "component", Value: name}
}
