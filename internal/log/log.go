// Package log holds the process-wide zap logger.
package log

import (
	"go.uber.org/zap"
)

var defaultLogger = zap.NewNop()

// Get returns the process logger. It is a no-op logger until Set is called.
func Get() *zap.Logger {
	return defaultLogger
}

// Set builds the process logger. Development mode logs at debug level in
// console format; otherwise JSON at info level.
func Set(development bool) error {
	var cfg zap.Config
	if development {
		cfg = zap.Config{
			Level:            zap.NewAtomicLevelAt(zap.DebugLevel),
			Development:      true,
			Encoding:         "console",
			EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
			OutputPaths:      []string{"stderr"},
			ErrorOutputPaths: []string{"stderr"},
		}
	} else {
		cfg = zap.NewProductionConfig()
	}

	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	defaultLogger = logger
	return nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Flush syncs buffered log entries.
func Flush() {
	_ = defaultLogger.Sync()
}
