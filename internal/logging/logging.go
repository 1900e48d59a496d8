// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the structured key/value logger used across the
// daemon. It is a thin facade over logrus so call sites stay terse:
//
//	logger.Info("session completed", "session_id", id, "packets", n)
package logging

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Level controls the minimum severity that is emitted.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logger construction options.
type Config struct {
	Output io.Writer
	Level  Level
	JSON   bool
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		Output: os.Stdout,
		Level:  LevelInfo,
	}
}

// Logger emits structured log records.
type Logger struct {
	base      *logrus.Logger
	component string
}

// New creates a Logger from the given config.
func New(cfg Config) *Logger {
	base := logrus.New()
	if cfg.Output != nil {
		base.SetOutput(cfg.Output)
	}
	if cfg.JSON {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	base.SetLevel(toLogrusLevel(cfg.Level))
	return &Logger{base: base}
}

func toLogrusLevel(l Level) logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// ParseLevel maps a config string to a Level. Unknown strings mean info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// WithComponent returns a logger that tags every record with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{base: l.base, component: name}
}

func (l *Logger) fields(kv []any) logrus.Fields {
	fields := make(logrus.Fields, len(kv)/2+1)
	if l.component != "" {
		fields["component"] = l.component
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return fields
}

// Debug logs at debug level with alternating key/value pairs.
func (l *Logger) Debug(msg string, kv ...any) {
	l.base.WithFields(l.fields(kv)).Debug(msg)
}

// Info logs at info level with alternating key/value pairs.
func (l *Logger) Info(msg string, kv ...any) {
	l.base.WithFields(l.fields(kv)).Info(msg)
}

// Warn logs at warn level with alternating key/value pairs.
func (l *Logger) Warn(msg string, kv ...any) {
	l.base.WithFields(l.fields(kv)).Warn(msg)
}

// Error logs at error level with alternating key/value pairs.
func (l *Logger) Error(msg string, kv ...any) {
	l.base.WithFields(l.fields(kv)).Error(msg)
}

var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(New(DefaultConfig()))
}

// Default returns the process-wide logger.
func Default() *Logger {
	return defaultLogger.Load()
}

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger.Store(l)
	}
}
