// Package logging provides leveled structured logging for mainmemory.
// The front-end keeps a small fixed surface; the events themselves are
// rendered by logiface with the stumpy JSON backend.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logging configuration
type Config struct {
	Level  LogLevel
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Logger wraps a logiface/stumpy logger with level support
type Logger struct {
	lf    *logiface.Logger[*stumpy.Event]
	level LogLevel
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

func lfLevel(level LogLevel) logiface.Level {
	switch level {
	case LevelDebug:
		return logiface.LevelDebug
	case LevelWarn:
		return logiface.LevelWarning
	case LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

// NewLogger creates a new logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	lf := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(output)),
		stumpy.L.WithLevel(lfLevel(config.Level)),
	)
	return &Logger{
		lf:    lf,
		level: config.Level,
	}
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

func (l *Logger) builder(level LogLevel) *logiface.Builder[*stumpy.Event] {
	if level < l.level {
		return nil
	}
	switch level {
	case LevelDebug:
		return l.lf.Debug()
	case LevelWarn:
		return l.lf.Warning()
	case LevelError:
		return l.lf.Err()
	default:
		return l.lf.Info()
	}
}

func (l *Logger) log(level LogLevel, msg string, args []any) {
	b := l.builder(level)
	if b == nil {
		return
	}
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		switch v := args[i+1].(type) {
		case string:
			b = b.Str(key, v)
		case int:
			b = b.Int(key, v)
		case error:
			b = b.Field(key, v)
		default:
			b = b.Field(key, v)
		}
	}
	b.Log(msg)
}

func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args) }
func (l *Logger) Info(msg string, args ...any)  { l.log(LevelInfo, msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(LevelWarn, msg, args) }
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, msg, args) }

// Printf-style logging
func (l *Logger) Debugf(format string, args ...any) {
	if b := l.builder(LevelDebug); b != nil {
		b.Logf(format, args...)
	}
}

func (l *Logger) Infof(format string, args ...any) {
	if b := l.builder(LevelInfo); b != nil {
		b.Logf(format, args...)
	}
}

func (l *Logger) Warnf(format string, args ...any) {
	if b := l.builder(LevelWarn); b != nil {
		b.Logf(format, args...)
	}
}

func (l *Logger) Errorf(format string, args ...any) {
	if b := l.builder(LevelError); b != nil {
		b.Logf(format, args...)
	}
}

// Printf for compatibility
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// Global convenience functions
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
