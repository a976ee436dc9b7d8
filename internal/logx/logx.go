// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package logx provides the leveled logger shared by pool and reactor.
// Construction failures are always returned as errors, never routed through
// here — this package is for the operational noise around a running
// worker or reactor loop (pinning failures, descriptor errors, EINTR
// retries) that the caller wants visibility into without treating as fatal.
package logx

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Level is a log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger is the interface pool and reactor accept, so callers can plug in
// their own sink instead of the stdlib-log-backed default.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// StdLogger wraps the standard library's log.Logger with level filtering.
type StdLogger struct {
	logger *log.Logger
	level  Level
	mu     sync.Mutex
}

// Config configures a StdLogger.
type Config struct {
	Level  Level
	Output io.Writer
}

// DefaultConfig returns Level Info writing to stderr.
func DefaultConfig() *Config {
	return &Config{Level: LevelInfo, Output: os.Stderr}
}

// New creates a StdLogger. A nil config uses [DefaultConfig].
func New(config *Config) *StdLogger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	return &StdLogger{logger: log.New(output, "", log.LstdFlags), level: config.Level}
}

var (
	defaultLogger *StdLogger
	defaultMu     sync.RWMutex
)

// Default returns the process-wide default logger, creating it on first use.
func Default() *StdLogger {
	defaultMu.RLock()
	if defaultLogger != nil {
		defer defaultMu.RUnlock()
		return defaultLogger
	}
	defaultMu.RUnlock()

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(nil)
	}
	return defaultLogger
}

// SetDefault replaces the process-wide default logger.
func SetDefault(l *StdLogger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var result string
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			if result != "" {
				result += " "
			}
			result += fmt.Sprintf("%v=%v", args[i], args[i+1])
		}
	}
	if result != "" {
		return " " + result
	}
	return ""
}

func (l *StdLogger) log(level Level, prefix, msg string, args ...any) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Printf("%s %s%s", prefix, msg, formatArgs(args))
}

func (l *StdLogger) Debug(msg string, args ...any) { l.log(LevelDebug, "[DEBUG]", msg, args...) }
func (l *StdLogger) Info(msg string, args ...any)  { l.log(LevelInfo, "[INFO]", msg, args...) }
func (l *StdLogger) Warn(msg string, args ...any)  { l.log(LevelWarn, "[WARN]", msg, args...) }
func (l *StdLogger) Error(msg string, args ...any) { l.log(LevelError, "[ERROR]", msg, args...) }

func (l *StdLogger) Debugf(format string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", fmt.Sprintf(format, args...))
}
func (l *StdLogger) Infof(format string, args ...any) {
	l.log(LevelInfo, "[INFO]", fmt.Sprintf(format, args...))
}
func (l *StdLogger) Warnf(format string, args ...any) {
	l.log(LevelWarn, "[WARN]", fmt.Sprintf(format, args...))
}
func (l *StdLogger) Errorf(format string, args ...any) {
	l.log(LevelError, "[ERROR]", fmt.Sprintf(format, args...))
}

// NopLogger discards everything. It satisfies [Logger] with zero overhead
// for callers that don't want any logging.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any)          {}
func (NopLogger) Info(string, ...any)           {}
func (NopLogger) Warn(string, ...any)           {}
func (NopLogger) Error(string, ...any)          {}
func (NopLogger) Debugf(string, ...any)         {}
func (NopLogger) Infof(string, ...any)          {}
func (NopLogger) Warnf(string, ...any)          {}
func (NopLogger) Errorf(string, ...any)         {}

var (
	_ Logger = (*StdLogger)(nil)
	_ Logger = NopLogger{}
)
