// Package logging provides a tiny abstraction over slog so downstream code can
// depend on a minimal interface (Logger) while allowing users to plug any
// structured logger. It also offers TaskMeshLogger with contextual helpers
// (component, task) and domain helpers for model calls and topology runs.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogLevel is a thin enum for user friendly level configuration decoupled from slog.
type LogLevel int

const (
	// LogLevelDebug is the debug logging level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the informational logging level.
	LogLevelInfo
	// LogLevelWarn is the warning logging level.
	LogLevelWarn
	// LogLevelError is the error logging level.
	LogLevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a case-insensitive level name to a LogLevel. Unknown names
// yield LogLevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Logger defines the minimal logging interface used across taskmesh. Args are
// slog style key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogAdapter wraps *slog.Logger to implement the Logger interface.
type SlogAdapter struct {
	*slog.Logger
}

// Debug logs a debug message.
func (s *SlogAdapter) Debug(msg string, args ...any) { s.Logger.Debug(msg, args...) }

// Info logs an informational message.
func (s *SlogAdapter) Info(msg string, args ...any) { s.Logger.Info(msg, args...) }

// Warn logs a warning message.
func (s *SlogAdapter) Warn(msg string, args ...any) { s.Logger.Warn(msg, args...) }

// Error logs an error message.
func (s *SlogAdapter) Error(msg string, args ...any) { s.Logger.Error(msg, args...) }

// NewSlogAdapter creates a Logger from *slog.Logger.
func NewSlogAdapter(logger *slog.Logger) Logger {
	return &SlogAdapter{Logger: logger}
}

// NewDefaultSlogLogger creates a Logger using slog.Default().
func NewDefaultSlogLogger() Logger {
	return NewSlogAdapter(slog.Default())
}

// TaskMeshLogger wraps slog.Logger adding contextual cloning helpers and
// domain convenience methods. It is cheap to copy via With* methods.
type TaskMeshLogger struct {
	logger    *slog.Logger
	component string
	taskID    string
}

// LoggerConfig configures construction of a TaskMeshLogger.
type LoggerConfig struct {
	Level     LogLevel
	Format    string // json or text
	Output    io.Writer
	AddSource bool
	Component string
}

// DefaultLoggerConfig returns a baseline JSON info level configuration.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{Level: LogLevelInfo, Format: "json", Output: os.Stderr}
}

// NewLogger builds a TaskMeshLogger from a config (or defaults if nil).
func NewLogger(cfg *LoggerConfig) *TaskMeshLogger {
	if cfg == nil {
		cfg = DefaultLoggerConfig()
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: slogLevel(cfg.Level), AddSource: cfg.AddSource}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return &TaskMeshLogger{logger: slog.New(handler), component: cfg.Component}
}

// NewSlogLogger creates a TaskMeshLogger writing to stderr.
func NewSlogLogger(level LogLevel, format string, addSource bool) *TaskMeshLogger {
	cfg := DefaultLoggerConfig()
	cfg.Level = level

	if format != "" {
		cfg.Format = format
	}

	cfg.AddSource = addSource

	return NewLogger(cfg)
}

func slogLevel(l LogLevel) slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a logger that attaches args to every entry.
func (l *TaskMeshLogger) With(args ...any) *TaskMeshLogger {
	nl := *l
	nl.logger = l.logger.With(args...)

	return &nl
}

// WithComponent sets the logical component (router, coordinator, ...).
func (l *TaskMeshLogger) WithComponent(c string) *TaskMeshLogger {
	nl := *l
	nl.component = c

	return &nl
}

// WithTask attaches a task identifier.
func (l *TaskMeshLogger) WithTask(taskID string) *TaskMeshLogger {
	nl := *l
	nl.taskID = taskID

	return &nl
}

func (l *TaskMeshLogger) log(level slog.Level, msg string, args ...any) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}

	if l.taskID != "" {
		args = append([]any{slog.String("task_id", l.taskID)}, args...)
	}

	if l.component != "" {
		args = append([]any{slog.String("component", l.component)}, args...)
	}

	l.logger.Log(ctx, level, msg, args...)
}

// Debug logs at debug level.
func (l *TaskMeshLogger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }

// Info logs at info level.
func (l *TaskMeshLogger) Info(msg string, args ...any) { l.log(slog.LevelInfo, msg, args...) }

// Warn logs at warn level.
func (l *TaskMeshLogger) Warn(msg string, args ...any) { l.log(slog.LevelWarn, msg, args...) }

// Error logs at error level.
func (l *TaskMeshLogger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

// LogModelCall records one provider call. Completed calls log at debug
// level, failed calls at warn level; args are appended to the entry.
func (l *TaskMeshLogger) LogModelCall(endpoint, model string, tokens int, dur time.Duration, err error, args ...any) {
	writeModelCall(l, endpoint, model, tokens, dur, err, args)
}

// LogTopology records one topology run.
func (l *TaskMeshLogger) LogTopology(topology string, agents, succeeded int, dur time.Duration, err error, args ...any) {
	writeTopology(l, topology, agents, succeeded, dur, err, args)
}

// NoOpLogger discards all log messages. Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// Debug logs a debug message.
func (NoOpLogger) Debug(string, ...any) {}

// Info logs an informational message.
func (NoOpLogger) Info(string, ...any) {}

// Warn logs a warning message.
func (NoOpLogger) Warn(string, ...any) {}

// Error logs an error message.
func (NoOpLogger) Error(string, ...any) {}

// ModelCallLogger is implemented by loggers with their own model call entry.
type ModelCallLogger interface {
	LogModelCall(endpoint, model string, tokens int, dur time.Duration, err error, args ...any)
}

// TopologyLogger is implemented by loggers with their own topology entry.
type TopologyLogger interface {
	LogTopology(topology string, agents, succeeded int, dur time.Duration, err error, args ...any)
}

var (
	_ ModelCallLogger = (*TaskMeshLogger)(nil)
	_ TopologyLogger  = (*TaskMeshLogger)(nil)
)

// ModelCall logs one provider call through l.
func ModelCall(l Logger, endpoint, model string, tokens int, dur time.Duration, err error, args ...any) {
	if ml, ok := l.(ModelCallLogger); ok {
		ml.LogModelCall(endpoint, model, tokens, dur, err, args...)
		return
	}

	writeModelCall(l, endpoint, model, tokens, dur, err, args)
}

// Topology logs one topology run through l.
func Topology(l Logger, topology string, agents, succeeded int, dur time.Duration, err error, args ...any) {
	if tl, ok := l.(TopologyLogger); ok {
		tl.LogTopology(topology, agents, succeeded, dur, err, args...)
		return
	}

	writeTopology(l, topology, agents, succeeded, dur, err, args)
}

func writeModelCall(l Logger, endpoint, model string, tokens int, dur time.Duration, err error, extra []any) {
	args := []any{"endpoint", endpoint, "model", model, "token_count", tokens, "duration", dur}

	if err != nil {
		args = append(append(args, extra...), "error", err.Error())
		l.Warn("Model call failed", args...)

		return
	}

	l.Debug("Model call completed", append(args, extra...)...)
}

func writeTopology(l Logger, topology string, agents, succeeded int, dur time.Duration, err error, extra []any) {
	args := []any{"topology", topology, "agent_count", agents, "succeeded", succeeded, "duration", dur}

	if err != nil {
		args = append(append(args, extra...), "error", err.Error())
		l.Error("Topology execution failed", args...)

		return
	}

	l.Info("Topology execution completed", append(args, extra...)...)
}

// Task scopes l to a task when it supports it.
func Task(l Logger, taskID string) Logger {
	if l == nil {
		return NoOpLogger{}
	}

	if tl, ok := l.(*TaskMeshLogger); ok {
		return tl.WithTask(taskID)
	}

	if sa, ok := l.(*SlogAdapter); ok {
		return &SlogAdapter{Logger: sa.Logger.With("task_id", taskID)}
	}

	return l
}

// Component scopes l to a component when it supports it.
func Component(l Logger, name string) Logger {
	if l == nil {
		return NoOpLogger{}
	}

	if tl, ok := l.(*TaskMeshLogger); ok {
		return tl.WithComponent(name)
	}

	if sa, ok := l.(*SlogAdapter); ok {
		return &SlogAdapter{Logger: sa.Logger.With("component", name)}
	}

	return l
}
