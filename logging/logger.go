package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogLevel is the configured verbosity, independent of slog.
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

var levelNames = map[LogLevel]string{
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

func (l LogLevel) slog() slog.Level {
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

// ParseLevel maps "debug", "info", "warn"/"warning" and "error" to a LogLevel.
// The empty string is info.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug, nil
	case "", "info":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	}
	return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Logger is the logging surface every quorum package depends on.
// Arguments after msg are slog style key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NoOpLogger discards everything.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, ...any) {}
func (NoOpLogger) Info(string, ...any)  {}
func (NoOpLogger) Warn(string, ...any)  {}
func (NoOpLogger) Error(string, ...any) {}

// LoggerConfig configures NewLogger.
type LoggerConfig struct {
	Level     LogLevel
	Format    string // json (default) or text
	Output    io.Writer
	AddSource bool
}

// StructuredLogger is a Logger backed by slog with immutable contextual
// attributes. The With* methods return derived loggers.
type StructuredLogger struct {
	*slog.Logger
}

// NewLogger builds a StructuredLogger writing to cfg.Output (stderr when nil).
func NewLogger(cfg LoggerConfig) *StructuredLogger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level.slog(), AddSource: cfg.AddSource}

	var h slog.Handler = slog.NewJSONHandler(out, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(out, opts)
	}
	return &StructuredLogger{Logger: slog.New(h)}
}

// NewSlogLogger is shorthand for a stderr logger.
func NewSlogLogger(level LogLevel, format string, addSource bool) *StructuredLogger {
	return NewLogger(LoggerConfig{Level: level, Format: format, AddSource: addSource})
}

// WithContext attaches key=value to every entry.
func (l *StructuredLogger) WithContext(key string, value any) *StructuredLogger {
	return &StructuredLogger{Logger: l.With(key, value)}
}

// WithComponent tags entries with the emitting component (engine, server, ...).
func (l *StructuredLogger) WithComponent(c string) *StructuredLogger {
	return l.WithContext("component", c)
}

// WithRequest tags entries with a request and its tenant.
func (l *StructuredLogger) WithRequest(requestID, tenantID string) *StructuredLogger {
	args := []any{"request_id", requestID}
	if tenantID != "" {
		args = append(args, "tenant_id", tenantID)
	}
	return &StructuredLogger{Logger: l.With(args...)}
}

// ModelCall records one provider call. Failures log at warn.
func ModelCall(l Logger, model string, tokens int, dur time.Duration, err error) {
	if err != nil {
		l.Warn("Model call failed", "model", model, "duration", dur, "error", err.Error())
		return
	}
	l.Debug("Model call completed", "model", model, "token_count", tokens, "duration", dur)
}

// Stage records the duration of a pipeline stage for a request.
func Stage(l Logger, requestID, stage string, dur time.Duration, err error) {
	if err != nil {
		l.Warn("Pipeline stage failed", "request_id", requestID, "stage", stage, "duration", dur, "error", err.Error())
		return
	}
	l.Debug("Pipeline stage completed", "request_id", requestID, "stage", stage, "duration", dur)
}
