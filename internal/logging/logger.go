package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Log levels supported by the logger
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// LogFileName is the name of the log file created inside the log directory.
const LogFileName = "framestack.log"

// Logger provides structured logging with persistent attributes.
// It is safe for concurrent use.
type Logger struct {
	logger *slog.Logger
	closer io.Closer
	attrs  []slog.Attr // Persistent attributes (scope, frame, operation)
}

// NewLogger creates a new Logger that writes JSON-formatted logs to
// {logDir}/framestack.log without rotation.
//
// If logDir is empty, logs will be written to stderr.
func NewLogger(logDir string, level string) (*Logger, error) {
	return NewLoggerWithRotation(logDir, level, RotationConfig{})
}

// NewLoggerWithRotation creates a Logger whose file is rotated according to
// cfg. A zero MaxSizeMB disables rotation. If logDir is empty, logs go to
// stderr and cfg is ignored.
func NewLoggerWithRotation(logDir string, level string, cfg RotationConfig) (*Logger, error) {
	if logDir == "" {
		return NewLoggerWithWriter(os.Stderr, level), nil
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rw, err := NewRotatingWriter(filepath.Join(logDir, LogFileName), cfg)
	if err != nil {
		return nil, err
	}

	l := NewLoggerWithWriter(rw, level)
	l.closer = rw
	return l, nil
}

// NewLoggerWithWriter creates a Logger writing JSON lines to w.
// The caller owns w; Close does not close it.
func NewLoggerWithWriter(w io.Writer, level string) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return &Logger{
		logger: slog.New(handler),
		attrs:  make([]slog.Attr, 0),
	}
}

// parseLevel converts a string log level to slog.Level.
// Defaults to INFO if the level string is not recognized.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithScope returns a child Logger tagging every entry with the scope.
func (l *Logger) WithScope(scope string) *Logger {
	return l.withAttr(slog.String("scope", scope))
}

// WithFrame returns a child Logger tagging every entry with the frame ID.
func (l *Logger) WithFrame(frameID string) *Logger {
	return l.withAttr(slog.String("frame_id", frameID))
}

// WithOperation returns a child Logger tagging every entry with the
// index operation being performed (push_frame, assemble_context_pack, ...).
func (l *Logger) WithOperation(op string) *Logger {
	return l.withAttr(slog.String("op", op))
}

// With returns a new Logger with arbitrary key-value attributes.
// Keys and values are provided as alternating arguments.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}

	newAttrs := make([]slog.Attr, 0, len(l.attrs)+len(args)/2)
	newAttrs = append(newAttrs, l.attrs...)

	for i := 0; i < len(args)-1; i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		newAttrs = append(newAttrs, slog.Any(key, args[i+1]))
	}

	return &Logger{
		logger: l.logger,
		closer: l.closer,
		attrs:  newAttrs,
	}
}

// withAttr creates a new Logger with an additional attribute.
func (l *Logger) withAttr(attr slog.Attr) *Logger {
	newAttrs := make([]slog.Attr, len(l.attrs)+1)
	copy(newAttrs, l.attrs)
	newAttrs[len(l.attrs)] = attr

	return &Logger{
		logger: l.logger,
		closer: l.closer,
		attrs:  newAttrs,
	}
}

// Slog returns a *slog.Logger carrying this Logger's persistent attributes,
// for libraries that take a standard logger.
func (l *Logger) Slog() *slog.Logger {
	args := make([]any, 0, len(l.attrs))
	for _, attr := range l.attrs {
		args = append(args, attr)
	}
	return l.logger.With(args...)
}

// Debug logs a message at DEBUG level with optional key-value pairs.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(slog.LevelDebug, msg, args...)
}

// Info logs a message at INFO level with optional key-value pairs.
func (l *Logger) Info(msg string, args ...any) {
	l.log(slog.LevelInfo, msg, args...)
}

// Warn logs a message at WARN level with optional key-value pairs.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, msg, args...)
}

// Error logs a message at ERROR level with optional key-value pairs.
func (l *Logger) Error(msg string, args ...any) {
	l.log(slog.LevelError, msg, args...)
}

// log combines persistent attributes with per-call arguments.
func (l *Logger) log(level slog.Level, msg string, args ...any) {
	allArgs := make([]any, 0, len(l.attrs)*2+len(args))
	for _, attr := range l.attrs {
		allArgs = append(allArgs, attr.Key, attr.Value.Any())
	}
	allArgs = append(allArgs, args...)

	l.logger.Log(context.Background(), level, msg, allArgs...)
}

// Close flushes and closes the log file. Loggers writing to stderr or to a
// caller-provided writer treat Close as a no-op.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	if err := l.closer.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

// NopLogger returns a Logger that discards all log output.
// Useful for testing or when logging is disabled.
func NopLogger() *Logger {
	return &Logger{
		logger: slog.New(slog.DiscardHandler),
		attrs:  make([]slog.Attr, 0),
	}
}

// ParseLevel converts a string level to the corresponding constant.
// Returns LevelInfo if the level string is not recognized.
func ParseLevel(level string) string {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return LevelDebug
	case LevelInfo:
		return LevelInfo
	case LevelWarn:
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// ValidLevels returns the list of valid log level strings.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}
