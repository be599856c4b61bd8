// Package logger provides structured logging for the visionchat client.
//
// It wraps Go's standard log/slog with:
//   - a process-wide default logger configurable via LOG_LEVEL
//   - automatic redaction of bearer tokens and JWT-shaped strings
//   - level-based verbosity control for command-line flags
//
// All exported functions use the global DefaultLogger which can be swapped
// out (see SetHandler) when an application wants a different output format.
package logger

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// DefaultLogger is the global structured logger instance.
// It is safe for concurrent use and initialized at slog.LevelInfo by default.
var DefaultLogger *slog.Logger

func init() {
	level := slog.LevelInfo
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		switch strings.ToLower(envLevel) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	DefaultLogger = slog.New(redacting(handler))
}

// SetLevel changes the logging level for all subsequent log operations.
// This is safe for concurrent use as it replaces the entire logger instance.
func SetLevel(level slog.Level) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	DefaultLogger = slog.New(redacting(handler))
}

// SetVerbose enables debug-level logging when verbose is true, otherwise
// sets info-level. Convenience wrapper for command-line verbose flags.
func SetVerbose(verbose bool) {
	if verbose {
		SetLevel(slog.LevelDebug)
	} else {
		SetLevel(slog.LevelInfo)
	}
}

// SetHandler replaces the default logger's handler. Use this to install a
// custom slog handler (e.g. a colorized console handler in a CLI). Token
// redaction is applied in front of the installed handler.
func SetHandler(h slog.Handler) {
	DefaultLogger = slog.New(redacting(h))
}

// Debug logs a debug-level message with structured attributes.
// Args should be provided in key-value pairs: key1, value1, key2, value2, ...
func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

// Info logs an informational message with structured attributes.
func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

// Warn logs a warning message with structured attributes.
// Use for recoverable errors or unexpected but non-critical situations.
func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

// Error logs an error message with structured attributes.
func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}

// tokenPatterns matches credential material that must never reach log output:
// Authorization bearer values and bare JWT-shaped strings.
var tokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
}

// RedactTokens removes access and refresh tokens from strings before they
// are logged. Bearer values are fully masked; bare tokens keep the first
// four characters for debugging context.
func RedactTokens(input string) string {
	result := input
	for _, pattern := range tokenPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			if strings.HasPrefix(match, "Bearer ") {
				return "Bearer [REDACTED]"
			}
			if len(match) > 8 {
				return match[:4] + "...[REDACTED]"
			}
			return "[REDACTED]"
		})
	}
	return result
}

// redactingHandler applies RedactTokens to messages and string attribute
// values before delegating to the wrapped handler. Every handler installed
// on the default logger is wrapped, so credential material cannot reach
// output regardless of the output format in use.
type redactingHandler struct {
	inner slog.Handler
}

func redacting(h slog.Handler) slog.Handler {
	return &redactingHandler{inner: h}
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, RedactTokens(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = redactAttr(a)
	}
	return &redactingHandler{inner: h.inner.WithAttrs(clean)}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		a.Value = slog.StringValue(RedactTokens(a.Value.String()))
	case slog.KindGroup:
		group := a.Value.Group()
		clean := make([]slog.Attr, len(group))
		for i, g := range group {
			clean[i] = redactAttr(g)
		}
		a.Value = slog.GroupValue(clean...)
	}
	return a
}
