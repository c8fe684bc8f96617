// Package logging provides the structured logger shared by the engine's caches,
// interceptors and fetchers.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Level represents a logging level.
type Level int

// Logging levels, lowest first.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config holds configuration for the logger.
type Config struct {
	// Level sets the minimum log level.
	Level Level
	// EnableCallerInfo includes file and line number in logs.
	EnableCallerInfo bool
	// Output is where text output goes. Defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Logger provides structured logging with accumulated context fields.
// A nil *Logger and the no-op logger discard everything.
type Logger struct {
	logger *slog.Logger
	fields []any
}

// New creates a text logger with the given configuration.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{
		Level:     cfg.Level.slogLevel(),
		AddSource: cfg.EnableCallerInfo,
	})
	return &Logger{logger: slog.New(handler)}
}

// NewWithHandler creates a logger backed by an arbitrary slog handler.
func NewWithHandler(h slog.Handler) *Logger {
	if h == nil {
		return NewNop()
	}
	return &Logger{logger: slog.New(h)}
}

// NewNop creates a logger that discards all messages.
func NewNop() *Logger {
	return &Logger{}
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	if !l.logger.Enabled(ctx, level) {
		return
	}
	all := make([]any, 0, len(l.fields)+len(args))
	all = append(all, l.fields...)
	all = append(all, args...)
	l.logger.Log(ctx, level, msg, all...)
}

// Debug logs a debug-level message.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs an info-level message.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs a warning-level message.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs an error-level message.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

// With returns a logger carrying additional context fields.
func (l *Logger) With(args ...any) *Logger {
	if l == nil || l.logger == nil {
		return l
	}
	fields := make([]any, 0, len(l.fields)+len(args))
	fields = append(fields, l.fields...)
	fields = append(fields, args...)
	return &Logger{logger: l.logger, fields: fields}
}

// WithComponent returns a logger tagged with the emitting component.
func (l *Logger) WithComponent(name string) *Logger {
	return l.With("component", name)
}

// WithOperation returns a logger with operation context.
func (l *Logger) WithOperation(op Operation) *Logger {
	return l.With("operation", string(op))
}

// WithKey returns a logger with cache key context.
func (l *Logger) WithKey(key string) *Logger {
	return l.With("key", key)
}

// WithSize returns a logger with size context.
func (l *Logger) WithSize(size int64) *Logger {
	return l.With("size", size)
}

// Operation names a logged engine operation.
type Operation string

// Operations emitted by the engine and its caches.
const (
	OpExecute     Operation = "execute"
	OpFetch       Operation = "fetch"
	OpDecode      Operation = "decode"
	OpMemoryGet   Operation = "memory_get"
	OpMemoryPut   Operation = "memory_put"
	OpDiskGet     Operation = "disk_get"
	OpDiskCommit  Operation = "disk_commit"
	OpDiskEvict   Operation = "disk_evict"
	OpPoolPut     Operation = "pool_put"
	OpPoolEvict   Operation = "pool_evict"
	OpJournalLoad Operation = "journal_load"
	OpTrim        Operation = "trim"
)

// LogOperation logs the outcome of an operation with its duration.
func LogOperation(ctx context.Context, logger *Logger, op Operation, duration time.Duration, err error) {
	if logger == nil {
		return
	}
	fields := []any{
		"operation", string(op),
		"duration_ms", duration.Milliseconds(),
		"success", err == nil,
	}
	if err != nil {
		fields = append(fields, "error", err.Error())
		logger.Warn(ctx, "operation failed", fields...)
		return
	}
	logger.Debug(ctx, "operation completed", fields...)
}

// LogCacheHit logs a cache hit.
func LogCacheHit(ctx context.Context, logger *Logger, tier, key string) {
	if logger == nil {
		return
	}
	logger.Debug(ctx, "cache hit", "tier", tier, "key", key, "result", "hit")
}

// LogCacheMiss logs a cache miss.
func LogCacheMiss(ctx context.Context, logger *Logger, tier, key, reason string) {
	if logger == nil {
		return
	}
	logger.Debug(ctx, "cache miss", "tier", tier, "key", key, "reason", reason, "result", "miss")
}

// LogEviction logs an eviction.
func LogEviction(ctx context.Context, logger *Logger, tier, key string, size int64, reason string) {
	if logger == nil {
		return
	}
	logger.Debug(ctx, "cache entry evicted",
		"tier", tier,
		"key", key,
		"size", size,
		"reason", reason)
}

// ParseLevel parses a string log level.
func ParseLevel(level string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}
