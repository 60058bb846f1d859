// Package logging provides structured logging for the FitSync sync core.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// ParseLevel maps a config string (debug, info, warn, error) to a LogLevel.
// Unknown values fall back to LevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

func (l LogLevel) slogLevel() slog.Level {
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

// Logger provides structured JSON logging on top of log/slog.
type Logger struct {
	out   io.Writer
	level *slog.LevelVar
	inner *slog.Logger
}

var (
	// global logger instance
	global *Logger
	once   sync.Once
	mu     sync.RWMutex
)

// New creates a JSON logger writing to out.
// Entries carry "timestamp", "level" and "message" keys; context maps are
// nested under "context".
func New(out io.Writer, minLevel LogLevel) *Logger {
	level := new(slog.LevelVar)
	level.Set(minLevel.slogLevel())

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.TimeKey:
				a.Key = "timestamp"
				a.Value = slog.StringValue(a.Value.Time().UTC().Format("2006-01-02T15:04:05.000Z07:00"))
			case slog.MessageKey:
				a.Key = "message"
			}
			return a
		},
	})

	return &Logger{
		out:   out,
		level: level,
		inner: slog.New(handler),
	}
}

// Init initializes the global logger. Only the first call has an effect.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		mu.Lock()
		global = New(out, minLevel)
		mu.Unlock()
	})
}

// Options configures Setup.
type Options struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Setup replaces the global logger according to opts. When opts.File is set,
// output goes to a size-rotated file; the returned closer must be closed on
// shutdown. Otherwise the logger writes to stderr and the closer is a no-op.
func Setup(opts Options) io.Closer {
	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		out = rotating
		closer = rotating
	}

	logger := New(out, ParseLevel(opts.Level))
	once.Do(func() {})
	mu.Lock()
	global = logger
	mu.Unlock()
	slog.SetDefault(logger.inner)
	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Get returns the global logger instance.
func Get() *Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l == nil {
		Init(os.Stdout, LevelInfo)
		mu.RLock()
		l = global
		mu.RUnlock()
	}
	return l
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level LogLevel) {
	l.level.Set(level.slogLevel())
}

// Slog exposes the underlying slog.Logger for libraries that accept one.
func (l *Logger) Slog() *slog.Logger {
	return l.inner
}

func (l *Logger) log(level slog.Level, message string, attrs []slog.Attr, context []map[string]interface{}) {
	ctx := contextBackground
	if !l.inner.Enabled(ctx, level) {
		return
	}
	if merged := l.getContext(context...); len(merged) > 0 {
		keys := make([]string, 0, len(merged))
		for k := range merged {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]any, 0, len(keys))
		for _, k := range keys {
			fields = append(fields, slog.Any(k, merged[k]))
		}
		attrs = append(attrs, slog.Group("context", fields...))
	}
	l.inner.LogAttrs(ctx, level, message, attrs...)
}

// getContext merges multiple context maps.
func (l *Logger) getContext(context ...map[string]interface{}) map[string]interface{} {
	if len(context) == 0 {
		return nil
	}
	if len(context) == 1 {
		return context[0]
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.log(slog.LevelDebug, message, nil, context)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.log(slog.LevelInfo, message, nil, context)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.log(slog.LevelWarn, message, nil, context)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.log(slog.LevelError, message, errAttrs(err), context)
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message string, code string, err error, context ...map[string]interface{}) {
	attrs := append([]slog.Attr{slog.String("code", code)}, errAttrs(err)...)
	l.log(slog.LevelError, message, attrs, context)
}

func errAttrs(err error) []slog.Attr {
	if err == nil {
		return nil
	}
	return []slog.Attr{slog.String("error", err.Error())}
}

var contextBackground = context.Background()

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message string, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
