package remote

import "log/slog"

// leveledSlog adapts slog to retryablehttp.LeveledLogger.
type leveledSlog struct {
	inner *slog.Logger
}

// Error is logged at WARN: the client retries and the queue records the final outcome.
func (l leveledSlog) Error(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l leveledSlog) Warn(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l leveledSlog) Info(msg string, keysAndValues ...any) {
	l.inner.Info(msg, keysAndValues...)
}

func (l leveledSlog) Debug(msg string, keysAndValues ...any) {
	l.inner.Debug(msg, keysAndValues...)
}
