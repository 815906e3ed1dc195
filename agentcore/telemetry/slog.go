package telemetry

import (
	"context"
	"log/slog"
)

// SlogLogger implements Logger on top of the standard library's structured
// logger. No third-party structured-logging library appears among the
// example pack's domain-relevant dependencies, so this is the one ambient
// concern the core carries on the standard library rather than an
// ecosystem package (recorded in DESIGN.md).
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps logger (or slog.Default() if nil) as a Logger.
func NewSlogLogger(logger *slog.Logger) Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

func (l *SlogLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	l.logger.DebugContext(ctx, msg, keyvals...)
}

func (l *SlogLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	l.logger.InfoContext(ctx, msg, keyvals...)
}

func (l *SlogLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	l.logger.WarnContext(ctx, msg, keyvals...)
}

func (l *SlogLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	l.logger.ErrorContext(ctx, msg, keyvals...)
}
