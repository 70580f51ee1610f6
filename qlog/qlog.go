// Package qlog wraps zap.Logger behind a small interface, the same shape
// luxfi-consensus's own log package wraps around its logging backend: a
// handful of level methods plus With for attaching structured fields, and
// a no-op implementation tests can pass to construction without dragging
// in real log output.
package qlog

import "go.uber.org/zap"

// Logger is the structured logger stage.Run takes as an argument and the
// amplify, resize and auth stages and pipeline.Pipeline accept through
// SetLogger.
type Logger interface {
	With(fields ...zap.Field) Logger
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

// zapLogger adapts *zap.Logger to Logger.
type zapLogger struct {
	l *zap.Logger
}

// New wraps an existing *zap.Logger.
func New(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return zapLogger{l: l}
}

// Default builds a production zap logger, falling back to a no-op logger
// if construction fails (it never does with the default config, but
// luxfi-consensus's wrappers.Errs idiom of never panicking on setup
// applies here too).
func Default() Logger {
	l, err := zap.NewProduction()
	if err != nil {
		return NoOp()
	}
	return New(l)
}

func (z zapLogger) With(fields ...zap.Field) Logger {
	return zapLogger{l: z.l.With(fields...)}
}

func (z zapLogger) Debug(msg string, fields ...zap.Field) { z.l.Debug(msg, fields...) }
func (z zapLogger) Info(msg string, fields ...zap.Field)  { z.l.Info(msg, fields...) }
func (z zapLogger) Warn(msg string, fields ...zap.Field)  { z.l.Warn(msg, fields...) }
func (z zapLogger) Error(msg string, fields ...zap.Field) { z.l.Error(msg, fields...) }

type noopLogger struct{}

// NoOp returns a Logger that discards everything, for unit tests.
func NoOp() Logger { return noopLogger{} }

func (noopLogger) With(fields ...zap.Field) Logger          { return noopLogger{} }
func (noopLogger) Debug(msg string, fields ...zap.Field)    {}
func (noopLogger) Info(msg string, fields ...zap.Field)     {}
func (noopLogger) Warn(msg string, fields ...zap.Field)     {}
func (noopLogger) Error(msg string, fields ...zap.Field)    {}
