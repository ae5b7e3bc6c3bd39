package core

import (
	"context"

	"go.uber.org/zap"
)

type loggerKey struct{}

var defaultLogger = func() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar()
}()

// WithDefaultLogger attaches a request-scoped logger to the context. Every
// core operation logs through the context so tests can swap the logger
// without touching process-wide state.
func WithDefaultLogger(parent context.Context, reqID string) context.Context {
	return WithLogger(parent, defaultLogger.With("req_id", reqID))
}

// WithLogger attaches an explicit logger to the context.
func WithLogger(parent context.Context, logger *zap.SugaredLogger) context.Context {
	return context.WithValue(parent, loggerKey{}, logger)
}

func loggerFrom(ctx context.Context) *zap.SugaredLogger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(*zap.SugaredLogger); ok {
			return l
		}
	}
	return defaultLogger
}

func Infof(ctx context.Context, tpl string, args ...any) {
	loggerFrom(ctx).Infof(tpl, args...)
}

func Errorf(ctx context.Context, tpl string, args ...any) {
	loggerFrom(ctx).Errorf(tpl, args...)
}

func Debugf(ctx context.Context, tpl string, args ...any) {
	loggerFrom(ctx).Debugf(tpl, args...)
}

func Warnf(ctx context.Context, tpl string, args ...any) {
	loggerFrom(ctx).Warnf(tpl, args...)
}
