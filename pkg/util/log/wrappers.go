package log

import (
	"context"

	"github.com/go-kit/log"
)

type contextKey int

const requestIDKey contextKey = 0

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request ID stored in ctx, if any.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok && id != ""
}

// WithContext returns a Logger that has information about the current
// request in its details.
//
// e.g.
//
//	logger := util_log.WithContext(ctx, logger)
//	level.Warn(logger).Log("msg", "killCursors failed", "err", err)
func WithContext(ctx context.Context, l log.Logger) log.Logger {
	id, ok := RequestIDFromContext(ctx)
	if !ok {
		return l
	}
	return log.With(l, "request_id", id)
}

// WithNamespace returns a Logger that has information about the namespace
// a cursor iterates.
func WithNamespace(ns string, l log.Logger) log.Logger {
	return log.With(l, "ns", ns)
}
