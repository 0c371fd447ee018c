// SPDX-License-Identifier: MIT

package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	loggerKey    ctxKey = "logger"
)

// ContextWithRequestID stores the provided request ID in the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the request ID from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithContext stores a logger in the context for downstream handlers.
func WithContext(ctx context.Context, l zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext returns the logger stored in the context, or a request-scoped
// child of the base logger when none is stored.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
			return l
		}
		if id := RequestIDFromContext(ctx); id != "" {
			return logger().With().Str("request_id", id).Logger()
		}
	}
	return logger()
}
