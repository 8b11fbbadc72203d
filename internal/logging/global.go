package logging

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ctxKey string

// TraceIDKey carries the request trace id through contexts.
const TraceIDKey ctxKey = "trace_id"

var global atomic.Pointer[zap.Logger]

func init() {
	// Usable before the component starts (early boot, tests).
	global.Store(zap.NewNop())
}

func setGlobal(l *zap.Logger) { global.Store(l) }

// L returns the current process logger.
func L() *zap.Logger { return global.Load() }

// WithTraceID returns a context carrying the given trace id, generating one
// when empty.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// TraceID extracts the trace id from ctx, empty when absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

func withTrace(ctx context.Context, fields []zap.Field) []zap.Field {
	if id := TraceID(ctx); id != "" {
		return append(fields, zap.String(string(TraceIDKey), id))
	}
	return fields
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	L().Debug(msg, withTrace(ctx, fields)...)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	L().Info(msg, withTrace(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	L().Warn(msg, withTrace(ctx, fields)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	L().Error(msg, withTrace(ctx, fields)...)
}

func Infof(ctx context.Context, format string, args ...any) {
	Info(ctx, fmt.Sprintf(format, args...))
}

func Warnf(ctx context.Context, format string, args ...any) {
	Warn(ctx, fmt.Sprintf(format, args...))
}

func Errorf(ctx context.Context, format string, args ...any) {
	Error(ctx, fmt.Sprintf(format, args...))
}
