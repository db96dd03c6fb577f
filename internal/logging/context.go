package logging

import (
	"context"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	scopeCtxKey   struct{}
	cycleCtxKey   struct{}
	requestCtxKey struct{}
	loggerCtxKey  struct{}
)

const maxIDLen = 128

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)

func validID(id string) bool {
	return id != "" && len(id) <= maxIDLen && idPattern.MatchString(id)
}

// ContextFields extracts the span and correlation ids carried by ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}
	if scope := ScopeFromContext(ctx); scope != "" {
		fields = append(fields, zap.String("scope", scope))
	}
	if cycle := CycleIDFromContext(ctx); cycle != "" {
		fields = append(fields, zap.String("cycle_id", cycle))
	}
	if req := RequestIDFromContext(ctx); req != "" {
		fields = append(fields, zap.String("request.id", req))
	}
	return fields
}

// WithScope records the scope a request or sync is working on. Invalid
// scope ids are dropped, leaving ctx unchanged.
func WithScope(ctx context.Context, scope string) context.Context {
	if !validID(scope) {
		return ctx
	}
	return context.WithValue(ctx, scopeCtxKey{}, scope)
}

// ScopeFromContext returns the scope set by WithScope.
func ScopeFromContext(ctx context.Context) string {
	s, _ := ctx.Value(scopeCtxKey{}).(string)
	return s
}

// WithCycleID records the indexing cycle id.
func WithCycleID(ctx context.Context, id string) context.Context {
	if !validID(id) {
		return ctx
	}
	return context.WithValue(ctx, cycleCtxKey{}, id)
}

// CycleIDFromContext returns the cycle id set by WithCycleID.
func CycleIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(cycleCtxKey{}).(string)
	return s
}

// WithRequestID records a request id. Ids outside [a-zA-Z0-9._:-]{1,128}
// are dropped.
func WithRequestID(ctx context.Context, id string) context.Context {
	if !validID(id) {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the request id set by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestCtxKey{}).(string)
	return s
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored by WithLogger, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return Nop()
}
