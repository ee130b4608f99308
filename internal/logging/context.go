package logging

import (
	"context"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const maxIDLen = 128

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

type (
	tenantCtxKey  struct{}
	taskCtxKey    struct{}
	requestCtxKey struct{}
	loggerCtxKey  struct{}
)

// ContextFields extracts correlation fields from ctx: the active span, the
// tenant, the task context and the inbound request id.
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
	if v := stringValue(ctx, tenantCtxKey{}); v != "" {
		fields = append(fields, zap.String("tenant.id", v))
	}
	if v := stringValue(ctx, taskCtxKey{}); v != "" {
		fields = append(fields, zap.String("task.context_id", v))
	}
	if v := stringValue(ctx, requestCtxKey{}); v != "" {
		fields = append(fields, zap.String("request.id", v))
	}
	return fields
}

func stringValue(ctx context.Context, key any) string {
	s, _ := ctx.Value(key).(string)
	return s
}

func validID(id string) bool {
	return id != "" && len(id) <= maxIDLen && idPattern.MatchString(id)
}

// WithTenantID tags ctx with a tenant. Invalid ids are ignored so that
// untrusted input never reaches log output.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	if !validID(tenantID) {
		return ctx
	}
	return context.WithValue(ctx, tenantCtxKey{}, tenantID)
}

// TenantIDFromContext returns the tenant tag, if any.
func TenantIDFromContext(ctx context.Context) string {
	return stringValue(ctx, tenantCtxKey{})
}

// WithTaskContextID tags ctx with a task context id. Invalid ids are ignored.
func WithTaskContextID(ctx context.Context, contextID string) context.Context {
	if !validID(contextID) {
		return ctx
	}
	return context.WithValue(ctx, taskCtxKey{}, contextID)
}

// TaskContextIDFromContext returns the task context tag, if any.
func TaskContextIDFromContext(ctx context.Context) string {
	return stringValue(ctx, taskCtxKey{})
}

// WithRequestID tags ctx with an inbound request id. Invalid ids are ignored.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if !validID(requestID) {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request id tag, if any.
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestCtxKey{})
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return Nop()
}
