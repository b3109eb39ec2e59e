package context

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type operatorKey struct{}
type runIDKey struct{}

type operator struct {
	name string
	role string
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

// WithOperator records the authenticated operator driving the request or CLI run.
func WithOperator(ctx context.Context, name, role string) context.Context {
	return context.WithValue(ctx, operatorKey{}, operator{
		name: strings.TrimSpace(name),
		role: strings.TrimSpace(role),
	})
}

func OperatorFromContext(ctx context.Context) (name string, role string) {
	if ctx == nil {
		return "", ""
	}
	op, ok := ctx.Value(operatorKey{}).(operator)
	if !ok {
		return "", ""
	}
	return op.name, op.role
}

func WithRunID(ctx context.Context, runID string) context.Context {
	if strings.TrimSpace(runID) == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey{}, runID)
}

func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(runIDKey{}).(string)
	return value
}
