package logging

import (
	"context"
	"strings"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	sessionIDKey contextKey = "session_id"
)

// Only the first sessionPrefixLen characters of the random part of a session
// token are logged.
const sessionPrefixLen = 8

func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

func WithSessionID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	if i := strings.LastIndexByte(id, '.'); i >= 0 && i < len(id)-1 {
		id = id[i+1:]
	}
	if len(id) > sessionPrefixLen {
		id = id[:sessionPrefixLen]
	}
	return context.WithValue(ctx, sessionIDKey, id)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

func contextFields(ctx context.Context) Fields {
	out := Fields{}
	if ctx == nil {
		return out
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		out["request_id"] = v
	}
	if v, ok := ctx.Value(sessionIDKey).(string); ok && v != "" {
		out["session_id"] = v
	}
	return out
}
