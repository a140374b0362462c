package scope

import (
	"context"

	"github.com/vnmchuo/tokenspy/internal/usage"
)

type contextKey string

const (
	scopeKey     contextKey = "scope"
	sessionIDKey contextKey = "session_id"
)

// Enter returns a context whose current unit of work is name, nested under whatever
// unit ctx already carries.
func Enter(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, scopeKey, From(ctx).Push(name))
}

// With replaces the scope carried by ctx.
func With(ctx context.Context, s usage.Scope) context.Context {
	return context.WithValue(ctx, scopeKey, s)
}

// From returns the scope carried by ctx, or the empty scope.
func From(ctx context.Context) usage.Scope {
	if ctx == nil {
		return usage.Scope{}
	}
	if s, ok := ctx.Value(scopeKey).(usage.Scope); ok {
		return s
	}
	return usage.Scope{}
}

// Unit is the innermost unit name carried by ctx.
func Unit(ctx context.Context) string {
	return From(ctx).Unit()
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

func GetSessionID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(sessionIDKey).(string); ok {
		return id
	}
	return ""
}
