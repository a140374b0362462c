package proxy

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/vnmchuo/tokenspy/internal/scope"
)

// Request headers understood by the gateway.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderSession   = "X-Tokenspy-Session"
	HeaderFunction  = "X-Tokenspy-Function"
	HeaderBudget    = "X-Tokenspy-Budget"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID assigns every request an ID, reusing the caller's X-Request-ID if present.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(HeaderRequestID, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Session binds the X-Tokenspy-Session header to the request context so records made
// while serving it carry the session ID.
func Session(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(HeaderSession); id != "" {
			r = r.WithContext(scope.WithSessionID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
