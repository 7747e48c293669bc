package auth

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// HeaderTraceID carries the correlation id. X-Request-Id is taken by the nonce.
const HeaderTraceID = "X-Trace-ID"

type traceIDKey struct{}

// TraceIDMiddleware injects a unique X-Trace-ID into every request context
// and response header. If the client sends one, it is reused.
func TraceIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderTraceID)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(HeaderTraceID, id)
		ctx := context.WithValue(r.Context(), traceIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTraceID extracts the trace id from the context.
func GetTraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey{}).(string); ok {
		return id
	}
	return ""
}
