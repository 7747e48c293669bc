package auth

import (
	"context"
	"net/http"

	"github.com/ClawsCorp/core/pkg/audit"
)

type contextKey string

const callerKey contextKey = "caller"

// Caller describes a request that passed signature verification.
type Caller struct {
	Status         SignatureStatus
	Nonce          string
	BodyHash       string
	IdempotencyKey string
}

// Entry returns an audit entry prefilled from the caller and request.
func (c Caller) Entry(r *http.Request) audit.Entry {
	return audit.Entry{
		ActorType:       audit.ActorAutomation,
		Route:           r.URL.Path,
		Method:          r.Method,
		SignatureStatus: string(c.Status),
		BodyHash:        c.BodyHash,
		RequestNonce:    c.Nonce,
		IdempotencyKey:  c.IdempotencyKey,
	}
}

// WithCaller attaches a Caller to the context.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// GetCaller retrieves the Caller from the context.
func GetCaller(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey).(Caller)
	return c, ok
}
