// Package audit records every privileged call, accepted or rejected.
// Entries are append-only; nothing in this package updates or deletes them.
package audit

import (
	"context"
	"errors"
	"time"
)

// ErrNotConfigured is returned when recording without a store. Callers
// treat it as fatal for the request.
var ErrNotConfigured = errors.New("fail-closed: audit store not configured")

// Actor types.
const (
	ActorAutomation = "automation"
	ActorUnknown    = "unknown"
)

// Outcome values.
const (
	OutcomeOK       = "ok"
	OutcomeBlocked  = "blocked"
	OutcomeRejected = "rejected"
	OutcomeInvalid  = "invalid"
	OutcomeError    = "error"
)

// Entry is one audit row.
type Entry struct {
	ID              string    `json:"id"`
	ActorType       string    `json:"actor_type"`
	Route           string    `json:"route"`
	Method          string    `json:"method"`
	SignatureStatus string    `json:"signature_status"`
	BodyHash        string    `json:"body_hash"`
	RequestNonce    string    `json:"request_nonce,omitempty"`
	IdempotencyKey  string    `json:"idempotency_key,omitempty"`
	Outcome         string    `json:"outcome"`
	BlockedReason   string    `json:"blocked_reason,omitempty"`
	ErrorHint       string    `json:"error_hint,omitempty"`
	TxHash          string    `json:"tx_hash,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Logger records entries.
type Logger interface {
	Record(ctx context.Context, e Entry) error
}

// Filter selects entries for List.
type Filter struct {
	// RouteContains matches entries whose route contains the substring.
	RouteContains string
	Since         time.Time
	Limit         int
}
