// Package ledger stores append-only revenue and expense events and derives
// per-month totals from them.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a ledger event is not found.
	ErrNotFound = errors.New("not found")
	// ErrIdempotencyConflict is returned when an idempotency key is reused
	// with a different payload.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")
	// ErrInvalidAmount is returned for non-positive event amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInvalidEvent is returned for events missing required fields.
	ErrInvalidEvent = errors.New("invalid ledger event")
)

// Kind distinguishes revenue from expense events.
type Kind string

const (
	KindRevenue Kind = "revenue"
	KindExpense Kind = "expense"
)

// Event is one immutable revenue or expense row.
type Event struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	MonthID        MonthID   `json:"month_id"`
	ProjectID      *string   `json:"project_id"`
	Amount         int64     `json:"amount"`
	TxReference    *string   `json:"tx_reference"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// samePayload reports whether e and o describe the same event, ignoring
// server-assigned fields.
func (e Event) samePayload(o Event) bool {
	return e.Kind == o.Kind &&
		e.MonthID == o.MonthID &&
		e.Amount == o.Amount &&
		equalPtr(e.ProjectID, o.ProjectID) &&
		equalPtr(e.TxReference, o.TxReference)
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Totals are the summed ledger amounts for one month.
type Totals struct {
	Revenue int64 `json:"revenue_sum"`
	Expense int64 `json:"expense_sum"`
}

// Store is the append-only ledger.
type Store interface {
	// Append inserts e unless its idempotency key exists. It returns the
	// stored row and whether this call created it.
	Append(ctx context.Context, e Event) (Event, bool, error)
	// Sums totals a month, optionally restricted to one project.
	Sums(ctx context.Context, month MonthID, projectID *string) (Totals, error)
	// List returns a month's events of one kind, oldest first.
	List(ctx context.Context, kind Kind, month MonthID) ([]Event, error)
}
