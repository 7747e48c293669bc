// Package outbox is the durable queue between deciding to submit a chain
// transaction and submitting it. Tasks move pending → processing →
// succeeded | failed; a processing task is owned by the worker holding its
// lock token until the lease expires.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// MaxErrorLen bounds the stored last_error.
const MaxErrorLen = 500

var (
	ErrNotFound       = errors.New("outbox task not found")
	ErrLeaseLost      = errors.New("outbox lease lost")
	ErrInvalidPayload = errors.New("outbox payload is not valid JSON")
)

// taskNamespace scopes task ids derived from idempotency keys.
var taskNamespace = uuid.MustParse("5f1c8e52-5d1a-4b8f-9a57-3f0d2e7c9b14")

// TaskID derives the task id for an idempotency key. The same key always
// maps to the same task, so enqueueing is idempotent.
func TaskID(idempotencyKey string) string {
	return uuid.NewSHA1(taskNamespace, []byte(idempotencyKey)).String()
}

// Task is one durable unit of chain work.
type Task struct {
	ID             string          `json:"task_id"`
	Type           string          `json:"task_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	// Subject groups tasks about the same thing, such as a month.
	Subject        string          `json:"subject,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LockedBy       string          `json:"locked_by,omitempty"`
	LockToken      string          `json:"-"`
	LockedAt       *time.Time      `json:"locked_at,omitempty"`
	LockExpiresAt  *time.Time      `json:"lock_expires_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	TxHash         string          `json:"tx_hash,omitempty"`
	BlockNumber    int64           `json:"block_number,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Decode unmarshals the payload into v.
func (t Task) Decode(v any) error {
	if err := jsoniter.ConfigFastest.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Type, err)
	}
	return nil
}

// NewTask builds a pending task whose id is derived from key.
func NewTask(taskType, key string, payload any, maxAttempts int) (Task, error) {
	raw, err := jsoniter.ConfigFastest.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("encode %s payload: %w", taskType, err)
	}
	if !jsoniter.ConfigFastest.Valid(raw) {
		return Task{}, ErrInvalidPayload
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return Task{
		ID:             TaskID(key),
		Type:           taskType,
		IdempotencyKey: key,
		Payload:        raw,
		Status:         StatusPending,
		MaxAttempts:    maxAttempts,
	}, nil
}

// Result is what a handler reports on success.
type Result struct {
	TxHash      string
	BlockNumber int64
}

// PermanentError marks a handler failure that retrying cannot fix.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the task fails without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func boundError(msg string) string {
	if len(msg) <= MaxErrorLen {
		return msg
	}
	n := MaxErrorLen
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}
