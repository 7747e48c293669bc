package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the durable task table.
type Store interface {
	Enqueue(ctx context.Context, t Task) (Task, bool, error)
	Get(ctx context.Context, taskID string) (Task, error)
	BySubject(ctx context.Context, taskType, subject string) ([]Task, error)
	Claim(ctx context.Context, workerID string, limit int, leaseTTL time.Duration) ([]Task, error)
	Complete(ctx context.Context, taskID, lockToken string, r Result) error
	Fail(ctx context.Context, taskID, lockToken string, cause error) error
	Counts(ctx context.Context) (map[Status]int, error)
}

// SQLStore implements Store on database/sql. Ownership is decided only by
// conditional UPDATEs, so any number of workers in any number of processes
// can share one table.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

const taskColumns = `task_id, task_type, idempotency_key, subject, payload, status, attempts, max_attempts,
	locked_by, lock_token, locked_at, lock_expires_at, last_error, tx_hash, block_number, created_at, updated_at`

// Enqueue inserts t unless a task with the same id exists, and returns the
// stored task either way.
func (s *SQLStore) Enqueue(ctx context.Context, t Task) (Task, bool, error) {
	now := s.now().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox_tasks (task_id, task_type, idempotency_key, subject, payload, status, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $8)
		ON CONFLICT (task_id) DO NOTHING`,
		t.ID, t.Type, t.IdempotencyKey, t.Subject, string(t.Payload), string(StatusPending), t.MaxAttempts, now,
	)
	if err != nil {
		return Task{}, false, fmt.Errorf("failed to enqueue task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Task{}, false, fmt.Errorf("failed to enqueue task: %w", err)
	}
	stored, err := s.Get(ctx, t.ID)
	if err != nil {
		return Task{}, false, err
	}
	return stored, n == 1, nil
}

func (s *SQLStore) Get(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM outbox_tasks WHERE task_id = $1`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("failed to read task: %w", err)
	}
	return t, nil
}

// BySubject returns the tasks of a type for subject, newest first.
func (s *SQLStore) BySubject(ctx context.Context, taskType, subject string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM outbox_tasks
		WHERE task_type = $1 AND subject = $2
		ORDER BY created_at DESC, task_id DESC`, taskType, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Claim leases up to limit runnable tasks to workerID. A task is runnable
// when pending, or processing with an expired lease, and below its attempt
// budget. Each claim is a single conditional UPDATE; the row count decides
// ownership.
func (s *SQLStore) Claim(ctx context.Context, workerID string, limit int, leaseTTL time.Duration) ([]Task, error) {
	now := s.now()
	nowNanos := now.UnixNano()

	// A worker that died on the final attempt leaves a task no one may claim.
	if _, err := s.db.ExecContext(ctx, `
		UPDATE outbox_tasks
		SET status = 'failed', last_error = $1, locked_by = NULL, lock_token = NULL,
			locked_at = NULL, lock_expires_at = NULL, updated_at = $2
		WHERE status = 'processing' AND lock_expires_at < $2 AND attempts >= max_attempts`,
		"lease expired on final attempt", nowNanos,
	); err != nil {
		return nil, fmt.Errorf("failed to expire exhausted tasks: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id FROM outbox_tasks
		WHERE (status = 'pending' OR (status = 'processing' AND lock_expires_at < $1))
			AND attempts < max_attempts
		ORDER BY created_at, task_id
		LIMIT $2`, nowNanos, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select tasks: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	expires := now.Add(leaseTTL).UnixNano()
	var claimed []Task
	for _, id := range candidates {
		token := uuid.NewString()
		res, err := s.db.ExecContext(ctx, `
			UPDATE outbox_tasks
			SET status = 'processing', locked_by = $1, lock_token = $2, locked_at = $3,
				lock_expires_at = $4, attempts = attempts + 1, updated_at = $3
			WHERE task_id = $5
				AND (status = 'pending' OR (status = 'processing' AND lock_expires_at < $3))
				AND attempts < max_attempts`,
			workerID, token, nowNanos, expires, id,
		)
		if err != nil {
			return claimed, fmt.Errorf("failed to claim task %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return claimed, fmt.Errorf("failed to claim task %s: %w", id, err)
		}
		if n != 1 {
			continue // another worker won
		}
		t, err := s.Get(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, t)
	}
	return claimed, nil
}

// Complete marks a task succeeded if lockToken still owns it.
func (s *SQLStore) Complete(ctx context.Context, taskID, lockToken string, r Result) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_tasks
		SET status = 'succeeded', tx_hash = $1, block_number = $2, last_error = NULL,
			lock_token = NULL, lock_expires_at = NULL, updated_at = $3
		WHERE task_id = $4 AND lock_token = $5 AND status = 'processing'`,
		r.TxHash, r.BlockNumber, s.now().UnixNano(), taskID, lockToken,
	)
	return checkOwned(res, err, taskID)
}

// Fail records cause. The task returns to pending while attempts remain and
// cause is not permanent; otherwise it becomes failed.
func (s *SQLStore) Fail(ctx context.Context, taskID, lockToken string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = boundError(cause.Error())
	}
	var perm *PermanentError
	permanent := errors.As(cause, &perm)

	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_tasks
		SET status = CASE WHEN attempts >= max_attempts OR $1 THEN 'failed' ELSE 'pending' END,
			last_error = $2, locked_by = NULL, lock_token = NULL, locked_at = NULL,
			lock_expires_at = NULL, updated_at = $3
		WHERE task_id = $4 AND lock_token = $5 AND status = 'processing'`,
		permanent, msg, s.now().UnixNano(), taskID, lockToken,
	)
	return checkOwned(res, err, taskID)
}

func checkOwned(res sql.Result, err error, taskID string) error {
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", taskID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, taskID)
	}
	return nil
}

// Counts returns the number of tasks per status.
func (s *SQLStore) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[Status]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func nanosPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func scanTask(row scanner) (Task, error) {
	var (
		t                          Task
		payload, status            string
		lockedBy, lockToken        sql.NullString
		lastError, txHash          sql.NullString
		lockedAt, lockExpires, blk sql.NullInt64
		createdAt, updatedAt       int64
	)
	err := row.Scan(&t.ID, &t.Type, &t.IdempotencyKey, &t.Subject, &payload, &status, &t.Attempts, &t.MaxAttempts,
		&lockedBy, &lockToken, &lockedAt, &lockExpires, &lastError, &txHash, &blk, &createdAt, &updatedAt)
	if err != nil {
		return Task{}, err
	}
	t.Payload = []byte(payload)
	t.Status = Status(status)
	t.LockedBy = lockedBy.String
	t.LockToken = lockToken.String
	t.LockedAt = nanosPtr(lockedAt)
	t.LockExpiresAt = nanosPtr(lockExpires)
	t.LastError = lastError.String
	t.TxHash = txHash.String
	t.BlockNumber = blk.Int64
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return t, nil
}
