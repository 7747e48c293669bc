package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied in order by Migrate. Every statement is idempotent and
// valid on both Postgres and SQLite.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS revenue_events (
		id TEXT PRIMARY KEY,
		month_id TEXT NOT NULL,
		project_id TEXT,
		amount BIGINT NOT NULL CHECK (amount > 0),
		tx_reference TEXT,
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_revenue_events_month ON revenue_events (month_id)`,
	`CREATE TABLE IF NOT EXISTS expense_events (
		id TEXT PRIMARY KEY,
		month_id TEXT NOT NULL,
		project_id TEXT,
		amount BIGINT NOT NULL CHECK (amount > 0),
		tx_reference TEXT,
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_expense_events_month ON expense_events (month_id)`,
	`CREATE TABLE IF NOT EXISTS settlements (
		id TEXT PRIMARY KEY,
		month_id TEXT NOT NULL,
		project_id TEXT,
		revenue_sum BIGINT NOT NULL,
		expense_sum BIGINT NOT NULL,
		profit_sum BIGINT NOT NULL,
		profit_nonnegative BOOLEAN NOT NULL,
		computed_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_settlements_month ON settlements (month_id, computed_at)`,
	`CREATE TABLE IF NOT EXISTS reconciliation_reports (
		id TEXT PRIMARY KEY,
		month_id TEXT NOT NULL,
		settlement_id TEXT NOT NULL,
		profit_sum BIGINT NOT NULL,
		onchain_balance BIGINT,
		delta BIGINT,
		ready BOOLEAN NOT NULL,
		blocked_reason TEXT,
		rpc_error_hint TEXT,
		computed_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reconciliation_reports_month ON reconciliation_reports (month_id, computed_at)`,
	`CREATE TABLE IF NOT EXISTS distribution_creations (
		id TEXT PRIMARY KEY,
		month_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		profit_sum BIGINT NOT NULL,
		tx_hash TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS distribution_executions (
		id TEXT PRIMARY KEY,
		month_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		task_id TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		total BIGINT NOT NULL,
		stakers_total BIGINT NOT NULL,
		authors_total BIGINT NOT NULL,
		treasury_total BIGINT NOT NULL,
		tx_hash TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		UNIQUE (month_id, tx_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS payout_summaries (
		id TEXT PRIMARY KEY,
		month_id TEXT NOT NULL,
		tx_hash TEXT NOT NULL,
		total BIGINT NOT NULL,
		stakers_total BIGINT NOT NULL,
		authors_total BIGINT NOT NULL,
		treasury_total BIGINT NOT NULL,
		evidence_hash TEXT,
		confirmed_at BIGINT NOT NULL,
		UNIQUE (month_id, tx_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_tasks (
		task_id TEXT PRIMARY KEY,
		task_type TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		locked_by TEXT,
		lock_token TEXT,
		locked_at BIGINT,
		lock_expires_at BIGINT,
		last_error TEXT,
		tx_hash TEXT,
		block_number BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_tasks_claim ON outbox_tasks (status, lock_expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_tasks_subject ON outbox_tasks (task_type, subject)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		actor_type TEXT NOT NULL,
		route TEXT NOT NULL,
		method TEXT NOT NULL,
		signature_status TEXT NOT NULL,
		body_hash TEXT NOT NULL,
		request_nonce TEXT,
		idempotency_key TEXT,
		outcome TEXT NOT NULL,
		blocked_reason TEXT,
		error_hint TEXT,
		tx_hash TEXT,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log (created_at)`,
	`CREATE TABLE IF NOT EXISTS nonces (
		nonce TEXT PRIMARY KEY,
		expires_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS idempotent_responses (
		scope TEXT NOT NULL,
		idem_key TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		body TEXT NOT NULL,
		cached_at BIGINT NOT NULL,
		PRIMARY KEY (scope, idem_key)
	)`,
}

// Migrate creates every payoutd table and index that does not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
