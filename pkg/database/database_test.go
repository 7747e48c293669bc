package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_LiteModeMigratesTwice(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "data")

	db, dialect, err := Open(ctx, "", dir)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	assert.Equal(t, DialectSQLite, dialect)

	require.NoError(t, Migrate(ctx, db))
	require.NoError(t, Migrate(ctx, db), "migrations must be re-runnable")

	for _, table := range []string{
		"revenue_events", "expense_events", "settlements", "reconciliation_reports",
		"distribution_creations", "distribution_executions", "payout_summaries",
		"outbox_tasks", "audit_log", "nonces", "idempotent_responses",
	} {
		var name string
		err := db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = $1`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestMigrate_RejectsNonPositiveAmounts(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), LiteFile))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	require.NoError(t, Migrate(ctx, db))

	_, err = db.ExecContext(ctx,
		`INSERT INTO revenue_events (id, month_id, amount, idempotency_key, created_at) VALUES ($1, $2, $3, $4, $5)`,
		"r1", "202501", 0, "k1", 1)
	assert.Error(t, err)
}
