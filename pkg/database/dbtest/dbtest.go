// Package dbtest provides migrated SQLite databases for store tests.
package dbtest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/ClawsCorp/core/pkg/database"
)

// NewSQLite returns a migrated lite mode database in a temp dir. It is
// closed when the test ends.
func NewSQLite(t testing.TB) *sql.DB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), database.LiteFile))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := database.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
