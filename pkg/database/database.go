// Package database opens the payoutd store and applies its schema.
//
// A postgres:// URL selects Postgres through lib/pq. An empty URL selects
// lite mode: a single SQLite file under the data directory, served by the
// pure-Go modernc driver. All SQL in this module uses $N placeholders and
// BIGINT unix-nanosecond timestamps so both engines run the same statements.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"
)

// Dialect names match goqu's registered dialects.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite3"
)

// LiteFile is the SQLite file name used in lite mode.
const LiteFile = "payoutd.db"

// Open connects to Postgres when url is set, or to the lite mode SQLite file
// in dataDir otherwise. It returns the goqu dialect name for the engine.
func Open(ctx context.Context, url, dataDir string) (*sql.DB, string, error) {
	if url != "" {
		db, err := sql.Open("postgres", url)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open postgres: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetConnMaxIdleTime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, "", fmt.Errorf("failed to ping postgres: %w", err)
		}
		return db, DialectPostgres, nil
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, "", fmt.Errorf("failed to create data dir: %w", err)
	}
	path := filepath.Join(dataDir, LiteFile)
	slog.Info("lite mode: using sqlite", "path", path)

	db, err := OpenSQLite(path)
	if err != nil {
		return nil, "", err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("failed to ping sqlite: %w", err)
	}
	return db, DialectSQLite, nil
}

// OpenSQLite opens the SQLite file at path with a busy timeout and WAL
// journaling. The pool is pinned to one connection so writers queue in
// database/sql instead of failing with SQLITE_BUSY.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
