// ABOUTME: SQLite Backend using modernc.org/sqlite, the embedded-file option
// ABOUTME: Single-file persistence with WAL mode; schema created on open

package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS kv (
		bucket TEXT NOT NULL,
		key    TEXT NOT NULL,
		value  TEXT NOT NULL,
		PRIMARY KEY (bucket, key)
	);
`

var sqliteStatements = sqlStatements{
	get:         `SELECT value FROM kv WHERE bucket = ? AND key = ?`,
	put:         `INSERT INTO kv (bucket, key, value) VALUES (?, ?, ?) ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value`,
	putIfAbsent: `INSERT INTO kv (bucket, key, value) VALUES (?, ?, ?) ON CONFLICT (bucket, key) DO NOTHING`,
	del:         `DELETE FROM kv WHERE bucket = ? AND key = ?`,
	keys:        `SELECT key FROM kv WHERE bucket = ? ORDER BY key`,
	keysPrefix:  `SELECT key FROM kv WHERE bucket = ? AND key LIKE ? ESCAPE '\' ORDER BY key`,
}

// NewSQLiteBackend opens (or creates) a SQLite-backed store at the given
// path. Parent directories are created if needed.
func NewSQLiteBackend(path string) (Backend, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Pragmas ride the DSN so every pooled connection gets them. WAL for
	// concurrent readers; busy_timeout so contending writers queue instead
	// of failing with SQLITE_BUSY.
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	slog.Default().Info("sqlite storage initialized", "component", "storage", "path", path)
	return newSQLBackend(db, "sqlite", sqliteStatements), nil
}
