// ABOUTME: MySQL Backend using go-sql-driver/mysql, for environments with existing MySQL
// ABOUTME: Same semantics as the other SQL backends; INSERT IGNORE drives PutIfAbsent

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/go-sql-driver/mysql"
)

const mysqlSchema = "CREATE TABLE IF NOT EXISTS kv (" +
	"bucket VARCHAR(255) NOT NULL, " +
	"`key` VARCHAR(255) NOT NULL, " +
	"value LONGTEXT NOT NULL, " +
	"PRIMARY KEY (bucket, `key`))"

var mysqlStatements = sqlStatements{
	get:         "SELECT value FROM kv WHERE bucket = ? AND `key` = ?",
	put:         "INSERT INTO kv (bucket, `key`, value) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE value = VALUES(value)",
	putIfAbsent: "INSERT IGNORE INTO kv (bucket, `key`, value) VALUES (?, ?, ?)",
	del:         "DELETE FROM kv WHERE bucket = ? AND `key` = ?",
	keys:        "SELECT `key` FROM kv WHERE bucket = ? ORDER BY `key`",
	keysPrefix:  "SELECT `key` FROM kv WHERE bucket = ? AND `key` LIKE ? ORDER BY `key`",
}

// NewMySQLBackend connects to MySQL with the given DSN
// (user:pass@tcp(host:3306)/dbname) and ensures the schema exists.
func NewMySQLBackend(ctx context.Context, dsn string) (Backend, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mysql connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: pinging mysql: %v", ErrUnavailable, err)
	}

	if _, err := db.ExecContext(ctx, mysqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating schema: %v", ErrUnavailable, err)
	}

	slog.Default().Info("mysql storage initialized", "component", "storage")
	return newSQLBackend(db, "mysql", mysqlStatements), nil
}
