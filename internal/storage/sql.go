// ABOUTME: Shared database/sql Backend implementation behind the three SQL drivers
// ABOUTME: Per-dialect statements; PutIfAbsent rides each engine's conflict-ignore insert

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// sqlStatements carries the dialect-specific SQL for one engine. Placeholder
// style and conflict handling differ; everything else is shared.
type sqlStatements struct {
	get         string
	put         string
	putIfAbsent string
	del         string
	keys        string
	keysPrefix  string
}

// sqlBackend implements Backend over a pooled *sql.DB. The pool is safe for
// concurrent use; PutIfAbsent atomicity comes from the engine's unique
// primary key on (bucket, key).
type sqlBackend struct {
	db     *sql.DB
	driver string
	stmts  sqlStatements
	logger *slog.Logger
}

func newSQLBackend(db *sql.DB, driver string, stmts sqlStatements) *sqlBackend {
	return &sqlBackend{
		db:     db,
		driver: driver,
		stmts:  stmts,
		logger: slog.Default().With("component", "storage", "driver", driver),
	}
}

// Put stores rec, replacing any existing record.
func (s *sqlBackend) Put(ctx context.Context, bucket, key string, rec Record) error {
	data, err := marshalValue(rec)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.stmts.put, bucket, key, string(data)); err != nil {
		return fmt.Errorf("%w: upserting record: %v", ErrUnavailable, err)
	}
	return nil
}

// Get returns the record at (bucket, key), or ErrNotFound.
func (s *sqlBackend) Get(ctx context.Context, bucket, key string) (Record, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.stmts.get, bucket, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: querying record: %v", ErrUnavailable, err)
	}
	return unmarshalValue([]byte(value))
}

// PutIfAbsent inserts rec with the engine's conflict-ignore form. Zero rows
// affected means another writer holds the key; the stored record is re-read
// so every caller returns the same winner.
func (s *sqlBackend) PutIfAbsent(ctx context.Context, bucket, key string, rec Record) (Record, bool, error) {
	data, err := marshalValue(rec)
	if err != nil {
		return nil, false, err
	}

	res, err := s.db.ExecContext(ctx, s.stmts.putIfAbsent, bucket, key, string(data))
	if err != nil {
		return nil, false, fmt.Errorf("%w: inserting record: %v", ErrUnavailable, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("%w: rows affected: %v", ErrUnavailable, err)
	}

	if rows > 0 {
		stored, err := unmarshalValue(data)
		return stored, true, err
	}

	stored, err := s.Get(ctx, bucket, key)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

// Delete removes the record and reports whether it existed.
func (s *sqlBackend) Delete(ctx context.Context, bucket, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.stmts.del, bucket, key)
	if err != nil {
		return false, fmt.Errorf("%w: deleting record: %v", ErrUnavailable, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %v", ErrUnavailable, err)
	}
	return rows > 0, nil
}

// Keys lists keys with the given prefix, sorted ascending.
func (s *sqlBackend) Keys(ctx context.Context, bucket, prefix string) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if prefix == "" {
		rows, err = s.db.QueryContext(ctx, s.stmts.keys, bucket)
	} else {
		rows, err = s.db.QueryContext(ctx, s.stmts.keysPrefix, bucket, escapeLike(prefix)+"%")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: listing keys: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("%w: scanning key: %v", ErrUnavailable, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating keys: %v", ErrUnavailable, err)
	}
	return keys, nil
}

// Close closes the connection pool.
func (s *sqlBackend) Close() error {
	s.logger.Info("closing storage backend")
	return s.db.Close()
}

// escapeLike escapes LIKE metacharacters so prefixes match literally.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// Ensure sqlBackend implements Backend.
var _ Backend = (*sqlBackend)(nil)
