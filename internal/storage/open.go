// ABOUTME: Backend selection from configuration, decided once at startup
// ABOUTME: Sealed set of variants: memory, sqlite, postgres, mysql

package storage

import (
	"context"
	"fmt"
)

// Backend kind names accepted in configuration.
const (
	KindMemory   = "memory"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
	KindMySQL    = "mysql"
)

// Options selects and parameterizes a backend. Exactly one variant is
// constructed at startup; nothing branches on the kind per call.
type Options struct {
	Kind        string
	SQLitePath  string
	PostgresDSN string
	MySQLDSN    string
}

// Open constructs the configured backend. Switching kinds must not change
// any observable API behavior; the conformance tests hold all four to the
// same contract.
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Kind {
	case "", KindMemory:
		return NewMemoryBackend(), nil
	case KindSQLite:
		if opts.SQLitePath == "" {
			return nil, fmt.Errorf("storage: sqlite backend requires a path")
		}
		return NewSQLiteBackend(opts.SQLitePath)
	case KindPostgres:
		if opts.PostgresDSN == "" {
			return nil, fmt.Errorf("storage: postgres backend requires a dsn")
		}
		return NewPostgresBackend(ctx, opts.PostgresDSN)
	case KindMySQL:
		if opts.MySQLDSN == "" {
			return nil, fmt.Errorf("storage: mysql backend requires a dsn")
		}
		return NewMySQLBackend(ctx, opts.MySQLDSN)
	default:
		return nil, fmt.Errorf("storage: unknown backend kind %q", opts.Kind)
	}
}
