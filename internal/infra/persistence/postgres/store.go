// Package postgres provides the PostgreSQL backend. It shares the row schema
// with the SQLite backend and mirrors the in-memory semantics.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"planstate/internal/infra/persistence/memory"
	"planstate/internal/infra/persistence/sqlstore"
	"planstate/pkg/domain"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/planstate?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Dialect is the PostgreSQL flavour of the shared schema.
var Dialect = sqlstore.Dialect{
	Name:        "postgres",
	Bind:        func(n int) string { return "$" + strconv.Itoa(n) },
	PayloadType: "JSONB",
	BoolType:    "BOOLEAN",
	Classify:    classify,
}

// Store is the in-memory store with PostgreSQL write-through.
type Store struct {
	*memory.Store
	db *sql.DB
}

// NewStore opens a Postgres-backed store using dsn (falls back to defaultDSN),
// applies the schema and hydrates the in-memory read model.
func NewStore(ctx context.Context, dsn string, opts ...memory.Option) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := sqlstore.Migrate(ctx, db, Dialect); err != nil {
		return nil, err
	}
	state, err := sqlstore.Load(ctx, db)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore(append(opts, memory.WithWriter(sqlstore.NewWriter(db, Dialect)))...)
	mem.ImportState(state)
	return &Store{Store: mem, db: db}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// classify maps SQLSTATE codes: unique_violation is a duplicate, while
// serialization_failure and deadlock_detected are retried.
func classify(err error) domain.Code {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ""
	}
	switch pgErr.Code {
	case "23505":
		return domain.CodeDuplicateEvent
	case "40001", "40P01":
		return domain.CodeTransient
	}
	return ""
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
