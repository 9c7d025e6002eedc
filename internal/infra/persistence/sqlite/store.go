// Package sqlite provides the embedded SQLite backend. Records are written
// through to SQLite before they become visible in the in-memory read model,
// and the read model is hydrated from the database on open.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"planstate/internal/infra/persistence/memory"
	"planstate/internal/infra/persistence/sqlstore"
	"planstate/pkg/domain"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const defaultPath = "planstate.db"

// Dialect is the SQLite flavour of the shared schema.
var Dialect = sqlstore.Dialect{
	Name:        "sqlite",
	Bind:        func(int) string { return "?" },
	PayloadType: "BLOB",
	BoolType:    "BOOLEAN",
	Classify:    classify,
}

// Store is the in-memory store with SQLite write-through.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// NewStore opens or creates the database at path and loads its contents.
func NewStore(ctx context.Context, path string, opts ...memory.Option) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection serializes writers and avoids SQLITE_BUSY between them
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if err := sqlstore.Migrate(ctx, db, Dialect); err != nil {
		_ = db.Close()
		return nil, err
	}
	state, err := sqlstore.Load(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	mem := memory.NewStore(append(opts, memory.WithWriter(sqlstore.NewWriter(db, Dialect)))...)
	mem.ImportState(state)
	return &Store{Store: mem, db: db, path: path}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

func classify(err error) domain.Code {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return ""
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return domain.CodeDuplicateEvent
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return domain.CodeTransient
	}
	return ""
}
