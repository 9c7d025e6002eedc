// Package testutil provides a database/sql driver that understands the
// statements sqlstore issues, so the postgres store can be tested without a
// server. Tables and their primary keys are learned from the CREATE TABLE
// statements run by the migration; key clashes surface as SQLSTATE errors
// the way PostgreSQL reports them.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	createRe = regexp.MustCompile(`(?is)^CREATE TABLE IF NOT EXISTS (\w+) \((.*)\)$`)
	tablePK  = regexp.MustCompile(`(?i)PRIMARY KEY \(([^)]*)\)`)
	insertRe = regexp.MustCompile(`(?is)^INSERT INTO (\w+) \(([^)]*)\) VALUES \(([^)]*)\)(?: ON CONFLICT\(([^)]*)\) DO UPDATE SET (.*))?$`)
	deleteRe = regexp.MustCompile(`(?is)^DELETE FROM (\w+) WHERE (\w+) (?:= ?\$\d+|IN \(([^)]*)\))$`)
	selectRe = regexp.MustCompile(`(?is)^SELECT (.+) FROM (\w+)$`)

	driverSeq atomic.Int64
)

// StubConn holds the tables of one stub database and records every
// executed statement.
type StubConn struct {
	mu     sync.Mutex
	tables map[string]*stubTable
	saved  map[string]*stubTable

	Execs      []string
	FailPing   bool
	FailCommit bool
	// FailTables makes inserts into and selects from the named tables fail.
	FailTables map[string]bool
}

type stubTable struct {
	key  []string
	rows []map[string]any
}

func (t *stubTable) clone() *stubTable {
	out := &stubTable{key: t.key, rows: make([]map[string]any, len(t.rows))}
	for i, row := range t.rows {
		cp := make(map[string]any, len(row))
		for k, v := range row {
			cp[k] = v
		}
		out.rows[i] = cp
	}
	return out
}

func (t *stubTable) find(row map[string]any) int {
	for i, existing := range t.rows {
		match := true
		for _, col := range t.key {
			if fmt.Sprint(existing[col]) != fmt.Sprint(row[col]) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// NewStubDB registers a fresh driver and opens a single-connection sql.DB
// on it.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{tables: make(map[string]*stubTable)}
	name := fmt.Sprintf("planstate-stub-%d", driverSeq.Add(1))
	sql.Register(name, stubDriver{conn: conn})
	db, err := sql.Open(name, "")
	if err != nil {
		panic(err)
	}
	db.SetMaxOpenConns(1)
	return db, conn
}

type stubDriver struct{ conn *StubConn }

func (d stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// Count returns the number of rows held for table.
func (c *StubConn) Count(table string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tables[table]; ok {
		return len(t.rows)
	}
	return 0
}

// PrimaryKey returns the key columns learned for table.
func (c *StubConn) PrimaryKey(table string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tables[table]; ok {
		return slices.Clone(t.key)
	}
	return nil
}

// Prepare implements driver.Conn; every statement goes through ExecContext
// or QueryContext instead.
func (c *StubConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("stub: prepare unsupported")
}

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx implements driver.ConnBeginTx. Writes inside the transaction are
// applied directly and undone on rollback.
func (c *StubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved = make(map[string]*stubTable, len(c.tables))
	for name, t := range c.tables {
		c.saved[name] = t.clone()
	}
	return stubTx{conn: c}, nil
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(context.Context) error {
	if c.FailPing {
		return errors.New("stub: connection refused")
	}
	return nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	query = strings.TrimSpace(query)
	c.Execs = append(c.Execs, query)
	switch {
	case strings.HasPrefix(query, "CREATE TABLE"):
		return c.create(query)
	case strings.HasPrefix(query, "CREATE INDEX"):
		return driver.ResultNoRows, nil
	case strings.HasPrefix(query, "INSERT INTO"):
		return c.insert(query, args)
	case strings.HasPrefix(query, "DELETE FROM"):
		return c.delete(query, args)
	}
	return nil, fmt.Errorf("stub: unsupported statement %q", query)
}

func (c *StubConn) create(query string) (driver.Result, error) {
	m := createRe.FindStringSubmatch(query)
	if m == nil {
		return nil, fmt.Errorf("stub: cannot parse %q", query)
	}
	if _, ok := c.tables[m[1]]; ok {
		return driver.ResultNoRows, nil
	}
	var key []string
	if pk := tablePK.FindStringSubmatch(m[2]); pk != nil {
		key = splitList(pk[1])
	} else {
		for _, def := range strings.Split(m[2], ",") {
			if strings.Contains(strings.ToUpper(def), "PRIMARY KEY") {
				key = strings.Fields(def)[:1]
			}
		}
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("stub: table %s has no primary key", m[1])
	}
	c.tables[m[1]] = &stubTable{key: key}
	return driver.ResultNoRows, nil
}

func (c *StubConn) table(name string) (*stubTable, error) {
	if c.FailTables[name] {
		return nil, fmt.Errorf("stub: %s unavailable", name)
	}
	t, ok := c.tables[name]
	if !ok {
		return nil, &pgconn.PgError{Code: "42P01", Message: fmt.Sprintf("relation %q does not exist", name)}
	}
	return t, nil
}

func (c *StubConn) insert(query string, args []driver.NamedValue) (driver.Result, error) {
	m := insertRe.FindStringSubmatch(query)
	if m == nil {
		return nil, fmt.Errorf("stub: cannot parse %q", query)
	}
	t, err := c.table(m[1])
	if err != nil {
		return nil, err
	}
	cols := splitList(m[2])
	if len(cols) != len(args) {
		return nil, fmt.Errorf("stub: %d columns but %d args for %s", len(cols), len(args), m[1])
	}
	row := make(map[string]any, len(cols))
	for i, col := range cols {
		row[col] = args[i].Value
	}
	if m[4] != "" && !slices.Equal(splitList(m[4]), t.key) {
		return nil, &pgconn.PgError{Code: "42P10", Message: "there is no unique or exclusion constraint matching the ON CONFLICT specification"}
	}
	idx := t.find(row)
	if idx < 0 {
		t.rows = append(t.rows, row)
		return driver.RowsAffected(1), nil
	}
	if m[4] == "" {
		return nil, &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint " + m[1] + "_pkey"}
	}
	for _, assign := range splitList(m[5]) {
		col, _, _ := strings.Cut(assign, "=")
		t.rows[idx][col] = row[col]
	}
	return driver.RowsAffected(1), nil
}

func (c *StubConn) delete(query string, args []driver.NamedValue) (driver.Result, error) {
	m := deleteRe.FindStringSubmatch(query)
	if m == nil {
		return nil, fmt.Errorf("stub: cannot parse %q", query)
	}
	t, err := c.table(m[1])
	if err != nil {
		return nil, err
	}
	if m[3] != "" && len(splitList(m[3])) != len(args) {
		return nil, fmt.Errorf("stub: IN list of %d but %d args", len(splitList(m[3])), len(args))
	}
	targets := make(map[string]bool, len(args))
	for _, a := range args {
		targets[fmt.Sprint(a.Value)] = true
	}
	kept := t.rows[:0]
	var removed int64
	for _, row := range t.rows {
		if targets[fmt.Sprint(row[m[2]])] {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	t.rows = kept
	return driver.RowsAffected(removed), nil
}

// QueryContext implements driver.QueryerContext for full-table selects.
func (c *StubConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := selectRe.FindStringSubmatch(strings.TrimSpace(query))
	if m == nil {
		return nil, fmt.Errorf("stub: cannot parse %q", query)
	}
	t, err := c.table(m[2])
	if err != nil {
		return nil, err
	}
	cols := splitList(m[1])
	out := &stubRows{cols: cols}
	for _, row := range t.rows {
		vals := make([]driver.Value, len(cols))
		for i, col := range cols {
			vals[i] = row[col]
		}
		out.rows = append(out.rows, vals)
	}
	return out, nil
}

type stubTx struct{ conn *StubConn }

func (t stubTx) Commit() error {
	if t.conn.FailCommit {
		_ = t.Rollback()
		return errors.New("stub: commit failed")
	}
	t.conn.mu.Lock()
	t.conn.saved = nil
	t.conn.mu.Unlock()
	return nil
}

func (t stubTx) Rollback() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if t.conn.saved != nil {
		t.conn.tables = t.conn.saved
		t.conn.saved = nil
	}
	return nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
