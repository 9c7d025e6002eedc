package testutil

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	periodsDDL = `CREATE TABLE IF NOT EXISTS periods (
			run_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			period_start TEXT NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (run_id, entity_id, period_start)
		)`
	snapshotsDDL = `CREATE TABLE IF NOT EXISTS snapshots (
			snapshot_id TEXT PRIMARY KEY,
			payload JSONB NOT NULL
		)`
	periodUpsert = "INSERT INTO periods (run_id, entity_id, period_start, payload) VALUES ($1,$2,$3,$4) " +
		"ON CONFLICT(run_id, entity_id, period_start) DO UPDATE SET payload=excluded.payload"
)

func migrated(t *testing.T) (*StubConn, func(query string, args ...any) error) {
	t.Helper()
	db, conn := NewStubDB()
	t.Cleanup(func() { _ = db.Close() })
	exec := func(query string, args ...any) error {
		_, err := db.ExecContext(context.Background(), query, args...)
		return err
	}
	for _, ddl := range []string{periodsDDL, snapshotsDDL} {
		if err := exec(ddl); err != nil {
			t.Fatalf("ddl: %v", err)
		}
	}
	return conn, exec
}

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func TestStubLearnsPrimaryKeys(t *testing.T) {
	conn, _ := migrated(t)
	if got := conn.PrimaryKey("periods"); !slices.Equal(got, []string{"run_id", "entity_id", "period_start"}) {
		t.Fatalf("unexpected composite key %v", got)
	}
	if got := conn.PrimaryKey("snapshots"); !slices.Equal(got, []string{"snapshot_id"}) {
		t.Fatalf("unexpected column key %v", got)
	}
}

func TestStubUpsertsOnCompositeKey(t *testing.T) {
	conn, exec := migrated(t)
	if err := exec(periodUpsert, "run-1", "e1", "2025-01-01", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := exec(periodUpsert, "run-1", "e1", "2025-02-01", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("insert second period: %v", err)
	}
	if err := exec(periodUpsert, "run-1", "e1", "2025-01-01", []byte(`{"v":3}`)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if conn.Count("periods") != 2 {
		t.Fatalf("expected the clash to update in place, got %d rows", conn.Count("periods"))
	}

	wrongTarget := "INSERT INTO periods (run_id, entity_id, period_start, payload) VALUES ($1,$2,$3,$4) " +
		"ON CONFLICT(run_id) DO UPDATE SET payload=excluded.payload"
	if err := exec(wrongTarget, "run-1", "e1", "2025-01-01", []byte(`{}`)); sqlState(err) != "42P10" {
		t.Fatalf("expected conflict target mismatch, got %v", err)
	}
}

func TestStubRejectsDuplicateKeys(t *testing.T) {
	_, exec := migrated(t)
	insert := "INSERT INTO snapshots (snapshot_id, payload) VALUES ($1,$2)"
	if err := exec(insert, "s1", []byte(`{}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := exec(insert, "s1", []byte(`{}`)); sqlState(err) != "23505" {
		t.Fatalf("expected unique violation, got %v", err)
	}
	if err := exec("INSERT INTO missing (id) VALUES ($1)", "x"); sqlState(err) != "42P01" {
		t.Fatalf("expected undefined table, got %v", err)
	}
}

func TestStubDeletesByList(t *testing.T) {
	conn, exec := migrated(t)
	insert := "INSERT INTO snapshots (snapshot_id, payload) VALUES ($1,$2)"
	for _, id := range []string{"s1", "s2", "s3"} {
		if err := exec(insert, id, []byte(`{}`)); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if err := exec("DELETE FROM snapshots WHERE snapshot_id IN ($1,$2)", "s1", "s3"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if conn.Count("snapshots") != 1 {
		t.Fatalf("expected one snapshot left, got %d", conn.Count("snapshots"))
	}
	if err := exec("DELETE FROM snapshots WHERE snapshot_id IN ($1,$2)", "s2"); err == nil {
		t.Fatalf("expected arity mismatch to fail")
	}
}

func TestStubRollbackAndFailedCommit(t *testing.T) {
	db, conn := NewStubDB()
	defer func() { _ = db.Close() }()
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, snapshotsDDL); err != nil {
		t.Fatalf("ddl: %v", err)
	}
	insert := "INSERT INTO snapshots (snapshot_id, payload) VALUES ($1,$2)"

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.ExecContext(ctx, insert, "s1", []byte(`{}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if conn.Count("snapshots") != 0 {
		t.Fatalf("expected rollback to discard the row")
	}

	conn.FailCommit = true
	tx, err = db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.ExecContext(ctx, insert, "s2", []byte(`{}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err == nil {
		t.Fatalf("expected commit failure")
	}
	if conn.Count("snapshots") != 0 {
		t.Fatalf("expected failed commit to leave no rows")
	}

	conn.FailCommit = false
	rows, err := db.QueryContext(ctx, "SELECT snapshot_id FROM snapshots")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	defer func() { _ = rows.Close() }()
	if rows.Next() {
		t.Fatalf("expected empty table")
	}
}
