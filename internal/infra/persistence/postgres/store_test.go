package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"

	"planstate/internal/infra/persistence/postgres/testutil"
	"planstate/internal/infra/persistence/sqlstore"
	"planstate/pkg/domain"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var key = domain.Key{ScenarioID: "base", PlanID: "401k", EntityID: "e1"}

func openStub(t *testing.T, db *sql.DB) *Store {
	t.Helper()
	restore := OverrideSQLOpen(func(driverName, dsn string) (*sql.DB, error) {
		if driverName != "pgx" {
			t.Fatalf("expected pgx driver, got %s", driverName)
		}
		return db, nil
	})
	defer restore()
	store, err := NewStore(context.Background(), "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestNewStoreAppliesSchema(t *testing.T) {
	db, conn := testutil.NewStubDB()
	store := openStub(t, db)
	if store.DB() != db {
		t.Fatalf("expected store to expose the stub db")
	}
	var creates int
	for _, stmt := range conn.Execs {
		if strings.HasPrefix(strings.TrimSpace(stmt), "CREATE TABLE") {
			creates++
			if strings.Contains(stmt, "payload") && !strings.Contains(stmt, "JSONB") {
				t.Fatalf("expected JSONB payload columns, got %s", stmt)
			}
		}
	}
	if creates != 5 {
		t.Fatalf("expected 5 tables created, got %d", creates)
	}
}

func TestWriteThroughAndReload(t *testing.T) {
	ctx := context.Background()
	db, conn := testutil.NewStubDB()
	store := openStub(t, db)

	for _, e := range []domain.Event{
		{Key: key, EventType: domain.EventBaseline, EffectiveDate: domain.MustDate("2025-01-01"), Value: decimal.RequireFromString("0.03"), Priority: 3},
		{Key: key, EventType: domain.EventTermination, EffectiveDate: domain.MustDate("2025-06-15"), Priority: 1},
	} {
		if _, err := store.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	for v := int64(1); v <= 2; v++ {
		snap := domain.Snapshot{
			SnapshotID: fmt.Sprintf("snap-%d", v),
			Key:        key,
			AsOf:       domain.MustDate("2025-01-31"),
			Balances:   map[string]decimal.Decimal{domain.BalanceEffective: decimal.RequireFromString("0.03")},
			Version:    v,
		}
		snap.Checksum = snap.ComputeChecksum()
		if err := store.PublishSnapshot(ctx, snap, v-1); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	run, err := store.CreateRun(ctx, domain.Run{ScenarioID: "base", PlanID: "401k"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	row := domain.PeriodState{Key: key, Period: domain.Period{Start: domain.MustDate("2025-01-01"), End: domain.MustDate("2025-02-01")}, Value: decimal.RequireFromString("0.03")}
	if err := store.UpsertPeriods(ctx, run.RunID, []domain.PeriodState{row, row}); err != nil {
		t.Fatalf("upsert periods: %v", err)
	}
	if err := store.PutEntity(ctx, domain.Entity{PlanID: "401k", EntityID: "e1"}); err != nil {
		t.Fatalf("put entity: %v", err)
	}

	for table, want := range map[string]int{"events": 2, "snapshots": 2, "runs": 1, "periods": 1, "entities": 1} {
		if got := conn.Count(table); got != want {
			t.Fatalf("expected %d rows in %s, got %d", want, table, got)
		}
	}

	reloaded := openStub(t, db)
	stats := reloaded.Stats()
	if stats["events"] != 2 || stats["snapshots"] != 2 || stats["periods"] != 1 {
		t.Fatalf("unexpected reloaded stats %+v", stats)
	}
	cur, ok, _ := reloaded.CurrentSnapshot(ctx, key)
	if !ok || cur.Version != 2 {
		t.Fatalf("expected current v2 after reload, got %+v", cur)
	}

	pruned, err := reloaded.PruneSnapshots(ctx, cur.CreatedAt.AddDate(1, 0, 0))
	if err != nil || pruned != 1 {
		t.Fatalf("expected one pruned snapshot, got %d (%v)", pruned, err)
	}
	if conn.Count("snapshots") != 1 {
		t.Fatalf("expected snapshot row deleted, got %d", conn.Count("snapshots"))
	}
}

func TestWriteFailureIsNotVisible(t *testing.T) {
	ctx := context.Background()
	db, conn := testutil.NewStubDB()
	store := openStub(t, db)
	conn.FailTables = map[string]bool{"events": true}
	_, err := store.Append(ctx, domain.Event{Key: key, EventType: domain.EventBaseline, EffectiveDate: domain.MustDate("2025-01-01"), Value: decimal.RequireFromString("0.03")})
	if err == nil {
		t.Fatalf("expected append failure")
	}
	if last, _ := store.LastEventID(ctx, key); last != 0 {
		t.Fatalf("expected no visible event, got last id %d", last)
	}
	conn.FailCommit = true
	snap := domain.Snapshot{SnapshotID: "s1", Key: key, Version: 1, Balances: map[string]decimal.Decimal{}}
	if err := store.PublishSnapshot(ctx, snap, 0); err == nil {
		t.Fatalf("expected commit failure")
	}
	if _, ok, _ := store.CurrentSnapshot(ctx, key); ok {
		t.Fatalf("expected no current snapshot after failed commit")
	}
}

func TestSchemaKeysMatchWriterConflictTargets(t *testing.T) {
	db, conn := testutil.NewStubDB()
	openStub(t, db)
	want := map[string][]string{
		"events":    {"event_id"},
		"snapshots": {"snapshot_id"},
		"runs":      {"run_id"},
		"periods":   {"run_id", "scenario_id", "plan_id", "entity_id", "period_start"},
		"entities":  {"plan_id", "entity_id"},
	}
	for table, cols := range want {
		if got := conn.PrimaryKey(table); strings.Join(got, ",") != strings.Join(cols, ",") {
			t.Fatalf("%s: expected key %v, got %v", table, cols, got)
		}
	}
}

func TestDuplicateEventRowIsClassified(t *testing.T) {
	ctx := context.Background()
	db, _ := testutil.NewStubDB()
	openStub(t, db)
	w := sqlstore.NewWriter(db, Dialect)
	e := domain.Event{EventID: 7, Sequence: 7, Key: key, EventType: domain.EventBaseline, EffectiveDate: domain.MustDate("2025-01-01"), Value: decimal.RequireFromString("0.03")}
	if err := w.AppendEvent(ctx, e); err != nil {
		t.Fatalf("append: %v", err)
	}
	err := w.AppendEvent(ctx, e)
	if domain.CodeOf(err) != domain.CodeDuplicateEvent {
		t.Fatalf("expected duplicate_event, got %v", err)
	}
	var de *domain.Error
	if !errors.As(err, &de) || de.EventID != 7 {
		t.Fatalf("expected event id on the error, got %v", err)
	}
}

func TestNewStorePingFailure(t *testing.T) {
	db, conn := testutil.NewStubDB()
	conn.FailPing = true
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore(context.Background(), "postgres://example"); err == nil {
		t.Fatalf("expected ping failure")
	}
	restoreOpen := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return nil, errors.New("no driver") })
	defer restoreOpen()
	if _, err := NewStore(context.Background(), ""); err == nil {
		t.Fatalf("expected open failure")
	}
}

func TestClassifySQLState(t *testing.T) {
	cases := map[string]domain.Code{
		"23505": domain.CodeDuplicateEvent,
		"40001": domain.CodeTransient,
		"40P01": domain.CodeTransient,
		"42P01": "",
	}
	for state, want := range cases {
		err := fmt.Errorf("exec: %w", &pgconn.PgError{Code: state})
		if got := classify(err); got != want {
			t.Fatalf("sqlstate %s: expected %q, got %q", state, want, got)
		}
	}
	if got := classify(errors.New("plain")); got != "" {
		t.Fatalf("expected no classification, got %q", got)
	}
}
