// Package sqlstore persists engine records to relational tables. Each table
// keeps the identity columns needed for lookups next to a JSON payload of the
// full record; the in-memory store remains the read model and this package
// is plugged in as its write-through memory.Writer.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"planstate/internal/infra/persistence/memory"
	"planstate/pkg/domain"
)

// Dialect captures the differences between SQL backends.
type Dialect struct {
	Name string
	// Bind returns the placeholder for the n-th (1-based) argument.
	Bind func(n int) string
	// PayloadType is the column type for JSON payloads.
	PayloadType string
	// BoolType is the column type for flags.
	BoolType string
	// Classify maps driver errors onto domain error codes. It returns ""
	// when the error has no domain meaning.
	Classify func(err error) domain.Code
}

// Schema returns the DDL statements for the dialect.
func (d Dialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS events (
			event_id BIGINT PRIMARY KEY,
			sequence BIGINT NOT NULL,
			scenario_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			payload ` + d.PayloadType + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS events_key_idx ON events (scenario_id, plan_id, entity_id)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			snapshot_id TEXT PRIMARY KEY,
			scenario_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			version BIGINT NOT NULL,
			is_current ` + d.BoolType + ` NOT NULL,
			payload ` + d.PayloadType + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS snapshots_key_idx ON snapshots (scenario_id, plan_id, entity_id, version)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			scenario_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			version BIGINT NOT NULL,
			status TEXT NOT NULL,
			payload ` + d.PayloadType + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS periods (
			run_id TEXT NOT NULL,
			scenario_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			period_start TEXT NOT NULL,
			payload ` + d.PayloadType + ` NOT NULL,
			PRIMARY KEY (run_id, scenario_id, plan_id, entity_id, period_start)
		)`,
		`CREATE TABLE IF NOT EXISTS entities (
			plan_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			payload ` + d.PayloadType + ` NOT NULL,
			PRIMARY KEY (plan_id, entity_id)
		)`,
	}
}

// Migrate applies the schema.
func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	for _, stmt := range d.Schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// Writer implements memory.Writer on top of a database handle.
type Writer struct {
	db *sql.DB
	d  Dialect
}

var _ memory.Writer = (*Writer)(nil)

// NewWriter constructs a writer for db.
func NewWriter(db *sql.DB, d Dialect) *Writer {
	return &Writer{db: db, d: d}
}

func (w *Writer) binds(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = w.d.Bind(i + 1)
	}
	return strings.Join(parts, ",")
}

// upsert builds an insert that updates in place on a primary key clash. The
// first keyCols columns form the conflict target.
func (w *Writer) upsert(table string, cols []string, keyCols int) string {
	set := make([]string, 0, len(cols)-keyCols)
	for _, c := range cols[keyCols:] {
		set = append(set, c+"=excluded."+c)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), w.binds(len(cols)), strings.Join(cols[:keyCols], ", "), strings.Join(set, ", "))
}

// classify converts a driver error into a domain error where the dialect
// recognizes it.
func (w *Writer) classify(err error, key domain.Key, what string) error {
	if err == nil {
		return nil
	}
	if w.d.Classify != nil {
		if code := w.d.Classify(err); code != "" {
			return domain.WrapError(code, key, what, err)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

// AppendEvent inserts an event row. Event ids are the primary key so a
// racing duplicate fails in the database as well as in memory.
func (w *Writer) AppendEvent(ctx context.Context, e memory.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	q := fmt.Sprintf("INSERT INTO events (event_id, sequence, scenario_id, plan_id, entity_id, payload) VALUES (%s)", w.binds(6))
	_, err = w.db.ExecContext(ctx, q, int64(e.EventID), int64(e.Sequence), e.ScenarioID, e.PlanID, e.EntityID, payload)
	if err := w.classify(err, e.Key, "insert event "+strconv.FormatUint(uint64(e.EventID), 10)); err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			de.EventID = e.EventID
		}
		return err
	}
	return nil
}

// PublishSnapshot writes the new current snapshot and the demoted one in a
// single transaction.
func (w *Writer) PublishSnapshot(ctx context.Context, snap memory.Snapshot, demoted *memory.Snapshot) (retErr error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return w.classify(err, snap.Key, "begin tx")
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	q := w.upsert("snapshots", []string{"snapshot_id", "scenario_id", "plan_id", "entity_id", "version", "is_current", "payload"}, 1)
	for _, s := range []*memory.Snapshot{demoted, &snap} {
		if s == nil {
			continue
		}
		payload, err := json.Marshal(s)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, q, s.SnapshotID, s.Key.ScenarioID, s.Key.PlanID, s.Key.EntityID, s.Version, s.IsCurrent, payload); err != nil {
			return w.classify(err, s.Key, "upsert snapshot")
		}
	}
	if err := tx.Commit(); err != nil {
		return w.classify(err, snap.Key, "commit")
	}
	return nil
}

// DeleteSnapshots removes pruned snapshots with a single statement.
func (w *Writer) DeleteSnapshots(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := "DELETE FROM snapshots WHERE snapshot_id IN (" + w.binds(len(ids)) + ")"
	if _, err := w.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("delete %d snapshots: %w", len(ids), err)
	}
	return nil
}

// SaveRun upserts a run.
func (w *Writer) SaveRun(ctx context.Context, run memory.Run) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return err
	}
	q := w.upsert("runs", []string{"run_id", "scenario_id", "plan_id", "version", "status", "payload"}, 1)
	_, err = w.db.ExecContext(ctx, q, run.RunID, run.ScenarioID, run.PlanID, run.Version, string(run.Status), payload)
	return w.classify(err, domain.Key{ScenarioID: run.ScenarioID, PlanID: run.PlanID}, "upsert run "+run.RunID)
}

// UpsertPeriods writes grid rows in one transaction.
func (w *Writer) UpsertPeriods(ctx context.Context, runID string, states []memory.PeriodState) (retErr error) {
	if len(states) == 0 {
		return nil
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return w.classify(err, states[0].Key, "begin tx")
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	q := w.upsert("periods", []string{"run_id", "scenario_id", "plan_id", "entity_id", "period_start", "payload"}, 5)
	for _, st := range states {
		st.RunID = runID
		payload, err := json.Marshal(st)
		if err != nil {
			return err
		}
		start := st.Period.Start.String()
		if _, err := tx.ExecContext(ctx, q, runID, st.Key.ScenarioID, st.Key.PlanID, st.Key.EntityID, start, payload); err != nil {
			return w.classify(err, st.Key, "upsert period "+start)
		}
	}
	if err := tx.Commit(); err != nil {
		return w.classify(err, states[0].Key, "commit")
	}
	return nil
}

// PutEntity upserts a master record.
func (w *Writer) PutEntity(ctx context.Context, entity memory.Entity) error {
	payload, err := json.Marshal(entity)
	if err != nil {
		return err
	}
	q := w.upsert("entities", []string{"plan_id", "entity_id", "payload"}, 2)
	_, err = w.db.ExecContext(ctx, q, entity.PlanID, entity.EntityID, payload)
	return w.classify(err, domain.Key{PlanID: entity.PlanID, EntityID: entity.EntityID}, "upsert entity")
}

// Load reads every table into a memory.State.
func Load(ctx context.Context, db *sql.DB) (memory.State, error) {
	var st memory.State
	if err := loadTable(ctx, db, "events", &st.Events); err != nil {
		return st, err
	}
	if err := loadTable(ctx, db, "snapshots", &st.Snapshots); err != nil {
		return st, err
	}
	if err := loadTable(ctx, db, "runs", &st.Runs); err != nil {
		return st, err
	}
	var rows []memory.PeriodState
	if err := loadTable(ctx, db, "periods", &rows); err != nil {
		return st, err
	}
	st.Periods = make(map[string][]memory.PeriodState)
	for _, row := range rows {
		st.Periods[row.RunID] = append(st.Periods[row.RunID], row)
	}
	if err := loadTable(ctx, db, "entities", &st.Entities); err != nil {
		return st, err
	}
	return st, nil
}

func loadTable[T any](ctx context.Context, db *sql.DB, table string, out *[]T) error {
	rows, err := db.QueryContext(ctx, "SELECT payload FROM "+table)
	if err != nil {
		return fmt.Errorf("select %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("scan %s: %w", table, err)
		}
		if len(payload) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("decode %s: %w", table, err)
		}
		*out = append(*out, v)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", table, err)
	}
	return nil
}
