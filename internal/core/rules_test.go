package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"planstate/pkg/domain"

	"github.com/shopspring/decimal"
)

type stubView struct {
	key       domain.Key
	rows      []domain.PeriodState
	version   int64
	prev      int64
	snapshots []domain.Snapshot
	entity    *domain.Entity
	lifecycle domain.Lifecycle
	replay    decimal.Decimal
	replayErr error
}

func (v *stubView) Key() domain.Key               { return v.key }
func (v *stubView) Periods() []domain.PeriodState { return v.rows }
func (v *stubView) RunVersion() int64             { return v.version }
func (v *stubView) PreviousRunVersion() int64     { return v.prev }
func (v *stubView) Snapshots() []domain.Snapshot  { return v.snapshots }
func (v *stubView) Lifecycle() domain.Lifecycle   { return v.lifecycle }

func (v *stubView) Entity() (domain.Entity, bool) {
	if v.entity == nil {
		return domain.Entity{}, false
	}
	return *v.entity, true
}

func (v *stubView) Bounds() (decimal.Decimal, decimal.Decimal) {
	return decimal.Zero, dec("0.50")
}

func (v *stubView) Replay(context.Context, domain.Date) (decimal.Decimal, error) {
	return v.replay, v.replayErr
}

// cleanView is a full, valid 2025 grid at 3% for one entity.
func cleanView() *stubView {
	key := testKey("e-1")
	var rows []domain.PeriodState
	for i, p := range YearWindow(2025).Periods(1) {
		rows = append(rows, domain.PeriodState{
			Key:        key,
			Period:     p,
			Value:      dec("0.03"),
			IsActive:   true,
			IsCurrent:  i == 11,
			SourceType: domain.SourceBaseline,
			Version:    2,
		})
	}
	snap := domain.Snapshot{
		Key:       key,
		AsOf:      date("2025-12-31"),
		Balances:  map[string]decimal.Decimal{domain.BalanceEffective: dec("0.03")},
		Version:   1,
		IsCurrent: true,
	}
	snap.Checksum = snap.ComputeChecksum()
	return &stubView{
		key:       key,
		rows:      rows,
		version:   2,
		prev:      1,
		snapshots: []domain.Snapshot{snap},
		entity:    &domain.Entity{PlanID: testPlan, EntityID: "e-1", Status: domain.EntityActive},
		replay:    dec("0.03"),
	}
}

func evaluate(t *testing.T, rule domain.Rule, view domain.RuleView) []domain.Violation {
	t.Helper()
	res, err := rule.Evaluate(context.Background(), view)
	if err != nil {
		t.Fatalf("%s: %v", rule.Name(), err)
	}
	for _, v := range res.Violations {
		if v.Rule != rule.Name() || v.Severity != rule.Severity() {
			t.Fatalf("violation %+v not attributed to %s", v, rule.Name())
		}
	}
	return res.Violations
}

func TestDefaultRulesPassCleanGrid(t *testing.T) {
	cfg := testConfig()
	cfg.ReferentialIntegrity = true
	engine := NewDefaultRulesEngine(cfg)
	res, err := engine.Evaluate(context.Background(), cleanView())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Violations) != 0 {
		t.Fatalf("expected clean grid to pass, got %v", res.Violations)
	}
	names := map[string]bool{}
	for _, r := range engine.Rules() {
		names[r.Name()] = true
	}
	for _, want := range []string{
		"composite_key_uniqueness", "single_current_period", "value_range", "bounds_flagged",
		"grid_completeness", "version_monotonic", "referential_integrity", "terminated_entity_active",
		"audit_trail", "snapshot_reconciliation",
	} {
		if !names[want] {
			t.Fatalf("expected rule %s to be registered", want)
		}
	}
	cfg.ReferentialIntegrity = false
	if len(NewDefaultRulesEngine(cfg).Rules()) != len(engine.Rules())-2 {
		t.Fatalf("expected referential rules to be optional")
	}
}

func TestCompositeKeyRule(t *testing.T) {
	view := cleanView()
	view.rows = append(view.rows, view.rows[3])
	if vs := evaluate(t, CompositeKeyRule(), view); len(vs) != 1 || vs[0].Period.String() != "2025-04-01" {
		t.Fatalf("expected one duplicate for april, got %v", vs)
	}
}

func TestSingleCurrentPeriodRule(t *testing.T) {
	view := cleanView()
	view.rows[11].IsCurrent = false
	if vs := evaluate(t, SingleCurrentPeriodRule(), view); len(vs) != 1 {
		t.Fatalf("expected violation for no current row, got %v", vs)
	}
	view.rows[11].IsCurrent = true
	view.rows[0].IsCurrent = true
	if vs := evaluate(t, SingleCurrentPeriodRule(), view); len(vs) != 1 || !strings.Contains(vs[0].Message, "2 periods") {
		t.Fatalf("expected violation for two current rows, got %v", vs)
	}
	if vs := evaluate(t, SingleCurrentPeriodRule(), &stubView{}); len(vs) != 0 {
		t.Fatalf("expected empty grid to pass")
	}
}

func TestValueRangeAndBoundsFlaggedRules(t *testing.T) {
	view := cleanView()
	view.rows[5].Value = dec("0.60")
	view.rows[6].BoundsViolation = true
	view.rows[6].Value = dec("0.50")
	view.rows[6].SourceEventIDs = []domain.EventID{12}
	vs := evaluate(t, ValueRangeRule(), view)
	if len(vs) != 1 || vs[0].Value != "0.6" {
		t.Fatalf("expected one out-of-range value, got %v", vs)
	}
	vs = evaluate(t, BoundsFlaggedRule(), view)
	if len(vs) != 1 || vs[0].EventID != 12 || vs[0].Severity != domain.SeverityInfo {
		t.Fatalf("expected info violation for clamped row, got %v", vs)
	}
}

func TestGridCompletenessRule(t *testing.T) {
	view := cleanView()
	view.rows = append(view.rows[:4], view.rows[5:]...)
	vs := evaluate(t, GridCompletenessRule(1), view)
	if len(vs) != 2 {
		t.Fatalf("expected a gap and a short year, got %v", vs)
	}
	var sawGap, sawYear bool
	for _, v := range vs {
		sawGap = sawGap || strings.Contains(v.Message, "gap")
		sawYear = sawYear || strings.Contains(v.Message, "has 11 periods")
	}
	if !sawGap || !sawYear {
		t.Fatalf("unexpected violations %v", vs)
	}

	partial := cleanView()
	partial.rows = partial.rows[2:]
	if vs := evaluate(t, GridCompletenessRule(1), partial); len(vs) != 0 {
		t.Fatalf("expected partial year starting at hire to pass, got %v", vs)
	}
}

func TestVersionMonotonicRule(t *testing.T) {
	view := cleanView()
	view.prev = 2
	view.rows[0].Version = 1
	older := view.snapshots[0]
	older.Version = 1
	older.IsCurrent = true
	view.snapshots = append(view.snapshots, older)
	vs := evaluate(t, VersionMonotonicRule(), view)
	if len(vs) != 4 {
		t.Fatalf("expected run, row, snapshot order and current count violations, got %v", vs)
	}
}

func TestReferentialIntegrityRule(t *testing.T) {
	view := cleanView()
	view.entity = nil
	vs := evaluate(t, ReferentialIntegrityRule(), view)
	if len(vs) != 1 || vs[0].Severity != domain.SeverityError {
		t.Fatalf("expected unknown entity violation, got %v", vs)
	}
	for i := range view.rows {
		view.rows[i].IsActive = false
	}
	if vs := evaluate(t, ReferentialIntegrityRule(), view); len(vs) != 0 {
		t.Fatalf("expected inactive rows for unknown entity to pass, got %v", vs)
	}
}

func TestTerminatedEntityRule(t *testing.T) {
	view := cleanView()
	terminated := date("2025-10-01")
	view.entity = &domain.Entity{PlanID: testPlan, EntityID: "e-1", Status: domain.EntityTerminated, TerminatedOn: &terminated}
	vs := evaluate(t, TerminatedEntityRule(), view)
	if len(vs) != 3 || vs[0].Severity != domain.SeverityWarn {
		t.Fatalf("expected october through december flagged, got %v", vs)
	}
}

func TestAuditTrailRule(t *testing.T) {
	view := cleanView()
	view.rows[2].SourceType = domain.SourceEvent
	view.rows[3].SourceType = domain.SourceCarryforward
	view.rows[3].SourceEventIDs = []domain.EventID{4}
	view.rows[4].SourceType = "guess"
	vs := evaluate(t, AuditTrailRule(), view)
	if len(vs) != 3 {
		t.Fatalf("expected three audit violations, got %v", vs)
	}
	if vs[1].EventID != 4 {
		t.Fatalf("expected carry-forward violation to cite event 4, got %+v", vs[1])
	}
}

func TestSnapshotReconciliationRule(t *testing.T) {
	rule := SnapshotReconciliationRule(dec("0.0001"))
	view := cleanView()
	if vs := evaluate(t, rule, view); len(vs) != 0 {
		t.Fatalf("expected matching snapshot to pass, got %v", vs)
	}
	view.replay = dec("0.03005")
	if vs := evaluate(t, rule, view); len(vs) != 0 {
		t.Fatalf("expected difference within epsilon to pass, got %v", vs)
	}
	view.replay = dec("0.04")
	if vs := evaluate(t, rule, view); len(vs) != 1 || vs[0].Value != "0.03" {
		t.Fatalf("expected mismatch violation, got %v", vs)
	}

	view = cleanView()
	view.snapshots[0].Checksum = "bogus"
	if vs := evaluate(t, rule, view); len(vs) != 1 || !strings.Contains(vs[0].Message, "checksum") {
		t.Fatalf("expected checksum violation, got %v", vs)
	}

	view = cleanView()
	view.replayErr = domain.NewError(domain.CodeMissingBaseline, view.key, "no baseline")
	if vs := evaluate(t, rule, view); len(vs) != 1 {
		t.Fatalf("expected replay failure reported as a violation, got %v", vs)
	}
	view.replayErr = errors.New("disk gone")
	if _, err := rule.Evaluate(context.Background(), view); err == nil {
		t.Fatalf("expected internal replay errors to abort evaluation")
	}
}
