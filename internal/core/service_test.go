package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"planstate/internal/infra/persistence/memory"
	"planstate/pkg/domain"
)

func fullYearRun() RunRequest {
	return RunRequest{ScenarioID: testScenario, PlanID: testPlan, Window: YearWindow(2025), AsOf: date("2025-12-31")}
}

func ingest(t *testing.T, svc *Service, events ...domain.Event) IngestResult {
	t.Helper()
	res, err := svc.Ingest(context.Background(), events)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return res
}

func TestNewServiceRejectsBadInput(t *testing.T) {
	if _, err := NewService(nil, testConfig()); err == nil {
		t.Fatalf("expected nil store to be rejected")
	}
	cfg := testConfig()
	cfg.PeriodMonths = 7
	_, err := NewService(memory.NewStore(), cfg)
	assertCode(t, err, domain.CodeInvalidConfig)
}

func TestIngestDuplicatesAndConflicts(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, testConfig())
	key := testKey("e-1")
	e := valueEvent(key, 10, domain.EventEnrollment, "2025-03-01", "0.06", 0)

	res := ingest(t, svc, e)
	if res.Appended != 1 || res.Duplicates != 0 || res.IDs[0] != 10 {
		t.Fatalf("unexpected first ingest %+v", res)
	}
	res = ingest(t, svc, e)
	if res.Appended != 0 || res.Duplicates != 1 {
		t.Fatalf("expected identical resubmission to be a no-op, got %+v", res)
	}

	changed := e
	changed.Value = dec("0.07")
	if _, err := svc.Ingest(ctx, []domain.Event{changed}); !errors.Is(err, domain.ErrDuplicateEvent) {
		t.Fatalf("expected duplicate_event for a changed payload, got %v", err)
	}
	if got := counterValue(t, svc.Metrics().EventsDuplicate); got != 2 {
		t.Fatalf("expected two duplicate appends counted, got %v", got)
	}
	stored, ok, err := svc.Store().GetEvent(ctx, 10)
	if err != nil || !ok || !stored.Value.Equal(dec("0.06")) || stored.Priority != 1 {
		t.Fatalf("expected original event with filled priority, got %+v (%v)", stored, err)
	}
}

func TestIngestValidatesBeforeAppending(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, testConfig())
	key := testKey("e-1")
	_, err := svc.Ingest(ctx, []domain.Event{
		valueEvent(key, 0, domain.EventEnrollment, "2025-03-01", "0.06", 1),
		valueEvent(key, 0, "bonus", "2025-03-01", "0.06", 1),
	})
	assertCode(t, err, domain.CodeInvalidEvent)
	keys, err := svc.Store().Keys(ctx, testScenario, testPlan)
	if err != nil || len(keys) != 0 {
		t.Fatalf("expected nothing appended, got %v (%v)", keys, err)
	}
}

func TestRunMaterializesAndPublishes(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.BoundsPolicy = BoundsReject
	svc := newTestService(t, cfg)
	ingest(t, svc,
		valueEvent(testKey("e-1"), 0, domain.EventEnrollment, "2025-03-01", "0.06", 0),
		lifecycleEvent(testKey("e-2"), 0, domain.EventTermination, "2025-06-15"),
		valueEvent(testKey("e-3"), 0, domain.EventEnrollment, "2025-02-01", "0.90", 0),
	)

	report, err := svc.Run(ctx, fullYearRun())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Run.Status != domain.RunPublished || report.Run.Version != 1 {
		t.Fatalf("expected published v1, got %s v%d", report.Run.Status, report.Run.Version)
	}
	if report.Entities != 3 || report.Materialized != 2 || report.Rows != 24 {
		t.Fatalf("unexpected counts %+v", report)
	}
	if len(report.Failures) != 1 || report.Failures[0].Key.EntityID != "e-3" || report.Failures[0].Code != domain.CodeBoundsViolation {
		t.Fatalf("expected e-3 to fail on bounds, got %+v", report.Failures)
	}
	if report.Decisions[PathRebuild] != 2 {
		t.Fatalf("expected two initial snapshot rebuilds, got %v", report.Decisions)
	}
	if report.Validation == nil || report.Validation.Blocking {
		t.Fatalf("expected non-blocking validation, got %+v", report.Validation)
	}

	rows, err := svc.GetHistory(ctx, testKey("e-1"), date("2025-01-01"), date("2025-12-31"))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 12 || !rows[1].Value.Equal(dec("0.03")) || !rows[2].Value.Equal(dec("0.06")) {
		t.Fatalf("unexpected history %d rows", len(rows))
	}
	rows, err = svc.GetHistory(ctx, testKey("e-1"), date("2025-03-01"), date("2025-04-15"))
	if err != nil || len(rows) != 2 {
		t.Fatalf("expected march and april, got %d rows (%v)", len(rows), err)
	}
	if _, err := svc.GetHistory(ctx, testKey("e-1"), date("2025-04-01"), date("2025-03-01")); err == nil {
		t.Fatalf("expected inverted range to fail")
	}

	terminated, err := svc.GetHistory(ctx, testKey("e-2"), date("2025-01-01"), date("2025-12-31"))
	if err != nil {
		t.Fatalf("history e-2: %v", err)
	}
	if !terminated[5].IsActive || terminated[6].IsActive {
		t.Fatalf("expected june active and july inactive")
	}

	state, err := svc.GetState(ctx, testKey("e-1"), date("2025-12-31"))
	if err != nil || !state.Value.Equal(dec("0.06")) || state.Metadata.Path != QueryPathSnapshot {
		t.Fatalf("expected snapshot read of 0.06, got %s via %s (%v)", state.Value, state.Metadata.Path, err)
	}

	second, err := svc.Run(ctx, fullYearRun())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Run.Version != 2 || second.Decisions[PathIncremental] != 2 {
		t.Fatalf("expected v2 with incremental snapshots, got v%d %v", second.Run.Version, second.Decisions)
	}
	published, ok, err := svc.Store().PublishedRun(ctx, testScenario, testPlan)
	if err != nil || !ok || published.RunID != second.Run.RunID {
		t.Fatalf("expected second run to be published, got %+v", published)
	}
	if got := counterValue(t, svc.Metrics().RunsTotal.WithLabelValues(string(domain.RunPublished))); got != 2 {
		t.Fatalf("expected two published runs counted, got %v", got)
	}
}

func TestRunBlockedByReferentialIntegrity(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.ReferentialIntegrity = true
	svc := newTestService(t, cfg)
	ingest(t, svc, valueEvent(testKey("e-1"), 0, domain.EventEnrollment, "2025-03-01", "0.06", 0))

	report, err := svc.Run(ctx, fullYearRun())
	if !errors.Is(err, domain.ErrValidationFailure) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if report.Run.Status != domain.RunBlocked {
		t.Fatalf("expected blocked run, got %s", report.Run.Status)
	}
	var failed bool
	for _, r := range report.Validation.Results {
		if r.RuleName == "referential_integrity" {
			failed = !r.Passed && r.AffectedCount == 1
		}
	}
	if !failed {
		t.Fatalf("expected referential_integrity to fail, got %+v", report.Validation.Results)
	}
	if _, ok, _ := svc.Store().PublishedRun(ctx, testScenario, testPlan); ok {
		t.Fatalf("expected no published run")
	}
	if _, err := svc.GetHistory(ctx, testKey("e-1"), date("2025-01-01"), date("2025-12-31")); !IsNotFound(err) {
		t.Fatalf("expected history to be unavailable, got %v", err)
	}

	if err := svc.PutEntity(ctx, domain.Entity{PlanID: testPlan, EntityID: "e-1"}); err != nil {
		t.Fatalf("put entity: %v", err)
	}
	report, err = svc.Run(ctx, fullYearRun())
	if err != nil || report.Run.Status != domain.RunPublished || report.Run.Version != 2 {
		t.Fatalf("expected published v2 after adding the entity, got %s v%d (%v)", report.Run.Status, report.Run.Version, err)
	}
}

func TestRunWarnsOnTerminatedEntity(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.ReferentialIntegrity = true
	cfg.DetailedReport = true
	svc := newTestService(t, cfg)
	ingest(t, svc, valueEvent(testKey("e-1"), 0, domain.EventEnrollment, "2025-03-01", "0.06", 0))
	terminated := date("2025-11-01")
	if err := svc.PutEntity(ctx, domain.Entity{PlanID: testPlan, EntityID: "e-1", Status: domain.EntityTerminated, TerminatedOn: &terminated}); err != nil {
		t.Fatalf("put entity: %v", err)
	}
	report, err := svc.Run(ctx, fullYearRun())
	if err != nil || report.Run.Status != domain.RunPublished {
		t.Fatalf("expected warnings not to block, got %v", err)
	}
	if report.Validation.Summary[domain.SeverityWarn].Failed != 1 || len(report.Validation.Violations) != 2 {
		t.Fatalf("expected november and december warnings, got %+v", report.Validation.Summary)
	}
}

func TestRunCancelledPublishesNothing(t *testing.T) {
	svc := newTestService(t, testConfig())
	ingest(t, svc, valueEvent(testKey("e-1"), 0, domain.EventEnrollment, "2025-03-01", "0.06", 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := svc.Run(ctx, fullYearRun())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if report.Run.Status != domain.RunCancelled {
		t.Fatalf("expected cancelled run, got %s", report.Run.Status)
	}
	run, err := svc.GetRun(context.Background(), report.Run.RunID)
	if err != nil || run.Status != domain.RunCancelled {
		t.Fatalf("expected stored run cancelled, got %s (%v)", run.Status, err)
	}
	if _, ok, _ := svc.Store().CurrentSnapshot(context.Background(), testKey("e-1")); ok {
		t.Fatalf("expected no snapshot from a cancelled run")
	}
}

// cancellingStore cancels the run context once the first snapshot lands.
type cancellingStore struct {
	*memory.Store
	once   sync.Once
	cancel context.CancelFunc
}

func (s *cancellingStore) PublishSnapshot(ctx context.Context, snap domain.Snapshot, expectedVersion int64) error {
	err := s.Store.PublishSnapshot(ctx, snap, expectedVersion)
	s.once.Do(s.cancel)
	return err
}

func TestRunStopsPublishingWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancellingStore{Store: memory.NewStore(), cancel: cancel}
	svc, err := NewService(store, testConfig())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	var keys []domain.Key
	for i := 1; i <= 5; i++ {
		key := testKey(fmt.Sprintf("e-%d", i))
		keys = append(keys, key)
		ingest(t, svc, valueEvent(key, 0, domain.EventEnrollment, "2025-03-01", "0.06", 0))
	}

	report, err := svc.Run(ctx, fullYearRun())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if report.Run.Status != domain.RunCancelled {
		t.Fatalf("expected cancelled run, got %s", report.Run.Status)
	}
	published := 0
	for _, key := range keys {
		if _, ok, _ := store.CurrentSnapshot(context.Background(), key); ok {
			published++
		}
	}
	if published != 1 || report.Materialized != 1 {
		t.Fatalf("expected publishing to stop after the first snapshot, got %d published, %d materialized", published, report.Materialized)
	}
	if _, ok, _ := store.PublishedRun(context.Background(), testScenario, testPlan); ok {
		t.Fatalf("expected no published run after cancellation")
	}
}

func TestRunRejectsBadRequest(t *testing.T) {
	svc := newTestService(t, testConfig())
	_, err := svc.Run(context.Background(), RunRequest{PlanID: testPlan, Window: YearWindow(2025)})
	assertCode(t, err, domain.CodeInvalidConfig)
	req := fullYearRun()
	req.Window = Window{Start: date("2025-06-01"), End: date("2025-01-01")}
	_, err = svc.Run(context.Background(), req)
	assertCode(t, err, domain.CodeInvalidConfig)
}

type captureArchive struct {
	mu      sync.Mutex
	reports []domain.Report
	err     error
}

func (a *captureArchive) ArchiveReport(_ context.Context, report domain.Report) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	a.reports = append(a.reports, report)
	return fmt.Sprintf("reports/%s/%s.json", report.PlanID, report.RunID), nil
}

func TestRunArchivesReport(t *testing.T) {
	ctx := context.Background()
	archive := &captureArchive{}
	svc := newTestService(t, testConfig(), WithReportArchive(archive))
	ingest(t, svc, valueEvent(testKey("e-1"), 0, domain.EventEnrollment, "2025-03-01", "0.06", 0))
	report, err := svc.Run(ctx, fullYearRun())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := "reports/" + testPlan + "/" + report.Run.RunID + ".json"
	if report.Run.ReportKey != want || len(archive.reports) != 1 {
		t.Fatalf("expected archived report %s, got %q", want, report.Run.ReportKey)
	}
	run, err := svc.GetRun(ctx, report.Run.RunID)
	if err != nil || run.ReportKey != want {
		t.Fatalf("expected stored report key, got %q (%v)", run.ReportKey, err)
	}

	archive.err = errors.New("bucket unavailable")
	report, err = svc.Run(ctx, fullYearRun())
	if err != nil || report.Run.ReportKey != "" || report.Run.Status != domain.RunPublished {
		t.Fatalf("expected archive failure not to fail the run, got %+v (%v)", report.Run, err)
	}
}

func TestValidateStoredRun(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, testConfig())
	ingest(t, svc, valueEvent(testKey("e-1"), 0, domain.EventEnrollment, "2025-03-01", "0.06", 0))
	report, err := svc.Run(ctx, fullYearRun())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	validation, err := svc.Validate(ctx, report.Run.RunID)
	if err != nil || validation.Blocking || validation.Entities != 1 || validation.RunID != report.Run.RunID {
		t.Fatalf("unexpected validation %+v (%v)", validation, err)
	}
	if _, err := svc.Validate(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.GetRun(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReconcileFindsDivergentSnapshots(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, testConfig())
	ingest(t, svc,
		valueEvent(testKey("e-1"), 0, domain.EventEnrollment, "2025-03-01", "0.06", 0),
		valueEvent(testKey("e-2"), 0, domain.EventEnrollment, "2025-04-01", "0.05", 0),
	)
	if _, err := svc.Run(ctx, fullYearRun()); err != nil {
		t.Fatalf("run: %v", err)
	}
	res, err := svc.Reconcile(ctx, testScenario, testPlan)
	if err != nil || len(res.Mismatched) != 0 || len(res.Failures) != 0 {
		t.Fatalf("expected snapshots to agree with replay, got %+v (%v)", res, err)
	}

	cur, _, _ := svc.Store().CurrentSnapshot(ctx, testKey("e-2"))
	drift := cur.Clone()
	drift.Version++
	drift.Balances[domain.BalanceEffective] = dec("0.20")
	drift.Checksum = drift.ComputeChecksum()
	if err := svc.Store().PublishSnapshot(ctx, drift, cur.Version); err != nil {
		t.Fatalf("publish drift: %v", err)
	}
	res, err = svc.Reconcile(ctx, testScenario, testPlan)
	if err != nil || len(res.Mismatched) != 1 || res.Mismatched[0] != testKey("e-2") {
		t.Fatalf("expected e-2 to diverge, got %+v (%v)", res, err)
	}

	report, err := svc.Validate(ctx, mustPublished(t, svc).RunID)
	if !report.Blocking || err != nil {
		t.Fatalf("expected snapshot_reconciliation to block, got blocking=%v (%v)", report.Blocking, err)
	}
}

// flakySnapshotStore fails snapshot reads for a single entity.
type flakySnapshotStore struct {
	*memory.Store
	entity string
}

func (s *flakySnapshotStore) CurrentSnapshot(ctx context.Context, key domain.Key) (domain.Snapshot, bool, error) {
	if key.EntityID == s.entity {
		return domain.Snapshot{}, false, domain.NewError(domain.CodeInternal, key, "snapshot read failed")
	}
	return s.Store.CurrentSnapshot(ctx, key)
}

func TestReconcileIsolatesEntityErrors(t *testing.T) {
	ctx := context.Background()
	store := &flakySnapshotStore{Store: memory.NewStore()}
	svc, err := NewService(store, testConfig())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	for i := 1; i <= 4; i++ {
		ingest(t, svc, valueEvent(testKey(fmt.Sprintf("e-%d", i)), 0, domain.EventEnrollment, "2025-03-01", "0.06", 0))
	}
	if _, err := svc.Run(ctx, fullYearRun()); err != nil {
		t.Fatalf("run: %v", err)
	}
	cur, _, _ := store.CurrentSnapshot(ctx, testKey("e-4"))
	drift := cur.Clone()
	drift.Version++
	drift.Balances[domain.BalanceEffective] = dec("0.20")
	drift.Checksum = drift.ComputeChecksum()
	if err := store.PublishSnapshot(ctx, drift, cur.Version); err != nil {
		t.Fatalf("publish drift: %v", err)
	}

	store.entity = "e-2"
	res, err := svc.Reconcile(ctx, testScenario, testPlan)
	if err != nil {
		t.Fatalf("expected entity errors to stay per key, got %v", err)
	}
	if len(res.Failures) != 1 || res.Failures[0].Key != testKey("e-2") || res.Failures[0].Code != domain.CodeInternal {
		t.Fatalf("expected a single e-2 failure, got %+v", res.Failures)
	}
	if len(res.Mismatched) != 1 || res.Mismatched[0] != testKey("e-4") {
		t.Fatalf("expected e-4 to still be checked and diverge, got %v", res.Mismatched)
	}
}

func mustPublished(t *testing.T, svc *Service) domain.Run {
	t.Helper()
	run, ok, err := svc.Store().PublishedRun(context.Background(), testScenario, testPlan)
	if err != nil || !ok {
		t.Fatalf("expected a published run (%v)", err)
	}
	return run
}

func TestRebuildAndPruneSnapshots(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RetentionWindow = time.Hour
	clock := newTestClock()
	svc, err := NewService(memory.NewStore(memory.WithClock(clock.Now)), cfg, WithClock(clock))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	key := testKey("e-1")
	ingest(t, svc, valueEvent(key, 0, domain.EventEnrollment, "2025-03-01", "0.06", 0))
	for i := range 3 {
		snap, err := svc.RebuildSnapshot(ctx, key, date("2025-12-31"))
		if err != nil {
			t.Fatalf("rebuild: %v", err)
		}
		if snap.Version != int64(i+1) || !snap.Effective().Equal(dec("0.06")) {
			t.Fatalf("unexpected snapshot v%d %s", snap.Version, snap.Effective())
		}
	}
	clock.Advance(2 * time.Hour)
	n, err := svc.PruneSnapshots(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected two pruned, got %d (%v)", n, err)
	}
	if got := counterValue(t, svc.Metrics().SnapshotRebuilds.WithLabelValues(ReasonManual)); got != 3 {
		t.Fatalf("expected three manual rebuilds, got %v", got)
	}
}

func TestConcurrentIngestAndQuery(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, testConfig())
	const writers, perWriter = 8, 25

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[domain.EventID]bool{}
	)
	errs := make(chan error, writers*2)
	for w := range writers {
		key := testKey(fmt.Sprintf("e-%d", w))
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				day := date("2025-01-01").AddDays(i * 7)
				res, err := svc.Ingest(ctx, []domain.Event{{Key: key, EventType: domain.EventEscalation, EffectiveDate: day, Value: dec("0.05")}})
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				for _, id := range res.IDs {
					ids[id] = true
				}
				mu.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			for range perWriter {
				if _, err := svc.GetState(ctx, key, date("2025-12-31")); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent operation: %v", err)
	}
	if len(ids) != writers*perWriter {
		t.Fatalf("expected %d unique event ids, got %d", writers*perWriter, len(ids))
	}

	report, err := svc.Run(ctx, fullYearRun())
	if err != nil || report.Materialized != writers {
		t.Fatalf("expected every entity materialized, got %d (%v)", report.Materialized, err)
	}
	for w := range writers {
		state, err := svc.GetState(ctx, testKey(fmt.Sprintf("e-%d", w)), date("2025-12-31"))
		if err != nil || !state.Value.Equal(dec("0.05")) {
			t.Fatalf("unexpected state for e-%d: %s (%v)", w, state.Value, err)
		}
	}
}

func TestPutEntityValidation(t *testing.T) {
	svc := newTestService(t, testConfig())
	err := svc.PutEntity(context.Background(), domain.Entity{PlanID: testPlan})
	assertCode(t, err, domain.CodeInvalidConfig)
}
