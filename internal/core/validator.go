package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"planstate/pkg/domain"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Validator runs the integrity rule battery over a materialized run.
type Validator struct {
	store   domain.PersistentStore
	query   *QueryService
	engine  *RulesEngine
	cfg     Config
	metrics *Metrics
	clock   Clock
}

// NewValidator constructs a validator with the default rules for cfg.
func NewValidator(store domain.PersistentStore, query *QueryService, cfg Config, metrics *Metrics, clock Clock) *Validator {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if clock == nil {
		clock = ClockFunc(func() time.Time { return time.Now().UTC() })
	}
	return &Validator{
		store:   store,
		query:   query,
		engine:  NewDefaultRulesEngine(cfg),
		cfg:     cfg,
		metrics: metrics,
		clock:   clock,
	}
}

// Engine exposes the registered rules so callers can add custom checks.
func (v *Validator) Engine() *RulesEngine {
	return v.engine
}

// ValidateRun evaluates every entity of run and folds the violations into a
// report. Keys with events but no rows in the run are evaluated too.
func (v *Validator) ValidateRun(ctx context.Context, run domain.Run) (domain.Report, error) {
	keys, err := v.runKeys(ctx, run)
	if err != nil {
		return domain.Report{}, err
	}
	var prevVersion int64
	if prev, ok, err := v.store.PublishedRun(ctx, run.ScenarioID, run.PlanID); err != nil {
		return domain.Report{}, err
	} else if ok && prev.RunID != run.RunID {
		prevVersion = prev.Version
	}

	var (
		mu         sync.Mutex
		violations []domain.Violation
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.workers())
	for _, key := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			view, err := v.buildView(gctx, run, prevVersion, key)
			if err != nil {
				return err
			}
			res, err := v.engine.Evaluate(gctx, view)
			if err != nil {
				return err
			}
			mu.Lock()
			violations = append(violations, res.Violations...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.Report{}, err
	}
	report := v.report(run, len(keys), violations)
	for _, vi := range violations {
		v.metrics.RuleViolations.WithLabelValues(vi.Rule, string(vi.Severity)).Inc()
	}
	return report, nil
}

func (v *Validator) runKeys(ctx context.Context, run domain.Run) ([]domain.Key, error) {
	fromRun, err := v.store.RunKeys(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	fromEvents, err := v.store.Keys(ctx, run.ScenarioID, run.PlanID)
	if err != nil {
		return nil, err
	}
	seen := make(map[domain.Key]struct{}, len(fromRun)+len(fromEvents))
	var keys []domain.Key
	for _, set := range [][]domain.Key{fromRun, fromEvents} {
		for _, k := range set {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (v *Validator) buildView(ctx context.Context, run domain.Run, prevVersion int64, key domain.Key) (*entityView, error) {
	rows, err := v.store.PeriodStates(ctx, run.RunID, key)
	if err != nil {
		return nil, err
	}
	snaps, err := v.store.SnapshotHistory(ctx, key)
	if err != nil {
		return nil, err
	}
	ent, hasEnt, err := v.store.GetEntity(ctx, key.PlanID, key.EntityID)
	if err != nil {
		return nil, err
	}
	var lifecycle []domain.Event
	for e, err := range v.store.Read(ctx, key, domain.ReadOptions{}) {
		if err != nil {
			return nil, err
		}
		if e.EventType.IsLifecycle() {
			lifecycle = append(lifecycle, e)
		}
	}
	bounds := v.cfg.BoundsFor(key.PlanID)
	return &entityView{
		key:         key,
		rows:        rows,
		runVersion:  run.Version,
		prevVersion: prevVersion,
		snapshots:   snaps,
		entity:      ent,
		hasEntity:   hasEnt,
		lifecycle:   ResolveLifecycle(lifecycle),
		bounds:      bounds,
		query:       v.query,
	}, nil
}

func (v *Validator) report(run domain.Run, entities int, violations []domain.Violation) domain.Report {
	sort.SliceStable(violations, func(i, j int) bool {
		a, b := violations[i], violations[j]
		if a.Rule != b.Rule {
			return a.Rule < b.Rule
		}
		if a.Key != b.Key {
			return a.Key.String() < b.Key.String()
		}
		if a.Period != nil && b.Period != nil {
			return a.Period.Before(*b.Period)
		}
		return a.Period == nil && b.Period != nil
	})
	byRule := make(map[string][]domain.Violation)
	for _, vi := range violations {
		byRule[vi.Rule] = append(byRule[vi.Rule], vi)
	}
	report := domain.Report{
		RunID:       run.RunID,
		ScenarioID:  run.ScenarioID,
		PlanID:      run.PlanID,
		AsOf:        run.AsOf,
		GeneratedAt: v.clock.Now(),
		Entities:    entities,
		Summary:     make(map[domain.Severity]domain.SeveritySummary),
	}
	for _, rule := range v.engine.Rules() {
		vs := byRule[rule.Name()]
		affected := make(map[domain.Key]struct{})
		for _, vi := range vs {
			affected[vi.Key] = struct{}{}
		}
		res := domain.ValidationResult{
			RuleName:         rule.Name(),
			Severity:         rule.Severity(),
			Passed:           len(vs) == 0,
			AffectedCount:    len(affected),
			SampleViolations: vs[:min(len(vs), domain.MaxSampleViolations)],
		}
		if res.SampleViolations == nil {
			res.SampleViolations = []domain.Violation{}
		}
		report.Results = append(report.Results, res)
		sum := report.Summary[res.Severity]
		sum.Rules++
		sum.Affected += res.AffectedCount
		if !res.Passed {
			sum.Failed++
			if res.Severity == domain.SeverityError {
				report.Blocking = true
			}
		}
		report.Summary[res.Severity] = sum
	}
	if v.cfg.DetailedReport {
		report.Violations = violations
	}
	return report
}

// entityView is the RuleView over one entity of a run.
type entityView struct {
	key         domain.Key
	rows        []domain.PeriodState
	runVersion  int64
	prevVersion int64
	snapshots   []domain.Snapshot
	entity      domain.Entity
	hasEntity   bool
	lifecycle   domain.Lifecycle
	bounds      Bounds
	query       *QueryService
}

func (e *entityView) Key() domain.Key               { return e.key }
func (e *entityView) Periods() []domain.PeriodState { return e.rows }
func (e *entityView) RunVersion() int64             { return e.runVersion }
func (e *entityView) PreviousRunVersion() int64     { return e.prevVersion }
func (e *entityView) Snapshots() []domain.Snapshot  { return e.snapshots }
func (e *entityView) Entity() (domain.Entity, bool) { return e.entity, e.hasEntity }
func (e *entityView) Lifecycle() domain.Lifecycle   { return e.lifecycle }
func (e *entityView) Bounds() (decimal.Decimal, decimal.Decimal) {
	return e.bounds.Min, e.bounds.Max
}

func (e *entityView) Replay(ctx context.Context, asOf domain.Date) (decimal.Decimal, error) {
	res, err := e.query.Replay(ctx, e.key, asOf)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return res.Value, nil
}
