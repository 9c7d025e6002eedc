package core

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"planstate/internal/infra/persistence/memory"
	"planstate/pkg/domain"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// ReportArchive stores validation reports outside the state store.
type ReportArchive interface {
	ArchiveReport(ctx context.Context, report domain.Report) (string, error)
}

// ServiceOption configures optional service dependencies.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	clock    Clock
	logger   Logger
	audit    AuditRecorder
	observer MetricsRecorder
	tracer   Tracer
	registry prometheus.Registerer
	archive  ReportArchive
}

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		clock:  ClockFunc(func() time.Time { return time.Now().UTC() }),
		logger: NopLogger(),
		audit:  noopAuditRecorder{},
		tracer: noopTracer{},
	}
}

// WithClock overrides the service clock.
func WithClock(clock Clock) ServiceOption {
	return func(o *serviceOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger installs a logger.
func WithLogger(logger Logger) ServiceOption {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAuditRecorder installs an audit recorder.
func WithAuditRecorder(recorder AuditRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.audit = recorder
		}
	}
}

// WithMetricsRecorder replaces the operation latency recorder. By default
// operations are observed on the Prometheus operation histogram.
func WithMetricsRecorder(recorder MetricsRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.observer = recorder
		}
	}
}

// WithTracer installs a tracer.
func WithTracer(tracer Tracer) ServiceOption {
	return func(o *serviceOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithRegistry registers the engine collectors on reg.
func WithRegistry(reg prometheus.Registerer) ServiceOption {
	return func(o *serviceOptions) { o.registry = reg }
}

// WithReportArchive archives every run's validation report.
func WithReportArchive(archive ReportArchive) ServiceOption {
	return func(o *serviceOptions) { o.archive = archive }
}

// Service is the orchestration facade over ingestion, materialization runs,
// validation and queries.
type Service struct {
	store     domain.PersistentStore
	cfg       Config
	clock     Clock
	logger    Logger
	audit     AuditRecorder
	observer  MetricsRecorder
	tracer    Tracer
	metrics   *Metrics
	archive   ReportArchive
	snapshots *SnapshotManager
	query     *QueryService
	validator *Validator
}

// NewService constructs a service backed by store.
func NewService(store domain.PersistentStore, cfg Config, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("core: nil store")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultServiceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	metrics := NewMetrics(o.registry)
	if o.observer == nil {
		o.observer = metrics
	}
	query := NewQueryService(store, store, store, cfg, metrics)
	return &Service{
		store:     store,
		cfg:       cfg,
		clock:     o.clock,
		logger:    o.logger,
		audit:     o.audit,
		observer:  o.observer,
		tracer:    o.tracer,
		metrics:   metrics,
		archive:   o.archive,
		snapshots: NewSnapshotManager(store, store, cfg, metrics, o.clock),
		query:     query,
		validator: NewValidator(store, query, cfg, metrics, o.clock),
	}, nil
}

// NewInMemoryService creates a service over a fresh in-memory store.
func NewInMemoryService(cfg Config, opts ...ServiceOption) (*Service, error) {
	return NewService(memory.NewStore(), cfg, opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore { return s.store }

// Config returns the engine policy.
func (s *Service) Config() Config { return s.cfg }

// Metrics returns the engine collectors.
func (s *Service) Metrics() *Metrics { return s.metrics }

// Query returns the query service.
func (s *Service) Query() *QueryService { return s.query }

// Snapshots returns the snapshot manager.
func (s *Service) Snapshots() *SnapshotManager { return s.snapshots }

// Validator returns the validator.
func (s *Service) Validator() *Validator { return s.validator }

type operation struct {
	name  string
	key   string
	runID string
}

// run wraps fn with tracing, latency metrics, audit and logging.
func (s *Service) run(ctx context.Context, op *operation, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, op.name)
	if op.key != "" {
		span.SetAttribute("key", op.key)
	}
	start := s.clock.Now()
	err := fn(ctx)
	duration := s.clock.Now().Sub(start)
	if op.runID != "" {
		span.SetAttribute("run_id", op.runID)
	}
	span.End(err)
	s.observer.Observe(ctx, op.name, err == nil, duration)
	if err != nil {
		s.logger.Error("operation failed", "operation", op.name, "key", op.key, "run_id", op.runID, "error", err)
		s.recordAudit(ctx, op, AuditStatusError, err, duration)
		return err
	}
	s.logger.Debug("operation complete", "operation", op.name, "key", op.key, "duration", duration)
	s.recordAudit(ctx, op, AuditStatusSuccess, nil, duration)
	return nil
}

func (s *Service) recordAudit(ctx context.Context, op *operation, status AuditStatus, err error, duration time.Duration) {
	entry := AuditEntry{
		Operation: op.name,
		Key:       op.key,
		RunID:     op.runID,
		Status:    status,
		Duration:  duration,
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}

// IngestResult summarizes an Ingest call.
type IngestResult struct {
	Appended   int              `json:"appended"`
	Duplicates int              `json:"duplicates"`
	IDs        []domain.EventID `json:"event_ids"`
}

// Ingest validates and appends events. Every event is validated before any is
// appended. Re-submitting an event with an existing id and identical payload
// is a no-op; a different payload fails with a duplicate_event error.
func (s *Service) Ingest(ctx context.Context, events []domain.Event) (IngestResult, error) {
	var res IngestResult
	err := s.run(ctx, &operation{name: "ingest_events"}, func(ctx context.Context) error {
		normalized := make([]domain.Event, len(events))
		for i, e := range events {
			n, err := s.cfg.NormalizeEvent(e)
			if err != nil {
				return err
			}
			normalized[i] = n
		}
		for _, e := range normalized {
			id, dup, err := s.append(ctx, e)
			if err != nil {
				return err
			}
			res.IDs = append(res.IDs, id)
			if dup {
				res.Duplicates++
				continue
			}
			res.Appended++
		}
		return nil
	})
	return res, err
}

func (s *Service) append(ctx context.Context, e domain.Event) (domain.EventID, bool, error) {
	onRetry := func(err error, wait time.Duration) {
		s.metrics.AppendRetries.Inc()
		s.logger.Warn("append retry", "key", e.Key.String(), "event_id", e.EventID, "wait", wait, "error", err)
	}
	id, err := retry(ctx, s.cfg, onRetry, func() (domain.EventID, error) {
		return s.store.Append(ctx, e)
	})
	if err == nil {
		s.metrics.EventsAppended.Inc()
		return id, false, nil
	}
	if !errors.Is(err, domain.ErrDuplicateEvent) {
		return 0, false, err
	}
	s.metrics.EventsDuplicate.Inc()
	existing, ok, gerr := s.store.GetEvent(ctx, e.EventID)
	if gerr != nil {
		return 0, false, gerr
	}
	if ok && existing.SamePayload(e) {
		return e.EventID, true, nil
	}
	return 0, false, err
}

// RunRequest selects what a materialization run covers.
type RunRequest struct {
	ScenarioID string      `json:"scenario_id"`
	PlanID     string      `json:"plan_id"`
	Window     Window      `json:"window"`
	AsOf       domain.Date `json:"as_of"`
}

// EntityFailure records an entity that could not be materialized.
type EntityFailure struct {
	Key   domain.Key  `json:"key"`
	Code  domain.Code `json:"code"`
	Error string      `json:"error"`
}

// RunReport is the outcome of a materialization run.
type RunReport struct {
	Run          domain.Run      `json:"run"`
	Entities     int             `json:"entities"`
	Materialized int             `json:"materialized"`
	Rows         int             `json:"rows"`
	Failures     []EntityFailure `json:"failures,omitempty"`
	Decisions    map[string]int  `json:"snapshot_decisions"`
	Validation   *domain.Report  `json:"validation,omitempty"`
}

// Run materializes the period grid and snapshots for every entity of the
// scenario and plan, validates the result and publishes the run unless an
// error-severity rule fails. Entity failures are isolated. A cancelled run
// publishes nothing.
func (s *Service) Run(ctx context.Context, req RunRequest) (RunReport, error) {
	var report RunReport
	op := &operation{name: "materialize_run", key: domain.Key{ScenarioID: req.ScenarioID, PlanID: req.PlanID}.String()}
	err := s.run(ctx, op, func(ctx context.Context) error {
		var err error
		report, err = s.materialize(ctx, op, req)
		return err
	})
	return report, err
}

type entityOutcome struct {
	key      domain.Key
	rows     int
	prepared PreparedSnapshot
	failure  *EntityFailure
}

func (s *Service) materialize(ctx context.Context, op *operation, req RunRequest) (RunReport, error) {
	if req.ScenarioID == "" || req.PlanID == "" {
		return RunReport{}, domain.NewError(domain.CodeInvalidConfig, domain.Key{}, "scenario_id and plan_id required")
	}
	if err := req.Window.Validate(); err != nil {
		return RunReport{}, err
	}
	if req.AsOf.IsZero() {
		req.AsOf = domain.DateOf(s.clock.Now())
	}
	run, err := s.store.CreateRun(ctx, domain.Run{
		ScenarioID:  req.ScenarioID,
		PlanID:      req.PlanID,
		WindowStart: req.Window.Start,
		WindowEnd:   req.Window.End,
		AsOf:        req.AsOf,
		Status:      domain.RunStaged,
		CreatedAt:   s.clock.Now(),
	})
	if err != nil {
		return RunReport{}, err
	}
	op.runID = run.RunID
	report := RunReport{Run: run, Decisions: map[string]int{}}

	keys, err := s.store.Keys(ctx, req.ScenarioID, req.PlanID)
	if err != nil {
		return s.finish(ctx, report, domain.RunFailed, err)
	}
	report.Entities = len(keys)
	s.logger.Info("run started", "run_id", run.RunID, "version", run.Version, "entities", len(keys))

	outcomes := make([]entityOutcome, len(keys))
	var g errgroup.Group
	g.SetLimit(s.cfg.workers())
	for i, key := range keys {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out, err := s.materializeEntity(ctx, run, req, key)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				out.failure = s.entityFailure(key, err)
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return s.finish(context.WithoutCancel(ctx), report, domain.RunCancelled, err)
	}

	for i := range outcomes {
		if err := ctx.Err(); err != nil {
			return s.finish(context.WithoutCancel(ctx), report, domain.RunCancelled, err)
		}
		out := &outcomes[i]
		if out.failure == nil {
			if err := s.publishSnapshot(ctx, req.AsOf, out); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return s.finish(context.WithoutCancel(ctx), report, domain.RunCancelled, ctxErr)
				}
				out.failure = s.entityFailure(out.key, err)
			}
		}
		if out.failure != nil {
			report.Failures = append(report.Failures, *out.failure)
			continue
		}
		report.Materialized++
		report.Rows += out.rows
		report.Decisions[out.prepared.Decision.Path]++
	}

	validation, err := s.validator.ValidateRun(ctx, run)
	if err != nil {
		status := domain.RunFailed
		if ctx.Err() != nil {
			status = domain.RunCancelled
			ctx = context.WithoutCancel(ctx)
		}
		return s.finish(ctx, report, status, err)
	}
	report.Validation = &validation
	if s.archive != nil {
		key, err := s.archive.ArchiveReport(ctx, validation)
		if err != nil {
			s.logger.Warn("report archive failed", "run_id", run.RunID, "error", err)
		} else {
			report.Run.ReportKey = key
		}
	}
	if validation.Blocking {
		return s.finish(ctx, report, domain.RunBlocked, validation.Err())
	}
	return s.finish(ctx, report, domain.RunPublished, nil)
}

func (s *Service) materializeEntity(ctx context.Context, run domain.Run, req RunRequest, key domain.Key) (entityOutcome, error) {
	out := entityOutcome{key: key}
	events, err := collect(s.store.Read(ctx, key, domain.ReadOptions{}))
	if err != nil {
		return out, err
	}
	rows, err := ExpandEvents(key, events, req.Window, req.AsOf, run.Version, run.RunID, s.cfg)
	if err != nil {
		return out, err
	}
	if err := s.store.UpsertPeriods(ctx, run.RunID, rows); err != nil {
		return out, err
	}
	out.rows = len(rows)
	prep, err := s.snapshots.Prepare(ctx, key, req.AsOf, nil)
	if err != nil {
		return out, err
	}
	out.prepared = prep
	return out, nil
}

// publishSnapshot publishes a prepared snapshot, re-preparing when another
// writer published first.
func (s *Service) publishSnapshot(ctx context.Context, asOf domain.Date, out *entityOutcome) error {
	first := true
	onRetry := func(err error, wait time.Duration) {
		s.logger.Warn("snapshot publish retry", "key", out.key.String(), "wait", wait, "error", err)
	}
	_, err := retry(ctx, s.cfg, onRetry, func() (struct{}, error) {
		if !first {
			prep, err := s.snapshots.Prepare(ctx, out.key, asOf, nil)
			if err != nil {
				return struct{}{}, err
			}
			out.prepared = prep
		}
		first = false
		return struct{}{}, s.snapshots.Publish(ctx, out.prepared)
	})
	return err
}

func (s *Service) entityFailure(key domain.Key, err error) *EntityFailure {
	code := domain.CodeOf(err)
	s.metrics.EntityFailures.WithLabelValues(string(code)).Inc()
	s.logger.Warn("entity failed", "key", key.String(), "code", code, "error", err)
	return &EntityFailure{Key: key, Code: code, Error: err.Error()}
}

func (s *Service) finish(ctx context.Context, report RunReport, status domain.RunStatus, cause error) (RunReport, error) {
	reportKey := report.Run.ReportKey
	run, err := s.store.UpdateRun(ctx, report.Run.RunID, func(r *domain.Run) error {
		r.Status = status
		r.ReportKey = reportKey
		return nil
	})
	if err != nil {
		return report, errors.Join(cause, err)
	}
	report.Run = run
	s.metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	s.logger.Info("run finished", "run_id", run.RunID, "status", status,
		"materialized", report.Materialized, "failures", len(report.Failures))
	return report, cause
}

// Validate re-runs the integrity battery for a stored run.
func (s *Service) Validate(ctx context.Context, runID string) (domain.Report, error) {
	var report domain.Report
	err := s.run(ctx, &operation{name: "validate_run", runID: runID}, func(ctx context.Context) error {
		run, ok, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewError(domain.CodeNotFound, domain.Key{}, "run "+runID+" not found")
		}
		report, err = s.validator.ValidateRun(ctx, run)
		return err
	})
	return report, err
}

// GetRun returns a run by id.
func (s *Service) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	run, ok, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if !ok {
		return domain.Run{}, domain.NewError(domain.CodeNotFound, domain.Key{}, "run "+runID+" not found")
	}
	return run, nil
}

// GetState returns the state of key at asOf.
func (s *Service) GetState(ctx context.Context, key domain.Key, asOf domain.Date) (StateResult, error) {
	var res StateResult
	err := s.run(ctx, &operation{name: "get_state", key: key.String()}, func(ctx context.Context) error {
		if err := key.Validate(); err != nil {
			return err
		}
		var err error
		res, err = s.query.GetState(ctx, key, asOf)
		return err
	})
	return res, err
}

// GetBatch returns the state of many keys at one as-of date.
func (s *Service) GetBatch(ctx context.Context, keys []domain.Key, asOf domain.Date) ([]StateResult, error) {
	var res []StateResult
	err := s.run(ctx, &operation{name: "get_state_batch"}, func(ctx context.Context) error {
		var err error
		res, err = s.query.GetBatch(ctx, keys, asOf)
		return err
	})
	return res, err
}

// History streams the published period rows for key between from and to.
func (s *Service) History(ctx context.Context, key domain.Key, from, to domain.Date) iter.Seq2[domain.PeriodState, error] {
	return s.query.GetHistory(ctx, key, from, to)
}

// GetHistory collects History into a slice.
func (s *Service) GetHistory(ctx context.Context, key domain.Key, from, to domain.Date) ([]domain.PeriodState, error) {
	var rows []domain.PeriodState
	err := s.run(ctx, &operation{name: "get_history", key: key.String()}, func(ctx context.Context) error {
		if to.Before(from) {
			return domain.NewError(domain.CodeInvalidConfig, key, fmt.Sprintf("history range [%s,%s] is empty", from, to))
		}
		for row, err := range s.query.GetHistory(ctx, key, from, to) {
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	return rows, err
}

// PutEntity records participant master data.
func (s *Service) PutEntity(ctx context.Context, entity domain.Entity) error {
	op := &operation{name: "put_entity", key: entity.PlanID + "/" + entity.EntityID}
	return s.run(ctx, op, func(ctx context.Context) error {
		if entity.PlanID == "" || entity.EntityID == "" {
			return domain.NewError(domain.CodeInvalidConfig, domain.Key{}, "plan_id and entity_id required")
		}
		return s.store.PutEntity(ctx, entity)
	})
}

// RebuildSnapshot forces a full replay snapshot for key.
func (s *Service) RebuildSnapshot(ctx context.Context, key domain.Key, asOf domain.Date) (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := s.run(ctx, &operation{name: "rebuild_snapshot", key: key.String()}, func(ctx context.Context) error {
		var err error
		snap, err = s.snapshots.Rebuild(ctx, key, asOf, ReasonManual)
		return err
	})
	return snap, err
}

// PruneSnapshots drops superseded snapshots past the retention window.
func (s *Service) PruneSnapshots(ctx context.Context) (int, error) {
	var n int
	err := s.run(ctx, &operation{name: "prune_snapshots"}, func(ctx context.Context) error {
		var err error
		n, err = s.snapshots.Prune(ctx)
		return err
	})
	return n, err
}

// ReconcileResult lists the keys whose current snapshot disagrees with a
// fresh replay and the keys that could not be checked.
type ReconcileResult struct {
	Mismatched []domain.Key    `json:"mismatched"`
	Failures   []EntityFailure `json:"failures,omitempty"`
}

// Reconcile compares every current snapshot for the scenario and plan with a
// fresh replay. A key that cannot be read or replayed is reported in Failures
// and does not stop the remaining keys; only cancellation aborts the sweep.
func (s *Service) Reconcile(ctx context.Context, scenarioID, planID string) (ReconcileResult, error) {
	var (
		mu  sync.Mutex
		res ReconcileResult
	)
	op := &operation{name: "reconcile_snapshots", key: domain.Key{ScenarioID: scenarioID, PlanID: planID}.String()}
	err := s.run(ctx, op, func(ctx context.Context) error {
		keys, err := s.store.Keys(ctx, scenarioID, planID)
		if err != nil {
			return err
		}
		var g errgroup.Group
		g.SetLimit(s.cfg.workers())
		for _, key := range keys {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				diverged, err := s.reconcileKey(ctx, key)
				if err != nil {
					if ctxErr := ctx.Err(); ctxErr != nil {
						return ctxErr
					}
					failure := s.entityFailure(key, err)
					mu.Lock()
					res.Failures = append(res.Failures, *failure)
					mu.Unlock()
					return nil
				}
				if diverged {
					mu.Lock()
					res.Mismatched = append(res.Mismatched, key)
					mu.Unlock()
				}
				return nil
			})
		}
		return g.Wait()
	})
	sort.Slice(res.Mismatched, func(i, j int) bool { return res.Mismatched[i].String() < res.Mismatched[j].String() })
	sort.Slice(res.Failures, func(i, j int) bool { return res.Failures[i].Key.String() < res.Failures[j].Key.String() })
	return res, err
}

func (s *Service) reconcileKey(ctx context.Context, key domain.Key) (bool, error) {
	snap, ok, err := s.store.CurrentSnapshot(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	replayed, err := s.query.Replay(ctx, key, snap.AsOf)
	if err != nil {
		return false, err
	}
	return !snap.Verify() || snap.Effective().Sub(replayed.Value).Abs().GreaterThan(s.cfg.ReconcileEpsilon), nil
}
