package core

import (
	"context"
	"errors"
	"iter"
	"time"

	"planstate/pkg/domain"

	"github.com/shopspring/decimal"
)

// Query resolution paths.
const (
	QueryPathSnapshot = "snapshot"
	QueryPathDelta    = "snapshot+delta"
	QueryPathReplay   = "replay"
)

// StateMetadata explains how a state value was obtained.
type StateMetadata struct {
	Path            string            `json:"path"`
	SnapshotID      string            `json:"snapshot_id,omitempty"`
	SnapshotVersion int64             `json:"snapshot_version,omitempty"`
	SnapshotAsOf    *domain.Date      `json:"snapshot_as_of,omitempty"`
	DeltaEvents     int               `json:"delta_events"`
	SourceType      domain.SourceType `json:"source_type"`
	EventID         domain.EventID    `json:"event_id,omitempty"`
	EventType       domain.EventType  `json:"event_type,omitempty"`
	IsActive        bool              `json:"is_active"`
	BoundsViolation bool              `json:"bounds_violation"`
	Corrupt         bool              `json:"corrupt_snapshot,omitempty"`
}

// StateResult is the answer to a point-in-time query.
type StateResult struct {
	Key      domain.Key                 `json:"key"`
	AsOf     domain.Date                `json:"as_of"`
	Value    decimal.Decimal            `json:"value"`
	Balances map[string]decimal.Decimal `json:"balances_by_source"`
	Metadata StateMetadata              `json:"metadata"`
	Error    string                     `json:"error,omitempty"`
	// Err carries the typed failure behind Error for in-process callers.
	Err error `json:"-"`
}

// QueryService answers state queries from snapshots plus unapplied deltas,
// falling back to full replay. Reads take no locks shared with writers.
type QueryService struct {
	events  domain.EventStore
	snaps   domain.SnapshotStore
	periods domain.PeriodStore
	cfg     Config
	metrics *Metrics
}

// NewQueryService constructs a query service.
func NewQueryService(events domain.EventStore, snaps domain.SnapshotStore, periods domain.PeriodStore, cfg Config, metrics *Metrics) *QueryService {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &QueryService{events: events, snaps: snaps, periods: periods, cfg: cfg, metrics: metrics}
}

// GetState returns the value for key at asOf.
func (q *QueryService) GetState(ctx context.Context, key domain.Key, asOf domain.Date) (StateResult, error) {
	snap, ok, err := q.snaps.SnapshotAt(ctx, key, asOf)
	if err != nil {
		return StateResult{}, err
	}
	var sp *domain.Snapshot
	if ok {
		sp = &snap
	}
	return q.resolve(ctx, key, asOf, sp)
}

// GetBatch resolves many keys at one as-of date with a single snapshot lookup.
// Per-key failures are reported in StateResult.Error.
func (q *QueryService) GetBatch(ctx context.Context, keys []domain.Key, asOf domain.Date) ([]StateResult, error) {
	snaps, err := q.snaps.SnapshotsAt(ctx, keys, asOf)
	if err != nil {
		return nil, err
	}
	out := make([]StateResult, len(keys))
	for i, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var sp *domain.Snapshot
		if s, ok := snaps[key]; ok {
			sp = &s
		}
		res, err := q.resolve(ctx, key, asOf, sp)
		if err != nil {
			res = StateResult{Key: key, AsOf: asOf, Error: err.Error(), Err: err}
		}
		out[i] = res
	}
	return out, nil
}

// Replay computes the value at asOf from the full event history.
func (q *QueryService) Replay(ctx context.Context, key domain.Key, asOf domain.Date) (StateResult, error) {
	start := time.Now()
	events, err := collect(q.events.Read(ctx, key, domain.ReadOptions{Until: &asOf}))
	if err != nil {
		return StateResult{}, err
	}
	st, _, _, err := replayState(key, events, asOf, q.cfg)
	if err != nil {
		return StateResult{}, err
	}
	q.metrics.QueryDuration.WithLabelValues(QueryPathReplay).Observe(time.Since(start).Seconds())
	return result(key, asOf, st, StateMetadata{Path: QueryPathReplay, DeltaEvents: len(events)}), nil
}

func (q *QueryService) resolve(ctx context.Context, key domain.Key, asOf domain.Date, snap *domain.Snapshot) (StateResult, error) {
	if snap == nil {
		return q.Replay(ctx, key, asOf)
	}
	if !snap.Verify() {
		q.metrics.SnapshotCorruptions.Inc()
		res, err := q.Replay(ctx, key, asOf)
		res.Metadata.Corrupt = true
		return res, err
	}
	start := time.Now()
	delta, err := q.Delta(ctx, *snap, asOf)
	if err != nil {
		return StateResult{}, err
	}
	if delta.HasLifecycle() {
		return q.Replay(ctx, key, asOf)
	}
	mk := marks(snap.Marks).clone()
	for _, e := range delta.Events {
		mk.fold(e, asOf)
	}
	st, err := compose(key, asOf, mk, snap.Lifecycle, q.cfg)
	if err != nil {
		return StateResult{}, err
	}
	path := QueryPathSnapshot
	if len(delta.Events) > 0 {
		path = QueryPathDelta
	}
	snapAsOf := snap.AsOf
	meta := StateMetadata{
		Path:            path,
		SnapshotID:      snap.SnapshotID,
		SnapshotVersion: snap.Version,
		SnapshotAsOf:    &snapAsOf,
		DeltaEvents:     len(delta.Events),
	}
	q.metrics.QueryDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	return result(key, asOf, st, meta), nil
}

// Delta returns the events effective by asOf that snap has not folded: those
// ingested after it, plus those dated after its as-of date.
func (q *QueryService) Delta(ctx context.Context, snap domain.Snapshot, asOf domain.Date) (domain.SnapshotDelta, error) {
	delta := domain.SnapshotDelta{Key: snap.Key, Snapshot: snap}
	seen := make(map[domain.EventID]struct{})
	add := func(seq iter.Seq2[domain.Event, error]) error {
		for e, err := range seq {
			if err != nil {
				return err
			}
			if _, ok := seen[e.EventID]; ok {
				continue
			}
			seen[e.EventID] = struct{}{}
			delta.Events = append(delta.Events, e)
		}
		return nil
	}
	if err := add(q.events.Read(ctx, snap.Key, domain.ReadOptions{AfterSequence: snap.LastSequence, Until: &asOf})); err != nil {
		return delta, err
	}
	if asOf.After(snap.AsOf) {
		after := snap.AsOf
		if err := add(q.events.Read(ctx, snap.Key, domain.ReadOptions{After: &after, Until: &asOf})); err != nil {
			return delta, err
		}
	}
	return delta, nil
}

// GetHistory yields the published PeriodState rows for key overlapping
// [from, to]. Each iteration re-reads the published run.
func (q *QueryService) GetHistory(ctx context.Context, key domain.Key, from, to domain.Date) iter.Seq2[domain.PeriodState, error] {
	return func(yield func(domain.PeriodState, error) bool) {
		run, ok, err := q.periods.PublishedRun(ctx, key.ScenarioID, key.PlanID)
		if err != nil {
			yield(domain.PeriodState{}, err)
			return
		}
		if !ok {
			yield(domain.PeriodState{}, &domain.Error{Code: domain.CodeNotFound, Key: key, Message: "no published run"})
			return
		}
		rows, err := q.periods.PeriodStates(ctx, run.RunID, key)
		if err != nil {
			yield(domain.PeriodState{}, err)
			return
		}
		for _, row := range rows {
			if row.Period.End.After(from) && !row.Period.Start.After(to) {
				if !yield(row, nil) {
					return
				}
			}
		}
	}
}

func result(key domain.Key, asOf domain.Date, st stateValue, meta StateMetadata) StateResult {
	meta.SourceType = st.SourceType
	meta.IsActive = st.IsActive
	meta.BoundsViolation = st.BoundsViolation
	if st.Mark != nil {
		meta.EventID = st.Mark.EventID
		meta.EventType = st.Mark.EventType
	}
	return StateResult{Key: key, AsOf: asOf, Value: st.Value, Balances: st.Balances, Metadata: meta}
}

// collect drains an event sequence.
func collect(seq iter.Seq2[domain.Event, error]) ([]domain.Event, error) {
	var out []domain.Event
	for e, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// IsNotFound reports whether err is a not_found domain error.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
