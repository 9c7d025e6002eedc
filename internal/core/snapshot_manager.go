package core

import (
	"context"
	"fmt"
	"time"

	"planstate/pkg/domain"

	"github.com/google/uuid"
)

// Snapshot update paths.
const (
	PathIncremental = "incremental"
	PathRebuild     = "rebuild"
)

// Rebuild reasons reported on planstate_snapshot_rebuilds_total.
const (
	ReasonInitial    = "initial"
	ReasonThreshold  = "threshold"
	ReasonLifecycle  = "lifecycle"
	ReasonCorruption = "corruption"
	ReasonRegressed  = "as_of_regressed"
	ReasonManual     = "manual"
)

// Decision records how a snapshot was produced.
type Decision struct {
	Path   string `json:"path"`
	Reason string `json:"reason,omitempty"`
	Events int    `json:"events"`
}

// PreparedSnapshot is a snapshot built in isolation and not yet published.
type PreparedSnapshot struct {
	Snapshot        domain.Snapshot
	ExpectedVersion int64
	Decision        Decision
}

// SnapshotManager owns snapshot lifetime: it builds snapshots off to the side
// and publishes them with a version compare-and-swap.
type SnapshotManager struct {
	events  domain.EventStore
	store   domain.SnapshotStore
	cfg     Config
	metrics *Metrics
	clock   Clock
}

// NewSnapshotManager constructs a manager over the given stores.
func NewSnapshotManager(events domain.EventStore, store domain.SnapshotStore, cfg Config, metrics *Metrics, clock Clock) *SnapshotManager {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if clock == nil {
		clock = ClockFunc(func() time.Time { return time.Now().UTC() })
	}
	return &SnapshotManager{events: events, store: store, cfg: cfg, metrics: metrics, clock: clock}
}

// CreateInitialSnapshot publishes version 1 for a key seeded from the plan baseline.
func (m *SnapshotManager) CreateInitialSnapshot(ctx context.Context, key domain.Key, asOf domain.Date) (domain.Snapshot, error) {
	st, err := compose(key, asOf, marks{}, domain.Lifecycle{}, m.cfg)
	if err != nil {
		return domain.Snapshot{}, err
	}
	snap := m.newSnapshot(key, asOf, st, marks{}, domain.Lifecycle{})
	snap.Version = 1
	if err := m.store.PublishSnapshot(ctx, snap, 0); err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

// Update folds new events into the current snapshot and publishes the result.
func (m *SnapshotManager) Update(ctx context.Context, key domain.Key, asOf domain.Date, newEvents []domain.Event) (domain.Snapshot, Decision, error) {
	prep, err := m.Prepare(ctx, key, asOf, newEvents)
	if err != nil {
		return domain.Snapshot{}, Decision{}, err
	}
	if err := m.Publish(ctx, prep); err != nil {
		return domain.Snapshot{}, prep.Decision, err
	}
	return prep.Snapshot, prep.Decision, nil
}

// Rebuild replays the key's full history and publishes a fresh snapshot.
func (m *SnapshotManager) Rebuild(ctx context.Context, key domain.Key, asOf domain.Date, reason string) (domain.Snapshot, error) {
	cur, ok, err := m.store.CurrentSnapshot(ctx, key)
	if err != nil {
		return domain.Snapshot{}, err
	}
	var expected int64
	if ok {
		expected = cur.Version
	}
	prep, err := m.prepareRebuild(ctx, key, asOf, expected, reason)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if err := m.Publish(ctx, prep); err != nil {
		return domain.Snapshot{}, err
	}
	return prep.Snapshot, nil
}

// Prepare builds the next snapshot for key without publishing it. It takes
// the incremental path unless the delta would reach the threshold, the
// delta changes lifecycle, the as-of date moves backwards, or the current
// snapshot fails its checksum.
func (m *SnapshotManager) Prepare(ctx context.Context, key domain.Key, asOf domain.Date, newEvents []domain.Event) (PreparedSnapshot, error) {
	cur, ok, err := m.store.CurrentSnapshot(ctx, key)
	if err != nil {
		return PreparedSnapshot{}, err
	}
	if !ok {
		return m.prepareRebuild(ctx, key, asOf, 0, ReasonInitial)
	}
	if !cur.Verify() {
		m.metrics.SnapshotCorruptions.Inc()
		return m.prepareRebuild(ctx, key, asOf, cur.Version, ReasonCorruption)
	}
	if asOf.Before(cur.AsOf) {
		return m.prepareRebuild(ctx, key, asOf, cur.Version, ReasonRegressed)
	}

	pending := make(map[domain.EventID]domain.Event, len(newEvents))
	for _, e := range newEvents {
		pending[e.EventID] = e
	}
	lastSeq := cur.LastSequence
	for e, err := range m.events.Read(ctx, key, domain.ReadOptions{AfterSequence: cur.LastSequence}) {
		if err != nil {
			return PreparedSnapshot{}, err
		}
		pending[e.EventID] = e
		lastSeq = max(lastSeq, e.Sequence)
	}
	after := cur.AsOf
	window := map[domain.EventID]domain.Event{}
	if asOf.After(cur.AsOf) {
		for e, err := range m.events.Read(ctx, key, domain.ReadOptions{After: &after, Until: &asOf}) {
			if err != nil {
				return PreparedSnapshot{}, err
			}
			window[e.EventID] = e
		}
	}
	for _, set := range []map[domain.EventID]domain.Event{pending, window} {
		for _, e := range set {
			if e.EventType.IsLifecycle() && !e.EffectiveDate.After(asOf) {
				return m.prepareRebuild(ctx, key, asOf, cur.Version, ReasonLifecycle)
			}
		}
	}
	if cur.DeltaEvents+len(pending) >= m.cfg.DeltaThreshold {
		return m.prepareRebuild(ctx, key, asOf, cur.Version, ReasonThreshold)
	}

	next := cur.Clone()
	mk := marks(next.Marks).clone()
	lastID := next.LastProcessedEventID
	for _, set := range []map[domain.EventID]domain.Event{pending, window} {
		for _, e := range set {
			if mk.fold(e, asOf) {
				lastID = max(lastID, e.EventID)
			}
		}
	}
	st, err := compose(key, asOf, mk, next.Lifecycle, m.cfg)
	if err != nil {
		return PreparedSnapshot{}, err
	}
	snap := m.newSnapshot(key, asOf, st, mk, next.Lifecycle)
	snap.LastProcessedEventID = lastID
	snap.LastSequence = lastSeq
	snap.DeltaEvents = cur.DeltaEvents + len(pending)
	snap.Version = cur.Version + 1
	snap.Checksum = snap.ComputeChecksum()
	return PreparedSnapshot{
		Snapshot:        snap,
		ExpectedVersion: cur.Version,
		Decision:        Decision{Path: PathIncremental, Events: len(pending)},
	}, nil
}

func (m *SnapshotManager) prepareRebuild(ctx context.Context, key domain.Key, asOf domain.Date, expected int64, reason string) (PreparedSnapshot, error) {
	var events []domain.Event
	var lastSeq uint64
	var lastID domain.EventID
	for e, err := range m.events.Read(ctx, key, domain.ReadOptions{}) {
		if err != nil {
			return PreparedSnapshot{}, err
		}
		events = append(events, e)
		lastSeq = max(lastSeq, e.Sequence)
		if !e.EffectiveDate.After(asOf) && !e.EventType.IsLifecycle() {
			lastID = max(lastID, e.EventID)
		}
	}
	st, mk, lc, err := replayState(key, events, asOf, m.cfg)
	if err != nil {
		return PreparedSnapshot{}, err
	}
	snap := m.newSnapshot(key, asOf, st, mk, lc)
	snap.LastProcessedEventID = lastID
	snap.LastSequence = lastSeq
	snap.Version = expected + 1
	snap.Checksum = snap.ComputeChecksum()
	return PreparedSnapshot{
		Snapshot:        snap,
		ExpectedVersion: expected,
		Decision:        Decision{Path: PathRebuild, Reason: reason, Events: len(events)},
	}, nil
}

func (m *SnapshotManager) newSnapshot(key domain.Key, asOf domain.Date, st stateValue, mk marks, lc domain.Lifecycle) domain.Snapshot {
	snap := domain.Snapshot{
		SnapshotID:      uuid.NewString(),
		Key:             key,
		AsOf:            asOf,
		Balances:        st.Balances,
		Marks:           map[string]domain.StateMark(mk),
		Lifecycle:       lc,
		IsActive:        st.IsActive,
		BoundsViolation: st.BoundsViolation,
		CreatedAt:       m.clock.Now(),
	}
	snap.Checksum = snap.ComputeChecksum()
	return snap
}

// Publish makes a prepared snapshot current and records the decision.
func (m *SnapshotManager) Publish(ctx context.Context, prep PreparedSnapshot) error {
	if err := m.store.PublishSnapshot(ctx, prep.Snapshot, prep.ExpectedVersion); err != nil {
		return fmt.Errorf("publish snapshot %s v%d: %w", prep.Snapshot.Key, prep.Snapshot.Version, err)
	}
	switch prep.Decision.Path {
	case PathIncremental:
		m.metrics.SnapshotIncremental.Inc()
	case PathRebuild:
		m.metrics.SnapshotRebuilds.WithLabelValues(prep.Decision.Reason).Inc()
	}
	return nil
}

// Prune removes superseded snapshots older than the retention window.
func (m *SnapshotManager) Prune(ctx context.Context) (int, error) {
	if m.cfg.RetentionWindow <= 0 {
		return 0, nil
	}
	n, err := m.store.PruneSnapshots(ctx, m.clock.Now().Add(-m.cfg.RetentionWindow))
	if err != nil {
		return 0, err
	}
	m.metrics.SnapshotsPruned.Add(float64(n))
	return n, nil
}
