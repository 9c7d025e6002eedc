// Package memory provides the in-memory event, snapshot and period stores.
// Durable backends embed it as their read model and plug in a Writer that is
// invoked before each mutation becomes visible.
package memory

import (
	"context"
	"iter"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"planstate/pkg/domain"

	"github.com/google/uuid"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Event aliases domain.Event.
	Event = domain.Event
	// EventID aliases domain.EventID.
	EventID = domain.EventID
	// Key aliases domain.Key.
	Key = domain.Key
	// Snapshot aliases domain.Snapshot.
	Snapshot = domain.Snapshot
	// PeriodState aliases domain.PeriodState.
	PeriodState = domain.PeriodState
	// Run aliases domain.Run.
	Run = domain.Run
	// Entity aliases domain.Entity.
	Entity = domain.Entity
)

// Writer persists mutations before they are applied to memory. A returned
// error aborts the mutation.
type Writer interface {
	AppendEvent(ctx context.Context, event Event) error
	PublishSnapshot(ctx context.Context, snap Snapshot, demoted *Snapshot) error
	DeleteSnapshots(ctx context.Context, snapshotIDs []string) error
	SaveRun(ctx context.Context, run Run) error
	UpsertPeriods(ctx context.Context, runID string, states []PeriodState) error
	PutEntity(ctx context.Context, entity Entity) error
}

// Option configures a Store.
type Option func(*Store)

// WithWriter installs a write-through persister.
func WithWriter(w Writer) Option {
	return func(s *Store) { s.writer = w }
}

// WithClock overrides the store clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.NowFunc = now }
}

type runKey struct {
	scenarioID string
	planID     string
}

type entityKey struct {
	planID   string
	entityID string
}

// Store is a concurrency-safe in-memory implementation of domain.PersistentStore.
type Store struct {
	mu       sync.RWMutex
	events   map[Key][]Event
	ids      map[EventID]Event
	reserved map[EventID]struct{}
	lastID   map[Key]EventID
	maxID    EventID
	seq      uint64
	keyLocks sync.Map

	snapMu  sync.RWMutex
	current sync.Map
	history map[Key][]Snapshot

	runMu     sync.RWMutex
	runs      map[string]Run
	runOrder  []string
	published map[runKey]string
	periods   map[string]map[domain.PeriodKey]PeriodState

	entityMu sync.RWMutex
	entities map[entityKey]Entity

	writer  Writer
	NowFunc func() time.Time
}

// NewStore constructs an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		events:    make(map[Key][]Event),
		ids:       make(map[EventID]Event),
		reserved:  make(map[EventID]struct{}),
		lastID:    make(map[Key]EventID),
		history:   make(map[Key][]Snapshot),
		runs:      make(map[string]Run),
		published: make(map[runKey]string),
		periods:   make(map[string]map[domain.PeriodKey]PeriodState),
		entities:  make(map[entityKey]Entity),
		NowFunc:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) now() time.Time {
	if s.NowFunc != nil {
		return s.NowFunc()
	}
	return time.Now().UTC()
}

func (s *Store) keyLock(key Key) *sync.Mutex {
	l, _ := s.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Close releases nothing for the memory store.
func (s *Store) Close() error { return nil }

// Append adds an event to the log. Appends for the same key are serialized.
func (s *Store) Append(ctx context.Context, event Event) (EventID, error) {
	lock := s.keyLock(event.Key)
	lock.Lock()
	defer lock.Unlock()
	return s.appendLocked(ctx, event)
}

// AppendIfLast appends only when the key's most recent event id equals expectedLast.
func (s *Store) AppendIfLast(ctx context.Context, event Event, expectedLast EventID) (EventID, error) {
	lock := s.keyLock(event.Key)
	lock.Lock()
	defer lock.Unlock()
	s.mu.RLock()
	last := s.lastID[event.Key]
	s.mu.RUnlock()
	if last != expectedLast {
		err := domain.NewError(domain.CodeConcurrentWrite, event.Key, "last event id moved")
		err.EventID = last
		return 0, err
	}
	return s.appendLocked(ctx, event)
}

func (s *Store) appendLocked(ctx context.Context, event Event) (EventID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := event.Key.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	if event.EventID == 0 {
		event.EventID = s.maxID + 1
		for s.isTaken(event.EventID) {
			event.EventID++
		}
	} else if s.isTaken(event.EventID) {
		s.mu.Unlock()
		err := domain.NewError(domain.CodeDuplicateEvent, event.Key, "event id already exists")
		err.EventID = event.EventID
		return event.EventID, err
	}
	s.reserved[event.EventID] = struct{}{}
	if event.EventID > s.maxID {
		s.maxID = event.EventID
	}
	s.seq++
	event.Sequence = s.seq
	if event.RecordedAt.IsZero() {
		event.RecordedAt = s.now()
	}
	s.mu.Unlock()

	event = event.Clone()
	if s.writer != nil {
		if err := s.writer.AppendEvent(ctx, event); err != nil {
			s.mu.Lock()
			delete(s.reserved, event.EventID)
			s.mu.Unlock()
			return 0, err
		}
	}

	s.mu.Lock()
	delete(s.reserved, event.EventID)
	s.insertLocked(event)
	s.mu.Unlock()
	return event.EventID, nil
}

func (s *Store) isTaken(id EventID) bool {
	if _, ok := s.ids[id]; ok {
		return true
	}
	_, ok := s.reserved[id]
	return ok
}

// insertLocked places the event in order. The per-key slice is replaced, never
// mutated, so readers holding the previous slice stay consistent.
func (s *Store) insertLocked(event Event) {
	prev := s.events[event.Key]
	idx := sort.Search(len(prev), func(i int) bool {
		return domain.CompareEvents(prev[i], event) > 0
	})
	next := make([]Event, 0, len(prev)+1)
	next = append(next, prev[:idx]...)
	next = append(next, event)
	next = append(next, prev[idx:]...)
	s.events[event.Key] = next
	s.ids[event.EventID] = event
	s.lastID[event.Key] = event.EventID
	if event.EventID > s.maxID {
		s.maxID = event.EventID
	}
	if event.Sequence > s.seq {
		s.seq = event.Sequence
	}
}

// Read yields the key's events ordered by effective date then event id.
func (s *Store) Read(ctx context.Context, key Key, opts domain.ReadOptions) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		s.mu.RLock()
		events := s.events[key]
		s.mu.RUnlock()
		for _, e := range events {
			if err := ctx.Err(); err != nil {
				yield(Event{}, err)
				return
			}
			if !opts.Match(e) {
				continue
			}
			if !yield(e.Clone(), nil) {
				return
			}
		}
	}
}

// LastEventID returns the id of the most recently appended event for key.
func (s *Store) LastEventID(_ context.Context, key Key) (EventID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastID[key], nil
}

// GetEvent looks an event up by id.
func (s *Store) GetEvent(_ context.Context, id EventID) (Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.ids[id]
	if !ok {
		return Event{}, false, nil
	}
	return e.Clone(), true, nil
}

// Keys lists the entity keys with events for the scenario and plan, sorted by entity id.
func (s *Store) Keys(_ context.Context, scenarioID, planID string) ([]Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []Key
	for k := range s.events {
		if k.ScenarioID == scenarioID && k.PlanID == planID {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].EntityID < keys[j].EntityID })
	return keys, nil
}

func (s *Store) currentPtr(key Key) *atomic.Pointer[Snapshot] {
	p, _ := s.current.LoadOrStore(key, &atomic.Pointer[Snapshot]{})
	return p.(*atomic.Pointer[Snapshot])
}

func (s *Store) loadCurrent(key Key) (*Snapshot, bool) {
	p, ok := s.current.Load(key)
	if !ok {
		return nil, false
	}
	snap := p.(*atomic.Pointer[Snapshot]).Load()
	return snap, snap != nil
}

// CurrentSnapshot returns the published snapshot for key without locking.
func (s *Store) CurrentSnapshot(_ context.Context, key Key) (Snapshot, bool, error) {
	snap, ok := s.loadCurrent(key)
	if !ok {
		return Snapshot{}, false, nil
	}
	return snap.Clone(), true, nil
}

// SnapshotAt returns the latest retained snapshot with AsOf on or before asOf.
func (s *Store) SnapshotAt(_ context.Context, key Key, asOf domain.Date) (Snapshot, bool, error) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	snap, ok := s.snapshotAtLocked(key, asOf)
	if !ok {
		return Snapshot{}, false, nil
	}
	return snap.Clone(), true, nil
}

// SnapshotsAt resolves SnapshotAt for all keys under a single read lock.
func (s *Store) SnapshotsAt(_ context.Context, keys []Key, asOf domain.Date) (map[Key]Snapshot, error) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	out := make(map[Key]Snapshot, len(keys))
	for _, key := range keys {
		if snap, ok := s.snapshotAtLocked(key, asOf); ok {
			out[key] = snap.Clone()
		}
	}
	return out, nil
}

func (s *Store) snapshotAtLocked(key Key, asOf domain.Date) (Snapshot, bool) {
	var best Snapshot
	found := false
	consider := func(c Snapshot) {
		if c.AsOf.After(asOf) {
			return
		}
		if !found || c.AsOf.After(best.AsOf) || (c.AsOf.Equal(best.AsOf) && c.Version > best.Version) {
			best = c
			found = true
		}
	}
	if cur, ok := s.loadCurrent(key); ok {
		consider(*cur)
	}
	for _, h := range s.history[key] {
		consider(h)
	}
	return best, found
}

// SnapshotHistory returns all retained snapshots for key ordered by version.
func (s *Store) SnapshotHistory(_ context.Context, key Key) ([]Snapshot, error) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	out := make([]Snapshot, 0, len(s.history[key])+1)
	for _, h := range s.history[key] {
		out = append(out, h.Clone())
	}
	if cur, ok := s.loadCurrent(key); ok {
		out = append(out, cur.Clone())
	}
	slices.SortFunc(out, func(a, b Snapshot) int {
		switch {
		case a.Version < b.Version:
			return -1
		case a.Version > b.Version:
			return 1
		}
		return 0
	})
	return out, nil
}

// PublishSnapshot swaps snap in as current when the current version matches
// expectedVersion. The previous snapshot is retained with IsCurrent=false.
func (s *Store) PublishSnapshot(ctx context.Context, snap Snapshot, expectedVersion int64) error {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	var curVersion int64
	cur, hasCur := s.loadCurrent(snap.Key)
	if hasCur {
		curVersion = cur.Version
	}
	if curVersion != expectedVersion {
		return domain.NewError(domain.CodeConcurrentWrite, snap.Key, "snapshot version moved")
	}
	if snap.Version <= curVersion {
		return domain.NewError(domain.CodeConcurrentWrite, snap.Key, "snapshot version must increase")
	}
	next := snap.Clone()
	next.IsCurrent = true
	next.SupersededAt = nil
	if next.CreatedAt.IsZero() {
		next.CreatedAt = s.now()
	}
	var demoted *Snapshot
	if hasCur {
		d := cur.Clone()
		d.IsCurrent = false
		at := s.now()
		d.SupersededAt = &at
		demoted = &d
	}
	if s.writer != nil {
		if err := s.writer.PublishSnapshot(ctx, next, demoted); err != nil {
			return err
		}
	}
	if demoted != nil {
		s.history[snap.Key] = append(s.history[snap.Key], *demoted)
	}
	s.currentPtr(snap.Key).Store(&next)
	return nil
}

// PruneSnapshots drops superseded snapshots demoted before olderThan.
func (s *Store) PruneSnapshots(ctx context.Context, olderThan time.Time) (int, error) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	var ids []string
	kept := make(map[Key][]Snapshot, len(s.history))
	for key, hist := range s.history {
		for _, h := range hist {
			if h.SupersededAt != nil && h.SupersededAt.Before(olderThan) {
				ids = append(ids, h.SnapshotID)
				continue
			}
			kept[key] = append(kept[key], h)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if s.writer != nil {
		if err := s.writer.DeleteSnapshots(ctx, ids); err != nil {
			return 0, err
		}
	}
	s.history = kept
	return len(ids), nil
}

// CreateRun registers a run and assigns the next version for its scenario and plan.
func (s *Store) CreateRun(ctx context.Context, run Run) (Run, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	if _, exists := s.runs[run.RunID]; exists {
		return Run{}, domain.NewError(domain.CodeConcurrentWrite, Key{ScenarioID: run.ScenarioID, PlanID: run.PlanID}, "run id already exists")
	}
	var maxVersion int64
	for _, r := range s.runs {
		if r.ScenarioID == run.ScenarioID && r.PlanID == run.PlanID && r.Version > maxVersion {
			maxVersion = r.Version
		}
	}
	run.Version = maxVersion + 1
	if run.Status == "" {
		run.Status = domain.RunStaged
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now()
	}
	if s.writer != nil {
		if err := s.writer.SaveRun(ctx, run); err != nil {
			return Run{}, err
		}
	}
	s.putRunLocked(run)
	return run, nil
}

func (s *Store) putRunLocked(run Run) {
	if _, exists := s.runs[run.RunID]; !exists {
		s.runOrder = append(s.runOrder, run.RunID)
	}
	s.runs[run.RunID] = run
	if run.Status != domain.RunPublished {
		return
	}
	rk := runKey{scenarioID: run.ScenarioID, planID: run.PlanID}
	if prevID, ok := s.published[rk]; ok && s.runs[prevID].Version > run.Version {
		return
	}
	s.published[rk] = run.RunID
}

// UpdateRun applies mutate to the stored run.
func (s *Store) UpdateRun(ctx context.Context, runID string, mutate func(*Run) error) (Run, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return Run{}, domain.NewError(domain.CodeNotFound, Key{}, "run "+runID+" not found")
	}
	if err := mutate(&run); err != nil {
		return Run{}, err
	}
	run.RunID = runID
	if run.Status == domain.RunPublished && run.PublishedAt.IsZero() {
		run.PublishedAt = s.now()
	}
	if s.writer != nil {
		if err := s.writer.SaveRun(ctx, run); err != nil {
			return Run{}, err
		}
	}
	s.putRunLocked(run)
	return run, nil
}

// GetRun returns a run by id.
func (s *Store) GetRun(_ context.Context, runID string) (Run, bool, error) {
	s.runMu.RLock()
	defer s.runMu.RUnlock()
	run, ok := s.runs[runID]
	return run, ok, nil
}

// ListRuns returns runs in creation order.
func (s *Store) ListRuns() []Run {
	s.runMu.RLock()
	defer s.runMu.RUnlock()
	out := make([]Run, 0, len(s.runOrder))
	for _, id := range s.runOrder {
		out = append(out, s.runs[id])
	}
	return out
}

// PublishedRun returns the latest published run for the scenario and plan.
func (s *Store) PublishedRun(_ context.Context, scenarioID, planID string) (Run, bool, error) {
	s.runMu.RLock()
	defer s.runMu.RUnlock()
	id, ok := s.published[runKey{scenarioID: scenarioID, planID: planID}]
	if !ok {
		return Run{}, false, nil
	}
	return s.runs[id], true, nil
}

// UpsertPeriods replaces rows by composite key within the run.
func (s *Store) UpsertPeriods(ctx context.Context, runID string, states []PeriodState) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return domain.NewError(domain.CodeNotFound, Key{}, "run "+runID+" not found")
	}
	if s.writer != nil {
		if err := s.writer.UpsertPeriods(ctx, runID, states); err != nil {
			return err
		}
	}
	s.upsertPeriodsLocked(runID, states)
	return nil
}

func (s *Store) upsertPeriodsLocked(runID string, states []PeriodState) {
	rows := s.periods[runID]
	if rows == nil {
		rows = make(map[domain.PeriodKey]PeriodState)
		s.periods[runID] = rows
	}
	for _, st := range states {
		st = st.Clone()
		st.RunID = runID
		rows[st.Identity()] = st
	}
}

// PeriodStates returns the run's rows for key ordered by period start.
func (s *Store) PeriodStates(_ context.Context, runID string, key Key) ([]PeriodState, error) {
	s.runMu.RLock()
	defer s.runMu.RUnlock()
	var out []PeriodState
	for id, st := range s.periods[runID] {
		if id.Key == key {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period.Start.Before(out[j].Period.Start) })
	return out, nil
}

// RunKeys lists the keys with rows in the run, sorted by entity id.
func (s *Store) RunKeys(_ context.Context, runID string) ([]Key, error) {
	s.runMu.RLock()
	defer s.runMu.RUnlock()
	seen := make(map[Key]struct{})
	var keys []Key
	for id := range s.periods[runID] {
		if _, ok := seen[id.Key]; ok {
			continue
		}
		seen[id.Key] = struct{}{}
		keys = append(keys, id.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].EntityID < keys[j].EntityID })
	return keys, nil
}

// PutEntity upserts a master record.
func (s *Store) PutEntity(ctx context.Context, entity Entity) error {
	if entity.PlanID == "" || entity.EntityID == "" {
		return domain.NewError(domain.CodeInvalidEvent, Key{PlanID: entity.PlanID, EntityID: entity.EntityID}, "plan_id and entity_id are required")
	}
	if entity.Status == "" {
		entity.Status = domain.EntityActive
	}
	s.entityMu.Lock()
	defer s.entityMu.Unlock()
	if s.writer != nil {
		if err := s.writer.PutEntity(ctx, entity); err != nil {
			return err
		}
	}
	s.entities[entityKey{planID: entity.PlanID, entityID: entity.EntityID}] = entity
	return nil
}

// GetEntity looks up a master record.
func (s *Store) GetEntity(_ context.Context, planID, entityID string) (Entity, bool, error) {
	s.entityMu.RLock()
	defer s.entityMu.RUnlock()
	e, ok := s.entities[entityKey{planID: planID, entityID: entityID}]
	return e, ok, nil
}
