package domain

import (
	"context"
	"iter"
	"time"
)

// ReadOptions bounds an event stream. Zero values mean unbounded.
type ReadOptions struct {
	// UpTo includes only events with EventID <= UpTo.
	UpTo EventID
	// AfterSequence includes only events ingested after this sequence.
	AfterSequence uint64
	// After includes only events effective strictly after this date.
	After *Date
	// Until includes only events effective on or before this date.
	Until *Date
}

// Match reports whether e satisfies the options.
func (o ReadOptions) Match(e Event) bool {
	if o.UpTo != 0 && e.EventID > o.UpTo {
		return false
	}
	if o.AfterSequence != 0 && e.Sequence <= o.AfterSequence {
		return false
	}
	if o.After != nil && !e.EffectiveDate.After(*o.After) {
		return false
	}
	if o.Until != nil && e.EffectiveDate.After(*o.Until) {
		return false
	}
	return true
}

// EventStore is the append-only event log.
type EventStore interface {
	Append(ctx context.Context, event Event) (EventID, error)
	// AppendIfLast appends only when the key's last event id equals expectedLast.
	AppendIfLast(ctx context.Context, event Event, expectedLast EventID) (EventID, error)
	// Read yields events ordered by effective date then event id. Each call
	// to the returned sequence starts a fresh read.
	Read(ctx context.Context, key Key, opts ReadOptions) iter.Seq2[Event, error]
	LastEventID(ctx context.Context, key Key) (EventID, error)
	GetEvent(ctx context.Context, id EventID) (Event, bool, error)
	Keys(ctx context.Context, scenarioID, planID string) ([]Key, error)
}

// SnapshotStore holds published and superseded snapshots.
type SnapshotStore interface {
	CurrentSnapshot(ctx context.Context, key Key) (Snapshot, bool, error)
	// SnapshotAt returns the latest retained snapshot with AsOf <= asOf.
	SnapshotAt(ctx context.Context, key Key, asOf Date) (Snapshot, bool, error)
	// SnapshotsAt resolves SnapshotAt for many keys in one lookup.
	SnapshotsAt(ctx context.Context, keys []Key, asOf Date) (map[Key]Snapshot, error)
	SnapshotHistory(ctx context.Context, key Key) ([]Snapshot, error)
	// PublishSnapshot makes snap current when the current version equals
	// expectedVersion, demoting the previous snapshot.
	PublishSnapshot(ctx context.Context, snap Snapshot, expectedVersion int64) error
	PruneSnapshots(ctx context.Context, olderThan time.Time) (int, error)
}

// PeriodStore holds materialized grid rows per run.
type PeriodStore interface {
	CreateRun(ctx context.Context, run Run) (Run, error)
	UpdateRun(ctx context.Context, runID string, mutate func(*Run) error) (Run, error)
	GetRun(ctx context.Context, runID string) (Run, bool, error)
	PublishedRun(ctx context.Context, scenarioID, planID string) (Run, bool, error)
	// UpsertPeriods replaces rows by composite key within the run.
	UpsertPeriods(ctx context.Context, runID string, states []PeriodState) error
	PeriodStates(ctx context.Context, runID string, key Key) ([]PeriodState, error)
	RunKeys(ctx context.Context, runID string) ([]Key, error)
}

// EntityStore is the participant master.
type EntityStore interface {
	PutEntity(ctx context.Context, entity Entity) error
	GetEntity(ctx context.Context, planID, entityID string) (Entity, bool, error)
}

// PersistentStore aggregates every store capability used by the engine.
type PersistentStore interface {
	EventStore
	SnapshotStore
	PeriodStore
	EntityStore
	Close() error
}
