package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceEffective is the balance key holding the resolved state value.
const BalanceEffective = "effective"

// StateMark is the raw winning contribution behind a balance.
type StateMark struct {
	EffectiveDate  Date            `json:"effective_date"`
	Priority       int             `json:"priority"`
	EventID        EventID         `json:"event_id"`
	EventType      EventType       `json:"event_type"`
	Value          decimal.Decimal `json:"value"`
	SourceEventIDs []EventID       `json:"source_event_ids,omitempty"`
	Synthetic      bool            `json:"synthetic,omitempty"`
}

// Beats reports whether m takes precedence over o: later date, then lower
// priority, then lower event id.
func (m StateMark) Beats(o StateMark) bool {
	if c := m.EffectiveDate.Compare(o.EffectiveDate); c != 0 {
		return c > 0
	}
	if m.Priority != o.Priority {
		return m.Priority < o.Priority
	}
	return m.EventID < o.EventID
}

// MarkOf converts a state change into a mark.
func MarkOf(c StateChange) StateMark {
	return StateMark{
		EffectiveDate:  c.EffectiveDate,
		Priority:       c.Priority,
		EventID:        c.EventID,
		EventType:      c.EventType,
		Value:          c.Value,
		SourceEventIDs: c.SourceEventIDs,
		Synthetic:      c.Synthetic,
	}
}

// Snapshot is a versioned, checksummed capture of entity state at AsOf.
type Snapshot struct {
	SnapshotID           string                     `json:"snapshot_id"`
	Key                  Key                        `json:"key"`
	AsOf                 Date                       `json:"as_of"`
	Balances             map[string]decimal.Decimal `json:"balances_by_source"`
	Marks                map[string]StateMark       `json:"marks,omitempty"`
	Lifecycle            Lifecycle                  `json:"lifecycle"`
	IsActive             bool                       `json:"is_active"`
	BoundsViolation      bool                       `json:"bounds_violation"`
	LastProcessedEventID EventID                    `json:"last_processed_event_id"`
	LastSequence         uint64                     `json:"last_sequence"`
	DeltaEvents          int                        `json:"delta_events"`
	Version              int64                      `json:"version"`
	IsCurrent            bool                       `json:"is_current"`
	Checksum             string                     `json:"checksum"`
	CreatedAt            time.Time                  `json:"created_at"`
	SupersededAt         *time.Time                 `json:"superseded_at,omitempty"`
}

// Effective returns the resolved state value.
func (s Snapshot) Effective() decimal.Decimal {
	return s.Balances[BalanceEffective]
}

// ComputeChecksum hashes the sorted balances and the last processed event id.
func (s Snapshot) ComputeChecksum() string {
	h := sha256.New()
	for _, k := range slices.Sorted(maps.Keys(s.Balances)) {
		v := s.Balances[k]
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(v.String()))
		h.Write([]byte{'\n'})
	}
	h.Write([]byte(strconv.FormatUint(uint64(s.LastProcessedEventID), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether the stored checksum matches the contents.
func (s Snapshot) Verify() bool {
	return s.Checksum != "" && s.Checksum == s.ComputeChecksum()
}

// Clone returns a deep copy safe to mutate.
func (s Snapshot) Clone() Snapshot {
	cp := s
	cp.Balances = make(map[string]decimal.Decimal, len(s.Balances))
	maps.Copy(cp.Balances, s.Balances)
	cp.Marks = make(map[string]StateMark, len(s.Marks))
	for k, m := range s.Marks {
		if m.SourceEventIDs != nil {
			m.SourceEventIDs = append([]EventID(nil), m.SourceEventIDs...)
		}
		cp.Marks[k] = m
	}
	cp.Lifecycle = s.Lifecycle.Clone()
	if s.SupersededAt != nil {
		t := *s.SupersededAt
		cp.SupersededAt = &t
	}
	return cp
}

// SnapshotDelta holds events not yet folded into a snapshot.
type SnapshotDelta struct {
	Key      Key      `json:"key"`
	Snapshot Snapshot `json:"snapshot"`
	Events   []Event  `json:"events"`
}

// HasLifecycle reports whether the delta changes employment status.
func (d SnapshotDelta) HasLifecycle() bool {
	for _, e := range d.Events {
		if e.EventType.IsLifecycle() {
			return true
		}
	}
	return false
}
