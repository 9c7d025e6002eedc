package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventID identifies an event. Zero means "assign on append".
type EventID uint64

// Key partitions every timeline by scenario, plan and entity.
type Key struct {
	ScenarioID string `json:"scenario_id"`
	PlanID     string `json:"plan_id"`
	EntityID   string `json:"entity_id"`
}

func (k Key) String() string {
	return k.ScenarioID + "/" + k.PlanID + "/" + k.EntityID
}

// Validate reports whether all key components are present.
func (k Key) Validate() error {
	if k.ScenarioID == "" || k.PlanID == "" || k.EntityID == "" {
		return NewError(CodeInvalidEvent, k, "scenario_id, plan_id and entity_id are required")
	}
	return nil
}

// EventType classifies an event.
type EventType string

// Value events resolve into the state timeline; lifecycle events drive activity.
const (
	EventEnrollment   EventType = "enrollment"
	EventEscalation   EventType = "escalation"
	EventBaseline     EventType = "baseline"
	EventCarryforward EventType = "carryforward"

	EventHire        EventType = "hire"
	EventTermination EventType = "termination"
	EventRehire      EventType = "rehire"
)

// ValueEventTypes lists the value-bearing types in default precedence order.
var ValueEventTypes = []EventType{EventEnrollment, EventEscalation, EventBaseline, EventCarryforward}

// IsLifecycle reports whether the type changes employment status rather than value.
func (t EventType) IsLifecycle() bool {
	switch t {
	case EventHire, EventTermination, EventRehire:
		return true
	}
	return false
}

// Known reports whether t is a recognised event type.
func (t EventType) Known() bool {
	switch t {
	case EventEnrollment, EventEscalation, EventBaseline, EventCarryforward,
		EventHire, EventTermination, EventRehire:
		return true
	}
	return false
}

// Event is an immutable fact appended to the event store.
type Event struct {
	EventID        EventID         `json:"event_id"`
	Key                            // scenario/plan/entity partition
	EventType      EventType       `json:"event_type"`
	EffectiveDate  Date            `json:"effective_date"`
	Value          decimal.Decimal `json:"value"`
	Priority       int             `json:"priority"`
	SourceEventIDs []EventID       `json:"source_event_ids,omitempty"`
	// Sequence is the store-assigned ingest order, unique per store.
	Sequence   uint64    `json:"sequence,omitempty"`
	RecordedAt time.Time `json:"recorded_at,omitzero"`
}

// SamePayload reports whether two events carry identical caller-supplied content.
func (e Event) SamePayload(o Event) bool {
	if e.EventID != o.EventID || e.Key != o.Key || e.EventType != o.EventType ||
		!e.EffectiveDate.Equal(o.EffectiveDate) || !e.Value.Equal(o.Value) || e.Priority != o.Priority {
		return false
	}
	if len(e.SourceEventIDs) != len(o.SourceEventIDs) {
		return false
	}
	for i := range e.SourceEventIDs {
		if e.SourceEventIDs[i] != o.SourceEventIDs[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	cp := e
	if e.SourceEventIDs != nil {
		cp.SourceEventIDs = append([]EventID(nil), e.SourceEventIDs...)
	}
	return cp
}

// CompareEvents orders events by effective date then event id.
func CompareEvents(a, b Event) int {
	if c := a.EffectiveDate.Compare(b.EffectiveDate); c != 0 {
		return c
	}
	switch {
	case a.EventID < b.EventID:
		return -1
	case a.EventID > b.EventID:
		return 1
	}
	return 0
}

// StateChange is the winning value for one effective date after tie-breaking.
type StateChange struct {
	Key            Key             `json:"key"`
	EffectiveDate  Date            `json:"effective_date"`
	Value          decimal.Decimal `json:"value"`
	Priority       int             `json:"priority"`
	EventID        EventID         `json:"event_id"`
	EventType      EventType       `json:"event_type"`
	SourceEventIDs []EventID       `json:"source_event_ids,omitempty"`
	// Synthetic marks changes inserted by lifecycle policy rather than an event.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Lifecycle is the ordered list of active employment segments folded from
// lifecycle events. The zero value is active from the beginning of time.
type Lifecycle struct {
	Active []Segment `json:"active,omitempty"`
}

// Segments returns the half-open active intervals in date order. A nil end
// is open-ended.
func (l Lifecycle) Segments() []Segment {
	if len(l.Active) == 0 {
		return []Segment{{}}
	}
	return l.Clone().Active
}

// Hire returns the start of the first segment when a hire was recorded.
func (l Lifecycle) Hire() (Date, bool) {
	if len(l.Active) == 0 || l.Active[0].Start.IsZero() {
		return Date{}, false
	}
	return l.Active[0].Start, true
}

// Rehires returns the start of every segment after the first.
func (l Lifecycle) Rehires() []Date {
	if len(l.Active) < 2 {
		return nil
	}
	out := make([]Date, 0, len(l.Active)-1)
	for _, seg := range l.Active[1:] {
		out = append(out, seg.Start)
	}
	return out
}

// Terminated returns the end of the last segment when it is closed.
func (l Lifecycle) Terminated() (Date, bool) {
	if len(l.Active) == 0 {
		return Date{}, false
	}
	last := l.Active[len(l.Active)-1]
	if last.End == nil {
		return Date{}, false
	}
	return *last.End, true
}

// ActiveOn reports whether d falls inside an active segment.
func (l Lifecycle) ActiveOn(d Date) bool {
	for _, seg := range l.Segments() {
		if seg.Contains(d) {
			return true
		}
	}
	return false
}

// ActiveDuring reports whether any active segment overlaps [start, end).
func (l Lifecycle) ActiveDuring(start, end Date) bool {
	for _, seg := range l.Segments() {
		if seg.Overlaps(start, end) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (l Lifecycle) Clone() Lifecycle {
	if l.Active == nil {
		return Lifecycle{}
	}
	cp := Lifecycle{Active: make([]Segment, len(l.Active))}
	for i, seg := range l.Active {
		cp.Active[i] = Segment{Start: seg.Start}
		if seg.End != nil {
			end := *seg.End
			cp.Active[i].End = &end
		}
	}
	return cp
}

// Segment is a half-open active interval [Start, End).
type Segment struct {
	Start Date  `json:"start"`
	End   *Date `json:"end,omitempty"`
}

// Contains reports whether d lies in the segment.
func (s Segment) Contains(d Date) bool {
	if d.Before(s.Start) {
		return false
	}
	return s.End == nil || d.Before(*s.End)
}

// Overlaps reports whether the segment intersects [start, end).
func (s Segment) Overlaps(start, end Date) bool {
	if !s.Start.Before(end) {
		return false
	}
	return s.End == nil || s.End.After(start)
}

func (s Segment) String() string {
	if s.End == nil {
		return fmt.Sprintf("[%s,∞)", s.Start)
	}
	return fmt.Sprintf("[%s,%s)", s.Start, *s.End)
}
