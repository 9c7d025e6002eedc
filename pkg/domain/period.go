package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SourceType records how a period value was derived.
type SourceType string

// Period value derivations.
const (
	SourceEvent        SourceType = "event"
	SourceBaseline     SourceType = "baseline"
	SourceCarryforward SourceType = "carryforward"
)

// Period is a half-open grid cell [Start, End).
type Period struct {
	Start Date `json:"start"`
	End   Date `json:"end"`
}

// Contains reports whether d falls within the period.
func (p Period) Contains(d Date) bool {
	return !d.Before(p.Start) && d.Before(p.End)
}

// Label formats the period for reports, e.g. 2025-03.
func (p Period) Label() string {
	return p.Start.Time().Format("2006-01")
}

// PeriodState is one materialized grid row for an entity.
type PeriodState struct {
	Key             Key             `json:"key"`
	Period          Period          `json:"period"`
	Value           decimal.Decimal `json:"value"`
	IsActive        bool            `json:"is_active"`
	IsCurrent       bool            `json:"is_current"`
	SourceType      SourceType      `json:"source_type"`
	EventType       EventType       `json:"event_type,omitempty"`
	SourceEventIDs  []EventID       `json:"source_event_ids,omitempty"`
	Version         int64           `json:"version"`
	BoundsViolation bool            `json:"bounds_violation"`
	RunID           string          `json:"run_id,omitempty"`
}

// PeriodKey is the composite identity of a PeriodState within a run.
type PeriodKey struct {
	Key         Key
	PeriodStart Date
}

// Identity returns the composite key of the row.
func (p PeriodState) Identity() PeriodKey {
	return PeriodKey{Key: p.Key, PeriodStart: p.Period.Start}
}

// Clone returns a deep copy.
func (p PeriodState) Clone() PeriodState {
	cp := p
	if p.SourceEventIDs != nil {
		cp.SourceEventIDs = append([]EventID(nil), p.SourceEventIDs...)
	}
	return cp
}

// RunStatus is the lifecycle of a materialization run.
type RunStatus string

// Run statuses.
const (
	RunStaged    RunStatus = "staged"
	RunPublished RunStatus = "published"
	RunBlocked   RunStatus = "blocked"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// Run describes one batch materialization for a scenario and plan.
type Run struct {
	RunID       string    `json:"run_id"`
	ScenarioID  string    `json:"scenario_id"`
	PlanID      string    `json:"plan_id"`
	Version     int64     `json:"version"`
	WindowStart Date      `json:"window_start"`
	WindowEnd   Date      `json:"window_end"`
	AsOf        Date      `json:"as_of"`
	Status      RunStatus `json:"status"`
	ReportKey   string    `json:"report_key,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	PublishedAt time.Time `json:"published_at,omitzero"`
}

// Entity is the master record of a plan participant.
type Entity struct {
	PlanID       string       `json:"plan_id"`
	EntityID     string       `json:"entity_id"`
	Status       EntityStatus `json:"status"`
	TerminatedOn *Date        `json:"terminated_on,omitempty"`
}

// EntityStatus is the master-data status of a participant.
type EntityStatus string

// Entity statuses.
const (
	EntityActive     EntityStatus = "active"
	EntityTerminated EntityStatus = "terminated"
)
