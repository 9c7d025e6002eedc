package core

import (
	"fmt"

	"planstate/pkg/domain"

	"github.com/shopspring/decimal"
)

// Window is the half-open date range [Start, End) a run materializes.
type Window struct {
	Start domain.Date `json:"start"`
	End   domain.Date `json:"end"`
}

// YearWindow returns the calendar year as a window.
func YearWindow(year int) Window {
	return Window{
		Start: domain.NewDate(year, 1, 1),
		End:   domain.NewDate(year+1, 1, 1),
	}
}

// Validate reports whether the window is non-empty.
func (w Window) Validate() error {
	if w.Start.IsZero() || !w.Start.Before(w.End) {
		return &domain.Error{Code: domain.CodeInvalidConfig, Message: fmt.Sprintf("invalid window [%s,%s)", w.Start, w.End)}
	}
	return nil
}

// Periods splits the window into grid cells of the given length.
func (w Window) Periods(months int) []domain.Period {
	if months <= 0 {
		months = 1
	}
	var out []domain.Period
	for start := w.Start; start.Before(w.End); start = start.AddMonths(months) {
		end := domain.MinDate(start.AddMonths(months), w.End)
		out = append(out, domain.Period{Start: start, End: end})
	}
	return out
}

// GridInput is everything the expander needs for one key.
type GridInput struct {
	Key       domain.Key
	Changes   []domain.StateChange
	Lifecycle domain.Lifecycle
	Window    Window
	AsOf      domain.Date
	Version   int64
	RunID     string
}

// Expand projects a resolved timeline onto the period grid. Each period takes
// the value of the change most recently effective on or before its start.
// Identical inputs produce identical rows.
func Expand(in GridInput, cfg Config) ([]domain.PeriodState, error) {
	if err := in.Window.Validate(); err != nil {
		return nil, err
	}
	changes, err := applyRehirePolicy(in.Key, in.Changes, in.Lifecycle, cfg)
	if err != nil {
		return nil, err
	}
	periods := in.Window.Periods(cfg.PeriodMonths)
	if hire, ok := in.Lifecycle.Hire(); ok {
		first := 0
		for first < len(periods) && !periods[first].End.After(hire) {
			first++
		}
		periods = periods[first:]
	}
	if len(periods) == 0 {
		return nil, nil
	}

	bounds := cfg.BoundsFor(in.Key.PlanID)
	baseline, hasBaseline := cfg.BaselineFor(in.Key.PlanID)
	out := make([]domain.PeriodState, 0, len(periods))
	var last *domain.StateChange
	next := 0
	prevStart := domain.Date{}
	for i, p := range periods {
		for next < len(changes) && !changes[next].EffectiveDate.After(p.Start) {
			last = &changes[next]
			next++
		}
		row := domain.PeriodState{
			Key:      in.Key,
			Period:   p,
			IsActive: in.Lifecycle.ActiveDuring(p.Start, p.End),
			Version:  in.Version,
			RunID:    in.RunID,
		}
		switch {
		case last == nil && hasBaseline:
			row.Value = baseline
			row.SourceType = domain.SourceBaseline
		case last == nil && row.IsActive:
			return nil, &domain.Error{
				Code:    domain.CodeMissingBaseline,
				Key:     in.Key,
				Message: "no prior state and no baseline for period " + p.Label(),
			}
		case last == nil:
			row.Value = decimal.Zero
			row.SourceType = domain.SourceBaseline
		case last.Synthetic:
			row.Value = last.Value
			row.SourceType = domain.SourceBaseline
			if i > 0 && !last.EffectiveDate.After(prevStart) {
				row.SourceType = domain.SourceCarryforward
			}
		case i == 0 || last.EffectiveDate.After(prevStart):
			row.Value = last.Value
			row.SourceType = domain.SourceEvent
			row.EventType = last.EventType
			row.SourceEventIDs = append([]domain.EventID{last.EventID}, last.SourceEventIDs...)
		default:
			row.Value = last.Value
			row.SourceType = domain.SourceCarryforward
			row.EventType = last.EventType
		}
		clamped, moved := bounds.Clamp(row.Value)
		if moved {
			if cfg.BoundsPolicy == BoundsReject {
				e := &domain.Error{
					Code:    domain.CodeBoundsViolation,
					Key:     in.Key,
					Value:   row.Value.String(),
					Message: "value outside [" + bounds.Min.String() + "," + bounds.Max.String() + "] in period " + p.Label(),
				}
				if last != nil {
					e.EventID = last.EventID
				}
				return nil, e
			}
			row.Value = clamped
			row.BoundsViolation = true
		}
		out = append(out, row)
		prevStart = p.Start
	}
	markCurrent(out, in.AsOf)
	return out, nil
}

// markCurrent flags the period containing asOf, clamped to the grid edges.
func markCurrent(rows []domain.PeriodState, asOf domain.Date) {
	if len(rows) == 0 {
		return
	}
	idx := len(rows) - 1
	if asOf.Before(rows[0].Period.Start) {
		idx = 0
	}
	for i, r := range rows {
		if r.Period.Contains(asOf) {
			idx = i
			break
		}
	}
	rows[idx].IsCurrent = true
}

// ExpandEvents resolves and expands raw events for one key.
func ExpandEvents(key domain.Key, events []domain.Event, window Window, asOf domain.Date, version int64, runID string, cfg Config) ([]domain.PeriodState, error) {
	return Expand(GridInput{
		Key:       key,
		Changes:   Resolve(events),
		Lifecycle: ResolveLifecycle(events),
		Window:    window,
		AsOf:      asOf,
		Version:   version,
		RunID:     runID,
	}, cfg)
}
