package core

import (
	"context"
	"fmt"

	"planstate/pkg/domain"
)

// CompositeKeyRule enforces one row per (scenario, plan, entity, period_start).
func CompositeKeyRule() domain.Rule {
	return compositeKeyRule{}
}

type compositeKeyRule struct{}

func (compositeKeyRule) Name() string              { return "composite_key_uniqueness" }
func (compositeKeyRule) Severity() domain.Severity { return domain.SeverityError }

func (r compositeKeyRule) Evaluate(_ context.Context, view domain.RuleView) (domain.Result, error) {
	res := domain.Result{}
	seen := make(map[domain.PeriodKey]int)
	for _, row := range view.Periods() {
		id := row.Identity()
		seen[id]++
		if seen[id] == 2 {
			res.Violations = append(res.Violations, violation(r, view.Key(), periodRef(row),
				fmt.Sprintf("duplicate rows for period %s", row.Period.Label())))
		}
	}
	return res, nil
}

// SingleCurrentPeriodRule requires exactly one is_current row per entity.
func SingleCurrentPeriodRule() domain.Rule {
	return singleCurrentRule{}
}

type singleCurrentRule struct{}

func (singleCurrentRule) Name() string              { return "single_current_period" }
func (singleCurrentRule) Severity() domain.Severity { return domain.SeverityError }

func (r singleCurrentRule) Evaluate(_ context.Context, view domain.RuleView) (domain.Result, error) {
	rows := view.Periods()
	if len(rows) == 0 {
		return domain.Result{}, nil
	}
	count := 0
	for _, row := range rows {
		if row.IsCurrent {
			count++
		}
	}
	if count == 1 {
		return domain.Result{}, nil
	}
	return domain.Result{Violations: []domain.Violation{
		violation(r, view.Key(), nil, fmt.Sprintf("%d periods flagged current, want 1", count)),
	}}, nil
}

// GridCompletenessRule checks that rows are contiguous, each spans the grid
// period length, and every fully covered year has the expected row count.
func GridCompletenessRule(periodMonths int) domain.Rule {
	if periodMonths <= 0 {
		periodMonths = 1
	}
	return gridCompletenessRule{months: periodMonths}
}

type gridCompletenessRule struct {
	months int
}

func (gridCompletenessRule) Name() string              { return "grid_completeness" }
func (gridCompletenessRule) Severity() domain.Severity { return domain.SeverityWarn }

func (r gridCompletenessRule) Evaluate(_ context.Context, view domain.RuleView) (domain.Result, error) {
	res := domain.Result{}
	rows := view.Periods()
	if len(rows) == 0 {
		return res, nil
	}
	key := view.Key()
	perYear := make(map[int]int)
	for i, row := range rows {
		perYear[row.Period.Start.Year()]++
		if i > 0 && !rows[i-1].Period.End.Equal(row.Period.Start) {
			res.Violations = append(res.Violations, violation(r, key, periodRef(row),
				fmt.Sprintf("gap between %s and %s", rows[i-1].Period.End, row.Period.Start)))
		}
		full := row.Period.Start.AddMonths(r.months)
		if row.Period.End.After(full) || (i < len(rows)-1 && !row.Period.End.Equal(full)) {
			res.Violations = append(res.Violations, violation(r, key, periodRef(row),
				fmt.Sprintf("period %s spans [%s,%s), want %d month(s)", row.Period.Label(), row.Period.Start, row.Period.End, r.months)))
		}
	}
	first, last := rows[0].Period.Start, rows[len(rows)-1].Period.End
	want := 12 / r.months
	for year, n := range perYear {
		start, end := domain.NewDate(year, 1, 1), domain.NewDate(year+1, 1, 1)
		if first.After(start) || last.Before(end) {
			continue
		}
		if n != want {
			res.Violations = append(res.Violations, violation(r, key, &start,
				fmt.Sprintf("year %d has %d periods, want %d", year, n, want)))
		}
	}
	return res, nil
}
