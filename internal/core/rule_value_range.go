package core

import (
	"context"
	"fmt"

	"planstate/pkg/domain"
)

// ValueRangeRule rejects materialized values outside the plan bounds.
func ValueRangeRule() domain.Rule {
	return valueRangeRule{}
}

type valueRangeRule struct{}

func (valueRangeRule) Name() string              { return "value_range" }
func (valueRangeRule) Severity() domain.Severity { return domain.SeverityError }

func (r valueRangeRule) Evaluate(_ context.Context, view domain.RuleView) (domain.Result, error) {
	res := domain.Result{}
	lo, hi := view.Bounds()
	for _, row := range view.Periods() {
		if row.Value.LessThan(lo) || row.Value.GreaterThan(hi) {
			v := violation(r, view.Key(), periodRef(row),
				fmt.Sprintf("value %s outside [%s,%s]", row.Value, lo, hi))
			v.Value = row.Value.String()
			res.Violations = append(res.Violations, v)
		}
	}
	return res, nil
}

// BoundsFlaggedRule reports rows whose value was clamped during expansion.
func BoundsFlaggedRule() domain.Rule {
	return boundsFlaggedRule{}
}

type boundsFlaggedRule struct{}

func (boundsFlaggedRule) Name() string              { return "bounds_flagged" }
func (boundsFlaggedRule) Severity() domain.Severity { return domain.SeverityInfo }

func (r boundsFlaggedRule) Evaluate(_ context.Context, view domain.RuleView) (domain.Result, error) {
	res := domain.Result{}
	for _, row := range view.Periods() {
		if !row.BoundsViolation {
			continue
		}
		v := violation(r, view.Key(), periodRef(row), "value clamped to plan bounds in period "+row.Period.Label())
		v.Value = row.Value.String()
		if len(row.SourceEventIDs) > 0 {
			v.EventID = row.SourceEventIDs[0]
		}
		res.Violations = append(res.Violations, v)
	}
	return res, nil
}
