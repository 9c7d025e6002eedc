package core

import (
	"context"

	"planstate/pkg/domain"
)

// ReferentialIntegrityRule requires active rows to reference a known entity.
func ReferentialIntegrityRule() domain.Rule {
	return referentialRule{}
}

type referentialRule struct{}

func (referentialRule) Name() string              { return "referential_integrity" }
func (referentialRule) Severity() domain.Severity { return domain.SeverityError }

func (r referentialRule) Evaluate(_ context.Context, view domain.RuleView) (domain.Result, error) {
	if _, ok := view.Entity(); ok {
		return domain.Result{}, nil
	}
	for _, row := range view.Periods() {
		if row.IsActive {
			return domain.Result{Violations: []domain.Violation{
				violation(r, view.Key(), periodRef(row), "active periods for unknown entity "+view.Key().EntityID),
			}}, nil
		}
	}
	return domain.Result{}, nil
}

// TerminatedEntityRule warns when the participant master marks an entity
// terminated but the grid keeps it active afterwards.
func TerminatedEntityRule() domain.Rule {
	return terminatedEntityRule{}
}

type terminatedEntityRule struct{}

func (terminatedEntityRule) Name() string              { return "terminated_entity_active" }
func (terminatedEntityRule) Severity() domain.Severity { return domain.SeverityWarn }

func (r terminatedEntityRule) Evaluate(_ context.Context, view domain.RuleView) (domain.Result, error) {
	res := domain.Result{}
	ent, ok := view.Entity()
	if !ok || ent.Status != domain.EntityTerminated || ent.TerminatedOn == nil {
		return res, nil
	}
	for _, row := range view.Periods() {
		if row.IsActive && !row.Period.Start.Before(*ent.TerminatedOn) {
			res.Violations = append(res.Violations, violation(r, view.Key(), periodRef(row),
				"entity terminated on "+ent.TerminatedOn.String()+" but period "+row.Period.Label()+" is active"))
		}
	}
	return res, nil
}
