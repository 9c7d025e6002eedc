package core

import (
	"context"

	"planstate/pkg/domain"
)

// AuditTrailRule requires event-sourced rows to name their source events and
// baseline or carry-forward rows to name none.
func AuditTrailRule() domain.Rule {
	return auditTrailRule{}
}

type auditTrailRule struct{}

func (auditTrailRule) Name() string              { return "audit_trail" }
func (auditTrailRule) Severity() domain.Severity { return domain.SeverityWarn }

func (r auditTrailRule) Evaluate(_ context.Context, view domain.RuleView) (domain.Result, error) {
	res := domain.Result{}
	for _, row := range view.Periods() {
		switch row.SourceType {
		case domain.SourceEvent:
			if len(row.SourceEventIDs) == 0 {
				res.Violations = append(res.Violations, violation(r, view.Key(), periodRef(row),
					"event-sourced period "+row.Period.Label()+" has no source events"))
			}
		case domain.SourceBaseline, domain.SourceCarryforward:
			if len(row.SourceEventIDs) > 0 {
				v := violation(r, view.Key(), periodRef(row),
					string(row.SourceType)+" period "+row.Period.Label()+" references source events")
				v.EventID = row.SourceEventIDs[0]
				res.Violations = append(res.Violations, v)
			}
		default:
			res.Violations = append(res.Violations, violation(r, view.Key(), periodRef(row),
				"period "+row.Period.Label()+" has unknown source type "+string(row.SourceType)))
		}
	}
	return res, nil
}
