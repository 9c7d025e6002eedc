package core

import (
	"context"
	"fmt"

	"planstate/pkg/domain"

	"github.com/shopspring/decimal"
)

// SnapshotReconciliationRule compares the current snapshot with a full replay
// at the snapshot's as-of date.
func SnapshotReconciliationRule(epsilon decimal.Decimal) domain.Rule {
	return snapshotReconciliationRule{epsilon: epsilon}
}

type snapshotReconciliationRule struct {
	epsilon decimal.Decimal
}

func (snapshotReconciliationRule) Name() string              { return "snapshot_reconciliation" }
func (snapshotReconciliationRule) Severity() domain.Severity { return domain.SeverityError }

func (r snapshotReconciliationRule) Evaluate(ctx context.Context, view domain.RuleView) (domain.Result, error) {
	var cur *domain.Snapshot
	for _, snap := range view.Snapshots() {
		if snap.IsCurrent {
			s := snap
			cur = &s
		}
	}
	if cur == nil {
		return domain.Result{}, nil
	}
	if !cur.Verify() {
		return domain.Result{Violations: []domain.Violation{
			violation(r, view.Key(), nil, fmt.Sprintf("snapshot %s v%d fails checksum", cur.SnapshotID, cur.Version)),
		}}, nil
	}
	want, err := view.Replay(ctx, cur.AsOf)
	if err != nil {
		switch domain.CodeOf(err) {
		case domain.CodeInternal, domain.CodeTransient:
			return domain.Result{}, err
		}
		return domain.Result{Violations: []domain.Violation{
			violation(r, view.Key(), nil, fmt.Sprintf("replay at %s failed: %v", cur.AsOf, err)),
		}}, nil
	}
	got := cur.Effective()
	if got.Sub(want).Abs().GreaterThan(r.epsilon) {
		v := violation(r, view.Key(), nil,
			fmt.Sprintf("snapshot v%d holds %s, replay at %s gives %s", cur.Version, got, cur.AsOf, want))
		v.Value = got.String()
		return domain.Result{Violations: []domain.Violation{v}}, nil
	}
	return domain.Result{}, nil
}
