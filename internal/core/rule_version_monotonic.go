package core

import (
	"context"
	"fmt"

	"planstate/pkg/domain"
)

// VersionMonotonicRule checks run and snapshot versioning. Rows must carry the
// run version, the run must advance past the previously published run, and
// snapshot history must increase strictly with at most one current snapshot.
func VersionMonotonicRule() domain.Rule {
	return versionMonotonicRule{}
}

type versionMonotonicRule struct{}

func (versionMonotonicRule) Name() string              { return "version_monotonic" }
func (versionMonotonicRule) Severity() domain.Severity { return domain.SeverityError }

func (r versionMonotonicRule) Evaluate(_ context.Context, view domain.RuleView) (domain.Result, error) {
	res := domain.Result{}
	key := view.Key()
	runVersion := view.RunVersion()
	if prev := view.PreviousRunVersion(); prev > 0 && runVersion <= prev {
		res.Violations = append(res.Violations, violation(r, key, nil,
			fmt.Sprintf("run version %d does not advance published version %d", runVersion, prev)))
	}
	for _, row := range view.Periods() {
		if row.Version != runVersion {
			res.Violations = append(res.Violations, violation(r, key, periodRef(row),
				fmt.Sprintf("row version %d, run version %d", row.Version, runVersion)))
		}
	}
	current := 0
	var last int64
	for i, snap := range view.Snapshots() {
		if snap.IsCurrent {
			current++
		}
		if i > 0 && snap.Version <= last {
			res.Violations = append(res.Violations, violation(r, key, nil,
				fmt.Sprintf("snapshot version %d follows %d", snap.Version, last)))
		}
		last = snap.Version
	}
	if current > 1 {
		res.Violations = append(res.Violations, violation(r, key, nil,
			fmt.Sprintf("%d current snapshots", current)))
	}
	return res, nil
}
