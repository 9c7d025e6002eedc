package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"planstate/pkg/domain"
)

const reportPrefix = "reports/"

// ReportArchive persists validation reports as JSON blobs keyed by
// scenario, plan and run.
type ReportArchive struct {
	store Store
}

// NewReportArchive wraps store.
func NewReportArchive(store Store) *ReportArchive {
	return &ReportArchive{store: store}
}

// ReportKey returns the blob key for a run's report.
func ReportKey(scenarioID, planID, runID string) string {
	return reportPrefix + path.Join(scenarioID, planID, runID+".json")
}

// ArchiveReport writes report and returns its key. Archiving the same run
// twice fails with ErrExists.
func (a *ReportArchive) ArchiveReport(ctx context.Context, report domain.Report) (string, error) {
	if report.RunID == "" {
		return "", fmt.Errorf("archive report: run id required")
	}
	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	key := ReportKey(report.ScenarioID, report.PlanID, report.RunID)
	_, err = a.store.Put(ctx, key, bytes.NewReader(raw), PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"run-id":   report.RunID,
			"blocking": fmt.Sprintf("%t", report.Blocking),
		},
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// LoadReport reads an archived report.
func (a *ReportArchive) LoadReport(ctx context.Context, key string) (domain.Report, error) {
	_, rc, err := a.store.Get(ctx, key)
	if err != nil {
		return domain.Report{}, err
	}
	defer func() { _ = rc.Close() }()
	var report domain.Report
	if err := json.NewDecoder(rc).Decode(&report); err != nil {
		return domain.Report{}, fmt.Errorf("decode report %s: %w", key, err)
	}
	return report, nil
}

// ListReports returns the archived report keys for a scenario, optionally
// narrowed to one plan.
func (a *ReportArchive) ListReports(ctx context.Context, scenarioID, planID string) ([]Info, error) {
	prefix := reportPrefix
	if scenarioID != "" {
		prefix += scenarioID + "/"
		if planID != "" {
			prefix += planID + "/"
		}
	}
	infos, err := a.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := infos[:0]
	for _, info := range infos {
		if strings.HasSuffix(info.Key, ".json") {
			out = append(out, info)
		}
	}
	return out, nil
}
