package blob

import (
	"context"
	"errors"
	"testing"
	"time"

	"planstate/pkg/domain"
)

func sampleReport(runID string, blocking bool) domain.Report {
	return domain.Report{
		RunID:       runID,
		ScenarioID:  "base",
		PlanID:      "plan-a",
		AsOf:        domain.MustDate("2025-12-31"),
		GeneratedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Entities:    3,
		Blocking:    blocking,
		Results: []domain.ValidationResult{{
			RuleName:         "value_range",
			Severity:         domain.SeverityError,
			Passed:           !blocking,
			SampleViolations: []domain.Violation{},
		}},
	}
}

func TestReportArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	archive := NewReportArchive(store)

	key, err := archive.ArchiveReport(ctx, sampleReport("run-1", true))
	if err != nil {
		t.Fatalf("ArchiveReport: %v", err)
	}
	if key != "reports/base/plan-a/run-1.json" {
		t.Fatalf("unexpected key %q", key)
	}
	got, err := archive.LoadReport(ctx, key)
	if err != nil {
		t.Fatalf("LoadReport: %v", err)
	}
	if got.RunID != "run-1" || !got.Blocking || got.Entities != 3 || len(got.Results) != 1 {
		t.Fatalf("unexpected report %+v", got)
	}
	if !got.AsOf.Equal(domain.MustDate("2025-12-31")) {
		t.Fatalf("as-of not preserved: %s", got.AsOf)
	}
	info, err := store.Head(ctx, key)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if info.Metadata["blocking"] != "true" || info.ContentType != "application/json" {
		t.Fatalf("unexpected metadata %+v", info)
	}

	if _, err := archive.ArchiveReport(ctx, sampleReport("run-1", false)); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists on re-archive, got %v", err)
	}
	if _, err := archive.ArchiveReport(ctx, sampleReport("", false)); err == nil {
		t.Fatalf("expected error without run id")
	}
}

func TestReportArchiveListFiltersByScenarioAndPlan(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, Config{Driver: DriverFilesystem, FSRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	archive := NewReportArchive(store)
	for _, r := range []domain.Report{
		sampleReport("run-1", false),
		sampleReport("run-2", false),
		{RunID: "run-3", ScenarioID: "base", PlanID: "plan-b"},
		{RunID: "run-4", ScenarioID: "stress", PlanID: "plan-a"},
	} {
		if _, err := archive.ArchiveReport(ctx, r); err != nil {
			t.Fatalf("ArchiveReport %s: %v", r.RunID, err)
		}
	}
	cases := []struct {
		scenario, plan string
		want           int
	}{
		{"", "", 4},
		{"base", "", 3},
		{"base", "plan-a", 2},
		{"stress", "plan-a", 1},
		{"missing", "", 0},
	}
	for _, tc := range cases {
		infos, err := archive.ListReports(ctx, tc.scenario, tc.plan)
		if err != nil {
			t.Fatalf("ListReports(%q,%q): %v", tc.scenario, tc.plan, err)
		}
		if len(infos) != tc.want {
			t.Fatalf("ListReports(%q,%q) = %d entries, want %d", tc.scenario, tc.plan, len(infos), tc.want)
		}
	}
	if _, err := archive.LoadReport(ctx, "reports/base/plan-a/nope.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "tape"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := Open(context.Background(), Config{Driver: DriverS3}); err == nil {
		t.Fatalf("expected error for s3 without bucket")
	}
}
