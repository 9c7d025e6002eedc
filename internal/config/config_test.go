package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"planstate/internal/blob"
	"planstate/internal/core"
	"planstate/pkg/domain"
)

func TestLoadPolicyFromFile(t *testing.T) {
	cfg, err := LoadPolicy(filepath.Join("testdata", "policy.yaml"))
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if cfg.DeltaThreshold != 500 || cfg.Concurrency != 4 || cfg.RetryAttempts != 3 {
		t.Fatalf("unexpected scalars %+v", cfg)
	}
	if cfg.RetentionWindow != 720*time.Hour || cfg.RetryInitialInterval != 10*time.Millisecond {
		t.Fatalf("unexpected durations %s %s", cfg.RetentionWindow, cfg.RetryInitialInterval)
	}
	if cfg.RehirePolicy != core.RehireRestorePrior || cfg.BoundsPolicy != core.BoundsClamp {
		t.Fatalf("unexpected policies %s %s", cfg.RehirePolicy, cfg.BoundsPolicy)
	}
	if cfg.ReferentialIntegrity || !cfg.DetailedReport {
		t.Fatalf("expected booleans from file")
	}
	if !cfg.DefaultBounds.Max.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("unexpected default max %s", cfg.DefaultBounds.Max)
	}
	planA := cfg.BoundsFor("Plan-A")
	if !planA.Min.IsZero() || !planA.Max.Equal(decimal.RequireFromString("0.15")) {
		t.Fatalf("plan ids must keep case; got %+v", planA)
	}
	planB := cfg.BoundsFor("plan-b")
	if !planB.Min.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("unexpected plan-b bounds %+v", planB)
	}
	if b, ok := cfg.BaselineFor("Plan-A"); !ok || !b.Equal(decimal.RequireFromString("0.04")) {
		t.Fatalf("unexpected plan baseline %s %v", b, ok)
	}
	if b, ok := cfg.BaselineFor("other"); !ok || !b.Equal(decimal.RequireFromString("0.03")) {
		t.Fatalf("unexpected default baseline %s %v", b, ok)
	}
	if p, _ := cfg.PriorityFor(domain.EventEscalation); p != 2 {
		t.Fatalf("unexpected escalation priority %d", p)
	}
	if !cfg.ReconcileEpsilon.Equal(decimal.RequireFromString("0.000001")) {
		t.Fatalf("unexpected epsilon %s", cfg.ReconcileEpsilon)
	}
}

func TestLoadPolicyDefaultsAndEnvOverride(t *testing.T) {
	t.Setenv("PLANSTATE_REHIRE_POLICY", "reset_to_baseline")
	t.Setenv("PLANSTATE_DELTA_THRESHOLD", "42")
	cfg, err := LoadPolicy("")
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	def := core.DefaultConfig()
	if cfg.RehirePolicy != core.RehireResetToBaseline || cfg.DeltaThreshold != 42 {
		t.Fatalf("env overrides not applied: %s %d", cfg.RehirePolicy, cfg.DeltaThreshold)
	}
	if cfg.PeriodMonths != def.PeriodMonths || !cfg.DefaultBounds.Max.Equal(def.DefaultBounds.Max) {
		t.Fatalf("defaults not preserved: %+v", cfg)
	}
	if cfg.DefaultBaseline != nil {
		t.Fatalf("baseline must stay unset by default")
	}
}

func TestLoadPolicyRejectsInvalidDocuments(t *testing.T) {
	for _, name := range []string{"bad_decimal.yaml", "unknown_key.yaml", "missing.yaml"} {
		_, err := LoadPolicy(filepath.Join("testdata", name))
		if domain.CodeOf(err) != domain.CodeInvalidConfig {
			t.Fatalf("%s: expected invalid_config, got %v", name, err)
		}
	}
	t.Setenv("PLANSTATE_PERIOD_MONTHS", "5")
	if _, err := LoadPolicy(""); domain.CodeOf(err) != domain.CodeInvalidConfig {
		t.Fatalf("expected period_months validation error, got %v", err)
	}
}

func TestLoadRuntime(t *testing.T) {
	t.Setenv("PLANSTATE_STORAGE_DRIVER", "Memory")
	t.Setenv("PLANSTATE_BLOB_DRIVER", "memory")
	t.Setenv("PLANSTATE_CORS_ORIGINS", "http://a.test,http://b.test")
	rt, err := LoadRuntime()
	if err != nil {
		t.Fatalf("LoadRuntime: %v", err)
	}
	if rt.Storage().Driver != core.StorageMemory || rt.Blob().Driver != blob.DriverMemory {
		t.Fatalf("unexpected drivers %+v %+v", rt.Storage(), rt.Blob())
	}
	if rt.HTTPAddr != ":8080" || len(rt.CORSOrigins) != 2 || rt.RunQueueSize != 16 {
		t.Fatalf("unexpected runtime %+v", rt)
	}
}

func TestRuntimeValidate(t *testing.T) {
	cases := []Runtime{
		{StorageDriver: "postgres", RunQueueSize: 1},
		{StorageDriver: "oracle", RunQueueSize: 1},
		{StorageDriver: "sqlite", BlobDriver: "s3", RunQueueSize: 1},
		{StorageDriver: "sqlite", RunQueueSize: 0},
	}
	for i, rt := range cases {
		if err := rt.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}
