package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"planstate/internal/infra/persistence/memory"
	"planstate/pkg/domain"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
)

const (
	testScenario = "baseline"
	testPlan     = "plan-a"
)

func testKey(entity string) domain.Key {
	return domain.Key{ScenarioID: testScenario, PlanID: testPlan, EntityID: entity}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func date(s string) domain.Date {
	return domain.MustDate(s)
}

// testConfig is DefaultConfig with a 3% baseline for testPlan, bounds of
// [0, 0.50], restore_prior rehires and referential integrity off.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Baselines[testPlan] = dec("0.03")
	cfg.DefaultBounds = Bounds{Min: decimal.Zero, Max: dec("0.50")}
	cfg.RehirePolicy = RehireRestorePrior
	cfg.ReferentialIntegrity = false
	cfg.Concurrency = 4
	cfg.RetryInitialInterval = time.Millisecond
	return cfg
}

func valueEvent(key domain.Key, id domain.EventID, typ domain.EventType, day, value string, priority int) domain.Event {
	return domain.Event{
		EventID:       id,
		Key:           key,
		EventType:     typ,
		EffectiveDate: date(day),
		Value:         dec(value),
		Priority:      priority,
	}
}

func lifecycleEvent(key domain.Key, id domain.EventID, typ domain.EventType, day string) domain.Event {
	return domain.Event{
		EventID:       id,
		Key:           key,
		EventType:     typ,
		EffectiveDate: date(day),
		Priority:      1,
	}
}

func mustAppend(t *testing.T, store domain.EventStore, events ...domain.Event) []domain.EventID {
	t.Helper()
	ids := make([]domain.EventID, 0, len(events))
	for _, e := range events {
		id, err := store.Append(context.Background(), e)
		if err != nil {
			t.Fatalf("append %s %s: %v", e.EventType, e.EffectiveDate, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func newTestService(t *testing.T, cfg Config, opts ...ServiceOption) *Service {
	t.Helper()
	svc, err := NewService(memory.NewStore(), cfg, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func assertCode(t *testing.T, err error, want domain.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := domain.CodeOf(err); got != want {
		t.Fatalf("expected %s error, got %s (%v)", want, got, err)
	}
}
