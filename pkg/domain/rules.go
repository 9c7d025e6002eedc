package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// RuleView provides read-only access to one entity's materialized state for
// rule evaluation.
type RuleView interface {
	Key() Key
	Periods() []PeriodState
	RunVersion() int64
	PreviousRunVersion() int64
	Snapshots() []Snapshot
	Entity() (Entity, bool)
	Lifecycle() Lifecycle
	Bounds() (min, max decimal.Decimal)
	// Replay recomputes the value at asOf from the event store.
	Replay(ctx context.Context, asOf Date) (decimal.Decimal, error)
}

// Rule defines an invariant check evaluated per entity.
type Rule interface {
	Name() string
	Severity() Severity
	Evaluate(ctx context.Context, view RuleView) (Result, error)
}

// RulesEngine orchestrates rule evaluation.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine constructs an engine instance.
func NewRulesEngine() *RulesEngine {
	return &RulesEngine{}
}

// Register appends a rule to the engine.
func (e *RulesEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Rules returns the registered rules in registration order.
func (e *RulesEngine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Evaluate executes all registered rules and aggregates their results.
func (e *RulesEngine) Evaluate(ctx context.Context, view RuleView) (Result, error) {
	var combined Result
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, view)
		if err != nil {
			return Result{}, err
		}
		combined.Merge(res)
	}
	return combined, nil
}
