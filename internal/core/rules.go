package core

import "planstate/pkg/domain"

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds a rules engine with the built-in integrity battery.
func NewDefaultRulesEngine(cfg Config) *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(CompositeKeyRule())
	engine.Register(SingleCurrentPeriodRule())
	engine.Register(ValueRangeRule())
	engine.Register(BoundsFlaggedRule())
	engine.Register(GridCompletenessRule(cfg.PeriodMonths))
	engine.Register(VersionMonotonicRule())
	if cfg.ReferentialIntegrity {
		engine.Register(ReferentialIntegrityRule())
		engine.Register(TerminatedEntityRule())
	}
	engine.Register(AuditTrailRule())
	engine.Register(SnapshotReconciliationRule(cfg.ReconcileEpsilon))
	return engine
}

func violation(rule domain.Rule, key domain.Key, period *domain.Date, message string) domain.Violation {
	return domain.Violation{
		Rule:     rule.Name(),
		Severity: rule.Severity(),
		Message:  message,
		Key:      key,
		Period:   period,
	}
}

func periodRef(p domain.PeriodState) *domain.Date {
	d := p.Period.Start
	return &d
}
